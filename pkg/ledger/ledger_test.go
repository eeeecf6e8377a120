package ledger_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"drover/pkg/ledger"
)

// mockCommandRunner records calls and returns pre-configured output or errors.
type mockCommandRunner struct {
	output []byte
	err    error
	calls  []string
}

func (m *mockCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.calls = append(m.calls, name+" "+strings.Join(args, " "))
	if m.err != nil {
		return nil, m.err
	}
	return m.output, nil
}

func TestReadyParsesAndFiltersByCapability(t *testing.T) {
	t.Parallel()
	runner := &mockCommandRunner{output: []byte(`[
		{"id":"t-1","title":"add parser","priority":"high"},
		{"id":"t-2","title":"migrate schema","priority":"critical","required_capabilities":["db"]},
		{"id":"t-3","title":"tune cache","priority":"low","required_capabilities":["db","perf"]}
	]`)}
	c := ledger.NewClient(runner)

	tasks, err := c.Ready(context.Background(), []string{"db"})
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	// t-1 needs nothing, t-2 needs db; t-3 also needs perf.
	if len(ids) != 2 || ids[0] != "t-1" || ids[1] != "t-2" {
		t.Errorf("filtered ready: want [t-1 t-2], got %v", ids)
	}
	if len(runner.calls) != 1 || runner.calls[0] != "taskctl ready --json" {
		t.Errorf("calls: %v", runner.calls)
	}
}

func TestReadyEmptyFilterReturnsAll(t *testing.T) {
	t.Parallel()
	runner := &mockCommandRunner{output: []byte(`[
		{"id":"t-1","required_capabilities":["db"]},
		{"id":"t-2","required_capabilities":["perf"]}
	]`)}
	c := ledger.NewClient(runner)

	tasks, err := c.Ready(context.Background(), nil)
	if err != nil {
		t.Fatalf("ready: %v", err)
	}
	if len(tasks) != 2 {
		t.Errorf("want 2 tasks, got %d", len(tasks))
	}
}

func TestReadyMalformedOutput(t *testing.T) {
	t.Parallel()
	c := ledger.NewClient(&mockCommandRunner{output: []byte("not json")})
	if _, err := c.Ready(context.Background(), nil); err == nil {
		t.Fatal("want parse error")
	}
}

func TestCreateDependent(t *testing.T) {
	t.Parallel()
	runner := &mockCommandRunner{output: []byte(`{"id":"t-99"}`)}
	c := ledger.NewClient(runner)

	id, err := c.CreateDependent(context.Background(), "Fix lint failure", "t-1",
		map[string]string{"category": "lint"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "t-99" {
		t.Errorf("id: want t-99, got %s", id)
	}
	call := runner.calls[0]
	for _, want := range []string{"taskctl create", "--json", "--title=Fix lint failure", "--depends-on=t-1", "--meta=category=lint"} {
		if !strings.Contains(call, want) {
			t.Errorf("call missing %q: %s", want, call)
		}
	}
}

func TestCreateDependentEmptyID(t *testing.T) {
	t.Parallel()
	c := ledger.NewClient(&mockCommandRunner{output: []byte(`{}`)})
	if _, err := c.CreateDependent(context.Background(), "x", "t-1", nil); err == nil {
		t.Fatal("want error on empty id")
	}
}

func TestCloseWrapsRunnerError(t *testing.T) {
	t.Parallel()
	boom := errors.New("taskctl: no such task")
	c := ledger.NewClient(&mockCommandRunner{err: boom})

	err := c.Close(context.Background(), "t-404", "done")
	if !errors.Is(err, boom) {
		t.Fatalf("want wrapped runner error, got %v", err)
	}
}

func TestHasDependencyCycle(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		output string
		want   bool
	}{
		{"cycle", `{"cycle":true}`, true},
		{"no cycle", `{"cycle":false}`, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := ledger.NewClient(&mockCommandRunner{output: []byte(tt.output)})
			got, err := c.HasDependencyCycle(context.Background(), "t-1")
			if err != nil {
				t.Fatalf("deps: %v", err)
			}
			if got != tt.want {
				t.Errorf("cycle: want %v, got %v", tt.want, got)
			}
		})
	}
}
