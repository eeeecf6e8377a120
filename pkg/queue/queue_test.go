package queue_test

import (
	"testing"

	"drover/pkg/protocol"
	"drover/pkg/queue"
)

func TestRebuildOrdersByPriority(t *testing.T) {
	t.Parallel()

	q := queue.New()
	q.Rebuild([]protocol.TaskRef{
		{ID: "t-low", Priority: "low"},
		{ID: "t-crit", Priority: "critical"},
		{ID: "t-norm-1", Priority: "normal"},
		{ID: "t-high", Priority: "high"},
		{ID: "t-norm-2", Priority: "normal"},
	})

	got := q.Candidates(nil)
	want := []string{"t-crit", "t-high", "t-norm-1", "t-norm-2", "t-low"}
	if len(got) != len(want) {
		t.Fatalf("candidates: want %d, got %d", len(want), len(got))
	}
	for i, ref := range got {
		if ref.ID != want[i] {
			t.Errorf("position %d: want %s, got %s", i, want[i], ref.ID)
		}
	}
}

func TestCandidatesFiltersByCapability(t *testing.T) {
	t.Parallel()

	q := queue.New()
	q.Rebuild([]protocol.TaskRef{
		{ID: "t-any", Priority: "normal"},
		{ID: "t-go", Priority: "critical", Capabilities: []string{"go"}},
		{ID: "t-sec", Priority: "critical", Capabilities: []string{"go", "security"}},
	})

	tests := []struct {
		name string
		caps []string
		want []string
	}{
		{name: "no capabilities", caps: nil, want: []string{"t-any"}},
		{name: "go only", caps: []string{"go"}, want: []string{"t-go", "t-any"}},
		{name: "go and security", caps: []string{"go", "security"}, want: []string{"t-go", "t-sec", "t-any"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := q.Candidates(tc.caps)
			if len(got) != len(tc.want) {
				t.Fatalf("candidates: want %v, got %+v", tc.want, got)
			}
			for i, ref := range got {
				if ref.ID != tc.want[i] {
					t.Errorf("position %d: want %s, got %s", i, tc.want[i], ref.ID)
				}
			}
		})
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	q := queue.New()
	q.Rebuild([]protocol.TaskRef{
		{ID: "t-1", Priority: "high"},
		{ID: "t-2", Priority: "normal"},
	})

	q.Remove("t-1")
	if q.Len() != 1 {
		t.Fatalf("len after remove: want 1, got %d", q.Len())
	}
	if got := q.Candidates(nil); got[0].ID != "t-2" {
		t.Errorf("remaining task: want t-2, got %s", got[0].ID)
	}

	// Removing an unknown id is a no-op.
	q.Remove("t-404")
	if q.Len() != 1 {
		t.Errorf("len after no-op remove: want 1, got %d", q.Len())
	}
}
