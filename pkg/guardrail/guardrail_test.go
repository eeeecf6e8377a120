package guardrail_test

import (
	"errors"
	"testing"

	"drover/pkg/guardrail"
)

func TestRulesEvaluateInOrder(t *testing.T) {
	t.Parallel()
	i := guardrail.New("/home/dev/.drover/ledger")
	bound := guardrail.Context{TaskID: "dv-42", WorkerID: "w-1"}

	tests := []struct {
		name     string
		actx     guardrail.Context
		action   guardrail.Action
		wantRule string
	}{
		{
			name:     "unbound process rejected for any action",
			actx:     guardrail.Context{WorkerID: "w-1"},
			action:   guardrail.Write("/tmp/out.go"),
			wantRule: guardrail.RuleNoTaskID,
		},
		{
			name:     "write into ledger area",
			actx:     bound,
			action:   guardrail.Write("/home/dev/.drover/ledger/tasks.db"),
			wantRule: guardrail.RuleNoLedgerWrite,
		},
		{
			name:     "commit without work unit reference",
			actx:     bound,
			action:   guardrail.Commit("fix the bug"),
			wantRule: guardrail.RuleNoTaskIDInCommit,
		},
		{
			name:     "checkout of protected branch",
			actx:     bound,
			action:   guardrail.Checkout("main"),
			wantRule: guardrail.RuleForbiddenBranch,
		},
		{
			name:     "checkout of protected release line",
			actx:     bound,
			action:   guardrail.Checkout("release/1.4"),
			wantRule: guardrail.RuleForbiddenBranch,
		},
		{
			name:   "ordinary write allowed",
			actx:   bound,
			action: guardrail.Write("/home/dev/project/main.go"),
		},
		{
			name:   "commit referencing work unit allowed",
			actx:   bound,
			action: guardrail.Commit("dv-42: handle empty input"),
		},
		{
			name:   "per-task branch allowed",
			actx:   bound,
			action: guardrail.Checkout("task/dv-42"),
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v := i.Check(tt.actx, tt.action)
			if tt.wantRule == "" {
				if v != nil {
					t.Fatalf("want allow, got violation %s", v.Rule)
				}
				return
			}
			if v == nil {
				t.Fatalf("want violation %s, got allow", tt.wantRule)
			}
			if v.Rule != tt.wantRule {
				t.Errorf("rule: want %s, got %s", tt.wantRule, v.Rule)
			}
		})
	}
}

func TestCheckIsDeterministic(t *testing.T) {
	t.Parallel()
	i := guardrail.New("/ledger")
	actx := guardrail.Context{TaskID: "dv-7"}
	action := guardrail.Commit("tidy imports")

	first := i.Check(actx, action)
	if first == nil {
		t.Fatal("want a violation")
	}
	for n := 0; n < 50; n++ {
		v := i.Check(actx, action)
		if v == nil || v.Rule != first.Rule || v.Detail != first.Detail {
			t.Fatalf("run %d: decision changed: %+v vs %+v", n, v, first)
		}
	}
}

func TestRejectedCommitHasNoPartialEffect(t *testing.T) {
	t.Parallel()
	i := guardrail.New("")

	// The executor pattern: check first, act only on nil.
	committed := false
	commit := func(actx guardrail.Context, msg string) error {
		if v := i.Check(actx, guardrail.Commit(msg)); v != nil {
			return v
		}
		committed = true
		return nil
	}

	err := commit(guardrail.Context{TaskID: "dv-9"}, "refactor parser")
	var v *guardrail.Violation
	if !errors.As(err, &v) || v.Rule != guardrail.RuleNoTaskIDInCommit {
		t.Fatalf("want no_task_id_in_commit, got %v", err)
	}
	if committed {
		t.Error("violated action must have no partial effect")
	}
}

func TestLedgerBoundaryIsPathAware(t *testing.T) {
	t.Parallel()
	i := guardrail.New("/home/dev/.drover/ledger")
	actx := guardrail.Context{TaskID: "dv-1"}

	// A sibling directory sharing the prefix string is not inside the ledger.
	if v := i.Check(actx, guardrail.Write("/home/dev/.drover/ledger-backup/x")); v != nil {
		t.Errorf("sibling dir rejected: %s", v.Rule)
	}
	// Traversal back into the ledger is.
	if v := i.Check(actx, guardrail.Write("/home/dev/project/../.drover/ledger/x")); v == nil {
		t.Error("traversal into ledger allowed")
	}
}
