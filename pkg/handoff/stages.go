package handoff

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"
)

// Reserved stage names the machine manages itself. They are not declared in
// the stage table: complete and escalate are terminal, blocked parks a
// requires_human_approval stage, and <category>_fix_loop stages are derived
// from failure categories.
const (
	StageComplete = "complete"
	StageEscalate = "escalate"
	StageBlocked  = "blocked"

	fixLoopSuffix = "_fix_loop"
)

// StageDef declares one pipeline stage: the gates required to exit it and
// where success leads.
type StageDef struct {
	Gates                 []string `toml:"gates"`
	OnSuccess             string   `toml:"on_success"`
	RequiresHumanApproval bool     `toml:"requires_human_approval"`
}

// Table is the full stage configuration, loaded from stages.toml.
type Table struct {
	Initial string              `toml:"initial"`
	Stages  map[string]StageDef `toml:"stages"`
	Budgets map[string]int      `toml:"budgets"`
}

// DefaultTable returns the built-in pipeline:
// planning → coding → testing → security_audit → merge_authority → complete.
func DefaultTable() *Table {
	return &Table{
		Initial: "planning",
		Stages: map[string]StageDef{
			"planning":       {OnSuccess: "coding"},
			"coding":         {Gates: []string{"build", "lint"}, OnSuccess: "testing"},
			"testing":        {Gates: []string{"tdd", "mutation"}, OnSuccess: "security_audit"},
			"security_audit": {Gates: []string{"security"}, OnSuccess: "merge_authority"},
			"merge_authority": {
				Gates:                 []string{"build"},
				OnSuccess:             StageComplete,
				RequiresHumanApproval: true,
			},
		},
		Budgets: map[string]int{"security": 1, "lint": 3, "build": 2, "test": 3},
	}
}

// ParseTable loads and validates a stage table from TOML.
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := toml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse stage table: %w", err)
	}
	if t.Budgets == nil {
		t.Budgets = DefaultTable().Budgets
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks the table at startup: the initial stage exists, every
// on_success target is declared or terminal, budgets are non-negative, every
// stage is reachable from the initial one, and following on_success never
// cycles.
func (t *Table) Validate() error {
	if _, ok := t.Stages[t.Initial]; !ok {
		return fmt.Errorf("stage table: initial stage %q not declared", t.Initial)
	}
	for name, def := range t.Stages {
		if def.OnSuccess == "" {
			return fmt.Errorf("stage table: stage %q has no on_success target", name)
		}
		if def.OnSuccess == StageComplete {
			continue
		}
		if _, ok := t.Stages[def.OnSuccess]; !ok {
			return fmt.Errorf("stage table: stage %q targets undeclared stage %q", name, def.OnSuccess)
		}
	}
	for cat, n := range t.Budgets {
		if n < 0 {
			return fmt.Errorf("stage table: negative budget %d for category %q", n, cat)
		}
	}

	// Walk the success path: it must visit every declared stage and reach
	// complete without revisiting a stage.
	seen := map[string]bool{}
	cur := t.Initial
	for cur != StageComplete {
		if seen[cur] {
			return fmt.Errorf("stage table: success cycle through stage %q", cur)
		}
		seen[cur] = true
		cur = t.Stages[cur].OnSuccess
	}
	for name := range t.Stages {
		if !seen[name] {
			return fmt.Errorf("stage table: stage %q unreachable from %q", name, t.Initial)
		}
	}
	return nil
}

// isFixLoop reports whether name is a derived fix-loop stage and returns its
// failure category.
func isFixLoop(name string) (string, bool) {
	if len(name) > len(fixLoopSuffix) && name[len(name)-len(fixLoopSuffix):] == fixLoopSuffix {
		return name[:len(name)-len(fixLoopSuffix)], true
	}
	return "", false
}
