// Package protocol defines the shared wire and storage types for the drover
// swarm: task and worker state enums, the coordination message tagged union,
// the SQLite schema, and typed errors used across process boundaries.
package protocol

import (
	"fmt"
	"strings"
)

// Priority orders tasks for claim attempts. Higher values are claimed first.
type Priority int

// Priority levels, highest first.
const (
	PriorityCritical Priority = 3
	PriorityHigh     Priority = 2
	PriorityNormal   Priority = 1
	PriorityLow      Priority = 0
)

// String returns the canonical lowercase name for p.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a priority name to a Priority. Unknown names map to
// PriorityNormal so a malformed ledger row degrades instead of blocking.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// WorkerState is the registry lifecycle state of a worker.
type WorkerState string

// Worker lifecycle states. Workers are never deleted; offline workers are
// retained for audit but excluded from claims.
const (
	WorkerRegistered WorkerState = "registered"
	WorkerActive     WorkerState = "active"
	WorkerStale      WorkerState = "stale"
	WorkerOffline    WorkerState = "offline"
)

// ClaimStatus is the local view of a task's claim lifecycle.
type ClaimStatus string

// Claim status constants.
const (
	ClaimUnclaimed ClaimStatus = "unclaimed"
	ClaimClaimed   ClaimStatus = "claimed"
	ClaimCompleted ClaimStatus = "completed"
	ClaimFailed    ClaimStatus = "failed"
)

// TaskRef is a ready work item from the external ledger.
type TaskRef struct {
	ID           string   `json:"id"`
	Title        string   `json:"title"`
	Priority     string   `json:"priority"`
	Capabilities []string `json:"required_capabilities,omitempty"`
}

// GateResult is the outcome of one named verification gate. A batch of
// results for a stage transition is immutable once produced.
type GateResult struct {
	Name     string         `json:"name"`
	Category string         `json:"category,omitempty"` // retry-budget category (test, lint, build, security, mutation)
	Passed   bool           `json:"passed"`
	Skipped  bool           `json:"skipped,omitempty"` // missing tool: recorded, not a failure
	Reason   string         `json:"reason,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// EscalationType classifies a structured escalation message.
type EscalationType string

// Escalation type constants for [DROVER] messages.
const (
	EscBudgetExhausted EscalationType = "BUDGET_EXHAUSTED"
	EscDeadLetter      EscalationType = "DEAD_LETTER"
	EscStuckWorker     EscalationType = "STUCK_WORKER"
	EscWorkerCrash     EscalationType = "WORKER_CRASH"
	EscLedger          EscalationType = "LEDGER_INCONSISTENT"
)

// FormatEscalation produces a structured escalation message in the form:
//
//	[DROVER] <TYPE>: <task-id> — <summary>. <details>.
//
// If details is empty the trailing details clause is omitted.
func FormatEscalation(typ EscalationType, taskID, summary, details string) string {
	if details != "" {
		return fmt.Sprintf("[DROVER] %s: %s — %s. %s.", typ, taskID, summary, details)
	}
	return fmt.Sprintf("[DROVER] %s: %s — %s.", typ, taskID, summary)
}

// HasCapabilities reports whether the worker capability set have covers all
// of need. An empty need matches any worker.
func HasCapabilities(have, need []string) bool {
	if len(need) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, c := range need {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}
