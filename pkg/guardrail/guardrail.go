// Package guardrail is the synchronous policy check a worker's executing
// stage must pass before any side-effecting action. Rules run in a fixed
// order; the first violated rule aborts the action with a structured
// violation naming the rule. The check is pure: the same context and action
// always produce the same decision.
package guardrail

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Rule identifiers, in evaluation order.
const (
	RuleNoTaskID         = "no_task_id"
	RuleNoLedgerWrite    = "no_ledger_write"
	RuleNoTaskIDInCommit = "no_task_id_in_commit"
	RuleForbiddenBranch  = "forbidden_branch"
)

// ActionKind discriminates side-effecting actions.
type ActionKind string

// Action kinds.
const (
	ActionWrite    ActionKind = "write"
	ActionCommit   ActionKind = "commit"
	ActionCheckout ActionKind = "checkout"
)

// Action is one side-effecting operation the executing stage wants to take.
// Target holds the path, commit message, or branch name depending on Kind.
type Action struct {
	Kind   ActionKind
	Target string
}

// Write describes a file write to path.
func Write(path string) Action { return Action{Kind: ActionWrite, Target: path} }

// Commit describes a git commit with the given message.
func Commit(message string) Action { return Action{Kind: ActionCommit, Target: message} }

// Checkout describes a branch checkout.
func Checkout(branch string) Action { return Action{Kind: ActionCheckout, Target: branch} }

// Context is the work-unit binding of the acting process.
type Context struct {
	TaskID   string
	WorkerID string
}

// Violation is a policy breach. It is always fatal to the attempted action.
type Violation struct {
	Rule   string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("guardrail violation %s: %s", v.Rule, v.Detail)
}

// Interceptor evaluates the rule set against proposed actions.
type Interceptor struct {
	// LedgerDir is the reserved ledger storage area; writes under it are
	// rejected. Empty disables the rule.
	LedgerDir string
	// ProtectedBranches are exact branch names that may not be checked out
	// directly. ProtectedPrefixes match by prefix (release lines).
	ProtectedBranches []string
	ProtectedPrefixes []string
}

// New creates an Interceptor with the default protected branch set.
func New(ledgerDir string) *Interceptor {
	return &Interceptor{
		LedgerDir:         ledgerDir,
		ProtectedBranches: []string{"main", "master", "develop"},
		ProtectedPrefixes: []string{"release/"},
	}
}

// Check evaluates the rules in order against the proposed action. A nil
// return allows the action; a non-nil *Violation names the first rule
// breached. The caller must abort the action entirely on violation.
func (i *Interceptor) Check(actx Context, action Action) *Violation {
	if actx.TaskID == "" {
		return &Violation{
			Rule:   RuleNoTaskID,
			Detail: "no work unit bound to the acting process",
		}
	}
	if action.Kind == ActionWrite && i.insideLedger(action.Target) {
		return &Violation{
			Rule:   RuleNoLedgerWrite,
			Detail: "write targets the reserved ledger area: " + action.Target,
		}
	}
	if action.Kind == ActionCommit && !strings.Contains(action.Target, actx.TaskID) {
		return &Violation{
			Rule:   RuleNoTaskIDInCommit,
			Detail: "commit message does not reference work unit " + actx.TaskID,
		}
	}
	if action.Kind == ActionCheckout && i.protectedBranch(action.Target) {
		return &Violation{
			Rule:   RuleForbiddenBranch,
			Detail: "checkout of protected branch " + action.Target,
		}
	}
	return nil
}

func (i *Interceptor) insideLedger(path string) bool {
	if i.LedgerDir == "" {
		return false
	}
	rel, err := filepath.Rel(i.LedgerDir, filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

func (i *Interceptor) protectedBranch(branch string) bool {
	for _, b := range i.ProtectedBranches {
		if branch == b {
			return true
		}
	}
	for _, p := range i.ProtectedPrefixes {
		if strings.HasPrefix(branch, p) {
			return true
		}
	}
	return false
}
