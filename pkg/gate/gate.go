// Package gate runs named verification gates against a task's work tree and
// reports structured results. Gates never abort a batch: an unknown gate name
// produces a failed result, a missing tool produces a skipped result, and the
// caller aggregates the batch with a plain AND.
package gate

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"drover/pkg/protocol"
)

// DefaultGateTimeout bounds each individual gate run.
const DefaultGateTimeout = 30 * time.Second

// CommandRunner abstracts tool execution for testability. dir is the working
// directory for the command.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

// ExecRunner implements CommandRunner using os/exec.
type ExecRunner struct{}

// Run executes a command in dir and returns its combined output.
func (r *ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// Artifacts describes the material a gate batch runs against.
type Artifacts struct {
	// RepoDir is the post-change work tree.
	RepoDir string
	// BaseDir is a checkout of the pre-change tree, used by gates that
	// compare behavior before and after the change. May be empty.
	BaseDir string
	// TestPattern selects the new tests for the tdd gate, substituted into
	// the tree's langprofile filter command.
	TestPattern string
}

// Gate is one named verification check.
type Gate interface {
	Name() string
	// Category is the retry-budget bucket a failure of this gate charges.
	Category() string
	Run(ctx context.Context, art Artifacts) protocol.GateResult
}

// Engine runs gates by name in the order requested.
type Engine struct {
	Timeout time.Duration

	gates map[string]Gate
}

// NewEngine creates an Engine with the builtin gates registered against the
// given runner.
func NewEngine(runner CommandRunner) *Engine {
	e := &Engine{Timeout: DefaultGateTimeout, gates: make(map[string]Gate)}
	e.Register(&TDDGate{Runner: runner})
	e.Register(&MutationGate{Runner: runner, MinScore: DefaultMutationScore})
	e.Register(&LintGate{Runner: runner})
	e.Register(&SecurityGate{Runner: runner})
	e.Register(&BuildGate{Runner: runner})
	return e
}

// Register adds or replaces a gate.
func (e *Engine) Register(g Gate) { e.gates[g.Name()] = g }

// Run executes the named gates in order and returns one result per name.
// An unknown name yields a failed result rather than an error, so a
// misconfigured stage cannot be mistaken for a passing one.
func (e *Engine) Run(ctx context.Context, names []string, art Artifacts) []protocol.GateResult {
	results := make([]protocol.GateResult, 0, len(names))
	for _, name := range names {
		g, ok := e.gates[name]
		if !ok {
			results = append(results, protocol.GateResult{
				Name:   name,
				Passed: false,
				Reason: "unknown gate",
			})
			continue
		}
		gctx, cancel := context.WithTimeout(ctx, e.Timeout)
		res := g.Run(gctx, art)
		cancel()
		results = append(results, res)
	}
	return results
}

// Aggregate reports whether every result in the batch passed. Skipped gates
// pass: a missing tool is recorded, not punished.
func Aggregate(results []protocol.GateResult) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

// FirstFailure returns the first non-passing result, or nil if all passed.
func FirstFailure(results []protocol.GateResult) *protocol.GateResult {
	for i := range results {
		if !results[i].Passed {
			return &results[i]
		}
	}
	return nil
}

// skippedResult builds the standard result for a gate whose tool is absent.
func skippedResult(name, category, tool string) protocol.GateResult {
	return protocol.GateResult{
		Name:     name,
		Category: category,
		Passed:   true,
		Skipped:  true,
		Reason:   tool + " not installed",
	}
}

// toolMissing reports whether err means the binary could not be found.
func toolMissing(err error) bool {
	return errors.Is(err, exec.ErrNotFound)
}
