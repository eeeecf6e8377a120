// Package ledger is the client for the external task ledger. The ledger owns
// task identity and dependency structure; drover holds only a local claim
// view. The client shells out to the taskctl CLI so the ledger's storage
// engine stays out of process.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"drover/pkg/protocol"
)

// CommandRunner abstracts command execution for testability.
// Production implementation uses os/exec; tests provide a mock.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecCommandRunner implements CommandRunner using os/exec.
type ExecCommandRunner struct{}

// Run executes a command and returns its stdout as bytes.
func (r *ExecCommandRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if ok := errors.As(err, &exitErr); ok {
			return nil, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, exitErr.Stderr)
		}
		return nil, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

// Client talks to the ledger through the taskctl CLI.
type Client struct {
	runner CommandRunner
}

// NewClient creates a Client backed by the given CommandRunner.
func NewClient(runner CommandRunner) *Client {
	return &Client{runner: runner}
}

// Ready runs `taskctl ready --json` and returns the claimable tasks whose
// required capabilities are covered by filter. An empty filter returns all
// ready tasks.
func (c *Client) Ready(ctx context.Context, filter []string) ([]protocol.TaskRef, error) {
	out, err := c.runner.Run(ctx, "taskctl", "ready", "--json")
	if err != nil {
		return nil, fmt.Errorf("taskctl ready: %w", err)
	}

	var tasks []protocol.TaskRef
	if err := json.Unmarshal(out, &tasks); err != nil {
		return nil, fmt.Errorf("parse taskctl ready output: %w", err)
	}
	if len(filter) == 0 {
		return tasks, nil
	}
	matched := tasks[:0]
	for _, t := range tasks {
		if protocol.HasCapabilities(filter, t.Capabilities) {
			matched = append(matched, t)
		}
	}
	return matched, nil
}

// Close runs `taskctl close <id> --reason="<reason>"`.
func (c *Client) Close(ctx context.Context, id, reason string) error {
	_, err := c.runner.Run(ctx, "taskctl", "close", id, "--reason="+reason)
	if err != nil {
		return fmt.Errorf("taskctl close %s: %w", id, err)
	}
	return nil
}

// createReply is taskctl's response to a create call.
type createReply struct {
	ID string `json:"id"`
}

// CreateDependent runs `taskctl create` for a task that depends on an
// existing one and returns the new task's id.
func (c *Client) CreateDependent(ctx context.Context, title, dependsOn string, metadata map[string]string) (string, error) {
	args := []string{"create", "--json", "--title=" + title, "--depends-on=" + dependsOn}
	for k, v := range metadata {
		args = append(args, "--meta="+k+"="+v)
	}
	out, err := c.runner.Run(ctx, "taskctl", args...)
	if err != nil {
		return "", fmt.Errorf("taskctl create: %w", err)
	}

	var reply createReply
	if err := json.Unmarshal(out, &reply); err != nil {
		return "", fmt.Errorf("parse taskctl create output: %w", err)
	}
	if reply.ID == "" {
		return "", fmt.Errorf("taskctl create: empty id in reply")
	}
	return reply.ID, nil
}

// cycleReply is taskctl's response to a deps check.
type cycleReply struct {
	Cycle bool `json:"cycle"`
}

// HasDependencyCycle runs `taskctl deps <id> --check-cycle --json` and
// reports whether the task participates in a dependency cycle.
func (c *Client) HasDependencyCycle(ctx context.Context, id string) (bool, error) {
	out, err := c.runner.Run(ctx, "taskctl", "deps", id, "--check-cycle", "--json")
	if err != nil {
		return false, fmt.Errorf("taskctl deps %s: %w", id, err)
	}

	var reply cycleReply
	if err := json.Unmarshal(out, &reply); err != nil {
		return false, fmt.Errorf("parse taskctl deps output: %w", err)
	}
	return reply.Cycle, nil
}
