// Package merge integrates approved task branches into the mainline.
// An Integrator serializes rebase + fast-forward merges behind a mutex so
// concurrent approvals cannot race main past each other; a conflicting
// rebase is aborted and reported, never left half-done.
package merge

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// GitRunner abstracts git command execution for testability.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error)
}

// Opts holds parameters for one branch integration.
type Opts struct {
	// Branch is the task branch to integrate (e.g. "task/abc").
	Branch string
	// RepoDir is the repository the branch lives in.
	RepoDir string
	// TaskID is carried for error context.
	TaskID string
}

// Result holds the outcome of a successful integration.
type Result struct {
	CommitSHA string
}

// ConflictError is returned when the rebase hits merge conflicts. The rebase
// has already been aborted; the branch is intact and the caller decides
// whether to escalate.
type ConflictError struct {
	TaskID string
	Files  []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge conflict integrating task %s: conflicting files: %s",
		e.TaskID, strings.Join(e.Files, ", "))
}

// Integrator performs serialized branch integrations.
type Integrator struct {
	mu  sync.Mutex
	git GitRunner
}

// NewIntegrator creates an Integrator with the given GitRunner.
func NewIntegrator(git GitRunner) *Integrator {
	return &Integrator{git: git}
}

// Integrate rebases the task branch onto main and fast-forwards main to it:
//
//  1. If every branch commit is already reachable from main, return main's
//     HEAD without touching anything.
//  2. git rebase main <branch>; on conflict abort and return *ConflictError.
//  3. git checkout main && git merge --ff-only <branch>.
//
// The ff-only merge keeps the branch's commit hashes on main unchanged.
// Only one Integrate runs at a time.
func (i *Integrator) Integrate(ctx context.Context, opts Opts) (*Result, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	merged, sha, err := i.alreadyMerged(ctx, opts)
	if err == nil && merged {
		return &Result{CommitSHA: sha}, nil
	}

	_, stderr, err := i.git.Run(ctx, opts.RepoDir, "rebase", "main", opts.Branch)
	if err != nil {
		// Cancellation takes priority over conflict handling.
		if ctx.Err() != nil {
			return nil, fmt.Errorf("integration cancelled: %w", ctx.Err())
		}
		return nil, i.abortRebase(ctx, opts, stderr)
	}

	if _, _, err := i.git.Run(ctx, opts.RepoDir, "checkout", "main"); err != nil {
		return nil, fmt.Errorf("checkout main: %w", err)
	}
	if _, _, err := i.git.Run(ctx, opts.RepoDir, "merge", "--ff-only", opts.Branch); err != nil {
		return nil, fmt.Errorf("ff-only merge of %s failed (main may have moved; retry): %w", opts.Branch, err)
	}

	out, _, err := i.git.Run(ctx, opts.RepoDir, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("rev-parse HEAD: %w", err)
	}
	return &Result{CommitSHA: strings.TrimSpace(out)}, nil
}

// alreadyMerged reports whether every commit on the branch is reachable from
// main with no content drift. Handles a branch merged out-of-band.
func (i *Integrator) alreadyMerged(ctx context.Context, opts Opts) (bool, string, error) {
	out, _, err := i.git.Run(ctx, opts.RepoDir, "rev-list", "--count", "main.."+opts.Branch)
	if err != nil {
		return false, "", fmt.Errorf("rev-list --count: %w", err)
	}
	if strings.TrimSpace(out) != "0" {
		return false, "", nil
	}
	diff, _, err := i.git.Run(ctx, opts.RepoDir, "diff", "main.."+opts.Branch)
	if err != nil || strings.TrimSpace(diff) != "" {
		return false, "", nil
	}
	sha, _, err := i.git.Run(ctx, opts.RepoDir, "rev-parse", "main")
	if err != nil {
		return false, "", fmt.Errorf("rev-parse main: %w", err)
	}
	return true, strings.TrimSpace(sha), nil
}

// abortRebase best-effort aborts the in-progress rebase and returns a
// ConflictError with the conflicting paths parsed from stderr.
func (i *Integrator) abortRebase(ctx context.Context, opts Opts, rebaseStderr string) error {
	_, _, _ = i.git.Run(ctx, opts.RepoDir, "rebase", "--abort")
	return &ConflictError{
		TaskID: opts.TaskID,
		Files:  parseConflictFiles(rebaseStderr),
	}
}

// conflictPattern matches git's CONFLICT output lines, e.g.
//
//	CONFLICT (content): Merge conflict in src/main.go
var conflictPattern = regexp.MustCompile(`CONFLICT \([^)]+\): Merge conflict in (.+)`)

func parseConflictFiles(stderr string) []string {
	matches := conflictPattern.FindAllStringSubmatch(stderr, -1)
	if len(matches) == 0 {
		return nil
	}
	files := make([]string, 0, len(matches))
	for _, m := range matches {
		files = append(files, strings.TrimSpace(m[1]))
	}
	return files
}
