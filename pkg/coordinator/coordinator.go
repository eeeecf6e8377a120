// Package coordinator composes the drover control plane: background sweeps
// for stale workers, claim reassignment and message redelivery, the mailbox
// drain that feeds gate results into the workflow machine, and the queue
// refresh that mirrors the external ledger into the claimable pool.
package coordinator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"drover/pkg/handoff"
	"drover/pkg/ledger"
	"drover/pkg/msgstore"
	"drover/pkg/protocol"
	"drover/pkg/queue"
	"drover/pkg/redelivery"
	"drover/pkg/registry"
	"drover/pkg/sweep"
)

// Default loop tuning.
const (
	DefaultInboxInterval   = 1 * time.Second
	DefaultRefreshInterval = 5 * time.Second
)

// Ledger is the slice of the external ledger the coordinator consumes.
type Ledger interface {
	Ready(ctx context.Context, filter []string) ([]protocol.TaskRef, error)
	Close(ctx context.Context, id, reason string) error
}

var _ Ledger = (*ledger.Client)(nil)

// Coordinator runs the control loops over one shared database.
type Coordinator struct {
	db      *sql.DB
	reg     *registry.Registry
	queue   *queue.Queue
	msgs    *msgstore.Store
	machine *handoff.Machine
	ledger  Ledger

	// The background loops are exported so callers can tune their
	// thresholds before Run.
	Detector    *sweep.Detector
	Reassigner  *sweep.Reassigner
	Redeliverer *redelivery.Redeliverer

	InboxInterval   time.Duration
	RefreshInterval time.Duration
}

// New wires a Coordinator over the shared database.
func New(db *sql.DB, reg *registry.Registry, q *queue.Queue, msgs *msgstore.Store,
	machine *handoff.Machine, ldg Ledger) *Coordinator {
	return &Coordinator{
		db:              db,
		reg:             reg,
		queue:           q,
		msgs:            msgs,
		machine:         machine,
		ledger:          ldg,
		Detector:        sweep.NewDetector(db, reg),
		Reassigner:      sweep.NewReassigner(db, msgs),
		Redeliverer:     redelivery.New(db, msgs),
		InboxInterval:   DefaultInboxInterval,
		RefreshInterval: DefaultRefreshInterval,
	}
}

// Run starts every control loop and blocks until ctx is cancelled or a loop
// fails.
func (c *Coordinator) Run(ctx context.Context) error {
	// Prime the pool before workers start asking.
	_ = c.RefreshQueue(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Detector.Run(gctx) })
	g.Go(func() error { return c.Reassigner.Run(gctx) })
	g.Go(func() error { return c.Redeliverer.Run(gctx) })
	g.Go(func() error { return c.inboxLoop(gctx) })
	g.Go(func() error { return c.refreshLoop(gctx) })
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("coordinator: %w", err)
	}
	return nil
}

// RefreshQueue mirrors the ledger's ready set into the claimable pool: first
// the shared tasks table, so worker processes syncing their own queues see the
// work, then this process's in-memory snapshot.
func (c *Coordinator) RefreshQueue(ctx context.Context) error {
	refs, err := c.ledger.Ready(ctx, nil)
	if err != nil {
		return fmt.Errorf("refresh queue: %w", err)
	}
	for _, ref := range refs {
		required := ref.Capabilities
		if required == nil {
			required = []string{}
		}
		caps, err := json.Marshal(required)
		if err != nil {
			return fmt.Errorf("refresh queue: marshal capabilities for %s: %w", ref.ID, err)
		}
		if _, err := c.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO tasks (id, title, priority, required_capabilities) VALUES (?, ?, ?, ?)`,
			ref.ID, ref.Title, ref.Priority, string(caps)); err != nil {
			return fmt.Errorf("refresh queue: mirror task %s: %w", ref.ID, err)
		}
	}
	c.queue.Rebuild(refs)
	return nil
}

func (c *Coordinator) refreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = c.RefreshQueue(ctx)
		}
	}
}

func (c *Coordinator) inboxLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.InboxInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.DrainInbox(ctx); err != nil {
				return err
			}
		}
	}
}

// DrainInbox processes one batch of coordinator mail: completions and
// failures advance the workflow machine, everything else is acknowledged as
// received. A message whose transition hit a transient failure is left
// unacked so the redelivery sweep retries it; only applied or permanently
// rejected messages are acknowledged.
func (c *Coordinator) DrainInbox(ctx context.Context) error {
	inbox, err := c.msgs.Inbox(ctx, "coordinator")
	if err != nil {
		return fmt.Errorf("drain inbox: %w", err)
	}
	for _, m := range inbox {
		switch m.Type {
		case protocol.MsgCompletion:
			if m.Completion != nil {
				if herr := c.handleCompletion(ctx, m.Completion); herr != nil {
					continue
				}
			}
		case protocol.MsgFailure:
			if m.Failure != nil {
				if herr := c.handleFailure(ctx, m.Failure); herr != nil {
					continue
				}
			}
		case protocol.MsgRelease:
			// Reclaimed or voluntarily released work: resurface it.
			_ = c.RefreshQueue(ctx)
		}
		if err := c.msgs.Ack(ctx, m.ID); err != nil {
			return fmt.Errorf("ack %s: %w", m.ID, err)
		}
	}
	return nil
}

// advance feeds one result batch into the workflow machine and folds the
// outcome back into the claim pool. A NotAdvanceableError is a late or
// duplicate report and is swallowed after logging; any other Advance error is
// returned so the caller keeps the message live for redelivery.
func (c *Coordinator) advance(ctx context.Context, taskID, workerID string, results []protocol.GateResult) error {
	d, err := c.machine.Advance(ctx, taskID, results)
	if err != nil {
		var rejected *handoff.NotAdvanceableError
		if errors.As(err, &rejected) {
			c.logEvent(ctx, "advance_rejected", taskID, workerID, err.Error())
			return nil
		}
		c.logEvent(ctx, "advance_retry", taskID, workerID, err.Error())
		return err
	}
	if d.Terminal {
		if d.To == handoff.StageComplete {
			if cerr := c.ledger.Close(ctx, taskID, "completed"); cerr != nil {
				c.logEvent(ctx, "ledger_close_failed", taskID, workerID, cerr.Error())
			}
		}
		return nil
	}
	if d.Blocked {
		return nil
	}
	// The workflow moved to its next stage; reopen the claim so any worker
	// can pick the task up for that stage.
	c.reopenClaim(ctx, taskID)
	_ = c.RefreshQueue(ctx)
	return nil
}

func (c *Coordinator) handleCompletion(ctx context.Context, p *protocol.CompletionPayload) error {
	return c.advance(ctx, p.TaskID, p.WorkerID, p.GateResults)
}

func (c *Coordinator) handleFailure(ctx context.Context, p *protocol.FailurePayload) error {
	// Execution failures never reached the gates; synthesize a failed result
	// so the workflow machine can charge the right retry budget.
	res := protocol.GateResult{
		Name:     "execution",
		Category: p.Category,
		Passed:   false,
		Reason:   p.Reason,
	}
	return c.advance(ctx, p.TaskID, p.WorkerID, []protocol.GateResult{res})
}

// reopenClaim returns a finished claim to the pool for the task's next stage.
func (c *Coordinator) reopenClaim(ctx context.Context, taskID string) {
	_, err := c.db.ExecContext(ctx,
		`UPDATE tasks SET claim_status='unclaimed', worker_id=NULL, claim_token=NULL, claimed_at=NULL
		 WHERE id=? AND claim_status IN ('completed','failed')`, taskID)
	if err != nil {
		c.logEvent(ctx, "reopen_failed", taskID, "", err.Error())
	}
}

// ApproveBlocked releases a workflow parked on a requires_human_approval
// stage and closes the ledger task if approval completed it.
func (c *Coordinator) ApproveBlocked(ctx context.Context, taskID string) error {
	d, err := c.machine.ApproveBlocked(ctx, taskID)
	if err != nil {
		return err
	}
	if d.Terminal && d.To == handoff.StageComplete {
		if cerr := c.ledger.Close(ctx, taskID, "completed"); cerr != nil {
			return fmt.Errorf("close %s in ledger: %w", taskID, cerr)
		}
	}
	return nil
}

// DeadLetters surfaces messages that exhausted their retry budget.
func (c *Coordinator) DeadLetters(ctx context.Context) ([]protocol.MessageRow, error) {
	return c.msgs.DeadLetters(ctx)
}

func (c *Coordinator) logEvent(ctx context.Context, evType, taskID, workerID, payload string) {
	_, _ = c.db.ExecContext(ctx,
		`INSERT INTO events (type, source, task_id, worker_id, payload) VALUES (?, 'coordinator', ?, ?, ?)`,
		evType, taskID, workerID, payload)
}
