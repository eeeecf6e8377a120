// Package claim implements the atomic task claim protocol. A claim is a
// single compare-and-set UPDATE on the shared tasks table: SQLite's
// single-writer-per-key guarantee makes exactly one concurrent claimant win,
// with no global lock. Lost races are expected and cheap — callers retry
// against the next candidate without backing off.
package claim

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"drover/pkg/msgstore"
	"drover/pkg/protocol"
	"drover/pkg/queue"
	"drover/pkg/registry"
)

// DefaultMaxTasks bounds concurrent claims per worker when the caller passes 0.
const DefaultMaxTasks = 1

// Assignment is the result of a successful claim.
type Assignment struct {
	TaskID     string
	Title      string
	Priority   string
	ClaimToken string
}

// Claimer executes claim, release, complete, and fail transitions against the
// shared database, and emits the corresponding coordination messages.
type Claimer struct {
	db       *sql.DB
	registry *registry.Registry
	queue    *queue.Queue
	msgs     *msgstore.Store
}

// New creates a Claimer.
func New(db *sql.DB, reg *registry.Registry, q *queue.Queue, msgs *msgstore.Store) *Claimer {
	return &Claimer{db: db, registry: reg, queue: q, msgs: msgs}
}

// Claim selects the highest-priority unclaimed task matching the worker's
// capabilities and attempts the claim CAS. Error conditions:
//
//   - WorkerNotRegisteredError: workerID unknown or offline
//   - TaskLimitError: worker already holds maxTasks active claims
//   - ErrNoReadyTasks: no candidate matches the worker's capabilities
//   - ClaimRaceError: every candidate was claimed by another worker first
//
// On success the local task view is updated and an ASSIGNMENT message is
// appended for the worker. Each claim slot of a multi-claim worker is an
// independent run of this protocol.
func (c *Claimer) Claim(ctx context.Context, workerID string, capabilities []string, maxTasks int) (*Assignment, error) {
	if maxTasks <= 0 {
		maxTasks = DefaultMaxTasks
	}

	w, err := c.registry.Get(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if w.State == protocol.WorkerOffline {
		return nil, &protocol.WorkerNotRegisteredError{WorkerID: workerID, State: w.State}
	}

	active, err := c.ActiveClaims(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if active >= maxTasks {
		return nil, &protocol.TaskLimitError{WorkerID: workerID, Limit: maxTasks}
	}

	candidates := c.queue.Candidates(capabilities)
	if len(candidates) == 0 {
		return nil, protocol.ErrNoReadyTasks
	}

	var lastRace error
	for _, ref := range candidates {
		asn, err := c.tryClaim(ctx, workerID, ref)
		if err != nil {
			var race *protocol.ClaimRaceError
			if errors.As(err, &race) {
				// Another worker won this key; drop it and try the next.
				c.queue.Remove(ref.ID)
				lastRace = race
				continue
			}
			return nil, err
		}
		c.queue.Remove(ref.ID)
		return asn, nil
	}
	return nil, lastRace
}

// tryClaim runs the CAS for one candidate.
func (c *Claimer) tryClaim(ctx context.Context, workerID string, ref protocol.TaskRef) (*Assignment, error) {
	if err := c.ensureTask(ctx, ref); err != nil {
		return nil, err
	}

	token := uuid.NewString()
	res, err := c.db.ExecContext(ctx,
		`UPDATE tasks SET claim_status='claimed', worker_id=?, claim_token=?, claimed_at=datetime('now')
		 WHERE id=? AND claim_status='unclaimed'`,
		workerID, token, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", ref.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", ref.ID, err)
	}
	if n == 0 {
		winner, _ := c.claimHolder(ctx, ref.ID)
		return nil, &protocol.ClaimRaceError{TaskID: ref.ID, Winner: winner}
	}

	c.logEvent(ctx, "claimed", workerID, ref.ID, workerID, "")

	// Audit trail: the CAS already decided the winner, the CLAIM message just
	// records it in the coordinator's mail.
	if _, err := c.msgs.Append(ctx, protocol.Message{
		Type:      protocol.MsgClaim,
		Sender:    workerID,
		Recipient: "coordinator",
		Claim: &protocol.ClaimPayload{
			TaskID:     ref.ID,
			WorkerID:   workerID,
			ClaimToken: token,
		},
	}); err != nil {
		return nil, fmt.Errorf("emit claim for %s: %w", ref.ID, err)
	}

	if _, err := c.msgs.Append(ctx, protocol.Message{
		Type:      protocol.MsgAssignment,
		Sender:    "coordinator",
		Recipient: workerID,
		Assignment: &protocol.AssignmentPayload{
			TaskID:   ref.ID,
			WorkerID: workerID,
			Title:    ref.Title,
			Priority: ref.Priority,
		},
	}); err != nil {
		return nil, fmt.Errorf("emit assignment for %s: %w", ref.ID, err)
	}

	return &Assignment{
		TaskID:     ref.ID,
		Title:      ref.Title,
		Priority:   ref.Priority,
		ClaimToken: token,
	}, nil
}

// SyncQueue rebuilds the local claim queue from the shared pool: every
// unclaimed row in the tasks table, in insertion order. Worker processes call
// this before claiming so work that became ready, was reopened for its next
// stage, or was reclaimed from a stale holder surfaces without any shared
// in-memory state.
func (c *Claimer) SyncQueue(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, title, priority, required_capabilities FROM tasks
		 WHERE claim_status='unclaimed' ORDER BY rowid`)
	if err != nil {
		return fmt.Errorf("sync claim queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var refs []protocol.TaskRef
	for rows.Next() {
		var ref protocol.TaskRef
		var caps string
		if err := rows.Scan(&ref.ID, &ref.Title, &ref.Priority, &caps); err != nil {
			return fmt.Errorf("sync claim queue: %w", err)
		}
		if jerr := json.Unmarshal([]byte(caps), &ref.Capabilities); jerr != nil {
			ref.Capabilities = nil
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sync claim queue: %w", err)
	}
	c.queue.Rebuild(refs)
	return nil
}

// Release voluntarily returns a claim to the pool before completion.
func (c *Claimer) Release(ctx context.Context, workerID, taskID, reason string) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE tasks SET claim_status='unclaimed', worker_id=NULL, claim_token=NULL, claimed_at=NULL
		 WHERE id=? AND worker_id=? AND claim_status='claimed'`,
		taskID, workerID)
	if err != nil {
		return fmt.Errorf("release task %s: %w", taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release task %s: %w", taskID, err)
	}
	if n == 0 {
		return fmt.Errorf("release task %s: no active claim held by %s", taskID, workerID)
	}

	c.logEvent(ctx, "released", workerID, taskID, workerID, reason)
	_, err = c.msgs.Append(ctx, protocol.Message{
		Type:      protocol.MsgRelease,
		Sender:    workerID,
		Recipient: "coordinator",
		Release:   &protocol.ReleasePayload{TaskID: taskID, WorkerID: workerID, Reason: reason},
	})
	if err != nil {
		return fmt.Errorf("emit release for %s: %w", taskID, err)
	}
	return nil
}

// Complete marks a claimed task completed by its holder.
func (c *Claimer) Complete(ctx context.Context, workerID, taskID string) error {
	return c.finish(ctx, workerID, taskID, protocol.ClaimCompleted)
}

// Fail marks a claimed task failed by its holder.
func (c *Claimer) Fail(ctx context.Context, workerID, taskID string) error {
	return c.finish(ctx, workerID, taskID, protocol.ClaimFailed)
}

func (c *Claimer) finish(ctx context.Context, workerID, taskID string, status protocol.ClaimStatus) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE tasks SET claim_status=? WHERE id=? AND worker_id=? AND claim_status='claimed'`,
		string(status), taskID, workerID)
	if err != nil {
		return fmt.Errorf("mark task %s %s: %w", taskID, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark task %s %s: %w", taskID, status, err)
	}
	if n == 0 {
		return fmt.Errorf("mark task %s %s: no active claim held by %s", taskID, status, workerID)
	}
	c.logEvent(ctx, string(status), workerID, taskID, workerID, "")
	return nil
}

// ActiveClaims returns the number of tasks currently claimed by workerID.
func (c *Claimer) ActiveClaims(ctx context.Context, workerID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE worker_id=? AND claim_status='claimed'`, workerID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active claims for %s: %w", workerID, err)
	}
	return n, nil
}

// ensureTask inserts the local task view row if it does not exist yet. The
// queue snapshot may be ahead of the coordinator's ledger sync.
func (c *Claimer) ensureTask(ctx context.Context, ref protocol.TaskRef) error {
	required := ref.Capabilities
	if required == nil {
		required = []string{}
	}
	caps, err := json.Marshal(required)
	if err != nil {
		return fmt.Errorf("marshal capabilities for %s: %w", ref.ID, err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tasks (id, title, priority, required_capabilities) VALUES (?, ?, ?, ?)`,
		ref.ID, ref.Title, ref.Priority, string(caps))
	if err != nil {
		return fmt.Errorf("ensure task %s: %w", ref.ID, err)
	}
	return nil
}

// claimHolder returns the worker currently holding the claim, best-effort.
func (c *Claimer) claimHolder(ctx context.Context, taskID string) (string, error) {
	var worker sql.NullString
	err := c.db.QueryRowContext(ctx,
		`SELECT worker_id FROM tasks WHERE id=?`, taskID).Scan(&worker)
	if err != nil {
		return "", err
	}
	return worker.String, nil
}

// logEvent appends to the durable event log, best-effort.
func (c *Claimer) logEvent(ctx context.Context, evType, source, taskID, workerID, payload string) {
	_, _ = c.db.ExecContext(ctx,
		`INSERT INTO events (type, source, task_id, worker_id, payload) VALUES (?, ?, ?, ?, ?)`,
		evType, source, taskID, workerID, payload)
}
