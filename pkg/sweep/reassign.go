package sweep

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"drover/pkg/msgstore"
	"drover/pkg/protocol"
)

// Default reassigner tuning. The grace window is measured from the claim
// timestamp and is deliberately longer than the stale threshold: reclamation
// must not cancel work that is merely slow.
const (
	DefaultReassignInterval = 60 * time.Second
	DefaultGraceWindow      = 5 * time.Minute
)

// Reassigner returns claims held by stale workers to the claimable pool. The
// release is a token-fenced compare-and-set, so the original claim is
// invalidated atomically with reassignment: a dead worker waking up afterward
// cannot complete, fail, or release the task it lost.
type Reassigner struct {
	db   *sql.DB
	msgs *msgstore.Store

	Interval    time.Duration
	GraceWindow time.Duration

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewReassigner creates a Reassigner with default tuning.
func NewReassigner(db *sql.DB, msgs *msgstore.Store) *Reassigner {
	return &Reassigner{
		db:          db,
		msgs:        msgs,
		Interval:    DefaultReassignInterval,
		GraceWindow: DefaultGraceWindow,
		nowFunc:     time.Now,
	}
}

// SetNowFunc overrides the clock (for testing).
func (r *Reassigner) SetNowFunc(f func() time.Time) { r.nowFunc = f }

// reclaimable is one claim eligible for revocation.
type reclaimable struct {
	taskID   string
	workerID string
	token    string
}

// Sweep revokes claims whose holder is stale and whose claim age exceeds the
// grace window. It returns the task ids returned to the pool.
func (r *Reassigner) Sweep(ctx context.Context) ([]string, error) {
	cutoff := r.nowFunc().UTC().Add(-r.GraceWindow).Format("2006-01-02 15:04:05")
	rows, err := r.db.QueryContext(ctx,
		`SELECT t.id, t.worker_id, COALESCE(t.claim_token,'')
		 FROM tasks t JOIN workers w ON w.id = t.worker_id
		 WHERE t.claim_status='claimed' AND w.state='stale' AND t.claimed_at <= ?`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("query reclaimable tasks: %w", err)
	}

	var found []reclaimable
	for rows.Next() {
		var rc reclaimable
		if err := rows.Scan(&rc.taskID, &rc.workerID, &rc.token); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan reclaimable: %w", err)
		}
		found = append(found, rc)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate reclaimable: %w", err)
	}
	_ = rows.Close()

	var reclaimed []string
	for _, rc := range found {
		ok, err := r.revoke(ctx, rc)
		if err != nil {
			return reclaimed, err
		}
		if ok {
			reclaimed = append(reclaimed, rc.taskID)
		}
	}
	return reclaimed, nil
}

// revoke runs the token-fenced CAS for one claim. A false return means the
// claim changed hands between query and update — someone else resolved it.
func (r *Reassigner) revoke(ctx context.Context, rc reclaimable) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET claim_status='unclaimed', worker_id=NULL, claim_token=NULL, claimed_at=NULL
		 WHERE id=? AND claim_token=? AND claim_status='claimed'`,
		rc.taskID, rc.token)
	if err != nil {
		return false, fmt.Errorf("revoke claim on %s: %w", rc.taskID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke claim on %s: %w", rc.taskID, err)
	}
	if n == 0 {
		return false, nil
	}

	r.logEvent(ctx, "claim_reclaimed", "reassigner", rc.taskID, rc.workerID, "")

	// Audit trail: a release on behalf of the dead worker, plus a pending
	// escalation so the operator learns about the crash.
	_, _ = r.msgs.Append(ctx, protocol.Message{
		Type:      protocol.MsgRelease,
		Sender:    "reassigner",
		Recipient: "coordinator",
		Release: &protocol.ReleasePayload{
			TaskID:   rc.taskID,
			WorkerID: rc.workerID,
			Reason:   "stale worker reclaimed",
		},
	})
	_, _ = r.db.ExecContext(ctx,
		`INSERT INTO escalations (type, task_id, worker_id, message) VALUES (?, ?, ?, ?)`,
		string(protocol.EscWorkerCrash), rc.taskID, rc.workerID,
		protocol.FormatEscalation(protocol.EscWorkerCrash, rc.taskID,
			"claim reclaimed from stale worker "+rc.workerID, ""))

	return true, nil
}

// Run sweeps at Interval until ctx is cancelled.
func (r *Reassigner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = r.Sweep(ctx)
		}
	}
}

func (r *Reassigner) logEvent(ctx context.Context, evType, source, taskID, workerID, payload string) {
	_, _ = r.db.ExecContext(ctx,
		`INSERT INTO events (type, source, task_id, worker_id, payload) VALUES (?, ?, ?, ?, ?)`,
		evType, source, taskID, workerID, payload)
}
