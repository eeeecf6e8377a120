// Package redelivery retries undelivered and unacknowledged coordination
// messages with exponential backoff and routes terminal failures to the
// dead-letter set. The policy is uniform across message types: a lost
// completion is exactly as retryable as a lost assignment.
package redelivery

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"drover/pkg/msgstore"
	"drover/pkg/protocol"
)

// DefaultMaxAttempts is the delivery attempt budget before dead-lettering.
const DefaultMaxAttempts = 3

// DefaultSchedule is the backoff between attempts. Attempt n waits
// DefaultSchedule[n-1]; attempts beyond the schedule reuse the last entry.
var DefaultSchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// DefaultSweepInterval is how often the redelivery sweep runs.
const DefaultSweepInterval = 1 * time.Second

// Redeliverer sweeps the message store for due messages and either requeues
// them at the next backoff step or dead-letters them.
type Redeliverer struct {
	db   *sql.DB
	msgs *msgstore.Store

	MaxAttempts int
	Schedule    []time.Duration
	Interval    time.Duration

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Redeliverer with the default budget and schedule.
func New(db *sql.DB, msgs *msgstore.Store) *Redeliverer {
	return &Redeliverer{
		db:          db,
		msgs:        msgs,
		MaxAttempts: DefaultMaxAttempts,
		Schedule:    DefaultSchedule,
		Interval:    DefaultSweepInterval,
		nowFunc:     time.Now,
	}
}

// SetNowFunc overrides the clock (for testing).
func (r *Redeliverer) SetNowFunc(f func() time.Time) { r.nowFunc = f }

// Sweep processes every due message once. Messages that still have budget are
// requeued at the next backoff step; messages at the budget are moved to
// dead_letter and an escalation row is written, so no failure is silent.
// It returns the ids dead-lettered in this pass.
func (r *Redeliverer) Sweep(ctx context.Context) ([]string, error) {
	now := r.nowFunc()
	due, err := r.msgs.Due(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("redelivery sweep: %w", err)
	}

	var dead []string
	for _, m := range due {
		if m.Attempts >= r.MaxAttempts {
			if err := r.msgs.DeadLetter(ctx, m.ID, m.Attempts); err != nil {
				return dead, err
			}
			r.logEvent(ctx, "message_dead_letter", m.ID,
				fmt.Sprintf(`{"type":%q,"recipient":%q,"attempts":%d}`, m.Type, m.Recipient, m.Attempts))
			_, _ = r.db.ExecContext(ctx,
				`INSERT INTO escalations (type, task_id, worker_id, message) VALUES (?, '', ?, ?)`,
				string(protocol.EscDeadLetter), m.Recipient,
				protocol.FormatEscalation(protocol.EscDeadLetter, m.ID,
					"message exhausted its retry budget",
					fmt.Sprintf("type %s to %s after %d attempts", m.Type, m.Recipient, m.Attempts)))
			dead = append(dead, m.ID)
			continue
		}

		attempts := m.Attempts + 1
		retryAt := now.Add(r.backoff(attempts))
		if err := r.msgs.Reschedule(ctx, m.ID, attempts, retryAt); err != nil {
			return dead, err
		}
		r.logEvent(ctx, "message_retry", m.ID,
			fmt.Sprintf(`{"attempt":%d,"next_retry_at":%q}`, attempts, retryAt.UTC().Format(time.RFC3339)))
	}
	return dead, nil
}

// backoff returns the wait before the given attempt number (1-based). The
// schedule is non-decreasing; attempts past its end reuse the last entry.
func (r *Redeliverer) backoff(attempt int) time.Duration {
	if len(r.Schedule) == 0 {
		return 0
	}
	idx := attempt - 1
	if idx >= len(r.Schedule) {
		idx = len(r.Schedule) - 1
	}
	return r.Schedule[idx]
}

// Run sweeps at Interval until ctx is cancelled.
func (r *Redeliverer) Run(ctx context.Context) error {
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

func (r *Redeliverer) logEvent(ctx context.Context, evType, msgID, payload string) {
	_, _ = r.db.ExecContext(ctx,
		`INSERT INTO events (type, source, task_id, worker_id, payload) VALUES (?, 'redelivery', '', ?, ?)`,
		evType, msgID, payload)
}
