// Package sweep runs the background audits of the swarm: the stale detector
// marks workers that stopped heartbeating, and the reassigner returns their
// claims to the pool once a grace window has passed. Both are bounded-interval
// sweeps, not push mechanisms, so they tolerate arbitrary worker churn.
package sweep

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"drover/pkg/registry"
)

// Default detector tuning: workers heartbeat every 30s; four missed
// heartbeats mark a worker stale.
const (
	DefaultDetectInterval = 30 * time.Second
	DefaultStaleThreshold = 120 * time.Second
)

// Detector periodically audits the registry and marks silent workers stale.
// Marking stale does NOT revoke claims — that is the Reassigner's job, after
// its own grace window, so transient heartbeat loss does not flap claims.
type Detector struct {
	db       *sql.DB
	registry *registry.Registry

	Interval       time.Duration
	StaleThreshold time.Duration

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewDetector creates a Detector with default tuning.
func NewDetector(db *sql.DB, reg *registry.Registry) *Detector {
	return &Detector{
		db:             db,
		registry:       reg,
		Interval:       DefaultDetectInterval,
		StaleThreshold: DefaultStaleThreshold,
		nowFunc:        time.Now,
	}
}

// SetNowFunc overrides the clock (for testing).
func (d *Detector) SetNowFunc(f func() time.Time) { d.nowFunc = f }

// Sweep marks every worker whose last heartbeat is older than StaleThreshold
// as stale and returns the ids it marked.
func (d *Detector) Sweep(ctx context.Context) ([]string, error) {
	cutoff := d.nowFunc().Add(-d.StaleThreshold)
	candidates, err := d.registry.StaleCandidates(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("stale sweep: %w", err)
	}

	var marked []string
	for _, w := range candidates {
		if err := d.registry.MarkStale(ctx, w.ID); err != nil {
			return marked, fmt.Errorf("stale sweep: %w", err)
		}
		d.logEvent(ctx, "worker_stale", "detector", "", w.ID,
			fmt.Sprintf(`{"last_heartbeat":%q}`, w.LastHeartbeat.Format(time.RFC3339)))
		marked = append(marked, w.ID)
	}
	return marked, nil
}

// Run sweeps at Interval until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_, _ = d.Sweep(ctx)
		}
	}
}

func (d *Detector) logEvent(ctx context.Context, evType, source, taskID, workerID, payload string) {
	_, _ = d.db.ExecContext(ctx,
		`INSERT INTO events (type, source, task_id, worker_id, payload) VALUES (?, ?, ?, ?, ?)`,
		evType, source, taskID, workerID, payload)
}
