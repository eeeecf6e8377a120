// Package registry tracks known workers: identity, declared capabilities,
// last heartbeat, and lifecycle state. Rows are never deleted; offline
// workers are retained for audit but excluded from future claims.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"drover/pkg/protocol"
)

// timeFormat matches SQLite's datetime('now') output.
const timeFormat = "2006-01-02 15:04:05"

// Registry provides worker lifecycle persistence over a shared SQLite
// database. Heartbeats and state transitions are independent-key updates and
// need no cross-worker locking.
type Registry struct {
	db *sql.DB

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Registry. The schema must already be initialized.
func New(db *sql.DB) *Registry {
	return &Registry{db: db, nowFunc: time.Now}
}

// SetNowFunc overrides the clock (for testing).
func (r *Registry) SetNowFunc(f func() time.Time) { r.nowFunc = f }

// Worker is the decoded registry view of one worker.
type Worker struct {
	ID            string
	Capabilities  []string
	State         protocol.WorkerState
	LastHeartbeat time.Time
	RegisteredAt  time.Time
}

// Register adds a worker or revives an existing row. Re-registering an
// offline or stale worker resets it to registered with fresh capabilities.
func (r *Registry) Register(ctx context.Context, id string, capabilities []string) error {
	caps, err := json.Marshal(capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	now := r.nowFunc().UTC().Format(timeFormat)
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO workers (id, capabilities, state, last_heartbeat) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET capabilities=excluded.capabilities,
		                               state=excluded.state,
		                               last_heartbeat=excluded.last_heartbeat`,
		id, string(caps), string(protocol.WorkerRegistered), now)
	if err != nil {
		return fmt.Errorf("register worker %s: %w", id, err)
	}
	return nil
}

// Heartbeat records a liveness signal and promotes the worker to active.
// Heartbeats from offline workers are rejected: they must re-register.
func (r *Registry) Heartbeat(ctx context.Context, id string) error {
	now := r.nowFunc().UTC().Format(timeFormat)
	res, err := r.db.ExecContext(ctx,
		`UPDATE workers SET last_heartbeat=?, state=? WHERE id=? AND state != 'offline'`,
		now, string(protocol.WorkerActive), id)
	if err != nil {
		return fmt.Errorf("heartbeat worker %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat worker %s: %w", id, err)
	}
	if n == 0 {
		return &protocol.WorkerNotRegisteredError{WorkerID: id}
	}
	return nil
}

// Unregister transitions a worker to offline. The row is retained for audit.
func (r *Registry) Unregister(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE workers SET state=? WHERE id=?`, string(protocol.WorkerOffline), id)
	if err != nil {
		return fmt.Errorf("unregister worker %s: %w", id, err)
	}
	return nil
}

// MarkStale transitions a worker to stale. Claims held by stale workers
// become reclaimable once the reassignment grace window elapses.
func (r *Registry) MarkStale(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE workers SET state=? WHERE id=? AND state IN ('registered','active')`,
		string(protocol.WorkerStale), id)
	if err != nil {
		return fmt.Errorf("mark stale worker %s: %w", id, err)
	}
	return nil
}

// Get returns one worker, or a WorkerNotRegisteredError if the id is unknown.
func (r *Registry) Get(ctx context.Context, id string) (*Worker, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, capabilities, state, COALESCE(last_heartbeat,''), registered_at
		 FROM workers WHERE id=?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.WorkerNotRegisteredError{WorkerID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get worker %s: %w", id, err)
	}
	return w, nil
}

// All returns every known worker, including stale and offline ones.
func (r *Registry) All(ctx context.Context) ([]Worker, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, capabilities, state, COALESCE(last_heartbeat,''), registered_at
		 FROM workers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		out = append(out, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workers: %w", err)
	}
	return out, nil
}

// StaleCandidates returns registered or active workers whose last heartbeat
// is older than cutoff. Workers that never heartbeated are judged by their
// registration time.
func (r *Registry) StaleCandidates(ctx context.Context, cutoff time.Time) ([]Worker, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, capabilities, state, COALESCE(last_heartbeat,''), registered_at
		 FROM workers
		 WHERE state IN ('registered','active')
		   AND COALESCE(last_heartbeat, registered_at) < ?
		 ORDER BY id`,
		cutoff.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("query stale candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale candidate: %w", err)
		}
		out = append(out, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stale candidates: %w", err)
	}
	return out, nil
}

// scanner matches both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanWorker(s scanner) (*Worker, error) {
	var id, caps, state, lastHB, registeredAt string
	if err := s.Scan(&id, &caps, &state, &lastHB, &registeredAt); err != nil {
		return nil, err
	}
	w := &Worker{ID: id, State: protocol.WorkerState(state)}
	if err := json.Unmarshal([]byte(caps), &w.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities for %s: %w", id, err)
	}
	if lastHB != "" {
		t, err := time.Parse(timeFormat, lastHB)
		if err != nil {
			return nil, fmt.Errorf("parse last_heartbeat for %s: %w", id, err)
		}
		w.LastHeartbeat = t
	}
	if registeredAt != "" {
		t, err := time.Parse(timeFormat, registeredAt)
		if err != nil {
			return nil, fmt.Errorf("parse registered_at for %s: %w", id, err)
		}
		w.RegisteredAt = t
	}
	return w, nil
}
