package eventlog_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"drover/pkg/eventlog"
	"drover/pkg/protocol"
)

func seedDB(t *testing.T) (string, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("init schema: %v", err)
	}

	rows := []struct {
		typ, source, taskID, workerID, createdAt string
	}{
		{"claimed", "claim", "t-1", "w-1", "2026-08-01 10:00:00"},
		{"claimed", "claim", "t-2", "w-2", "2026-08-01 10:01:00"},
		{"worker_stale", "detector", "", "w-1", "2026-08-01 10:05:00"},
		{"claim_reclaimed", "reassigner", "t-1", "w-1", "2026-08-01 10:11:00"},
	}
	for _, r := range rows {
		if _, err := db.Exec(
			`INSERT INTO events (type, source, task_id, worker_id, payload, created_at) VALUES (?, ?, ?, ?, '', ?)`,
			r.typ, r.source, r.taskID, r.workerID, r.createdAt); err != nil {
			t.Fatalf("seed event: %v", err)
		}
	}
	return path, db
}

func TestQueryFilters(t *testing.T) {
	t.Parallel()
	path, _ := seedDB(t)
	r, err := eventlog.NewReader(path)
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	ctx := context.Background()

	tests := []struct {
		name string
		opts eventlog.QueryOpts
		want []string // expected types, newest first
	}{
		{"by worker", eventlog.QueryOpts{WorkerID: "w-1"}, []string{"claim_reclaimed", "worker_stale", "claimed"}},
		{"by task", eventlog.QueryOpts{TaskID: "t-2"}, []string{"claimed"}},
		{"by type", eventlog.QueryOpts{EventType: "worker_stale"}, []string{"worker_stale"}},
		{"limit", eventlog.QueryOpts{Limit: 2}, []string{"claim_reclaimed", "worker_stale"}},
		{"no match", eventlog.QueryOpts{WorkerID: "w-9"}, nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			events, err := r.Query(ctx, tt.opts)
			if err != nil {
				t.Fatalf("query: %v", err)
			}
			if len(events) != len(tt.want) {
				t.Fatalf("events: want %d, got %d", len(tt.want), len(events))
			}
			for i, typ := range tt.want {
				if events[i].Type != typ {
					t.Errorf("event %d: want %s, got %s", i, typ, events[i].Type)
				}
			}
		})
	}
}

func TestQueryTimeWindow(t *testing.T) {
	t.Parallel()
	path, _ := seedDB(t)
	r, err := eventlog.NewReader(path)
	if err != nil {
		t.Fatalf("new reader: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })

	after := time.Date(2026, 8, 1, 10, 4, 0, 0, time.UTC)
	before := time.Date(2026, 8, 1, 10, 10, 0, 0, time.UTC)
	events, err := r.Query(context.Background(), eventlog.QueryOpts{After: &after, Before: &before})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 || events[0].Type != "worker_stale" {
		t.Fatalf("window: want [worker_stale], got %v", events)
	}
	if events[0].CreatedAt.IsZero() {
		t.Error("created_at not parsed")
	}
}

func TestNewReaderMissingDatabase(t *testing.T) {
	t.Parallel()
	if _, err := eventlog.NewReader(filepath.Join(t.TempDir(), "absent.db")); err == nil {
		t.Fatal("want error for missing database")
	}
}

func TestReaderFromSharedHandle(t *testing.T) {
	t.Parallel()
	_, db := seedDB(t)
	r := eventlog.NewReaderFromDB(db)

	events, err := r.Query(context.Background(), eventlog.QueryOpts{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 4 {
		t.Errorf("events: want 4, got %d", len(events))
	}
}
