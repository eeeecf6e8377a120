package redelivery_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"drover/pkg/msgstore"
	"drover/pkg/protocol"
	"drover/pkg/redelivery"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return db
}

func appendMsg(t *testing.T, store *msgstore.Store, typ protocol.MessageType) string {
	t.Helper()
	msg := protocol.Message{
		Type:      typ,
		Sender:    "coordinator",
		Recipient: "worker-1",
	}
	if typ == protocol.MsgAssignment {
		msg.Assignment = &protocol.AssignmentPayload{TaskID: "t-1", WorkerID: "worker-1"}
	}
	id, err := store.Append(context.Background(), msg)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return id
}

func TestSweepBacksOffThenDeadLetters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)
	store := msgstore.New(db)
	store.SetAckGrace(0)

	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return now })

	id := appendMsg(t, store, protocol.MsgAssignment)

	re := redelivery.New(db, store)

	// Attempts walk the 1s, 2s, 4s schedule at non-decreasing intervals.
	wantBackoff := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, want := range wantBackoff {
		re.SetNowFunc(func() time.Time { return now })
		dead, err := re.Sweep(ctx)
		if err != nil {
			t.Fatalf("sweep %d: %v", i+1, err)
		}
		if len(dead) != 0 {
			t.Fatalf("sweep %d: dead-lettered early: %v", i+1, dead)
		}

		row, err := store.Get(ctx, id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if row.Attempts != i+1 {
			t.Fatalf("sweep %d: attempts want %d, got %d", i+1, i+1, row.Attempts)
		}

		// Not due again until the backoff expires.
		due, err := store.Due(ctx, now.Add(want-time.Millisecond))
		if err != nil {
			t.Fatalf("due: %v", err)
		}
		if len(due) != 0 {
			t.Fatalf("sweep %d: due before backoff %s elapsed", i+1, want)
		}

		now = now.Add(want + time.Second)
	}

	// Fourth sweep: budget of 3 exhausted, message dead-letters.
	re.SetNowFunc(func() time.Time { return now })
	dead, err := re.Sweep(ctx)
	if err != nil {
		t.Fatalf("final sweep: %v", err)
	}
	if len(dead) != 1 || dead[0] != id {
		t.Fatalf("final sweep: want dead-letter [%s], got %v", id, dead)
	}

	row, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Status != string(protocol.StatusDeadLetter) {
		t.Errorf("status: want dead_letter, got %s", row.Status)
	}

	// Dead letters leave an escalation trail.
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM escalations WHERE type=?`,
		string(protocol.EscDeadLetter)).Scan(&count); err != nil {
		t.Fatalf("query escalations: %v", err)
	}
	if count != 1 {
		t.Errorf("escalations: want 1, got %d", count)
	}
}

func TestAckedMessageNeverRetried(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)
	store := msgstore.New(db)
	store.SetAckGrace(0)

	id := appendMsg(t, store, protocol.MsgHeartbeat)
	if _, err := store.Inbox(ctx, "worker-1"); err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if err := store.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}

	re := redelivery.New(db, store)
	re.SetNowFunc(func() time.Time { return time.Now().Add(time.Hour) })
	dead, err := re.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(dead) != 0 {
		t.Errorf("acked message dead-lettered: %v", dead)
	}

	row, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Attempts != 0 {
		t.Errorf("acked message retried %d times", row.Attempts)
	}
}

func TestPolicyIsUniformAcrossTypes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db := openTestDB(t)
	store := msgstore.New(db)
	store.SetAckGrace(0)

	types := []protocol.MessageType{
		protocol.MsgAssignment,
		protocol.MsgCompletion,
		protocol.MsgHeartbeat,
	}
	for _, typ := range types {
		appendMsg(t, store, typ)
	}

	re := redelivery.New(db, store)
	re.MaxAttempts = 0 // every due message dead-letters on first sweep
	re.SetNowFunc(func() time.Time { return time.Now().Add(time.Minute) })

	dead, err := re.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(dead) != len(types) {
		t.Errorf("want %d dead letters regardless of type, got %d", len(types), len(dead))
	}
}
