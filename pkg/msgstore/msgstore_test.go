package msgstore_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"drover/pkg/msgstore"
	"drover/pkg/protocol"
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

func heartbeat(worker string) protocol.Message {
	return protocol.Message{
		Type:      protocol.MsgHeartbeat,
		Sender:    worker,
		Recipient: "coordinator",
		Heartbeat: &protocol.HeartbeatPayload{WorkerID: worker},
	}
}

func TestAppendInboxAck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := msgstore.New(openTestDB(t))

	id, err := store.Append(ctx, heartbeat("worker-1"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id == "" {
		t.Fatal("append returned empty id")
	}

	msgs, err := store.Inbox(ctx, "coordinator")
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("inbox: want 1 message, got %d", len(msgs))
	}
	if msgs[0].Type != protocol.MsgHeartbeat || msgs[0].Heartbeat == nil {
		t.Errorf("inbox message lost payload: %+v", msgs[0])
	}

	// Delivered messages don't show up on a second poll.
	again, err := store.Inbox(ctx, "coordinator")
	if err != nil {
		t.Fatalf("second inbox: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second inbox: want 0 messages, got %d", len(again))
	}

	if err := store.Ack(ctx, id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	row, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Status != string(protocol.StatusAcknowledged) {
		t.Errorf("status: want acknowledged, got %s", row.Status)
	}
	if row.AckedAt == "" {
		t.Error("acked_at should be set")
	}
}

func TestAckTwiceFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := msgstore.New(openTestDB(t))

	id, err := store.Append(ctx, heartbeat("worker-1"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Ack(ctx, id); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if err := store.Ack(ctx, id); err == nil {
		t.Error("second ack should fail: message already terminal")
	}
}

func TestInboxOrdering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := msgstore.New(openTestDB(t))

	// UUIDv7 ids embed milliseconds; space appends so ids strictly increase.
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := store.Append(ctx, heartbeat("worker-1"))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		ids = append(ids, id)
		time.Sleep(2 * time.Millisecond)
	}

	msgs, err := store.Inbox(ctx, "coordinator")
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("inbox: want 3 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.ID != ids[i] {
			t.Errorf("position %d: want %s, got %s (enqueue order violated)", i, ids[i], m.ID)
		}
	}
}

func TestInboxFiltersByRecipient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := msgstore.New(openTestDB(t))

	msg := heartbeat("worker-1")
	msg.Recipient = "worker-2"
	if _, err := store.Append(ctx, msg); err != nil {
		t.Fatalf("append: %v", err)
	}

	msgs, err := store.Inbox(ctx, "coordinator")
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("coordinator inbox should be empty, got %d messages", len(msgs))
	}
}

func TestDueRescheduleDeadLetter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := msgstore.New(openTestDB(t))
	store.SetAckGrace(0) // due immediately

	id, err := store.Append(ctx, heartbeat("worker-1"))
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	due, err := store.Due(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("due: %v", err)
	}
	if len(due) != 1 || due[0].ID != id {
		t.Fatalf("due: want [%s], got %+v", id, due)
	}

	// Reschedule into the future: no longer due.
	if err := store.Reschedule(ctx, id, 1, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	due, err = store.Due(ctx, time.Now())
	if err != nil {
		t.Fatalf("due after reschedule: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("rescheduled message should not be due, got %d", len(due))
	}

	if err := store.DeadLetter(ctx, id, 3); err != nil {
		t.Fatalf("dead-letter: %v", err)
	}
	dead, err := store.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dead) != 1 || dead[0].Attempts != 3 {
		t.Fatalf("dead letters: want one entry with 3 attempts, got %+v", dead)
	}

	// Dead letters are terminal: never due again.
	due, err = store.Due(ctx, time.Now().Add(24*time.Hour))
	if err != nil {
		t.Fatalf("due after dead-letter: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("dead-lettered message must not be due, got %d", len(due))
	}
}
