// Package msgstore implements the durable, append-only message store that
// carries all inter-worker coordination: claims, assignments, heartbeats,
// completions, failures, and releases. Messages are keyed by
// UUIDv7 id and queryable by recipient and status. After append, a message is
// mutated only by the delivery, acknowledgment, and redelivery paths.
package msgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"drover/pkg/protocol"
)

// DefaultAckGrace is how long a message may sit unacknowledged before the
// redelivery sweep treats it as a failed delivery attempt.
const DefaultAckGrace = 30 * time.Second

// Store provides durable message persistence over a shared SQLite database.
type Store struct {
	db       *sql.DB
	ackGrace time.Duration

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Store. The schema must already be initialized.
func New(db *sql.DB) *Store {
	return &Store{
		db:       db,
		ackGrace: DefaultAckGrace,
		nowFunc:  time.Now,
	}
}

// SetAckGrace overrides the acknowledgment grace period (for testing).
func (s *Store) SetAckGrace(d time.Duration) { s.ackGrace = d }

// SetNowFunc overrides the clock (for testing).
func (s *Store) SetNowFunc(f func() time.Time) { s.nowFunc = f }

// timeFormat matches SQLite's datetime('now') output so string comparison in
// SQL orders correctly.
const timeFormat = "2006-01-02 15:04:05"

// Append stores msg and returns its id. If msg.ID is empty a UUIDv7 id is
// assigned. The full message (payload union included) is serialized into the
// payload column; type, sender, and recipient are lifted into columns for
// querying.
func (s *Store) Append(ctx context.Context, msg protocol.Message) (string, error) {
	if msg.ID == "" {
		id, err := protocol.NewMessageID()
		if err != nil {
			return "", err
		}
		msg.ID = id
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}

	nextRetry := s.nowFunc().UTC().Add(s.ackGrace).Format(timeFormat)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, type, sender, recipient, payload, status, next_retry_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, string(msg.Type), msg.Sender, msg.Recipient, string(payload),
		string(protocol.StatusPending), nextRetry)
	if err != nil {
		return "", fmt.Errorf("append message %s: %w", msg.ID, err)
	}
	return msg.ID, nil
}

// Inbox returns pending messages addressed to recipient, ordered by id
// (UUIDv7 ids sort by enqueue time per sender), and marks them delivered.
// Recipients must Ack each message after processing it.
func (s *Store) Inbox(ctx context.Context, recipient string) ([]protocol.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM messages
		 WHERE recipient = ? AND status = 'pending' ORDER BY id`,
		recipient)
	if err != nil {
		return nil, fmt.Errorf("query inbox for %s: %w", recipient, err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []protocol.Message
	var ids []string
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		var msg protocol.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			// Malformed payload: leave the row for dead-letter inspection.
			continue
		}
		msg.ID = id
		msgs = append(msgs, msg)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbox: %w", err)
	}

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE messages SET status='delivered' WHERE id=? AND status='pending'`, id); err != nil {
			return nil, fmt.Errorf("mark delivered %s: %w", id, err)
		}
	}
	return msgs, nil
}

// Ack marks a delivered message as acknowledged. Acknowledged messages are
// terminal and never retried.
func (s *Store) Ack(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status='acknowledged', acked_at=datetime('now')
		 WHERE id=? AND status IN ('pending','delivered','failed')`, id)
	if err != nil {
		return fmt.Errorf("ack message %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ack message %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("ack message %s: not found or already terminal", id)
	}
	return nil
}

// MarkFailed records a transient delivery failure. The message stays eligible
// for the redelivery sweep.
func (s *Store) MarkFailed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status='failed' WHERE id=? AND status IN ('pending','delivered')`, id)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return nil
}

// Due returns messages eligible for a redelivery attempt at now: not yet
// acknowledged, not dead-lettered, and past their retry timestamp.
func (s *Store) Due(ctx context.Context, now time.Time) ([]protocol.MessageRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, sender, recipient, payload, status, attempts,
		        COALESCE(next_retry_at,''), created_at, COALESCE(acked_at,'')
		 FROM messages
		 WHERE status IN ('pending','delivered','failed') AND next_retry_at <= ?
		 ORDER BY id`,
		now.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("query due messages: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMessageRows(rows)
}

// Reschedule records one failed delivery attempt and requeues the message for
// retryAt. The caller (the redelivery sweep) owns the backoff schedule.
func (s *Store) Reschedule(ctx context.Context, id string, attempts int, retryAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status='pending', attempts=?, next_retry_at=? WHERE id=?`,
		attempts, retryAt.UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("reschedule message %s: %w", id, err)
	}
	return nil
}

// DeadLetter moves a message to dead_letter status. Dead letters are never
// auto-retried and must be surfaced for out-of-band inspection.
func (s *Store) DeadLetter(ctx context.Context, id string, attempts int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status='dead_letter', attempts=?, next_retry_at=NULL WHERE id=?`,
		attempts, id)
	if err != nil {
		return fmt.Errorf("dead-letter message %s: %w", id, err)
	}
	return nil
}

// DeadLetters returns all dead-lettered messages, oldest first.
func (s *Store) DeadLetters(ctx context.Context) ([]protocol.MessageRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, sender, recipient, payload, status, attempts,
		        COALESCE(next_retry_at,''), created_at, COALESCE(acked_at,'')
		 FROM messages WHERE status='dead_letter' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanMessageRows(rows)
}

// Get returns a single message row by id.
func (s *Store) Get(ctx context.Context, id string) (*protocol.MessageRow, error) {
	var m protocol.MessageRow
	err := s.db.QueryRowContext(ctx,
		`SELECT id, type, sender, recipient, payload, status, attempts,
		        COALESCE(next_retry_at,''), created_at, COALESCE(acked_at,'')
		 FROM messages WHERE id=?`, id).
		Scan(&m.ID, &m.Type, &m.Sender, &m.Recipient, &m.Payload, &m.Status,
			&m.Attempts, &m.NextRetryAt, &m.CreatedAt, &m.AckedAt)
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return &m, nil
}

func scanMessageRows(rows *sql.Rows) ([]protocol.MessageRow, error) {
	var out []protocol.MessageRow
	for rows.Next() {
		var m protocol.MessageRow
		if err := rows.Scan(&m.ID, &m.Type, &m.Sender, &m.Recipient, &m.Payload,
			&m.Status, &m.Attempts, &m.NextRetryAt, &m.CreatedAt, &m.AckedAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}
