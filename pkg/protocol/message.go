package protocol

import (
	"fmt"

	"github.com/google/uuid"
)

// MessageType identifies a coordination message variant.
type MessageType string

// Message type constants. Messages are the sole channel through which workers
// discover task availability and report outcomes; there is no direct RPC
// between workers.
const (
	MsgClaim      MessageType = "CLAIM"
	MsgAssignment MessageType = "ASSIGNMENT"
	MsgHeartbeat  MessageType = "HEARTBEAT"
	MsgCompletion MessageType = "COMPLETION"
	MsgFailure    MessageType = "FAILURE"
	MsgRelease    MessageType = "RELEASE"
)

// MessageStatus is the delivery lifecycle of a stored message.
type MessageStatus string

// Message status constants. Only the redelivery and acknowledgment paths
// mutate a message after append.
const (
	StatusPending      MessageStatus = "pending"
	StatusDelivered    MessageStatus = "delivered"
	StatusAcknowledged MessageStatus = "acknowledged"
	StatusFailed       MessageStatus = "failed"
	StatusDeadLetter   MessageStatus = "dead_letter"
)

// Message is the tagged union for inter-worker coordination. Exactly one
// payload pointer is non-nil, matching Type, so consumers can match
// exhaustively without runtime type inspection.
type Message struct {
	ID        string      `json:"id,omitempty"` // UUIDv7: globally unique, monotonic-sortable
	Type      MessageType `json:"type"`
	Sender    string      `json:"sender,omitempty"`
	Recipient string      `json:"recipient,omitempty"`

	Claim      *ClaimPayload      `json:"claim,omitempty"`
	Assignment *AssignmentPayload `json:"assignment,omitempty"`
	Heartbeat  *HeartbeatPayload  `json:"heartbeat,omitempty"`
	Completion *CompletionPayload `json:"completion,omitempty"`
	Failure    *FailurePayload    `json:"failure,omitempty"`
	Release    *ReleasePayload    `json:"release,omitempty"`
}

// ClaimPayload announces a successful claim of a task by a worker.
type ClaimPayload struct {
	TaskID     string `json:"task_id"`
	WorkerID   string `json:"worker_id"`
	ClaimToken string `json:"claim_token"`
}

// AssignmentPayload notifies a worker of its claimed task.
type AssignmentPayload struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Title    string `json:"title,omitempty"`
	Priority string `json:"priority,omitempty"`
}

// HeartbeatPayload is the periodic liveness signal from a worker.
type HeartbeatPayload struct {
	WorkerID string `json:"worker_id"`
	TaskID   string `json:"task_id,omitempty"` // current claim, if any
}

// CompletionPayload reports finished work along with its gate results so the
// handoff machine can attribute failures to a retry-budget category.
type CompletionPayload struct {
	TaskID      string       `json:"task_id"`
	WorkerID    string       `json:"worker_id"`
	Stage       string       `json:"stage"`
	GateResults []GateResult `json:"gate_results,omitempty"`
}

// FailurePayload reports work that failed before gate evaluation.
type FailurePayload struct {
	TaskID      string `json:"task_id"`
	WorkerID    string `json:"worker_id"`
	Stage       string `json:"stage,omitempty"`
	Category    string `json:"category,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// ReleasePayload is a voluntary claim release before completion.
type ReleasePayload struct {
	TaskID   string `json:"task_id"`
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason,omitempty"`
}

// NewMessageID returns a UUIDv7 string. V7 ids sort lexically by creation
// time, which gives the per-sender enqueue ordering the mailbox relies on.
func NewMessageID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("new message id: %w", err)
	}
	return id.String(), nil
}
