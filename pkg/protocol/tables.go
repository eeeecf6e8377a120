package protocol

// WorkerRow represents a row in the workers SQLite table.
type WorkerRow struct {
	ID            string `json:"id"`
	Capabilities  string `json:"capabilities"` // JSON array
	State         string `json:"state"`
	LastHeartbeat string `json:"last_heartbeat"`
	RegisteredAt  string `json:"registered_at"`
}

// TaskRow represents a row in the tasks SQLite table — the local view of a
// ledger task's claim lifecycle.
type TaskRow struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Priority     string `json:"priority"`
	Capabilities string `json:"required_capabilities"` // JSON array
	ClaimStatus  string `json:"claim_status"`
	WorkerID     string `json:"worker_id"`
	ClaimToken   string `json:"claim_token"`
	ClaimedAt    string `json:"claimed_at"`
}

// MessageRow represents a row in the messages SQLite table.
type MessageRow struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Sender      string `json:"sender"`
	Recipient   string `json:"recipient"`
	Payload     string `json:"payload"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	NextRetryAt string `json:"next_retry_at"`
	CreatedAt   string `json:"created_at"`
	AckedAt     string `json:"acked_at"`
}

// EventRow represents a row in the events SQLite table.
type EventRow struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	TaskID    string `json:"task_id"`
	WorkerID  string `json:"worker_id"`
	Payload   string `json:"payload"`
	CreatedAt string `json:"created_at"`
}

// WorkflowRow represents a row in the workflow_states SQLite table.
type WorkflowRow struct {
	TaskID    string `json:"task_id"`
	Stage     string `json:"stage"`
	Attempts  string `json:"attempts"` // JSON object: category -> count
	Terminal  bool   `json:"terminal"`
	UpdatedAt string `json:"updated_at"`
}

// FingerprintRow represents a row in the fingerprints SQLite table.
type FingerprintRow struct {
	Fingerprint string `json:"fingerprint"`
	FixTaskID   string `json:"fix_task_id"`
	Open        bool   `json:"open"`
	Linked      string `json:"linked"` // JSON array of dependent task ids
	CreatedAt   string `json:"created_at"`
}

// EscalationRow represents a row in the escalations SQLite table.
// Persistent queue: the coordinator writes pending escalations, the operator
// acks them.
type EscalationRow struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	TaskID    string `json:"task_id"`
	WorkerID  string `json:"worker_id"`
	Message   string `json:"message"`
	Status    string `json:"status"` // pending, acked
	CreatedAt string `json:"created_at"`
	AckedAt   string `json:"acked_at"`
}
