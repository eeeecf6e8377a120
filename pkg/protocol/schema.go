package protocol

// SchemaDDL defines the SQLite schema for the drover coordination database.
// Tables: workers, tasks, messages, events, workflow_states, fingerprints,
// escalations. Execute against a SQLite database with: db.Exec(SchemaDDL)
//
// Every process in the swarm opens this database in WAL mode. The tasks table
// is the only resource requiring exclusive-mutation discipline: claim
// transitions are single-statement compare-and-set updates. All other tables
// are append/update-only per owning worker.
const SchemaDDL = `
-- Worker registry: identity, capabilities, lifecycle. Rows are never deleted.
CREATE TABLE IF NOT EXISTS workers (
    id TEXT PRIMARY KEY,
    capabilities TEXT NOT NULL DEFAULT '[]',
    state TEXT NOT NULL DEFAULT 'registered',
    last_heartbeat TEXT,
    registered_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Local view of ledger tasks. claim_status transitions are atomic CAS updates.
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    priority TEXT NOT NULL DEFAULT 'normal',
    required_capabilities TEXT NOT NULL DEFAULT '[]',
    claim_status TEXT NOT NULL DEFAULT 'unclaimed',
    worker_id TEXT,
    claim_token TEXT,
    claimed_at TEXT
);

-- Durable append-only coordination mail. Mutated only by the redelivery and
-- acknowledgment paths after append.
CREATE TABLE IF NOT EXISTS messages (
    id TEXT PRIMARY KEY,
    type TEXT NOT NULL,
    sender TEXT NOT NULL,
    recipient TEXT NOT NULL,
    payload TEXT,
    status TEXT NOT NULL DEFAULT 'pending',
    attempts INTEGER NOT NULL DEFAULT 0,
    next_retry_at TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    acked_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_recipient_status
    ON messages (recipient, status);

-- Runtime event log: all coordinator/worker lifecycle events.
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    task_id TEXT,
    worker_id TEXT,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Workflow state per unit of work, keyed by ledger task id so a crashed
-- relay resumes at its last known stage.
CREATE TABLE IF NOT EXISTS workflow_states (
    task_id TEXT PRIMARY KEY,
    stage TEXT NOT NULL,
    attempts TEXT NOT NULL DEFAULT '{}',
    terminal INTEGER NOT NULL DEFAULT 0,
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Failure fingerprints: dedupes recurring failures so reattempting the same
-- root cause does not spawn unbounded duplicate fix tasks.
CREATE TABLE IF NOT EXISTS fingerprints (
    fingerprint TEXT PRIMARY KEY,
    fix_task_id TEXT NOT NULL,
    open INTEGER NOT NULL DEFAULT 1,
    linked TEXT NOT NULL DEFAULT '[]',
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

-- Persistent escalation queue: coordinator writes, operator acks.
CREATE TABLE IF NOT EXISTS escalations (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    task_id TEXT,
    worker_id TEXT,
    message TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    acked_at TEXT
);
`

// MigrateClaimTokens adds the claim_token column to tasks tables created
// before token-fenced reassignment. ALTER TABLE errors if the column already
// exists; callers ignore the error (try/ignore pattern).
const MigrateClaimTokens = `
ALTER TABLE tasks ADD COLUMN claim_token TEXT;
`
