// Package handoff is the workflow state machine that turns gate results into
// stage transitions. Work moves along the success path declared in the stage
// table; failures branch into per-category fix loops while the category's
// retry budget lasts, then escalate. State is persisted per ledger task id so
// a crashed coordinator resumes a workflow at its last known stage.
package handoff

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"drover/pkg/gate"
	"drover/pkg/protocol"
)

// Ledger is the slice of the external task ledger the machine needs: spawning
// deduplicated fix tasks.
type Ledger interface {
	CreateDependent(ctx context.Context, title, dependsOn string, metadata map[string]string) (string, error)
}

// State is the persisted workflow position of one unit of work.
type State struct {
	TaskID   string
	Stage    string
	Terminal bool

	// Counters tracks failed attempts per category. Origin is the stage a
	// fix loop returns to; ReleaseTo is the stage a blocked park releases to.
	Counters  map[string]int
	Origin    string
	ReleaseTo string
}

// stateBlob is the JSON persisted in workflow_states.attempts.
type stateBlob struct {
	Counters  map[string]int `json:"counters"`
	Origin    string         `json:"origin,omitempty"`
	ReleaseTo string         `json:"release_to,omitempty"`
}

// NotAdvanceableError reports gate results arriving for a workflow that can
// no longer move: already terminal, or parked awaiting approval. Callers use
// it to tell a late or duplicate report apart from a transient store failure.
type NotAdvanceableError struct {
	TaskID string
	Stage  string
}

func (e *NotAdvanceableError) Error() string {
	return fmt.Sprintf("workflow for %s cannot advance from %s", e.TaskID, e.Stage)
}

// Decision describes one Advance outcome.
type Decision struct {
	TaskID string
	From   string
	To     string

	Terminal  bool
	Blocked   bool
	Escalated bool

	// FixTaskID is the fix task spawned for this failure; LinkedTo is set
	// instead when an open fix task for the same fingerprint already
	// existed and this failure was linked as a dependent.
	FixTaskID string
	LinkedTo  string
}

// Machine advances workflow states.
type Machine struct {
	db     *sql.DB
	table  *Table
	ledger Ledger

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Machine over a validated stage table.
func New(db *sql.DB, table *Table, ledger Ledger) *Machine {
	return &Machine{db: db, table: table, ledger: ledger, nowFunc: time.Now}
}

// SetNowFunc overrides the clock (for testing).
func (m *Machine) SetNowFunc(f func() time.Time) { m.nowFunc = f }

// State loads the workflow state for taskID, creating it at the initial
// stage on first sight.
func (m *Machine) State(ctx context.Context, taskID string) (*State, error) {
	st := &State{TaskID: taskID, Counters: map[string]int{}}
	var blob string
	var terminal int
	err := m.db.QueryRowContext(ctx,
		`SELECT stage, attempts, terminal FROM workflow_states WHERE task_id=?`, taskID).
		Scan(&st.Stage, &blob, &terminal)
	if err == nil {
		st.Terminal = terminal != 0
		var b stateBlob
		if jerr := json.Unmarshal([]byte(blob), &b); jerr != nil {
			return nil, fmt.Errorf("decode workflow state for %s: %w", taskID, jerr)
		}
		if b.Counters != nil {
			st.Counters = b.Counters
		}
		st.Origin = b.Origin
		st.ReleaseTo = b.ReleaseTo
		return st, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load workflow state for %s: %w", taskID, err)
	}

	st.Stage = m.table.Initial
	if err := m.persist(ctx, st); err != nil {
		return nil, err
	}
	return st, nil
}

// StageGates returns the gates the given stage requires to exit. Fix-loop
// stages re-run the gates of the stage they return to.
func (m *Machine) StageGates(st *State) []string {
	name := st.Stage
	if _, ok := isFixLoop(name); ok && st.Origin != "" {
		name = st.Origin
	}
	return m.table.Stages[name].Gates
}

// Advance applies one immutable batch of gate results to the workflow and
// returns the transition taken.
func (m *Machine) Advance(ctx context.Context, taskID string, results []protocol.GateResult) (*Decision, error) {
	st, err := m.State(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if st.Terminal || st.Stage == StageBlocked {
		return nil, &NotAdvanceableError{TaskID: taskID, Stage: st.Stage}
	}

	if gate.Aggregate(results) {
		return m.advanceSuccess(ctx, st)
	}
	return m.advanceFailure(ctx, st, results)
}

func (m *Machine) advanceSuccess(ctx context.Context, st *State) (*Decision, error) {
	d := &Decision{TaskID: st.TaskID, From: st.Stage}

	// A fix loop that passed its gates returns to the stage it was fixing.
	if _, ok := isFixLoop(st.Stage); ok && st.Origin != "" {
		d.To = st.Origin
		st.Stage = st.Origin
		st.Origin = ""
		return d, m.commit(ctx, st, d, "stage_advanced")
	}

	def := m.table.Stages[st.Stage]
	if def.RequiresHumanApproval {
		// Park instead of advancing; ApproveBlocked releases.
		st.ReleaseTo = def.OnSuccess
		st.Stage = StageBlocked
		d.To = StageBlocked
		d.Blocked = true
		return d, m.commit(ctx, st, d, "stage_blocked")
	}

	st.Stage = def.OnSuccess
	d.To = def.OnSuccess
	if d.To == StageComplete {
		st.Terminal = true
		d.Terminal = true
	}
	return d, m.commit(ctx, st, d, "stage_advanced")
}

func (m *Machine) advanceFailure(ctx context.Context, st *State, results []protocol.GateResult) (*Decision, error) {
	d := &Decision{TaskID: st.TaskID, From: st.Stage}
	first := gate.FirstFailure(results)
	cat := first.Category
	if cat == "" {
		cat = first.Name
	}

	st.Counters[cat]++
	if st.Counters[cat] > m.table.Budgets[cat] {
		// Budget exhausted: halt automated progress.
		st.Stage = StageEscalate
		st.Terminal = true
		d.To = StageEscalate
		d.Terminal = true
		d.Escalated = true
		msg := protocol.FormatEscalation(protocol.EscBudgetExhausted, st.TaskID,
			fmt.Sprintf("%s retry budget exhausted after %d attempt(s)", cat, st.Counters[cat]),
			"gate "+first.Name+": "+first.Reason)
		if _, err := m.db.ExecContext(ctx,
			`INSERT INTO escalations (type, task_id, worker_id, message) VALUES (?, ?, '', ?)`,
			string(protocol.EscBudgetExhausted), st.TaskID, msg); err != nil {
			return nil, fmt.Errorf("record escalation for %s: %w", st.TaskID, err)
		}
		return d, m.commit(ctx, st, d, "workflow_escalated")
	}

	// Within budget: branch to the category's fix loop. Entering a fix loop
	// from a pipeline stage records the stage to return to; a failure inside
	// the loop keeps it.
	if _, ok := isFixLoop(st.Stage); !ok {
		st.Origin = st.Stage
	}
	st.Stage = cat + fixLoopSuffix
	d.To = st.Stage

	fixID, linkedTo, err := m.fingerprintFixTask(ctx, st.TaskID, cat, first)
	if err != nil {
		return nil, err
	}
	d.FixTaskID = fixID
	d.LinkedTo = linkedTo
	return d, m.commit(ctx, st, d, "stage_fix_loop")
}

// ApproveBlocked releases a parked workflow to the stage it was headed for.
func (m *Machine) ApproveBlocked(ctx context.Context, taskID string) (*Decision, error) {
	st, err := m.State(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if st.Stage != StageBlocked {
		return nil, fmt.Errorf("workflow for %s is not blocked (stage %s)", taskID, st.Stage)
	}

	d := &Decision{TaskID: taskID, From: StageBlocked, To: st.ReleaseTo}
	st.Stage = st.ReleaseTo
	st.ReleaseTo = ""
	if st.Stage == StageComplete {
		st.Terminal = true
		d.Terminal = true
	}
	return d, m.commit(ctx, st, d, "stage_approved")
}

// Fingerprint hashes a failure's identity: category, top stack frame or file
// path, and affected artifact. Identical root causes collide here so repeated
// failures link to one fix task instead of spawning duplicates.
func Fingerprint(category, frame, artifact string) string {
	h := sha256.Sum256([]byte(category + "|" + frame + "|" + artifact))
	return hex.EncodeToString(h[:])
}

// failureFrame extracts the most specific location a gate result offers.
func failureFrame(res *protocol.GateResult) string {
	if out, ok := res.Details["output"].(string); ok && out != "" {
		if i := strings.IndexByte(out, '\n'); i > 0 {
			return out[:i]
		}
		return out
	}
	return res.Reason
}

// fingerprintFixTask consults the fingerprint table before spawning fix work.
// Returns (fixTaskID, "") when a new fix task was created, ("", linkedTo)
// when this failure was linked to an existing open one.
func (m *Machine) fingerprintFixTask(ctx context.Context, taskID, cat string, res *protocol.GateResult) (string, string, error) {
	fp := Fingerprint(cat, failureFrame(res), res.Name)

	var fixID, linked string
	err := m.db.QueryRowContext(ctx,
		`SELECT fix_task_id, linked FROM fingerprints WHERE fingerprint=? AND open=1`, fp).
		Scan(&fixID, &linked)
	if err == nil {
		var ids []string
		if jerr := json.Unmarshal([]byte(linked), &ids); jerr != nil {
			ids = nil
		}
		ids = append(ids, taskID)
		buf, _ := json.Marshal(ids)
		if _, uerr := m.db.ExecContext(ctx,
			`UPDATE fingerprints SET linked=? WHERE fingerprint=?`, string(buf), fp); uerr != nil {
			return "", "", fmt.Errorf("link fingerprint %s: %w", fp, uerr)
		}
		return "", fixID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("lookup fingerprint %s: %w", fp, err)
	}

	title := fmt.Sprintf("Fix %s failure in gate %s: %s", cat, res.Name, res.Reason)
	fixID, cerr := m.ledger.CreateDependent(ctx, title, taskID, map[string]string{
		"category":    cat,
		"gate":        res.Name,
		"fingerprint": fp,
	})
	if cerr != nil {
		return "", "", fmt.Errorf("create fix task for %s: %w", taskID, cerr)
	}
	if _, ierr := m.db.ExecContext(ctx,
		`INSERT INTO fingerprints (fingerprint, fix_task_id) VALUES (?, ?)`, fp, fixID); ierr != nil {
		return "", "", fmt.Errorf("record fingerprint %s: %w", fp, ierr)
	}
	return fixID, "", nil
}

// CloseFingerprint marks a fix task's fingerprint resolved so future failures
// with the same root cause spawn fresh work.
func (m *Machine) CloseFingerprint(ctx context.Context, fixTaskID string) error {
	if _, err := m.db.ExecContext(ctx,
		`UPDATE fingerprints SET open=0 WHERE fix_task_id=?`, fixTaskID); err != nil {
		return fmt.Errorf("close fingerprint for %s: %w", fixTaskID, err)
	}
	return nil
}

func (m *Machine) persist(ctx context.Context, st *State) error {
	blob, err := json.Marshal(stateBlob{Counters: st.Counters, Origin: st.Origin, ReleaseTo: st.ReleaseTo})
	if err != nil {
		return fmt.Errorf("encode workflow state for %s: %w", st.TaskID, err)
	}
	terminal := 0
	if st.Terminal {
		terminal = 1
	}
	_, err = m.db.ExecContext(ctx,
		`INSERT INTO workflow_states (task_id, stage, attempts, terminal, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET stage=excluded.stage, attempts=excluded.attempts,
		     terminal=excluded.terminal, updated_at=excluded.updated_at`,
		st.TaskID, st.Stage, string(blob), terminal,
		m.nowFunc().UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return fmt.Errorf("persist workflow state for %s: %w", st.TaskID, err)
	}
	return nil
}

func (m *Machine) commit(ctx context.Context, st *State, d *Decision, event string) error {
	if err := m.persist(ctx, st); err != nil {
		return err
	}
	payload, _ := json.Marshal(map[string]string{"from": d.From, "to": d.To})
	_, _ = m.db.ExecContext(ctx,
		`INSERT INTO events (type, source, task_id, worker_id, payload) VALUES (?, 'handoff', ?, '', ?)`,
		event, st.TaskID, string(payload))
	return nil
}
