package coordinator

import (
	"context"
	"fmt"

	"drover/pkg/registry"
)

// TaskStatus is the observable state of one unit of work: its local claim
// view joined with its workflow position.
type TaskStatus struct {
	ID          string
	Title       string
	Priority    string
	ClaimStatus string
	WorkerID    string
	Stage       string
	Terminal    bool
}

// EscalationStatus is one pending escalation awaiting an operator.
type EscalationStatus struct {
	ID       int64
	Type     string
	TaskID   string
	WorkerID string
	Message  string
}

// Status is the swarm snapshot served to operator tooling and the dashboard.
type Status struct {
	Workers     []registry.Worker
	Tasks       []TaskStatus
	Escalations []EscalationStatus
	DeadLetters int
}

// Status returns the current per-worker and per-task state.
func (c *Coordinator) Status(ctx context.Context) (*Status, error) {
	workers, err := c.reg.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}

	st := &Status{Workers: workers}

	rows, err := c.db.QueryContext(ctx,
		`SELECT t.id, t.title, t.priority, t.claim_status, COALESCE(t.worker_id,''),
		        COALESCE(w.stage,''), COALESCE(w.terminal,0)
		 FROM tasks t LEFT JOIN workflow_states w ON w.task_id = t.id
		 ORDER BY t.id`)
	if err != nil {
		return nil, fmt.Errorf("status tasks: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ts TaskStatus
		var terminal int
		if err := rows.Scan(&ts.ID, &ts.Title, &ts.Priority, &ts.ClaimStatus,
			&ts.WorkerID, &ts.Stage, &terminal); err != nil {
			return nil, fmt.Errorf("status tasks: %w", err)
		}
		ts.Terminal = terminal != 0
		st.Tasks = append(st.Tasks, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("status tasks: %w", err)
	}

	erows, err := c.db.QueryContext(ctx,
		`SELECT id, type, COALESCE(task_id,''), COALESCE(worker_id,''), message
		 FROM escalations WHERE status='pending' ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("status escalations: %w", err)
	}
	defer erows.Close()
	for erows.Next() {
		var es EscalationStatus
		if err := erows.Scan(&es.ID, &es.Type, &es.TaskID, &es.WorkerID, &es.Message); err != nil {
			return nil, fmt.Errorf("status escalations: %w", err)
		}
		st.Escalations = append(st.Escalations, es)
	}
	if err := erows.Err(); err != nil {
		return nil, fmt.Errorf("status escalations: %w", err)
	}

	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE status='dead_letter'`).Scan(&st.DeadLetters); err != nil {
		return nil, fmt.Errorf("status dead letters: %w", err)
	}
	return st, nil
}

// AckEscalation marks a pending escalation as acknowledged by the operator.
func (c *Coordinator) AckEscalation(ctx context.Context, id int64) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE escalations SET status='acked', acked_at=datetime('now') WHERE id=? AND status='pending'`, id)
	if err != nil {
		return fmt.Errorf("ack escalation %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ack escalation %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("escalation %d not pending", id)
	}
	return nil
}
