package protocol

import (
	"errors"
	"fmt"
)

// ErrNoReadyTasks is returned by a claim attempt when the pool holds no
// unclaimed task matching the worker's capabilities. Callers poll; this is
// not an exceptional condition.
var ErrNoReadyTasks = errors.New("no_ready_tasks")

// ClaimRaceError reports a compare-and-set that lost to another worker.
// Races are expected and cheap to resolve: the caller retries against the
// next candidate without backing off.
type ClaimRaceError struct {
	TaskID string
	Winner string // claiming worker, if known
}

func (e *ClaimRaceError) Error() string {
	if e.Winner != "" {
		return fmt.Sprintf("claim_race_condition: task %s already claimed by %s", e.TaskID, e.Winner)
	}
	return fmt.Sprintf("claim_race_condition: task %s already claimed", e.TaskID)
}

// WorkerNotRegisteredError reports a claim attempt from an unknown or
// offline worker.
type WorkerNotRegisteredError struct {
	WorkerID string
	State    WorkerState // empty when the worker is unknown
}

func (e *WorkerNotRegisteredError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("worker_not_registered: worker %s is %s", e.WorkerID, e.State)
	}
	return fmt.Sprintf("worker_not_registered: worker %s unknown", e.WorkerID)
}

// TaskLimitError reports a worker already holding maxTasks active claims.
type TaskLimitError struct {
	WorkerID string
	Limit    int
}

func (e *TaskLimitError) Error() string {
	return fmt.Sprintf("worker_task_limit_reached: worker %s at limit %d", e.WorkerID, e.Limit)
}
