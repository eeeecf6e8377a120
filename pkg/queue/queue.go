// Package queue orders candidate tasks for claim attempts: highest priority
// first, FIFO within a priority band. The queue is a cheap per-process view
// rebuilt from the shared pool (the coordinator mirrors the ledger into it,
// workers resync from it); the claim CAS, not the queue, is the source of
// truth for who wins a task.
package queue

import (
	"sort"
	"sync"

	"drover/pkg/protocol"
)

// Queue holds an ordered snapshot of claimable tasks.
type Queue struct {
	mu    sync.Mutex
	tasks []protocol.TaskRef
}

// New creates an empty Queue.
func New() *Queue {
	return &Queue{}
}

// Rebuild replaces the snapshot with refs, sorted by priority (critical
// first). The incoming ledger order is preserved within a priority band.
func (q *Queue) Rebuild(refs []protocol.TaskRef) {
	sorted := make([]protocol.TaskRef, len(refs))
	copy(sorted, refs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return protocol.ParsePriority(sorted[i].Priority) > protocol.ParsePriority(sorted[j].Priority)
	})

	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = sorted
}

// Candidates returns, in claim order, the tasks whose required capabilities
// are a subset of capabilities. The returned slice is a copy.
func (q *Queue) Candidates(capabilities []string) []protocol.TaskRef {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []protocol.TaskRef
	for _, ref := range q.tasks {
		if protocol.HasCapabilities(capabilities, ref.Capabilities) {
			out = append(out, ref)
		}
	}
	return out
}

// Remove drops a task from the snapshot, typically after a successful claim.
func (q *Queue) Remove(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, ref := range q.tasks {
		if ref.ID == taskID {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return
		}
	}
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
