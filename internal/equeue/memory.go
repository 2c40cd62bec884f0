package equeue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/flowforge/engine/internal/types"
)

// MemoryQueue is an in-process Queue for tests and single-node use.
// Grounded on the teacher's MemoryTaskStore (container/list + map),
// generalized so a "task" is the pending event batch for one
// execution rather than an independent queue entry, and delivery
// enforces at most one in-flight batch per executionId.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  map[types.ExecutionID][]*types.HistoryEvent // buffered, not yet delivered
	inFlight map[types.ExecutionID]bool
	ready    *list.List // FIFO of types.ExecutionID ready to be polled
	readyEl  map[types.ExecutionID]*list.Element
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		pending:  make(map[types.ExecutionID][]*types.HistoryEvent),
		inFlight: make(map[types.ExecutionID]bool),
		ready:    list.New(),
		readyEl:  make(map[types.ExecutionID]*list.Element),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, executionID types.ExecutionID, events []*types.HistoryEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[executionID] = append(q.pending[executionID], events...)
	q.markReadyLocked(executionID)
	return nil
}

// markReadyLocked appends executionID to the ready FIFO if it has
// pending events, isn't already queued, and has nothing in flight.
func (q *MemoryQueue) markReadyLocked(executionID types.ExecutionID) {
	if q.inFlight[executionID] {
		return
	}
	if _, alreadyQueued := q.readyEl[executionID]; alreadyQueued {
		return
	}
	if len(q.pending[executionID]) == 0 {
		return
	}
	el := q.ready.PushBack(executionID)
	q.readyEl[executionID] = el
}

// Poll takes the next ready execution's batch. If none is ready it
// sleeps up to timeout, matching the Redis store's poll-and-backoff
// behavior on an empty queue (there is no condition variable; a
// partition's poller just retries).
func (q *MemoryQueue) Poll(ctx context.Context, _ string, timeout time.Duration) (*WorkflowTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	task := q.popReady()
	if task != nil {
		return task, nil
	}

	select {
	case <-time.After(timeout):
		return q.popReady(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) popReady() *WorkflowTask {
	q.mu.Lock()
	defer q.mu.Unlock()

	el := q.ready.Front()
	if el == nil {
		return nil
	}
	executionID := el.Value.(types.ExecutionID)
	q.ready.Remove(el)
	delete(q.readyEl, executionID)

	events := q.pending[executionID]
	delete(q.pending, executionID)
	q.inFlight[executionID] = true

	return &WorkflowTask{ExecutionID: executionID, Events: events}
}

func (q *MemoryQueue) Ack(_ context.Context, executionID types.ExecutionID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inFlight, executionID)
	q.markReadyLocked(executionID)
	return nil
}
