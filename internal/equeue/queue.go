// Package equeue implements the Execution Queue (spec.md §2, §5):
// FIFO-per-execution delivery of workflow tasks, guaranteeing a single
// in-flight task per executionId while different executions proceed
// concurrently. Grounded on the teacher's matching/engine TaskStore
// (MemoryTaskStore/RedisTaskStore LMOVE pattern), generalized from a
// flat task queue to per-execution FIFO ordering, and partitioned with
// github.com/dgryski/go-rendezvous instead of the teacher's FNV hash
// ring so adding/removing partitions reshuffles the minimum number of
// executions.
package equeue

import (
	"context"
	"time"

	"github.com/flowforge/engine/internal/types"
)

// WorkflowTask is the unit the Orchestrator polls: one execution's
// pending events, batched (spec.md §6 "Workflow-task queue message").
type WorkflowTask struct {
	ExecutionID types.ExecutionID
	Events      []*types.HistoryEvent
}

// Queue is the Execution Queue interface.
type Queue interface {
	// Enqueue appends events for executionID. If the execution has no
	// task currently in flight, it becomes immediately pollable;
	// otherwise the events are merged into the batch that will be
	// delivered once the in-flight task is Acked.
	Enqueue(ctx context.Context, executionID types.ExecutionID, events []*types.HistoryEvent) error
	// Poll blocks up to timeout for the next ready execution's batch on
	// the given partition, marking it in-flight.
	Poll(ctx context.Context, partition string, timeout time.Duration) (*WorkflowTask, error)
	// Ack clears the in-flight marker for executionID. If events
	// accumulated while it was in flight, the execution becomes
	// pollable again with that batch.
	Ack(ctx context.Context, executionID types.ExecutionID) error
}
