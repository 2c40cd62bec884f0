// Package execstore implements the Execution Store (spec.md §2, §3):
// the metadata index of executions (status, start/end time, parent,
// input hash), with optimistic concurrency on status transitions
// (condition: status must be IN_PROGRESS). Grounded on the teacher's
// PostgresMutableStateStore CAS-on-version pattern, adapted from a
// version counter to the spec's explicit status precondition.
package execstore

import (
	"context"
	"time"

	"github.com/flowforge/engine/internal/types"
)

// Store is the Execution Store interface.
type Store interface {
	// Create inserts a new execution record if none exists for this id.
	// If one exists with the same InputHash, returns (existing, true,
	// nil) — the StartExecution idempotence spec.md §6 requires. If one
	// exists with a different InputHash, returns types.ErrAlreadyRunning.
	Create(ctx context.Context, exec *types.Execution) (stored *types.Execution, alreadyExisted bool, err error)
	// Get returns the execution, or types.ErrExecutionNotFound.
	Get(ctx context.Context, id types.ExecutionID) (*types.Execution, error)
	// CompleteTerminal transitions status from IN_PROGRESS to a terminal
	// status, setting EndTime/Result/Error/Message. Conditional: fails
	// with types.ErrOptimisticLock if the execution is not currently
	// IN_PROGRESS (spec.md §8 property 5: "at-most-one terminal").
	CompleteTerminal(ctx context.Context, id types.ExecutionID, status types.ExecutionStatus, endTime time.Time, result []byte, errID, message string) error
	// List returns a page of executions, optionally filtered.
	List(ctx context.Context, filter ListFilter) ([]*types.Execution, error)
}

// ListFilter narrows List results.
type ListFilter struct {
	Status       types.ExecutionStatus // zero value (Unspecified) = any
	WorkflowName string                // empty = any
	Limit        int
}
