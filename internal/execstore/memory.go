package execstore

import (
	"context"
	"sync"
	"time"

	"github.com/flowforge/engine/internal/types"
)

// MemoryStore is an in-process Store for tests and single-node use.
type MemoryStore struct {
	mu         sync.Mutex
	executions map[types.ExecutionID]*types.Execution
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{executions: make(map[types.ExecutionID]*types.Execution)}
}

func (s *MemoryStore) Create(_ context.Context, exec *types.Execution) (*types.Execution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.executions[exec.ID]; ok {
		if existing.InputHash == exec.InputHash {
			return existing.Clone(), true, nil
		}
		return nil, false, types.ErrAlreadyRunning
	}
	s.executions[exec.ID] = exec.Clone()
	return exec.Clone(), false, nil
}

func (s *MemoryStore) Get(_ context.Context, id types.ExecutionID) (*types.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, types.ErrExecutionNotFound
	}
	return exec.Clone(), nil
}

func (s *MemoryStore) CompleteTerminal(_ context.Context, id types.ExecutionID, status types.ExecutionStatus, endTime time.Time, result []byte, errID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	if !ok {
		return types.ErrExecutionNotFound
	}
	if exec.Status != types.ExecutionStatusInProgress {
		return types.ErrOptimisticLock
	}
	exec.Status = status
	exec.EndTime = endTime
	exec.Result = result
	exec.Error = errID
	exec.Message = message
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*types.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Execution
	for _, exec := range s.executions {
		if filter.Status != types.ExecutionStatusUnspecified && exec.Status != filter.Status {
			continue
		}
		if filter.WorkflowName != "" && exec.WorkflowName != filter.WorkflowName {
			continue
		}
		out = append(out, exec.Clone())
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}
