package execstore

import (
	"context"
	"testing"
	"time"

	"github.com/flowforge/engine/internal/types"
)

func TestMemoryStore_CreateIdempotentOnSameInputHash(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	exec := &types.Execution{ID: "wf/e1", WorkflowName: "wf", InputHash: "h1", Status: types.ExecutionStatusInProgress, StartTime: time.Now()}

	_, already, err := s.Create(ctx, exec)
	if err != nil || already {
		t.Fatalf("first create: already=%v err=%v", already, err)
	}
	_, already, err = s.Create(ctx, exec)
	if err != nil || !already {
		t.Fatalf("second create: already=%v err=%v, want already=true", already, err)
	}
}

func TestMemoryStore_CreateConflictsOnDifferentInputHash(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	exec := &types.Execution{ID: "wf/e1", WorkflowName: "wf", InputHash: "h1", Status: types.ExecutionStatusInProgress, StartTime: time.Now()}
	if _, _, err := s.Create(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}
	exec2 := &types.Execution{ID: "wf/e1", WorkflowName: "wf", InputHash: "h2", Status: types.ExecutionStatusInProgress, StartTime: time.Now()}
	_, _, err := s.Create(ctx, exec2)
	if err != types.ErrAlreadyRunning {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
}

func TestMemoryStore_CompleteTerminalIsAtMostOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	exec := &types.Execution{ID: "wf/e1", WorkflowName: "wf", InputHash: "h1", Status: types.ExecutionStatusInProgress, StartTime: time.Now()}
	if _, _, err := s.Create(ctx, exec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.CompleteTerminal(ctx, "wf/e1", types.ExecutionStatusSucceeded, time.Now(), []byte("ok"), "", ""); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if err := s.CompleteTerminal(ctx, "wf/e1", types.ExecutionStatusFailed, time.Now(), nil, "X", "y"); err != types.ErrOptimisticLock {
		t.Fatalf("second complete: err = %v, want ErrOptimisticLock", err)
	}
	got, err := s.Get(ctx, "wf/e1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.ExecutionStatusSucceeded {
		t.Fatalf("status = %v, want SUCCEEDED (second complete must be a no-op)", got.Status)
	}
}
