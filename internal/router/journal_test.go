package router

import (
	"context"
	"testing"
	"time"

	"github.com/flowforge/engine/internal/types"
)

func TestMemoryJournal_AppendDoesNotDeduplicate(t *testing.T) {
	j := NewMemoryJournal()
	id := types.ExecutionID("wf/exec-1")
	ev := types.NewLifecycleEvent(types.EventTypeWorkflowStarted, "started", time.Now(), &types.WorkflowStartedAttributes{WorkflowName: "wf"})

	if err := j.Append(context.Background(), id, []*types.HistoryEvent{ev}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Append(context.Background(), id, []*types.HistoryEvent{ev}); err != nil {
		t.Fatalf("append again: %v", err)
	}

	entries := j.Entries(id)
	if len(entries) != 2 {
		t.Fatalf("want 2 journaled entries (journal never dedupes), got %d", len(entries))
	}
}

func TestMemoryJournal_SeparatesExecutions(t *testing.T) {
	j := NewMemoryJournal()
	a := types.ExecutionID("wf/a")
	b := types.ExecutionID("wf/b")
	ev := types.NewLifecycleEvent(types.EventTypeWorkflowStarted, "started", time.Now(), &types.WorkflowStartedAttributes{WorkflowName: "wf"})

	if err := j.Append(context.Background(), a, []*types.HistoryEvent{ev}); err != nil {
		t.Fatalf("append a: %v", err)
	}
	if len(j.Entries(b)) != 0 {
		t.Fatalf("execution b should have no journal entries")
	}
	if len(j.Entries(a)) != 1 {
		t.Fatalf("execution a should have 1 journal entry")
	}
}
