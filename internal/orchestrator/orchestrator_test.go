package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/flowforge/engine/internal/command"
	"github.com/flowforge/engine/internal/equeue"
	"github.com/flowforge/engine/internal/execstore"
	"github.com/flowforge/engine/internal/history"
	"github.com/flowforge/engine/internal/registry"
	"github.com/flowforge/engine/internal/types"
	"github.com/flowforge/engine/internal/workflow"
)

type fakeJournal struct {
	mu      sync.Mutex
	entries map[types.ExecutionID][]*types.HistoryEvent
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{entries: make(map[types.ExecutionID][]*types.HistoryEvent)}
}

func (j *fakeJournal) Append(_ context.Context, id types.ExecutionID, events []*types.HistoryEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[id] = append(j.entries[id], events...)
	return nil
}

// testHarness wires a real Workflow Executor, Command Executor (against
// an in-memory Execution Queue), History Store and Execution Store —
// only the Timer Service is left nil, since none of these tests exercise
// a timeout path.
type testHarness struct {
	o         *Orchestrator
	histories *history.MemoryStore
	execs     *execstore.MemoryStore
	queue     equeue.Queue
	tasks     equeue.Queue
	journal   *fakeJournal
	reg       *registry.Registry
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	histories := history.NewMemoryStore()
	execs := execstore.NewMemoryStore()
	queue := equeue.NewMemoryQueue()
	tasks := equeue.NewMemoryQueue()
	reg := registry.New()
	journal := newFakeJournal()
	cmdExec := command.NewExecutor(queue, tasks, nil, nil, nil, nil, nil, nil, nil)
	return &testHarness{
		o:         New(histories, execs, queue, nil, cmdExec, reg, journal, nil),
		histories: histories,
		execs:     execs,
		queue:     queue,
		tasks:     tasks,
		journal:   journal,
		reg:       reg,
	}
}

// seedExecution creates the Execution Store row and the WorkflowStarted
// history event a real StartExecution call would have produced.
func seedExecution(t *testing.T, h *testHarness, id types.ExecutionID, workflowName string, input []byte, timeout time.Time) {
	t.Helper()
	ctx := context.Background()
	exec := &types.Execution{
		ID:           id,
		WorkflowName: workflowName,
		Input:        input,
		Status:       types.ExecutionStatusInProgress,
		StartTime:    time.Now(),
	}
	if _, _, err := h.execs.Create(ctx, exec); err != nil {
		t.Fatalf("seed execution: %v", err)
	}
	started := types.NewLifecycleEvent(types.EventTypeWorkflowStarted, "started", time.Now(), &types.WorkflowStartedAttributes{
		WorkflowName: workflowName,
		Input:        input,
		TimeoutTime:  timeout,
	})
	if err := h.histories.AppendEvents(ctx, id, []*types.HistoryEvent{started}); err != nil {
		t.Fatalf("seed history: %v", err)
	}
}

func TestOrchestrator_RunsToCompletion_NoCommands(t *testing.T) {
	h := newHarness(t)
	id := types.ExecutionID("echo/e1")
	h.reg.RegisterWorkflow("echo", func(ctx *workflow.Context, input []byte) ([]byte, error) {
		return input, nil
	})
	seedExecution(t, h, id, "echo", []byte(`"hi"`), time.Time{})

	failed := h.o.ProcessBatch(context.Background(), []*equeue.WorkflowTask{{ExecutionID: id}})
	if len(failed) != 0 {
		t.Fatalf("failed = %v", failed)
	}

	exec, err := h.execs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if exec.Status != types.ExecutionStatusSucceeded {
		t.Fatalf("status = %v", exec.Status)
	}
	var out string
	if err := json.Unmarshal(exec.Result, &out); err != nil || out != "hi" {
		t.Fatalf("result = %q err = %v", exec.Result, err)
	}

	hist, err := h.histories.GetHistory(context.Background(), id)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	var sawRunStarted, sawRunCompleted, sawSucceeded bool
	for _, ev := range hist {
		switch ev.Type {
		case types.EventTypeWorkflowRunStarted:
			sawRunStarted = true
		case types.EventTypeWorkflowRunCompleted:
			sawRunCompleted = true
		case types.EventTypeWorkflowSucceeded:
			sawSucceeded = true
		}
	}
	if !sawRunStarted || !sawRunCompleted || !sawSucceeded {
		t.Fatalf("history missing lifecycle events: %+v", hist)
	}
	if len(h.journal.entries[id]) == 0 {
		t.Fatal("journal got no entries")
	}
}

func TestOrchestrator_MultiRun_DispatchesTaskAndWaitsForResult(t *testing.T) {
	h := newHarness(t)
	id := types.ExecutionID("greet/e1")
	h.reg.RegisterWorkflow("greet", func(ctx *workflow.Context, input []byte) ([]byte, error) {
		value, err := ctx.Task("say-hello", input, 0).Get(ctx)
		if err != nil {
			return nil, err
		}
		result, _ := value.([]byte)
		return result, nil
	})
	seedExecution(t, h, id, "greet", nil, time.Time{})

	failed := h.o.ProcessBatch(context.Background(), []*equeue.WorkflowTask{{ExecutionID: id}})
	if len(failed) != 0 {
		t.Fatalf("first run failed = %v", failed)
	}

	exec, err := h.execs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if exec.Status != types.ExecutionStatusInProgress {
		t.Fatalf("status after first run = %v, want still in progress", exec.Status)
	}

	task, err := h.tasks.Poll(context.Background(), "", 10*time.Millisecond)
	if err != nil || task == nil {
		t.Fatalf("poll for task dispatch: task=%+v err=%v", task, err)
	}
	var scheduledSeq int64 = -1
	for _, ev := range task.Events {
		if ev.Type == types.EventTypeTaskScheduled {
			scheduledSeq = ev.Seq
		}
	}
	if scheduledSeq == -1 {
		t.Fatalf("no TaskScheduled event in %+v", task.Events)
	}

	succeeded := types.NewSequencedEvent(types.EventTypeTaskSucceeded, scheduledSeq, time.Now(), &types.TaskSucceededAttributes{Result: []byte(`"done"`)})
	failed = h.o.ProcessBatch(context.Background(), []*equeue.WorkflowTask{{ExecutionID: id, Events: []*types.HistoryEvent{succeeded}}})
	if len(failed) != 0 {
		t.Fatalf("second run failed = %v", failed)
	}

	exec, err = h.execs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get after second run: %v", err)
	}
	if exec.Status != types.ExecutionStatusSucceeded {
		t.Fatalf("status = %v", exec.Status)
	}
	var out string
	if err := json.Unmarshal(exec.Result, &out); err != nil || out != "done" {
		t.Fatalf("result = %q err = %v", exec.Result, err)
	}
}

func TestOrchestrator_MissingWorkflowStarted_FailsDeterminism(t *testing.T) {
	h := newHarness(t)
	id := types.ExecutionID("nohistory/e1")

	failed := h.o.ProcessBatch(context.Background(), []*equeue.WorkflowTask{{ExecutionID: id}})
	if len(failed) != 1 || failed[0] != id {
		t.Fatalf("failed = %v", failed)
	}

	hist, err := h.histories.GetHistory(context.Background(), id)
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(hist) != 1 || hist[0].Type != types.EventTypeWorkflowFailed {
		t.Fatalf("history = %+v", hist)
	}
	attrs := hist[0].Attributes.(*types.WorkflowFailedAttributes)
	if attrs.Error != types.ErrorIDDeterminism {
		t.Fatalf("error = %q", attrs.Error)
	}
}

func TestOrchestrator_UnregisteredWorkflow_FailsWithWorkflowNotFound(t *testing.T) {
	h := newHarness(t)
	id := types.ExecutionID("ghost/e1")
	seedExecution(t, h, id, "ghost", nil, time.Time{})

	failed := h.o.ProcessBatch(context.Background(), []*equeue.WorkflowTask{{ExecutionID: id}})
	if len(failed) != 0 {
		// WorkflowNotFound is recorded as a terminal failure of the
		// execution itself, not an orchestration failure (spec.md §4.2
		// step f): ProcessBatch reports it via execution status, not
		// the failedExecutionIds list.
		t.Fatalf("failed = %v, want empty (WorkflowNotFound is a terminal, not an orchestration failure)", failed)
	}

	exec, err := h.execs.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if exec.Status != types.ExecutionStatusFailed || exec.Error != types.ErrorIDWorkflowNotFound {
		t.Fatalf("exec = %+v", exec)
	}
}

func TestOrchestrator_ChildCompletion_NotifiesParentQueue(t *testing.T) {
	h := newHarness(t)
	childID := types.ExecutionID("child/e1")
	h.reg.RegisterWorkflow("child", func(ctx *workflow.Context, input []byte) ([]byte, error) {
		return []byte(`"child-result"`), nil
	})
	ctx := context.Background()
	exec := &types.Execution{
		ID:           childID,
		WorkflowName: "child",
		Status:       types.ExecutionStatusInProgress,
		StartTime:    time.Now(),
		Parent:       &types.ParentRef{ExecutionID: "parent/e1", Seq: 3},
	}
	if _, _, err := h.execs.Create(ctx, exec); err != nil {
		t.Fatalf("seed child execution: %v", err)
	}
	started := types.NewLifecycleEvent(types.EventTypeWorkflowStarted, "started", time.Now(), &types.WorkflowStartedAttributes{
		WorkflowName: "child",
		Parent:       exec.Parent,
	})
	if err := h.histories.AppendEvents(ctx, childID, []*types.HistoryEvent{started}); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	failed := h.o.ProcessBatch(ctx, []*equeue.WorkflowTask{{ExecutionID: childID}})
	if len(failed) != 0 {
		t.Fatalf("failed = %v", failed)
	}

	task, err := h.queue.Poll(ctx, "", 10*time.Millisecond)
	if err != nil || task == nil {
		t.Fatalf("poll parent queue: task=%+v err=%v", task, err)
	}
	if task.ExecutionID != "parent/e1" {
		t.Fatalf("delivered to %q, want parent/e1", task.ExecutionID)
	}
	if len(task.Events) != 1 || task.Events[0].Type != types.EventTypeChildWorkflowSucceeded || task.Events[0].Seq != 3 {
		t.Fatalf("events = %+v", task.Events)
	}
	attrs := task.Events[0].Attributes.(*types.ChildWorkflowSucceededAttributes)
	var out string
	if err := json.Unmarshal(attrs.Result, &out); err != nil || out != "child-result" {
		t.Fatalf("result = %q err = %v", attrs.Result, err)
	}
}
