package engineapi

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flowforge/engine/internal/equeue"
	"github.com/flowforge/engine/internal/execstore"
	"github.com/flowforge/engine/internal/history"
	"github.com/flowforge/engine/internal/registry"
	"github.com/flowforge/engine/internal/router"
	"github.com/flowforge/engine/internal/taskworker"
	"github.com/flowforge/engine/internal/txn"
	"github.com/flowforge/engine/internal/types"
	"github.com/flowforge/engine/internal/worker/retry"
	"github.com/flowforge/engine/internal/workflow"
)

func fastTxnConfig() txn.Config {
	return txn.Config{
		MaxRetries: 5,
		RetryPolicy: &retry.Policy{
			InitialInterval:    time.Millisecond,
			BackoffCoefficient: 2,
			MaximumInterval:    5 * time.Millisecond,
			MaximumAttempts:    5,
		},
	}
}

func newTestService(t *testing.T) (*Service, *history.MemoryStore, *execstore.MemoryStore, equeue.Queue, *registry.Registry) {
	t.Helper()
	h := history.NewMemoryStore()
	e := execstore.NewMemoryStore()
	q := equeue.NewMemoryQueue()
	reg := registry.New()
	reg.RegisterWorkflow("greet", func(ctx *workflow.Context, input []byte) ([]byte, error) {
		return input, nil
	})
	entities := txn.NewMemoryEntityStore()
	rtr := router.New(q, reg, router.Config{RetryPolicy: retry.DefaultPolicy().WithMaximumAttempts(1), RetryRate: 1000, RetryBurst: 1000})
	txns := txn.New(entities, reg, q, rtr, fastTxnConfig())
	svc := New(h, e, q, nil, reg, rtr, txns)
	return svc, h, e, q, reg
}

func TestService_StartExecution_IsIdempotentOnSameInput(t *testing.T) {
	svc, h, e, q, _ := newTestService(t)
	ctx := context.Background()

	req := StartExecutionRequest{Workflow: "greet", ExecutionName: "run-1", Input: []byte(`"hi"`)}
	first, err := svc.StartExecution(ctx, req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if first.AlreadyRunning {
		t.Fatalf("first call should not report already running")
	}

	second, err := svc.StartExecution(ctx, req)
	if err != nil {
		t.Fatalf("start again: %v", err)
	}
	if !second.AlreadyRunning || second.ExecutionID != first.ExecutionID {
		t.Fatalf("second = %+v", second)
	}

	count, err := h.EventCount(ctx, first.ExecutionID)
	if err != nil || count != 1 {
		t.Fatalf("history should hold exactly one WorkflowStarted, count=%d err=%v", count, err)
	}
	if _, err := e.Get(ctx, first.ExecutionID); err != nil {
		t.Fatalf("execution record missing: %v", err)
	}

	task, err := q.Poll(ctx, "", 20*time.Millisecond)
	if err != nil || task == nil || task.ExecutionID != first.ExecutionID {
		t.Fatalf("expected first task enqueued, got %+v err=%v", task, err)
	}
}

func TestService_StartExecution_UnregisteredWorkflowFails(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	_, err := svc.StartExecution(context.Background(), StartExecutionRequest{Workflow: "no-such-workflow", ExecutionName: "run-x", Input: []byte(`"x"`)})
	if !errors.Is(err, types.ErrNoWorkflow) {
		t.Fatalf("expected ErrNoWorkflow, got %v", err)
	}
}

func TestService_StartExecution_ConflictingInputFails(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.StartExecution(ctx, StartExecutionRequest{Workflow: "greet", ExecutionName: "run-2", Input: []byte(`"a"`)}); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := svc.StartExecution(ctx, StartExecutionRequest{Workflow: "greet", ExecutionName: "run-2", Input: []byte(`"b"`)})
	if err == nil {
		t.Fatalf("expected a conflict error for mismatched input")
	}
}

func TestService_GetExecution_ReturnsNilWithoutErrorWhenMissing(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	exec, err := svc.GetExecution(context.Background(), "missing/run")
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	if exec != nil {
		t.Fatalf("expected nil execution, got %+v", exec)
	}
}

func TestService_ListExecutions_Paginates(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		name := string(rune('a' + i))
		if _, err := svc.StartExecution(ctx, StartExecutionRequest{Workflow: "greet", ExecutionName: name, Input: []byte(`"x"`)}); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}

	page1, err := svc.ListExecutions(ctx, ListExecutionsRequest{PageSize: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page1.Executions) != 2 || page1.NextOffset != 2 {
		t.Fatalf("page1 = %+v", page1)
	}

	page3, err := svc.ListExecutions(ctx, ListExecutionsRequest{PageOffset: 4, PageSize: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page3.Executions) != 1 || page3.NextOffset != 0 {
		t.Fatalf("page3 = %+v", page3)
	}
}

func TestService_GetExecutionHistory_Paginates(t *testing.T) {
	svc, h, _, _, _ := newTestService(t)
	ctx := context.Background()
	id := types.ExecutionID("greet/run-3")
	if _, err := svc.StartExecution(ctx, StartExecutionRequest{Workflow: "greet", ExecutionName: "run-3", Input: []byte(`"x"`)}); err != nil {
		t.Fatalf("start: %v", err)
	}
	extra := types.NewLifecycleEvent(types.EventTypeSignalReceived, "sig-1", time.Now(), &types.SignalReceivedAttributes{SignalID: "go"})
	if err := h.AppendEvents(ctx, id, []*types.HistoryEvent{extra}); err != nil {
		t.Fatalf("append: %v", err)
	}

	resp, err := svc.GetExecutionHistory(ctx, GetExecutionHistoryRequest{ExecutionID: id, PageSize: 1})
	if err != nil {
		t.Fatalf("get history: %v", err)
	}
	if len(resp.Events) != 1 || resp.Events[0].Type != types.EventTypeWorkflowStarted || resp.NextOffset != 1 {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestService_SendSignal_DeliversThroughExecutionQueue(t *testing.T) {
	svc, _, _, q, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.SendSignal(ctx, SendSignalRequest{Execution: "greet/target", Signal: "approve", Payload: []byte("yes")}); err != nil {
		t.Fatalf("send signal: %v", err)
	}
	task, err := q.Poll(ctx, "", 20*time.Millisecond)
	if err != nil || task == nil || task.ExecutionID != "greet/target" {
		t.Fatalf("task = %+v err = %v", task, err)
	}
	attrs := task.Events[0].Attributes.(*types.SignalReceivedAttributes)
	if attrs.SignalID != "approve" || string(attrs.Payload) != "yes" {
		t.Fatalf("attrs = %+v", attrs)
	}
}

func TestService_EmitEvents_FansOutToSubscriptions(t *testing.T) {
	svc, _, _, _, reg := newTestService(t)
	var mu sync.Mutex
	var got []string
	reg.RegisterSubscription(&registry.Subscription{
		ID:     "sub-1",
		Filter: registry.SubscriptionFilter{Name: "order.placed"},
		Deliver: func(name string, payload []byte) error {
			mu.Lock()
			got = append(got, name)
			mu.Unlock()
			return nil
		},
	})

	err := svc.EmitEvents(context.Background(), EmitEventsRequest{Events: []types.EmittedEvent{{Name: "order.placed", Payload: []byte("o-1")}}})
	if err != nil {
		t.Fatalf("emit events: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "order.placed" {
		t.Fatalf("got = %v", got)
	}
}

func TestService_SendTaskSuccessAndFailure_DeliverViaToken(t *testing.T) {
	svc, _, _, q, _ := newTestService(t)
	ctx := context.Background()

	token := encodeTestToken("greet/run-token", 7)
	if err := svc.SendTaskSuccess(ctx, SendTaskSuccessRequest{TaskToken: token, Result: []byte("done")}); err != nil {
		t.Fatalf("send task success: %v", err)
	}
	task, err := q.Poll(ctx, "", 20*time.Millisecond)
	if err != nil || task == nil {
		t.Fatalf("poll: %+v %v", task, err)
	}
	if task.Events[0].Type != types.EventTypeTaskSucceeded || task.Events[0].Seq != 7 {
		t.Fatalf("event = %+v", task.Events[0])
	}

	token2 := encodeTestToken("greet/run-token-2", 8)
	if err := svc.SendTaskFailure(ctx, SendTaskFailureRequest{TaskToken: token2, Error: "Boom", Message: "bad"}); err != nil {
		t.Fatalf("send task failure: %v", err)
	}
	task2, err := q.Poll(ctx, "", 20*time.Millisecond)
	if err != nil || task2 == nil {
		t.Fatalf("poll: %+v %v", task2, err)
	}
	attrs := task2.Events[0].Attributes.(*types.TaskFailedAttributes)
	if attrs.Error != "Boom" || attrs.Message != "bad" {
		t.Fatalf("attrs = %+v", attrs)
	}
}

func TestService_SendTaskHeartbeat_ReportsCancelledAfterTerminal(t *testing.T) {
	svc, _, e, _, _ := newTestService(t)
	ctx := context.Background()

	start, err := svc.StartExecution(ctx, StartExecutionRequest{Workflow: "greet", ExecutionName: "run-hb", Input: []byte(`"x"`)})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	token := encodeTestToken(start.ExecutionID, 1)
	resp, err := svc.SendTaskHeartbeat(ctx, token)
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if resp.Cancelled {
		t.Fatalf("expected not cancelled while in progress")
	}

	if err := e.CompleteTerminal(ctx, start.ExecutionID, types.ExecutionStatusSucceeded, time.Now(), []byte("ok"), "", ""); err != nil {
		t.Fatalf("complete: %v", err)
	}

	resp2, err := svc.SendTaskHeartbeat(ctx, token)
	if err != nil {
		t.Fatalf("heartbeat 2: %v", err)
	}
	if !resp2.Cancelled {
		t.Fatalf("expected cancelled after terminal completion")
	}
}

func TestService_ExecuteTransaction_SucceedsAndFails(t *testing.T) {
	svc, _, _, _, reg := newTestService(t)
	reg.RegisterTransaction("reserve", func(ctx *registry.TxnContext, input []byte) ([]byte, error) {
		return []byte("reserved"), ctx.Set("seat", []byte("taken"))
	})
	reg.RegisterTransaction("fail-always", func(ctx *registry.TxnContext, input []byte) ([]byte, error) {
		return nil, &types.RemoteError{ID: "NoSeats", Message: "sold out"}
	})

	ok, err := svc.ExecuteTransaction(context.Background(), ExecuteTransactionRequest{Transaction: "reserve"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !ok.Succeeded || string(ok.Output) != "reserved" {
		t.Fatalf("ok = %+v", ok)
	}

	bad, err := svc.ExecuteTransaction(context.Background(), ExecuteTransactionRequest{Transaction: "fail-always"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if bad.Succeeded || bad.Error != "NoSeats" {
		t.Fatalf("bad = %+v", bad)
	}
}

func encodeTestToken(executionID types.ExecutionID, seq int64) string {
	return taskworker.EncodeToken(executionID, seq)
}
