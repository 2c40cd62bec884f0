package txn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/flowforge/engine/internal/equeue"
	"github.com/flowforge/engine/internal/registry"
	"github.com/flowforge/engine/internal/types"
	"github.com/flowforge/engine/internal/worker/retry"
)

func fastTxnConfig() Config {
	return Config{
		MaxRetries: 10,
		RetryPolicy: &retry.Policy{
			InitialInterval:    time.Millisecond,
			BackoffCoefficient: 2,
			MaximumInterval:    5 * time.Millisecond,
			MaximumAttempts:    10,
		},
	}
}

func pollForResult(t *testing.T, q equeue.Queue, executionID types.ExecutionID) *equeue.WorkflowTask {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := q.Poll(context.Background(), "", 20*time.Millisecond)
		if err != nil {
			t.Fatalf("poll: %v", err)
		}
		if task != nil && task.ExecutionID == executionID {
			return task
		}
	}
	t.Fatalf("no result delivered for %s within deadline", executionID)
	return nil
}

func TestExecutor_Submit_CommitsAndDeliversSucceeded(t *testing.T) {
	store := NewMemoryEntityStore()
	results := equeue.NewMemoryQueue()
	reg := registry.New()
	reg.RegisterTransaction("transfer", func(ctx *registry.TxnContext, input []byte) ([]byte, error) {
		if err := ctx.Set("balance", []byte("90")); err != nil {
			return nil, err
		}
		return []byte("ok"), nil
	})

	exec := New(store, reg, results, nil, fastTxnConfig())
	execID := types.ExecutionID("wf/e1")
	if err := exec.Submit(context.Background(), execID, 1, "transfer", nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	task := pollForResult(t, results, execID)
	if task.Events[0].Type != types.EventTypeTransactionRequestSucceeded {
		t.Fatalf("event = %+v", task.Events[0])
	}
	succ := task.Events[0].Attributes.(*types.TransactionRequestSucceededAttributes)
	if string(succ.Output) != "ok" {
		t.Fatalf("output = %q", succ.Output)
	}
	value, _, err := store.Get(context.Background(), "balance")
	if err != nil || string(value) != "90" {
		t.Fatalf("balance = %q err=%v", value, err)
	}
}

func TestExecutor_Submit_RetriesOnVersionConflictThenCommits(t *testing.T) {
	store := NewMemoryEntityStore()
	if err := store.CommitWrite(context.Background(), nil, map[string][]byte{"counter": []byte("0")}, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	results := equeue.NewMemoryQueue()
	reg := registry.New()

	var attempts int
	var mu sync.Mutex
	var interfered bool
	reg.RegisterTransaction("increment", func(ctx *registry.TxnContext, input []byte) ([]byte, error) {
		mu.Lock()
		attempts++
		first := attempts == 1
		mu.Unlock()

		if _, err := ctx.Get("counter"); err != nil {
			return nil, err
		}
		if first && !interfered {
			interfered = true
			// simulate a concurrent writer racing this attempt between
			// its read and its commit, forcing a version conflict.
			if err := store.CommitWrite(context.Background(), nil, map[string][]byte{"counter": []byte("99")}, nil); err != nil {
				t.Fatalf("interfering write: %v", err)
			}
		}
		return nil, ctx.Set("counter", []byte("1"))
	})

	exec := New(store, reg, results, nil, fastTxnConfig())
	execID := types.ExecutionID("wf/e2")
	if err := exec.Submit(context.Background(), execID, 2, "increment", nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	task := pollForResult(t, results, execID)
	if task.Events[0].Type != types.EventTypeTransactionRequestSucceeded {
		t.Fatalf("event = %+v", task.Events[0])
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts < 2 {
		t.Fatalf("expected a retry, attempts = %d", attempts)
	}
}

func TestExecutor_Submit_UserFunctionErrorFailsWithoutRetry(t *testing.T) {
	store := NewMemoryEntityStore()
	results := equeue.NewMemoryQueue()
	reg := registry.New()
	var calls int
	reg.RegisterTransaction("broken", func(ctx *registry.TxnContext, input []byte) ([]byte, error) {
		calls++
		return nil, &types.RemoteError{ID: "InsufficientFunds", Message: "balance too low"}
	})

	exec := New(store, reg, results, nil, fastTxnConfig())
	execID := types.ExecutionID("wf/e3")
	if err := exec.Submit(context.Background(), execID, 3, "broken", nil); err != nil {
		t.Fatalf("submit: %v", err)
	}

	task := pollForResult(t, results, execID)
	attrs := task.Events[0].Attributes.(*types.TransactionRequestFailedAttributes)
	if attrs.Error != "InsufficientFunds" || attrs.Reason != "balance too low" {
		t.Fatalf("attrs = %+v", attrs)
	}
	if calls != 1 {
		t.Fatalf("user function should run exactly once, got %d calls", calls)
	}
}

func TestExecutor_Submit_EmitsBufferedEventsOnlyAfterCommit(t *testing.T) {
	store := NewMemoryEntityStore()
	results := equeue.NewMemoryQueue()
	reg := registry.New()
	reg.RegisterTransaction("checkout", func(ctx *registry.TxnContext, input []byte) ([]byte, error) {
		ctx.Emit([]types.EmittedEvent{{Name: "order.placed", Payload: []byte("o-1")}})
		return nil, ctx.Set("order", []byte("placed"))
	})

	var emitted []types.EmittedEvent
	fakeRouter := routerFunc(func(_ context.Context, _ types.ExecutionID, events []types.EmittedEvent) error {
		emitted = append(emitted, events...)
		return nil
	})

	exec := New(store, reg, results, fakeRouter, fastTxnConfig())
	execID := types.ExecutionID("wf/e4")
	if err := exec.Submit(context.Background(), execID, 4, "checkout", nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	pollForResult(t, results, execID)

	if len(emitted) != 1 || emitted[0].Name != "order.placed" {
		t.Fatalf("emitted = %+v", emitted)
	}
}

func TestMemoryEntityStore_CommitWrite_RejectsStaleRead(t *testing.T) {
	store := NewMemoryEntityStore()
	if err := store.CommitWrite(context.Background(), nil, map[string][]byte{"k": []byte("v1")}, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, version, err := store.Get(context.Background(), "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if err := store.CommitWrite(context.Background(), nil, map[string][]byte{"k": []byte("v2")}, nil); err != nil {
		t.Fatalf("concurrent write: %v", err)
	}

	err = store.CommitWrite(context.Background(), map[string]int64{"k": version}, map[string][]byte{"k": []byte("v3")}, nil)
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

type routerFunc func(ctx context.Context, sourceExecutionID types.ExecutionID, events []types.EmittedEvent) error

func (f routerFunc) EmitEvents(ctx context.Context, sourceExecutionID types.ExecutionID, events []types.EmittedEvent) error {
	return f(ctx, sourceExecutionID, events)
}
