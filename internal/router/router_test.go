package router

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

func fastPolicy() *retry.Policy {
	return &retry.Policy{
		InitialInterval:    2 * time.Millisecond,
		BackoffCoefficient: 2,
		MaximumInterval:    10 * time.Millisecond,
		MaximumAttempts:    3,
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryPolicy = fastPolicy()
	cfg.RetryRate = 1000
	cfg.RetryBurst = 1000
	return cfg
}

func TestRouter_SendSignal_DeliversWithGeneratedDedupID(t *testing.T) {
	queue := equeue.NewMemoryQueue()
	r := New(queue, registry.New(), testConfig())

	err := r.SendSignal(context.Background(), "wf/target", "approval", []byte("yes"))
	if err != nil {
		t.Fatalf("send signal: %v", err)
	}

	task, err := queue.Poll(context.Background(), "", 10*time.Millisecond)
	if err != nil || task == nil {
		t.Fatalf("poll: task=%+v err=%v", task, err)
	}
	if len(task.Events) != 1 || task.Events[0].Type != types.EventTypeSignalReceived {
		t.Fatalf("events = %+v", task.Events)
	}
	attrs := task.Events[0].Attributes.(*types.SignalReceivedAttributes)
	if attrs.SignalID != "approval" || string(attrs.Payload) != "yes" || attrs.DedupID == "" {
		t.Fatalf("attrs = %+v", attrs)
	}
	if task.Events[0].ID != attrs.DedupID {
		t.Fatalf("event id %q != dedup id %q", task.Events[0].ID, attrs.DedupID)
	}
}

func TestRouter_DeliverSignal_PreservesExplicitDedupID(t *testing.T) {
	queue := equeue.NewMemoryQueue()
	r := New(queue, registry.New(), testConfig())

	if err := r.DeliverSignal(context.Background(), "wf/target", "approval", nil, "client-key-1"); err != nil {
		t.Fatalf("deliver signal: %v", err)
	}

	task, _ := queue.Poll(context.Background(), "", 10*time.Millisecond)
	attrs := task.Events[0].Attributes.(*types.SignalReceivedAttributes)
	if attrs.DedupID != "client-key-1" {
		t.Fatalf("dedup id = %q", attrs.DedupID)
	}
}

func TestRouter_EmitEvents_DeliversToMatchingSubscription(t *testing.T) {
	reg := registry.New()
	var delivered []string
	var mu sync.Mutex
	reg.RegisterSubscription(&registry.Subscription{
		ID:     "sub-1",
		Filter: registry.SubscriptionFilter{Name: "order.placed"},
		Deliver: func(name string, payload []byte) error {
			mu.Lock()
			delivered = append(delivered, name+":"+string(payload))
			mu.Unlock()
			return nil
		},
	})
	reg.RegisterSubscription(&registry.Subscription{
		ID:     "sub-2",
		Filter: registry.SubscriptionFilter{Name: "order.cancelled"},
		Deliver: func(name string, payload []byte) error {
			t.Fatalf("unmatched subscription should not be delivered to")
			return nil
		},
	})

	r := New(equeue.NewMemoryQueue(), reg, testConfig())
	err := r.EmitEvents(context.Background(), "wf/e1", []types.EmittedEvent{
		{Name: "order.placed", Payload: []byte("order-1")},
	})
	if err != nil {
		t.Fatalf("emit events: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != 1 || delivered[0] != "order.placed:order-1" {
		t.Fatalf("delivered = %v", delivered)
	}
}

func TestRouter_EmitEvents_RetriesThenSucceeds(t *testing.T) {
	reg := registry.New()
	var attempts int
	var mu sync.Mutex
	reg.RegisterSubscription(&registry.Subscription{
		ID: "sub-flaky",
		Deliver: func(name string, payload []byte) error {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 2 {
				return errors.New("temporarily unavailable")
			}
			return nil
		},
	})

	r := New(equeue.NewMemoryQueue(), reg, testConfig())
	r.EmitEvents(context.Background(), "wf/e1", []types.EmittedEvent{{Name: "x"}})

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Fatalf("attempts = %d", attempts)
	}
	if r.DeadLetterQueue().Len() != 0 {
		t.Fatalf("dlq should be empty, got %d entries", r.DeadLetterQueue().Len())
	}
}

func TestRouter_EmitEvents_ExhaustsRetriesIntoDeadLetterQueue(t *testing.T) {
	reg := registry.New()
	reg.RegisterSubscription(&registry.Subscription{
		ID: "sub-always-fails",
		Deliver: func(name string, payload []byte) error {
			return errors.New("permanently down")
		},
	})

	r := New(equeue.NewMemoryQueue(), reg, testConfig())
	r.EmitEvents(context.Background(), "wf/e1", []types.EmittedEvent{{Name: "x", Payload: []byte("p")}})

	entries := r.DeadLetterQueue().List()
	if len(entries) != 1 {
		t.Fatalf("dlq entries = %d", len(entries))
	}
	if entries[0].SubscriptionID != "sub-always-fails" || entries[0].LastError == "" {
		t.Fatalf("entry = %+v", entries[0])
	}
}
