package timer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flowforge/engine/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type recordingDeliverer struct {
	mu    sync.Mutex
	calls []struct {
		executionID types.ExecutionID
		events      []*types.HistoryEvent
	}
	delivered chan struct{}
}

func newRecordingDeliverer() *recordingDeliverer {
	return &recordingDeliverer{delivered: make(chan struct{}, 16)}
}

func (d *recordingDeliverer) Enqueue(_ context.Context, executionID types.ExecutionID, events []*types.HistoryEvent) error {
	d.mu.Lock()
	d.calls = append(d.calls, struct {
		executionID types.ExecutionID
		events      []*types.HistoryEvent
	}{executionID, events})
	d.mu.Unlock()
	d.delivered <- struct{}{}
	return nil
}

func waitDelivery(t *testing.T, d *recordingDeliverer) {
	t.Helper()
	select {
	case <-d.delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestService_ShortTimerFires(t *testing.T) {
	store := NewMemoryStore()
	deliver := newRecordingDeliverer()
	svc := NewService(store, deliver, DefaultConfig())
	svc.clk = &fakeClock{now: time.Now()}

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(ctx)

	ev := types.NewSequencedEvent(types.EventTypeTimerCompleted, 3, time.Now(), &types.TimerCompletedAttributes{})
	due := svc.clk.Now().Add(10 * time.Millisecond)
	if err := svc.ScheduleEvent(ctx, "sched-1", "wf/e1", due, ev); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	waitDelivery(t, deliver)

	deliver.mu.Lock()
	defer deliver.mu.Unlock()
	if len(deliver.calls) != 1 || deliver.calls[0].executionID != "wf/e1" {
		t.Fatalf("calls = %+v", deliver.calls)
	}
}

func TestService_LongTimerPersistsThenFires(t *testing.T) {
	store := NewMemoryStore()
	deliver := newRecordingDeliverer()
	cfg := DefaultConfig()
	cfg.ScanInterval = 5 * time.Millisecond
	cfg.ShortThreshold = 20 * time.Millisecond
	svc := NewService(store, deliver, cfg)

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(ctx)

	ev := types.NewSequencedEvent(types.EventTypeTimerCompleted, 5, time.Now(), &types.TimerCompletedAttributes{})
	due := time.Now().Add(60 * time.Millisecond)
	if err := svc.ScheduleEvent(ctx, "sched-2", "wf/e2", due, ev); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Must be a store row immediately (beyond the short threshold).
	if _, err := store.GetSchedule(ctx, "sched-2"); err != nil {
		t.Fatalf("expected persisted schedule, got: %v", err)
	}

	waitDelivery(t, deliver)

	deliver.mu.Lock()
	defer deliver.mu.Unlock()
	if len(deliver.calls) != 1 || deliver.calls[0].executionID != "wf/e2" {
		t.Fatalf("calls = %+v", deliver.calls)
	}
}

func TestService_HeartbeatMonitorFiresOnSilence(t *testing.T) {
	store := NewMemoryStore()
	deliver := newRecordingDeliverer()
	svc := NewService(store, deliver, DefaultConfig())

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(ctx)

	if err := svc.HeartbeatMonitor(ctx, "hb-1", "wf/e3", 7, 20*time.Millisecond); err != nil {
		t.Fatalf("heartbeat monitor: %v", err)
	}

	waitDelivery(t, deliver)

	deliver.mu.Lock()
	defer deliver.mu.Unlock()
	if len(deliver.calls) != 1 {
		t.Fatalf("calls = %+v", deliver.calls)
	}
	if _, ok := deliver.calls[0].events[0].Attributes.(*types.TaskHeartbeatTimedOutAttributes); !ok {
		t.Fatalf("attrs type = %T", deliver.calls[0].events[0].Attributes)
	}
	if deliver.calls[0].events[0].Seq != 7 {
		t.Fatalf("seq = %d, want 7", deliver.calls[0].events[0].Seq)
	}
}

func TestService_ScheduleEventBeforeStartReturnsErrServiceNotRunning(t *testing.T) {
	store := NewMemoryStore()
	deliver := newRecordingDeliverer()
	svc := NewService(store, deliver, DefaultConfig())

	ctx := context.Background()
	ev := types.NewSequencedEvent(types.EventTypeTimerCompleted, 1, time.Now(), &types.TimerCompletedAttributes{})
	if err := svc.ScheduleEvent(ctx, "sched-never", "wf/e5", time.Now().Add(time.Minute), ev); err != ErrServiceNotRunning {
		t.Fatalf("err = %v, want ErrServiceNotRunning", err)
	}
}

func TestService_HeartbeatMonitorBeforeStartReturnsErrServiceNotRunning(t *testing.T) {
	store := NewMemoryStore()
	deliver := newRecordingDeliverer()
	svc := NewService(store, deliver, DefaultConfig())

	ctx := context.Background()
	if err := svc.HeartbeatMonitor(ctx, "hb-never", "wf/e6", 1, time.Minute); err != ErrServiceNotRunning {
		t.Fatalf("err = %v, want ErrServiceNotRunning", err)
	}
}

func TestService_ClearScheduleCancelsLongTimer(t *testing.T) {
	store := NewMemoryStore()
	deliver := newRecordingDeliverer()
	cfg := DefaultConfig()
	cfg.ShortThreshold = 5 * time.Millisecond
	svc := NewService(store, deliver, cfg)

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer svc.Stop(ctx)

	ev := types.NewSequencedEvent(types.EventTypeTimerCompleted, 9, time.Now(), &types.TimerCompletedAttributes{})
	if err := svc.ScheduleEvent(ctx, "sched-3", "wf/e4", time.Now().Add(time.Hour), ev); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := svc.ClearSchedule(ctx, "sched-3"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := store.GetSchedule(ctx, "sched-3"); err != ErrScheduleNotFound {
		t.Fatalf("err = %v, want ErrScheduleNotFound", err)
	}
}
