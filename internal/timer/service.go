package timer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowforge/engine/internal/equeue"
	"github.com/flowforge/engine/internal/types"
)

// Deliverer hands a fired schedule's result event to the target
// execution's Execution Queue (spec.md §4.5 "submit its event to the
// target execution's Execution Queue as a one-element workflow task").
type Deliverer interface {
	Enqueue(ctx context.Context, executionID types.ExecutionID, events []*types.HistoryEvent) error
}

var (
	_ Deliverer = (*equeue.MemoryQueue)(nil)
	_ Deliverer = (*equeue.RedisQueue)(nil)
)

// Config holds Service tuning, mirroring the teacher's sharded scan
// config with one addition: ShortThreshold, the boundary between the
// two tiers spec.md §4.5 names.
type Config struct {
	NumShards      int32
	ScanInterval   time.Duration
	BatchSize      int
	ProcessorCount int
	ShortThreshold time.Duration
	Logger         *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		NumShards:      16,
		ScanInterval:   time.Second,
		BatchSize:      100,
		ProcessorCount: 4,
		ShortThreshold: 5 * time.Second,
	}
}

// clock abstracts wall-clock reads so tests can inject a fake one,
// matching internal/clock's role for the Workflow Executor.
type clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Service is the Timer Service. Short timers (due within
// ShortThreshold) fire via an in-process time.AfterFunc; long timers
// are persisted and picked up by a sharded scan+process loop that, on
// entering the short window, hands off to the same in-process path.
type Service struct {
	store   Store
	deliver Deliverer
	clk     clock
	cfg     Config
	logger  *slog.Logger

	assignedShards []int32

	stopCh chan struct{}
	dueCh  chan *Schedule

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

func NewService(store Store, deliver Deliverer, cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NumShards <= 0 {
		cfg.NumShards = 16
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.ProcessorCount <= 0 {
		cfg.ProcessorCount = 4
	}
	if cfg.ShortThreshold <= 0 {
		cfg.ShortThreshold = 5 * time.Second
	}
	return &Service{
		store:   store,
		deliver: deliver,
		clk:     realClock{},
		cfg:     cfg,
		logger:  cfg.Logger,
		stopCh:  make(chan struct{}),
		dueCh:   make(chan *Schedule, cfg.BatchSize*cfg.ProcessorCount),
	}
}

func (s *Service) AssignShards(shards []int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assignedShards = shards
	s.logger.Info("assigned shards", slog.Any("shards", shards))
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("timer: service already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("starting timer service",
		slog.Int("processor_count", s.cfg.ProcessorCount),
		slog.Duration("scan_interval", s.cfg.ScanInterval),
	)

	s.wg.Add(1)
	go s.runScanner(ctx)
	for i := 0; i < s.cfg.ProcessorCount; i++ {
		s.wg.Add(1)
		go s.runProcessor(ctx)
	}
	return nil
}

func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.logger.Info("stopping timer service")

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
		s.logger.Info("timer service stopped")
	case <-ctx.Done():
		s.logger.Warn("timer service stop timed out")
	}
	return nil
}

// ScheduleEvent is the first Timer Service request shape: deliver
// event to executionID's queue at dueAt.
func (s *Service) ScheduleEvent(ctx context.Context, id string, executionID types.ExecutionID, dueAt time.Time, event *types.HistoryEvent) error {
	return s.startTimer(ctx, &Schedule{
		ID:          id,
		ExecutionID: executionID,
		DueAt:       dueAt,
		Kind:        PayloadScheduleEvent,
		Event:       event,
	})
}

// HeartbeatMonitor is the second request shape: fire
// TaskHeartbeatTimedOut{seq} if no heartbeat is recorded within the
// window (spec.md §4.4 step 2).
func (s *Service) HeartbeatMonitor(ctx context.Context, id string, executionID types.ExecutionID, seq int64, heartbeatTimeout time.Duration) error {
	now := s.clk.Now()
	return s.startTimer(ctx, &Schedule{
		ID:               id,
		ExecutionID:      executionID,
		DueAt:            now.Add(heartbeatTimeout),
		Kind:             PayloadHeartbeatMonitor,
		Seq:              seq,
		HeartbeatTimeout: heartbeatTimeout,
		LastHeartbeat:    now,
	})
}

func (s *Service) startTimer(ctx context.Context, sc *Schedule) error {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	if !running {
		return ErrServiceNotRunning
	}

	sc.Status = ScheduleStatusPending
	sc.CreatedAt = s.clk.Now()
	sc.ShardID = s.getShardID(sc.ExecutionID)

	s.logger.Debug("scheduling timer",
		slog.String("id", sc.ID),
		slog.String("execution_id", string(sc.ExecutionID)),
		slog.Time("due_at", sc.DueAt),
	)

	if s.clk.Now().Add(s.cfg.ShortThreshold).After(sc.DueAt) {
		s.scheduleShort(ctx, sc)
		return nil
	}
	return s.store.CreateSchedule(ctx, sc)
}

// scheduleShort arms the in-process path directly, without a store
// round trip — the short-timer tier spec.md §4.5 describes.
func (s *Service) scheduleShort(_ context.Context, sc *Schedule) {
	delay := time.Until(sc.DueAt)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		select {
		case s.dueCh <- sc:
		case <-s.stopCh:
		}
	})
}

// ClearSchedule cancels a pending long-tier schedule. A short-tier
// schedule already armed via time.AfterFunc cannot be canceled from
// here; the Workflow Executor's seq-keyed event-id set makes a late
// fire harmless (spec.md §4.5: "firing is at-least-once").
func (s *Service) ClearSchedule(ctx context.Context, id string) error {
	return s.store.CancelSchedule(ctx, id)
}

// RecordHeartbeat is the sendTaskHeartbeat operation (spec.md §4.4:
// "records a timestamp on the claim row; Timer Service reads it to
// decide whether to fire a heartbeat timeout"). A long-tier monitor
// already waiting in processHeartbeat re-reads the store before firing,
// so recording here is enough to push its deadline out without
// re-arming the whole schedule; a short-tier monitor close to firing
// may still fire on stale state once, which the at-least-once delivery
// contract already tolerates.
func (s *Service) RecordHeartbeat(ctx context.Context, id string) error {
	return s.store.RecordHeartbeat(ctx, id, s.clk.Now())
}

func (s *Service) runScanner(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.scanDue(ctx)
		}
	}
}

// scanDue pulls schedules that have entered the short-timer window and
// hands them off to the in-process path.
func (s *Service) scanDue(ctx context.Context) {
	s.mu.RLock()
	shards := s.assignedShards
	s.mu.RUnlock()
	if len(shards) == 0 {
		shards = make([]int32, s.cfg.NumShards)
		for i := int32(0); i < s.cfg.NumShards; i++ {
			shards[i] = i
		}
	}

	horizon := s.clk.Now().Add(s.cfg.ShortThreshold)
	for _, shardID := range shards {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		due, err := s.store.GetDueSchedules(ctx, shardID, horizon, s.cfg.BatchSize)
		if err != nil {
			s.logger.Error("timer: scan failed", slog.Int("shard_id", int(shardID)), slog.String("error", err.Error()))
			continue
		}
		for _, sc := range due {
			s.scheduleShort(ctx, sc)
		}
	}
}

func (s *Service) runProcessor(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case sc := <-s.dueCh:
			s.process(ctx, sc)
		}
	}
}

func (s *Service) process(ctx context.Context, sc *Schedule) {
	if sc.Kind == PayloadHeartbeatMonitor {
		s.processHeartbeat(ctx, sc)
		return
	}
	s.fire(ctx, sc)
}

// processHeartbeat re-checks the live heartbeat state before firing:
// if a heartbeat landed since the schedule was armed, reschedule
// instead of firing TaskHeartbeatTimedOut.
func (s *Service) processHeartbeat(ctx context.Context, sc *Schedule) {
	live, err := s.store.GetSchedule(ctx, sc.ID)
	if err != nil && err != ErrScheduleNotFound {
		s.logger.Error("timer: heartbeat lookup failed", slog.String("id", sc.ID), slog.String("error", err.Error()))
		return
	}
	lastHeartbeat := sc.LastHeartbeat
	if live != nil {
		lastHeartbeat = live.LastHeartbeat
	}

	deadline := lastHeartbeat.Add(sc.HeartbeatTimeout)
	if s.clk.Now().Before(deadline) {
		rescheduled := *sc
		rescheduled.DueAt = deadline
		rescheduled.LastHeartbeat = lastHeartbeat
		s.scheduleShort(ctx, &rescheduled)
		return
	}
	s.fire(ctx, sc)
}

func (s *Service) fire(ctx context.Context, sc *Schedule) {
	var event *types.HistoryEvent
	switch sc.Kind {
	case PayloadScheduleEvent:
		event = sc.Event
	case PayloadHeartbeatMonitor:
		event = types.NewSequencedEvent(types.EventTypeTaskHeartbeatTimedOut, sc.Seq, s.clk.Now(), &types.TaskHeartbeatTimedOutAttributes{})
	}
	if event == nil {
		return
	}

	if err := s.deliver.Enqueue(ctx, sc.ExecutionID, []*types.HistoryEvent{event}); err != nil {
		s.logger.Error("timer: delivery failed", slog.String("id", sc.ID), slog.String("error", err.Error()))
		return
	}
	s.logger.Info("timer fired", slog.String("id", sc.ID), slog.String("execution_id", string(sc.ExecutionID)))

	if sc.CreatedAt.IsZero() {
		// Pure in-process schedule with no store row; nothing to mark fired.
		return
	}
	fired := *sc
	fired.Status = ScheduleStatusFired
	fired.FiredAt = s.clk.Now()
	fired.Version++
	if err := s.store.UpdateSchedule(ctx, &fired); err != nil && err != ErrOptimisticLock && err != ErrScheduleNotFound {
		s.logger.Error("timer: mark fired failed", slog.String("id", sc.ID), slog.String("error", err.Error()))
	}
}

// getShardID calculates the shard ID for a schedule.
func (s *Service) getShardID(executionID types.ExecutionID) int32 {
	var hash uint32
	for i := 0; i < len(executionID); i++ {
		hash = 31*hash + uint32(executionID[i])
	}
	return int32(hash % uint32(s.cfg.NumShards))
}

// IsRunning returns whether the service is running.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}
