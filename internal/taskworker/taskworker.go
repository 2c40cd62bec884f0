// Package taskworker implements the Task Worker (spec.md §4.4): it
// polls the task dispatch queue the Command Executor's StartTask feeds,
// claims each task exactly once, invokes the registered handler inside
// a bounded scope, and reports TaskSucceeded/TaskFailed back through the
// target execution's Execution Queue. Poll-loop shape grounded on the
// teacher's worker/poller/poller.go.
package taskworker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flowforge/engine/internal/equeue"
	"github.com/flowforge/engine/internal/observability/metrics"
	"github.com/flowforge/engine/internal/registry"
	"github.com/flowforge/engine/internal/timer"
	"github.com/flowforge/engine/internal/types"
)

// Deliverer hands a task result event back to an execution's Execution
// Queue — the same role internal/command's Deliverer and
// internal/timer's Deliverer play, kept as its own local interface per
// this codebase's import-cycle-avoidance convention.
type Deliverer interface {
	Enqueue(ctx context.Context, executionID types.ExecutionID, events []*types.HistoryEvent) error
}

var (
	_ Deliverer = (*equeue.MemoryQueue)(nil)
	_ Deliverer = (*equeue.RedisQueue)(nil)
)

// Config holds Worker tuning.
type Config struct {
	Identity     string
	PollInterval time.Duration
	Logger       *slog.Logger
}

func DefaultConfig() Config {
	return Config{Identity: "taskworker", PollInterval: time.Second}
}

// Worker polls tasks (the queue StartTask dispatches onto, distinct
// from the Execution Queue the Orchestrator itself polls), claims and
// executes each, and delivers the result.
type Worker struct {
	tasks    equeue.Queue
	deliver  Deliverer
	claims   ClaimStore
	timers   *timer.Service
	registry *registry.Registry
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.EngineMetrics

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func New(tasks equeue.Queue, deliver Deliverer, claims ClaimStore, timers *timer.Service, reg *registry.Registry, cfg Config) *Worker {
	if cfg.Identity == "" {
		cfg.Identity = "taskworker"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		tasks:    tasks,
		deliver:  deliver,
		claims:   claims,
		timers:   timers,
		registry: reg,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics.NewEngineMetrics(nil, "taskworker"),
	}
}

// WithMetrics rebinds the Worker to report through a specific metrics
// registry instead of the package-wide default.
func (w *Worker) WithMetrics(m *metrics.EngineMetrics) *Worker {
	w.metrics = m
	return w
}

// Start launches the poll loop in the background; it returns
// immediately. Call Stop to drain and join it.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.wg.Add(1)
	go w.pollLoop(ctx)
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		task, err := w.tasks.Poll(ctx, "", w.cfg.PollInterval)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("poll failed", slog.String("error", err.Error()))
			continue
		}
		if task == nil {
			continue
		}
		w.handleBatch(ctx, task)
		if err := w.tasks.Ack(ctx, task.ExecutionID); err != nil {
			w.logger.Error("ack failed", slog.String("execution_id", string(task.ExecutionID)), slog.String("error", err.Error()))
		}
	}
}

// handleBatch dispatches every TaskScheduled event in the delivered
// batch; any other event type reaching this queue is a wiring mistake
// upstream (the Orchestrator's own Execution Queue is a separate
// instance) and is logged, not acted on.
func (w *Worker) handleBatch(ctx context.Context, task *equeue.WorkflowTask) {
	for _, ev := range task.Events {
		attrs, ok := ev.Attributes.(*types.TaskScheduledAttributes)
		if ev.Type != types.EventTypeTaskScheduled || !ok {
			w.logger.Warn("unexpected event on task dispatch queue", slog.String("type", ev.Type.String()))
			continue
		}
		w.dispatch(ctx, task.ExecutionID, ev.Seq, attrs)
	}
}

// dispatch runs spec.md §4.4 steps 1-6 for one scheduled task.
func (w *Worker) dispatch(ctx context.Context, executionID types.ExecutionID, seq int64, attrs *types.TaskScheduledAttributes) {
	key := ClaimKey{ExecutionID: executionID, Seq: seq, Retry: 0}
	now := time.Now()

	claimed, err := w.claims.Claim(ctx, key, w.cfg.Identity, now)
	if err != nil {
		w.logger.Error("claim failed", slog.String("key", key.String()), slog.String("error", err.Error()))
		return
	}
	if !claimed {
		w.logger.Info("task already claimed, skipping", slog.String("key", key.String()))
		return
	}

	if attrs.HeartbeatTimeout > 0 && w.timers != nil {
		id := heartbeatScheduleID(executionID, seq)
		if err := w.timers.HeartbeatMonitor(ctx, id, executionID, seq, attrs.HeartbeatTimeout); err != nil {
			w.logger.Error("register heartbeat monitor failed", slog.String("key", key.String()), slog.String("error", err.Error()))
		}
	}

	fn, ok := w.registry.Task(attrs.Name)
	if !ok {
		w.deliverResult(ctx, executionID, types.NewSequencedEvent(types.EventTypeTaskFailed, seq, time.Now(), &types.TaskFailedAttributes{
			Error: types.ErrorIDTaskNotFound, Message: fmt.Sprintf("no task registered as %q", attrs.Name),
		}))
		return
	}

	w.metrics.TaskStarted(w.cfg.Identity, attrs.Name)
	taskStart := time.Now()

	tctx := &registry.TaskContext{
		ExecutionID: string(executionID),
		Seq:         seq,
		Heartbeat: func() {
			if err := w.claims.Heartbeat(ctx, key, time.Now()); err != nil {
				w.logger.Warn("heartbeat record failed", slog.String("key", key.String()), slog.String("error", err.Error()))
			}
			if attrs.HeartbeatTimeout > 0 && w.timers != nil {
				id := heartbeatScheduleID(executionID, seq)
				if err := w.timers.RecordHeartbeat(ctx, id); err != nil {
					w.logger.Warn("record heartbeat failed", slog.String("key", key.String()), slog.String("error", err.Error()))
				}
			}
		},
	}

	result, err := w.invoke(fn, tctx, attrs.Input)
	if errors.Is(err, registry.AsyncPending) {
		// spec.md §4.4 step 5: no result event now, and the heartbeat
		// monitor stays armed — a later SendTaskSuccess/Failure call
		// releases it along with delivering the deferred result. An
		// out-of-band SendTaskHeartbeat keeps it alive in the meantime.
		return
	}
	w.releaseHeartbeatMonitor(ctx, executionID, seq)
	if err != nil {
		id, message := classifyTaskError(err)
		w.metrics.TaskCompleted(w.cfg.Identity, attrs.Name, "failed", time.Since(taskStart))
		w.deliverResult(ctx, executionID, types.NewSequencedEvent(types.EventTypeTaskFailed, seq, time.Now(), &types.TaskFailedAttributes{Error: id, Message: message}))
		return
	}
	w.metrics.TaskCompleted(w.cfg.Identity, attrs.Name, "succeeded", time.Since(taskStart))
	w.deliverResult(ctx, executionID, types.NewSequencedEvent(types.EventTypeTaskSucceeded, seq, time.Now(), &types.TaskSucceededAttributes{Result: result}))
}

// invoke runs the handler and turns a panic into an error. It does not
// touch the heartbeat monitor; dispatch releases that after invoke
// returns, on every outcome except an async-pending result.
func (w *Worker) invoke(fn registry.TaskFunc, tctx *registry.TaskContext, input []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(tctx, input)
}

func (w *Worker) releaseHeartbeatMonitor(ctx context.Context, executionID types.ExecutionID, seq int64) {
	if w.timers == nil {
		return
	}
	id := heartbeatScheduleID(executionID, seq)
	if err := w.timers.ClearSchedule(ctx, id); err != nil && !errors.Is(err, timer.ErrScheduleNotFound) {
		w.logger.Warn("release heartbeat monitor failed", slog.String("id", id), slog.String("error", err.Error()))
	}
}

func (w *Worker) deliverResult(ctx context.Context, executionID types.ExecutionID, ev *types.HistoryEvent) {
	if err := w.deliver.Enqueue(ctx, executionID, []*types.HistoryEvent{ev}); err != nil {
		w.logger.Error("deliver task result failed", slog.String("execution_id", string(executionID)), slog.String("error", err.Error()))
	}
}

// classifyTaskError extracts the stable error id a RemoteError carries,
// or falls back to a generic identifier for an unannotated handler
// error (spec.md §7).
func classifyTaskError(err error) (id, message string) {
	var remote *types.RemoteError
	if errors.As(err, &remote) {
		return remote.ID, remote.Message
	}
	return "TaskError", err.Error()
}

func heartbeatScheduleID(executionID types.ExecutionID, seq int64) string {
	return fmt.Sprintf("%s/%d/heartbeat", executionID, seq)
}

// EncodeToken/DecodeToken implement spec.md §6's "Token = opaque
// encoding of (executionId, seq)" for SendTaskSuccess/Failure/Heartbeat.
func EncodeToken(executionID types.ExecutionID, seq int64) string {
	raw := fmt.Sprintf("%s:%d", executionID, seq)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeToken(token string) (types.ExecutionID, int64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", 0, fmt.Errorf("taskworker: decode token: %w", err)
	}
	idx := strings.LastIndexByte(string(raw), ':')
	if idx < 0 {
		return "", 0, fmt.Errorf("taskworker: malformed token %q", token)
	}
	seq, err := strconv.ParseInt(string(raw[idx+1:]), 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("taskworker: malformed token %q: %w", token, err)
	}
	return types.ExecutionID(raw[:idx]), seq, nil
}
