// Package router implements the Signal / Event Router (spec.md §4.6):
// it delivers signals to their target execution's Execution Queue, and
// fans emitted events out to every registered subscription whose filter
// matches, retrying failed deliveries before routing terminal failures
// to a dead-letter sink.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowforge/engine/internal/equeue"
	"github.com/flowforge/engine/internal/idgen"
	"github.com/flowforge/engine/internal/observability/metrics"
	"github.com/flowforge/engine/internal/registry"
	"github.com/flowforge/engine/internal/types"
	"github.com/flowforge/engine/internal/worker/retry"
	"golang.org/x/time/rate"
)

// Deliverer hands a signal event to an execution's Execution Queue. Same
// role as internal/command's and internal/taskworker's own Deliverer
// interfaces, redeclared locally per this codebase's import-cycle
// convention.
type Deliverer interface {
	Enqueue(ctx context.Context, executionID types.ExecutionID, events []*types.HistoryEvent) error
}

var (
	_ Deliverer = (*equeue.MemoryQueue)(nil)
	_ Deliverer = (*equeue.RedisQueue)(nil)
)

// Config holds Router tuning.
type Config struct {
	RetryPolicy *retry.Policy
	DLQMaxSize  int
	RetryRate   rate.Limit
	RetryBurst  int
	Logger      *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		RetryPolicy: retry.DefaultPolicy(),
		DLQMaxSize:  1000,
		RetryRate:   50,
		RetryBurst:  50,
	}
}

// Router satisfies command.SignalTarget and command.EventRouter.
type Router struct {
	deliver  Deliverer
	registry *registry.Registry
	policy   *retry.Policy
	dlq      *DeadLetterQueue
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *metrics.EngineMetrics
}

func New(deliver Deliverer, reg *registry.Registry, cfg Config) *Router {
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = retry.DefaultPolicy()
	}
	if cfg.RetryRate <= 0 {
		cfg.RetryRate = 50
	}
	if cfg.RetryBurst <= 0 {
		cfg.RetryBurst = 50
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		deliver:  deliver,
		registry: reg,
		policy:   cfg.RetryPolicy,
		dlq:      NewDeadLetterQueue(cfg.DLQMaxSize, logger),
		limiter:  rate.NewLimiter(cfg.RetryRate, cfg.RetryBurst),
		logger:   logger,
		metrics:  metrics.NewEngineMetrics(nil, "router"),
	}
}

// WithMetrics rebinds the Router to report through a specific metrics
// registry instead of the package-wide default.
func (r *Router) WithMetrics(m *metrics.EngineMetrics) *Router {
	r.metrics = m
	return r
}

// DeadLetterQueue exposes the router's DLQ for inspection (an operator
// surface, not a workflow primitive).
func (r *Router) DeadLetterQueue() *DeadLetterQueue { return r.dlq }

// SendSignal satisfies command.SignalTarget. The dedup id is always
// generated here: a client-supplied idempotency key (spec.md §4.6's
// "id?") only ever reaches the router through the external SendSignal
// API, which calls DeliverSignal directly; this path is the workflow
// primitive's own SendSignal command, which carries no id of its own.
func (r *Router) SendSignal(ctx context.Context, target types.ExecutionID, signalID string, payload []byte) error {
	return r.DeliverSignal(ctx, target, signalID, payload, "")
}

// DeliverSignal writes SignalReceived{signalId, payload, id} to target's
// Execution Queue, falling back to a generated id when dedupID is empty
// (spec.md §4.6: "id=id ?? ulid()"). dedupID becomes the event's id. The
// Execution Queue does not enforce uniqueness on it, but the Orchestrator
// merges events by id, so a repeat with the same dedupID is dropped there;
// an empty dedupID gets a fresh id on every call.
func (r *Router) DeliverSignal(ctx context.Context, target types.ExecutionID, signalID string, payload []byte, dedupID string) error {
	if dedupID == "" {
		dedupID = idgen.NewID()
	}
	ev := types.NewLifecycleEvent(types.EventTypeSignalReceived, dedupID, time.Now(), &types.SignalReceivedAttributes{
		SignalID: signalID,
		Payload:  payload,
		DedupID:  dedupID,
	})
	if err := r.deliver.Enqueue(ctx, target, []*types.HistoryEvent{ev}); err != nil {
		return fmt.Errorf("router: deliver signal: %w", err)
	}
	r.metrics.SignalDelivered(signalID)
	return nil
}

// EmitEvents satisfies command.EventRouter: it fans each envelope out to
// every subscription whose filter matches, synchronously retrying a
// failed delivery with the configured backoff policy before giving up
// and routing it to the dead-letter queue. sourceExecutionID identifies
// the emitting workflow only for logging; subscriptions don't filter on
// it (spec.md §4.6 names only {name equality, predicate}).
func (r *Router) EmitEvents(ctx context.Context, sourceExecutionID types.ExecutionID, events []types.EmittedEvent) error {
	for _, envelope := range events {
		subs := r.registry.Subscriptions(envelope.Name, envelope.Payload)
		for _, sub := range subs {
			r.deliverWithRetry(ctx, sourceExecutionID, envelope, sub)
		}
	}
	return nil
}

// deliverWithRetry drives spec.md §4.6's "retries failed deliveries with
// an attempt-bounded policy, routing terminal failures to a dead-letter
// sink." Backoff and the retry/non-retryable decision are the teacher's
// worker/retry.Policy, unchanged; a rate limiter throttles the retry
// cadence itself so a subscriber outage can't turn into a delivery storm
// (SPEC_FULL.md §4.6 domain-stack addition).
func (r *Router) deliverWithRetry(ctx context.Context, sourceExecutionID types.ExecutionID, envelope types.EmittedEvent, sub *registry.Subscription) {
	var lastErr error
	var attempt int32
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		err := sub.Deliver(envelope.Name, envelope.Payload)
		if err == nil {
			r.metrics.EventDelivered(envelope.Name)
			return
		}
		lastErr = err
		attempt++
		if !r.policy.ShouldRetry(attempt, err.Error()) {
			break
		}
		r.metrics.EventDeliveryRetried(envelope.Name)
		delay := r.policy.NextRetryDelay(attempt)
		r.logger.Warn("event delivery failed, retrying",
			slog.String("source_execution_id", string(sourceExecutionID)),
			slog.String("subscription_id", sub.ID),
			slog.String("event", envelope.Name),
			slog.Int("attempt", int(attempt)),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			goto deadLetter
		case <-time.After(delay):
		}
	}
deadLetter:
	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	if err := r.dlq.Add(&DeadLetterEntry{
		SubscriptionID: sub.ID,
		EventName:      envelope.Name,
		Payload:        envelope.Payload,
		Attempts:       attempt,
		FailedAt:       time.Now(),
		LastError:      errMsg,
	}); err != nil {
		r.logger.Error("dead letter queue full, dropping event",
			slog.String("source_execution_id", string(sourceExecutionID)),
			slog.String("subscription_id", sub.ID), slog.String("event", envelope.Name))
	}
	r.metrics.EventDeadLettered(envelope.Name)
	r.metrics.DeadLetterQueueDepth(r.dlq.Len())
}
