// Package txn implements the Transaction Executor (spec.md §4.7): it
// runs a user-supplied transaction function in a shadow environment,
// commits its reads/writes as one conditional multi-write, retries on
// conflict with exponential backoff, and reports the outcome back
// through the target execution's Execution Queue — emitting any
// buffered events only after a successful commit.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flowforge/engine/internal/equeue"
	"github.com/flowforge/engine/internal/observability/metrics"
	"github.com/flowforge/engine/internal/registry"
	"github.com/flowforge/engine/internal/types"
	"github.com/flowforge/engine/internal/worker/retry"
)

// Deliverer hands a transaction result event back to an execution's
// Execution Queue, the same role every other async component's local
// Deliverer interface plays.
type Deliverer interface {
	Enqueue(ctx context.Context, executionID types.ExecutionID, events []*types.HistoryEvent) error
}

var (
	_ Deliverer = (*equeue.MemoryQueue)(nil)
	_ Deliverer = (*equeue.RedisQueue)(nil)
)

// EventRouter is the Signal/Event Router's EmitEvents entry point, used
// to flush a committed transaction's buffered events (spec.md §4.7 step
// 4: "only after commit").
type EventRouter interface {
	EmitEvents(ctx context.Context, sourceExecutionID types.ExecutionID, events []types.EmittedEvent) error
}

// Config holds Executor tuning.
type Config struct {
	MaxRetries  int32
	RetryPolicy *retry.Policy
	Logger      *slog.Logger
}

// DefaultConfig matches spec.md §4.7 step 3's maxRetries = 100.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  100,
		RetryPolicy: retry.DefaultPolicy().WithMaximumAttempts(100),
	}
}

// Executor is the Transaction Executor. Submit hands it a named
// transaction request and returns immediately (spec.md §4.3's
// TransactionSubmitter is fire-and-forget, like StartTask); the actual
// shadow execution, commit-with-retry loop, and result delivery run in
// a detached goroutine, reported back via Deliverer once they settle.
type Executor struct {
	entities EntityStore
	registry *registry.Registry
	deliver  Deliverer
	router   EventRouter
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.EngineMetrics
}

func New(entities EntityStore, reg *registry.Registry, deliver Deliverer, router EventRouter, cfg Config) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 100
	}
	if cfg.RetryPolicy == nil {
		cfg.RetryPolicy = retry.DefaultPolicy().WithMaximumAttempts(cfg.MaxRetries)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{entities: entities, registry: reg, deliver: deliver, router: router, cfg: cfg, logger: logger, metrics: metrics.NewEngineMetrics(nil, "txn")}
}

// WithMetrics rebinds the Executor to report through a specific metrics
// registry instead of the package-wide default.
func (e *Executor) WithMetrics(m *metrics.EngineMetrics) *Executor {
	e.metrics = m
	return e
}

// Submit satisfies command.TransactionSubmitter.
func (e *Executor) Submit(ctx context.Context, executionID types.ExecutionID, seq int64, name string, input []byte) error {
	fn, ok := e.registry.Transaction(name)
	if !ok {
		return fmt.Errorf("txn: no transaction registered as %q", name)
	}
	go e.run(executionID, seq, name, fn, input)
	return nil
}

// Execute runs a named transaction synchronously and returns its outcome
// directly, flushing buffered events through the router on success. This
// is the Engine Service API's ExecuteTransaction (spec.md §6): unlike
// Submit, there is no seq and no result delivered through an Execution
// Queue — the caller gets the outcome as a plain return value.
func (e *Executor) Execute(ctx context.Context, name string, input []byte) (output []byte, err error) {
	fn, ok := e.registry.Transaction(name)
	if !ok {
		return nil, fmt.Errorf("txn: no transaction registered as %q", name)
	}
	start := time.Now()
	output, events, attempts, err := e.attemptLoop(ctx, "", 0, name, fn, input)
	if err != nil {
		e.metrics.TransactionFailed(name, classifyTxnError(err))
		return nil, err
	}
	e.metrics.TransactionCommitted(name, attempts, time.Since(start))
	if e.router != nil && len(events) > 0 {
		if routeErr := e.router.EmitEvents(ctx, "", events); routeErr != nil {
			e.logger.Error("post-commit event emission failed", slog.String("transaction", name), slog.String("error", routeErr.Error()))
		}
	}
	return output, nil
}

// run drives spec.md §4.7's full protocol for one transaction request
// submitted by a workflow's InvokeTransaction command. It runs detached
// from the caller's context — like a Task Worker picking up a dispatched
// task, a transaction's lifetime outlives the Command Executor call that
// submitted it.
func (e *Executor) run(executionID types.ExecutionID, seq int64, name string, fn registry.TransactionFunc, input []byte) {
	ctx := context.Background()
	start := time.Now()

	output, events, attempts, err := e.attemptLoop(ctx, executionID, seq, name, fn, input)
	if err != nil {
		e.metrics.TransactionFailed(name, classifyTxnError(err))
		e.deliverResult(ctx, executionID, types.NewSequencedEvent(types.EventTypeTransactionRequestFailed, seq, time.Now(), &types.TransactionRequestFailedAttributes{
			Error:  classifyTxnError(err),
			Reason: errMessage(err),
		}))
		return
	}
	e.metrics.TransactionCommitted(name, attempts, time.Since(start))

	// spec.md §4.7 step 4: events buffered during the transaction are
	// emitted only now, after the commit that made them true.
	if e.router != nil && len(events) > 0 {
		if routeErr := e.router.EmitEvents(ctx, executionID, events); routeErr != nil {
			e.logger.Error("post-commit event emission failed",
				slog.String("execution_id", string(executionID)), slog.String("error", routeErr.Error()))
		}
	}
	e.deliverResult(ctx, executionID, types.NewSequencedEvent(types.EventTypeTransactionRequestSucceeded, seq, time.Now(), &types.TransactionRequestSucceededAttributes{
		Output: output,
	}))
}

// attemptLoop is the shared shadow-environment / conditional-commit /
// retry-on-conflict loop behind both Submit's fire-and-forget run and
// Execute's synchronous path (spec.md §4.7 steps 1-3).
func (e *Executor) attemptLoop(ctx context.Context, executionID types.ExecutionID, seq int64, name string, fn registry.TransactionFunc, input []byte) ([]byte, []types.EmittedEvent, int32, error) {
	var lastErr error
	for attempt := int32(0); attempt < e.cfg.MaxRetries; attempt++ {
		sh := newShadow(ctx, e.entities)
		tctx := &registry.TxnContext{Get: sh.get, Set: sh.set, Delete: sh.delete, Emit: sh.emit}

		output, err := e.invoke(fn, tctx, input)
		if err != nil {
			return nil, nil, attempt + 1, err
		}

		reads, writes, deletes := sh.commitArgs()
		if err := e.entities.CommitWrite(ctx, reads, writes, deletes); err != nil {
			lastErr = err
			if !errors.Is(err, ErrVersionConflict) {
				return nil, nil, attempt + 1, err
			}
			if !e.cfg.RetryPolicy.ShouldRetry(attempt+1, err.Error()) {
				return nil, nil, attempt + 1, err
			}
			e.metrics.TransactionConflictRetried(name)
			delay := e.cfg.RetryPolicy.NextRetryDelay(attempt + 1)
			e.logger.Warn("transaction commit conflict, retrying",
				slog.String("execution_id", string(executionID)),
				slog.Int64("seq", seq),
				slog.Int("attempt", int(attempt+1)),
				slog.Duration("delay", delay),
			)
			time.Sleep(delay)
			continue
		}

		return output, sh.events, attempt + 1, nil
	}
	return nil, nil, e.cfg.MaxRetries, lastErr
}

func (e *Executor) invoke(fn registry.TransactionFunc, tctx *registry.TxnContext, input []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transaction panicked: %v", r)
		}
	}()
	return fn(tctx, input)
}

func (e *Executor) deliverResult(ctx context.Context, executionID types.ExecutionID, ev *types.HistoryEvent) {
	if err := e.deliver.Enqueue(ctx, executionID, []*types.HistoryEvent{ev}); err != nil {
		e.logger.Error("deliver transaction result failed",
			slog.String("execution_id", string(executionID)), slog.String("error", err.Error()))
	}
}

func errMessage(err error) string {
	if err == nil {
		return "transaction failed with no error recorded"
	}
	var remote *types.RemoteError
	if errors.As(err, &remote) {
		return remote.Message
	}
	return err.Error()
}

// classifyTxnError picks the stable error id a Failed{Error, reason}
// result carries (spec.md §4.7 step 3): a RemoteError from the user
// function keeps its own id, a persistent version conflict gets its own
// id, anything else falls back to a generic one.
func classifyTxnError(err error) string {
	var remote *types.RemoteError
	if errors.As(err, &remote) {
		return remote.ID
	}
	if errors.Is(err, ErrVersionConflict) {
		return "Conflict"
	}
	return "TransactionError"
}
