// Package command implements the Command Executor (spec.md §4.3): it
// turns one Workflow Command into a Scheduled HistoryEvent plus the side
// effect that command names. Local interfaces (Engine, EventRouter,
// TransactionSubmitter, EntityStore, BucketStore, SearchStore) keep this
// package from importing the orchestrator/router/txn packages that
// themselves sit downstream of it — those concrete types get wired in at
// cmd/ construction time.
package command

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowforge/engine/internal/equeue"
	"github.com/flowforge/engine/internal/timer"
	"github.com/flowforge/engine/internal/types"
)

// Engine is the subset of the Engine Service API the Command Executor
// needs for StartChildWorkflow (spec.md §4.3: "calls StartExecution on
// the engine").
type Engine interface {
	StartExecution(ctx context.Context, workflowName, executionName string, input []byte, parent *types.ParentRef) error
}

// EventRouter is the Signal/Event Router's EmitEvents entry point.
type EventRouter interface {
	EmitEvents(ctx context.Context, sourceExecutionID types.ExecutionID, events []types.EmittedEvent) error
}

// SignalTarget resolves a SendSignal command's dedup id and delivers the
// SignalReceived event to the target execution's queue.
type SignalTarget interface {
	SendSignal(ctx context.Context, targetExecutionID types.ExecutionID, signalID string, payload []byte) error
}

// TransactionSubmitter hands a named transaction request to the
// Transaction Executor (spec.md §4.7).
type TransactionSubmitter interface {
	Submit(ctx context.Context, executionID types.ExecutionID, seq int64, name string, input []byte) error
}

// EntityStore, BucketStore and SearchStore back EntityOp/BucketOp/SearchOp.
// EntityStore's production implementation is the Transaction Executor's
// conditional-write entity store (internal/txn); BucketStore and
// SearchStore have in-package Memory implementations below since
// SPEC_FULL.md gives them no dedicated package of their own.
type EntityStore interface {
	Do(ctx context.Context, op, key string, value []byte) ([]byte, error)
}

type BucketStore interface {
	Do(ctx context.Context, op, key string, data []byte) ([]byte, error)
}

type SearchStore interface {
	Query(ctx context.Context, query []byte) ([]byte, error)
}

// Deliverer hands a Result event back to an execution's queue. Used by
// the synchronous ops (EntityOp/BucketOp/SearchOp) to deliver their own
// Result event, since unlike StartTask there's no separate poller/worker
// protocol for these in spec.md.
type Deliverer interface {
	Enqueue(ctx context.Context, executionID types.ExecutionID, events []*types.HistoryEvent) error
}

var (
	_ Deliverer = (*equeue.MemoryQueue)(nil)
	_ Deliverer = (*equeue.RedisQueue)(nil)
)

// Config names identity the executor needs that isn't on the Command
// itself.
type Config struct {
	WorkflowName string
	ExecutionID  types.ExecutionID
}

// Executor dispatches one command at a time. It is stateless across
// calls; all state lives in the stores/services it's wired against.
type Executor struct {
	queue   equeue.Queue
	tasks   equeue.Queue
	timers  *timer.Service
	engine  Engine
	router  EventRouter
	signals SignalTarget
	txns    TransactionSubmitter
	entity  EntityStore
	bucket  BucketStore
	search  SearchStore
}

// NewExecutor wires the Command Executor. queue is the Execution Queue
// the Orchestrator itself polls — used here only for the synchronous
// ops (entityOp/bucketOp/searchOp) to self-deliver their Result event
// and for SendSignal's target delivery. tasks is a separate dispatch
// queue the Task Worker polls (spec.md §4.4's "Task Worker request");
// keeping it distinct from queue means the Orchestrator's own poll loop
// never has to skip over, or race a Task Worker for, a StartTask
// dispatch meant for someone else.
func NewExecutor(queue, tasks equeue.Queue, timers *timer.Service, engine Engine, router EventRouter, signals SignalTarget, txns TransactionSubmitter, entity EntityStore, bucket BucketStore, search SearchStore) *Executor {
	return &Executor{
		queue:   queue,
		tasks:   tasks,
		timers:  timers,
		engine:  engine,
		router:  router,
		signals: signals,
		txns:    txns,
		entity:  entity,
		bucket:  bucket,
		search:  search,
	}
}

// Execute turns cmd into its Scheduled HistoryEvent and issues the side
// effect. The returned event is what the caller (the Orchestrator) must
// append to history alongside the command's seq allocation. SendSignal
// and EmitEvents return their SignalSent and EventsEmitted records.
func (e *Executor) Execute(ctx context.Context, cfg Config, now time.Time, cmd *types.Command) (*types.HistoryEvent, error) {
	switch cmd.Kind {
	case types.CommandKindStartTask:
		return e.startTask(ctx, cfg, now, cmd)
	case types.CommandKindStartTimer:
		return e.startTimer(ctx, cfg, now, cmd)
	case types.CommandKindStartChildWorkflow:
		return e.startChildWorkflow(ctx, cfg, now, cmd)
	case types.CommandKindSendSignal:
		return e.sendSignal(ctx, cfg, now, cmd)
	case types.CommandKindEmitEvents:
		return e.emitEvents(ctx, cfg, now, cmd)
	case types.CommandKindExpectSignal:
		return e.expectSignal(ctx, cfg, now, cmd)
	case types.CommandKindStartCondition:
		return e.startCondition(ctx, cfg, now, cmd)
	case types.CommandKindInvokeTransaction:
		return e.invokeTransaction(ctx, cfg, now, cmd)
	case types.CommandKindEntityOp:
		return e.entityOp(ctx, cfg, now, cmd)
	case types.CommandKindBucketOp:
		return e.bucketOp(ctx, cfg, now, cmd)
	case types.CommandKindSearchOp:
		return e.searchOp(ctx, cfg, now, cmd)
	default:
		return nil, fmt.Errorf("command: unhandled kind %s", cmd.Kind)
	}
}

// startTask enqueues a Task Worker request and, if cmd.TaskTimeout is
// set, arms a TaskFailed(timeout) delivery via the Timer Service (spec.md
// §4.3). This is distinct from the Task Worker's own heartbeat monitor
// (§4.4 step 2), which re-arms on every sendTaskHeartbeat and is owned by
// the taskworker package, not the Command Executor.
func (e *Executor) startTask(ctx context.Context, cfg Config, now time.Time, cmd *types.Command) (*types.HistoryEvent, error) {
	scheduled := types.NewSequencedEvent(types.EventTypeTaskScheduled, cmd.Seq, now, &types.TaskScheduledAttributes{
		Name:             cmd.TaskName,
		Input:            cmd.TaskInput,
		HeartbeatTimeout: cmd.TaskHeartbeatTimeout,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := e.tasks.Enqueue(gctx, cfg.ExecutionID, []*types.HistoryEvent{scheduled}); err != nil {
			return fmt.Errorf("command: enqueue task: %w", err)
		}
		return nil
	})
	if cmd.TaskTimeout > 0 && e.timers != nil {
		g.Go(func() error {
			due := now.Add(cmd.TaskTimeout)
			timedOut := types.NewSequencedEvent(types.EventTypeTaskFailed, cmd.Seq, due, &types.TaskFailedAttributes{Error: "Timeout", Message: "task did not complete within its timeout"})
			id := timerScheduleID(cfg.ExecutionID, cmd.Seq)
			if err := e.timers.ScheduleEvent(gctx, id, cfg.ExecutionID, due, timedOut); err != nil {
				return fmt.Errorf("command: schedule task timeout: %w", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scheduled, nil
}

func (e *Executor) startTimer(ctx context.Context, cfg Config, now time.Time, cmd *types.Command) (*types.HistoryEvent, error) {
	due := cmd.TimerAbsolute
	if due.IsZero() {
		due = now.Add(cmd.TimerDuration)
	}
	scheduled := types.NewSequencedEvent(types.EventTypeTimerScheduled, cmd.Seq, now, &types.TimerScheduledAttributes{UntilTime: due})
	if e.timers != nil {
		fired := types.NewSequencedEvent(types.EventTypeTimerCompleted, cmd.Seq, due, &types.TimerCompletedAttributes{})
		id := timerScheduleID(cfg.ExecutionID, cmd.Seq)
		if err := e.timers.ScheduleEvent(ctx, id, cfg.ExecutionID, due, fired); err != nil {
			return nil, fmt.Errorf("command: schedule timer: %w", err)
		}
	}
	return scheduled, nil
}

func (e *Executor) startChildWorkflow(ctx context.Context, cfg Config, now time.Time, cmd *types.Command) (*types.HistoryEvent, error) {
	childName := types.FormatChildExecutionName(string(cfg.ExecutionID), cmd.Seq)
	scheduled := types.NewSequencedEvent(types.EventTypeChildWorkflowScheduled, cmd.Seq, now, &types.ChildWorkflowScheduledAttributes{
		Name:  childName,
		Input: cmd.ChildWorkflowInput,
	})
	if e.engine != nil {
		parent := &types.ParentRef{ExecutionID: string(cfg.ExecutionID), Seq: cmd.Seq}
		if err := e.engine.StartExecution(ctx, cmd.ChildWorkflowName, childName, cmd.ChildWorkflowInput, parent); err != nil {
			return nil, fmt.Errorf("command: start child workflow: %w", err)
		}
	}
	return scheduled, nil
}

// sendSignal resolves the target execution, delivers SignalReceived
// through the target's Execution Queue, and returns SignalSent — a
// Scheduled event with no Result counterpart (SendSignal is
// fire-and-forget at the workflow API, spec.md §4.3/§4.6).
func (e *Executor) sendSignal(ctx context.Context, cfg Config, now time.Time, cmd *types.Command) (*types.HistoryEvent, error) {
	target := types.ExecutionID(cmd.TargetExecutionID)
	scheduled := types.NewSequencedEvent(types.EventTypeSignalSent, cmd.Seq, now, &types.SignalSentAttributes{
		ExecutionID: cmd.TargetExecutionID,
		SignalID:    cmd.SignalID,
		Payload:     cmd.SignalPayload,
	})
	if e.signals != nil {
		if err := e.signals.SendSignal(ctx, target, cmd.SignalID, cmd.SignalPayload); err != nil {
			return nil, fmt.Errorf("command: send signal: %w", err)
		}
	}
	return scheduled, nil
}

func (e *Executor) emitEvents(ctx context.Context, cfg Config, now time.Time, cmd *types.Command) (*types.HistoryEvent, error) {
	scheduled := types.NewSequencedEvent(types.EventTypeEventsEmitted, cmd.Seq, now, &types.EventsEmittedAttributes{Events: cmd.Events})
	if e.router != nil {
		if err := e.router.EmitEvents(ctx, cfg.ExecutionID, cmd.Events); err != nil {
			return nil, fmt.Errorf("command: emit events: %w", err)
		}
	}
	return scheduled, nil
}

func (e *Executor) expectSignal(ctx context.Context, cfg Config, now time.Time, cmd *types.Command) (*types.HistoryEvent, error) {
	scheduled := types.NewSequencedEvent(types.EventTypeSignalExpectStarted, cmd.Seq, now, &types.SignalExpectStartedAttributes{SignalID: cmd.ExpectSignalID})
	if cmd.ExpectTimeout > 0 && e.timers != nil {
		due := now.Add(cmd.ExpectTimeout)
		timedOut := types.NewSequencedEvent(types.EventTypeSignalTimedOut, cmd.Seq, due, &types.SignalTimedOutAttributes{SignalID: cmd.ExpectSignalID})
		id := timerScheduleID(cfg.ExecutionID, cmd.Seq)
		if err := e.timers.ScheduleEvent(ctx, id, cfg.ExecutionID, due, timedOut); err != nil {
			return nil, fmt.Errorf("command: schedule signal timeout: %w", err)
		}
	}
	return scheduled, nil
}

func (e *Executor) startCondition(ctx context.Context, cfg Config, now time.Time, cmd *types.Command) (*types.HistoryEvent, error) {
	scheduled := types.NewSequencedEvent(types.EventTypeConditionStarted, cmd.Seq, now, &types.ConditionStartedAttributes{})
	if cmd.ConditionTimeout > 0 && e.timers != nil {
		due := now.Add(cmd.ConditionTimeout)
		timedOut := types.NewSequencedEvent(types.EventTypeConditionTimedOut, cmd.Seq, due, &types.ConditionTimedOutAttributes{})
		id := timerScheduleID(cfg.ExecutionID, cmd.Seq)
		if err := e.timers.ScheduleEvent(ctx, id, cfg.ExecutionID, due, timedOut); err != nil {
			return nil, fmt.Errorf("command: schedule condition timeout: %w", err)
		}
	}
	return scheduled, nil
}

func (e *Executor) invokeTransaction(ctx context.Context, cfg Config, now time.Time, cmd *types.Command) (*types.HistoryEvent, error) {
	scheduled := types.NewSequencedEvent(types.EventTypeTransactionRequest, cmd.Seq, now, &types.TransactionRequestAttributes{
		Name:  cmd.TransactionName,
		Input: cmd.TransactionInput,
	})
	if e.txns != nil {
		if err := e.txns.Submit(ctx, cfg.ExecutionID, cmd.Seq, cmd.TransactionName, cmd.TransactionInput); err != nil {
			return nil, fmt.Errorf("command: submit transaction: %w", err)
		}
	}
	return scheduled, nil
}

// entityOp, bucketOp and searchOp all execute synchronously (unlike
// StartTask there is no claim/heartbeat worker protocol for these in
// spec.md) and self-deliver their Result event through the same
// execution's queue, mirroring how a Task Worker would deliver
// TaskSucceeded/TaskFailed but without the intervening poller.
func (e *Executor) entityOp(ctx context.Context, cfg Config, now time.Time, cmd *types.Command) (*types.HistoryEvent, error) {
	scheduled := types.NewSequencedEvent(types.EventTypeEntityRequest, cmd.Seq, now, &types.EntityRequestAttributes{
		Op: cmd.OpName, Key: cmd.OpKey, Value: cmd.OpValue,
	})
	if e.entity == nil {
		return scheduled, nil
	}
	value, err := e.entity.Do(ctx, cmd.OpName, cmd.OpKey, cmd.OpValue)
	result := entityResultEvent(cmd.Seq, now, value, err)
	if deliverErr := e.deliver(ctx, cfg.ExecutionID, result); deliverErr != nil {
		return nil, fmt.Errorf("command: deliver entity result: %w", deliverErr)
	}
	return scheduled, nil
}

func (e *Executor) bucketOp(ctx context.Context, cfg Config, now time.Time, cmd *types.Command) (*types.HistoryEvent, error) {
	scheduled := types.NewSequencedEvent(types.EventTypeBucketRequest, cmd.Seq, now, &types.BucketRequestAttributes{
		Op: cmd.OpName, Key: cmd.OpKey, Data: cmd.OpValue,
	})
	if e.bucket == nil {
		return scheduled, nil
	}
	data, err := e.bucket.Do(ctx, cmd.OpName, cmd.OpKey, cmd.OpValue)
	result := bucketResultEvent(cmd.Seq, now, data, err)
	if deliverErr := e.deliver(ctx, cfg.ExecutionID, result); deliverErr != nil {
		return nil, fmt.Errorf("command: deliver bucket result: %w", deliverErr)
	}
	return scheduled, nil
}

func (e *Executor) searchOp(ctx context.Context, cfg Config, now time.Time, cmd *types.Command) (*types.HistoryEvent, error) {
	scheduled := types.NewSequencedEvent(types.EventTypeSearchRequest, cmd.Seq, now, &types.SearchRequestAttributes{Query: cmd.OpValue})
	if e.search == nil {
		return scheduled, nil
	}
	results, err := e.search.Query(ctx, cmd.OpValue)
	result := searchResultEvent(cmd.Seq, now, results, err)
	if deliverErr := e.deliver(ctx, cfg.ExecutionID, result); deliverErr != nil {
		return nil, fmt.Errorf("command: deliver search result: %w", deliverErr)
	}
	return scheduled, nil
}

func (e *Executor) deliver(ctx context.Context, executionID types.ExecutionID, event *types.HistoryEvent) error {
	return e.queue.Enqueue(ctx, executionID, []*types.HistoryEvent{event})
}

func entityResultEvent(seq int64, now time.Time, value []byte, err error) *types.HistoryEvent {
	if err != nil {
		return types.NewSequencedEvent(types.EventTypeEntityRequestFailed, seq, now, &types.EntityRequestFailedAttributes{Error: err.Error()})
	}
	return types.NewSequencedEvent(types.EventTypeEntityRequestSucceeded, seq, now, &types.EntityRequestSucceededAttributes{Value: value})
}

func bucketResultEvent(seq int64, now time.Time, data []byte, err error) *types.HistoryEvent {
	if err != nil {
		return types.NewSequencedEvent(types.EventTypeBucketRequestFailed, seq, now, &types.BucketRequestFailedAttributes{Error: err.Error()})
	}
	return types.NewSequencedEvent(types.EventTypeBucketRequestSucceeded, seq, now, &types.BucketRequestSucceededAttributes{Data: data})
}

func searchResultEvent(seq int64, now time.Time, results []byte, err error) *types.HistoryEvent {
	if err != nil {
		return types.NewSequencedEvent(types.EventTypeSearchRequestFailed, seq, now, &types.SearchRequestFailedAttributes{Error: err.Error()})
	}
	return types.NewSequencedEvent(types.EventTypeSearchRequestSucceeded, seq, now, &types.SearchRequestSucceededAttributes{Results: results})
}

func timerScheduleID(executionID types.ExecutionID, seq int64) string {
	return fmt.Sprintf("%s/%d", executionID, seq)
}
