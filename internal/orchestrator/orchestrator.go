// Package orchestrator implements the Orchestrator (spec.md §4.2): it
// drains batches of workflow tasks, loads and dedup-merges history,
// drives the Workflow Executor, dispatches the resulting commands
// through the Command Executor, and persists the outcome. A local
// EventJournal interface keeps this package from importing
// internal/router, its production writer, which sits downstream.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"go.uber.org/atomic"

	"github.com/flowforge/engine/internal/clock"
	"github.com/flowforge/engine/internal/command"
	"github.com/flowforge/engine/internal/equeue"
	"github.com/flowforge/engine/internal/execstore"
	"github.com/flowforge/engine/internal/history"
	"github.com/flowforge/engine/internal/idgen"
	"github.com/flowforge/engine/internal/observability/metrics"
	"github.com/flowforge/engine/internal/registry"
	"github.com/flowforge/engine/internal/timer"
	"github.com/flowforge/engine/internal/types"
	"github.com/flowforge/engine/internal/workflow"
)

// EventJournal records the persisted event journal (spec.md §6: "Event
// journal record: {pk=executionId, sk=timestamp#eventId, payload}"),
// the durable record of everything an execution's run produced.
type EventJournal interface {
	Append(ctx context.Context, executionID types.ExecutionID, events []*types.HistoryEvent) error
}

// Orchestrator is stateless across batches; all durable state lives in
// the stores/services it's wired against.
type Orchestrator struct {
	history  history.Store
	execs    execstore.Store
	queue    equeue.Queue
	timers   *timer.Service
	commands *command.Executor
	registry *registry.Registry
	journal  EventJournal
	clk      clock.Clock
	metrics  *metrics.EngineMetrics

	processedTotal atomic.Int64
	failedTotal    atomic.Int64
}

func New(historyStore history.Store, execStore execstore.Store, queue equeue.Queue, timers *timer.Service, commands *command.Executor, reg *registry.Registry, journal EventJournal, clk clock.Clock) *Orchestrator {
	if clk == nil {
		clk = clock.Real
	}
	return &Orchestrator{
		history:  historyStore,
		execs:    execStore,
		queue:    queue,
		timers:   timers,
		commands: commands,
		registry: reg,
		journal:  journal,
		clk:      clk,
		metrics:  metrics.NewEngineMetrics(nil, "orchestrator"),
	}
}

// WithMetrics rebinds the Orchestrator to report through a specific
// metrics registry instead of the package-wide default.
func (o *Orchestrator) WithMetrics(m *metrics.EngineMetrics) *Orchestrator {
	o.metrics = m
	return o
}

// Stats returns cumulative processed/failed execution counts across every
// ProcessBatch call, for the observability layer to expose as gauges.
func (o *Orchestrator) Stats() (processed, failed int64) {
	return o.processedTotal.Load(), o.failedTotal.Load()
}

// ProcessBatch implements spec.md §4.2's top-level algorithm: group by
// executionId, process each execution concurrently, and return the ids
// of executions that failed to orchestrate. Individual failures never
// abort the batch (step "Partial-failure policy").
func (o *Orchestrator) ProcessBatch(ctx context.Context, tasks []*equeue.WorkflowTask) []types.ExecutionID {
	batchStart := o.clk.Now()
	eventCount := 0
	for _, task := range tasks {
		eventCount += len(task.Events)
	}
	defer func() {
		o.metrics.ExecutionBatchProcessed(eventCount, o.clk.Now().Sub(batchStart))
	}()

	grouped := make(map[types.ExecutionID][]*types.HistoryEvent, len(tasks))
	order := make([]types.ExecutionID, 0, len(tasks))
	for _, task := range tasks {
		if _, seen := grouped[task.ExecutionID]; !seen {
			order = append(order, task.ExecutionID)
		}
		grouped[task.ExecutionID] = append(grouped[task.ExecutionID], task.Events...)
	}

	var mu sync.Mutex
	var failed []types.ExecutionID

	g := new(errgroup.Group)
	for _, id := range order {
		id := id
		events := grouped[id]
		g.Go(func() error {
			o.processedTotal.Inc()
			if err := o.processOne(ctx, id, events); err != nil {
				o.failedTotal.Inc()
				mu.Lock()
				failed = append(failed, id)
				mu.Unlock()
			}
			// Never propagate the error through errgroup itself: a
			// cancelled group context would abort sibling executions
			// that have nothing to do with this one's failure.
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// processOne runs one execution's step of the algorithm end to end.
func (o *Orchestrator) processOne(ctx context.Context, id types.ExecutionID, newEvents []*types.HistoryEvent) error {
	existing, err := o.history.GetHistory(ctx, id)
	if err != nil {
		return fmt.Errorf("orchestrator: load history: %w", err)
	}
	merged := dedupeMerge(existing, newEvents)
	now := o.clk.Now()

	started := findWorkflowStarted(merged)

	if hasWorkflowTimedOut(newEvents) {
		var parent *types.ParentRef
		if started != nil {
			parent = started.Parent
		}
		workflowName := ""
		if started != nil {
			workflowName = started.WorkflowName
		}
		return o.finalizeWithoutRun(ctx, id, newEvents, now, parent, workflowName, now, types.ExecutionStatusTimedOut,
			types.ErrorIDTimeout, "workflow exceeded its configured timeout")
	}

	if started == nil {
		return o.finalizeWithoutRun(ctx, id, newEvents, now, nil, "", now, types.ExecutionStatusFailed,
			types.ErrorIDDeterminism, "no WorkflowStarted event in history")
	}

	firstRun := !hasWorkflowRunStarted(merged)
	if firstRun {
		o.metrics.ExecutionStarted(started.WorkflowName)
	}
	if firstRun && !started.TimeoutTime.IsZero() && o.timers != nil {
		timeoutEvent := types.NewLifecycleEvent(types.EventTypeWorkflowTimedOut, idgen.NewID(), started.TimeoutTime, &types.WorkflowTimedOutAttributes{})
		if err := o.timers.ScheduleEvent(ctx, workflowTimeoutScheduleID(id), id, started.TimeoutTime, timeoutEvent); err != nil {
			return fmt.Errorf("orchestrator: schedule workflow timeout: %w", err)
		}
	}

	fn, ok := o.registry.Workflow(started.WorkflowName)
	if !ok {
		return o.finalizeWithoutRun(ctx, id, newEvents, now, started.Parent, started.WorkflowName, now, types.ExecutionStatusFailed,
			types.ErrorIDWorkflowNotFound, fmt.Sprintf("no workflow registered as %q", started.WorkflowName))
	}

	exec := workflow.New(fn, now, o.clk)
	result := exec.Start(started.WorkflowName, string(id), started.Parent, started.Input, merged)

	scheduledEvents, err := o.dispatchCommands(ctx, started.WorkflowName, id, now, result.Commands)
	if err != nil {
		return fmt.Errorf("orchestrator: dispatch commands: %w", err)
	}

	return o.finalizeRun(ctx, id, newEvents, now, started.Parent, started.WorkflowName, now, result, scheduledEvents)
}

// dispatchCommands runs every command concurrently (spec.md §4.3's
// "issued concurrently" extended to the whole per-run batch, per
// SPEC_FULL.md §6.3) while preserving the Scheduled events' command
// order for history append.
func (o *Orchestrator) dispatchCommands(ctx context.Context, workflowName string, id types.ExecutionID, now time.Time, commands []*types.Command) ([]*types.HistoryEvent, error) {
	scheduled := make([]*types.HistoryEvent, len(commands))
	cfg := command.Config{WorkflowName: workflowName, ExecutionID: id}

	g, gctx := errgroup.WithContext(ctx)
	for i, cmd := range commands {
		i, cmd := i, cmd
		g.Go(func() error {
			ev, err := o.commands.Execute(gctx, cfg, now, cmd)
			if err != nil {
				return fmt.Errorf("seq %d (%s): %w", cmd.Seq, cmd.Kind, err)
			}
			scheduled[i] = ev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scheduled, nil
}

// finalizeRun persists a completed Workflow Executor run: the
// WorkflowRunStarted/Completed bracket, the Scheduled events each
// command produced, and — if the run reached a terminal result — the
// matching terminal lifecycle event, Execution Store update, and
// parent notification.
func (o *Orchestrator) finalizeRun(ctx context.Context, id types.ExecutionID, newEvents []*types.HistoryEvent, now time.Time, parent *types.ParentRef, workflowName string, stepStart time.Time, result *workflow.Result, scheduledEvents []*types.HistoryEvent) error {
	produced := make([]*types.HistoryEvent, 0, len(scheduledEvents)+3)
	produced = append(produced, types.NewLifecycleEvent(types.EventTypeWorkflowRunStarted, idgen.NewID(), now, &types.WorkflowRunStartedAttributes{}))
	produced = append(produced, scheduledEvents...)
	produced = append(produced, types.NewLifecycleEvent(types.EventTypeWorkflowRunCompleted, idgen.NewID(), now, &types.WorkflowRunCompletedAttributes{CommandCount: len(result.Commands)}))

	var status types.ExecutionStatus
	var resultBytes []byte
	var errID, message string
	terminal := result.Kind != workflow.ResultPending

	switch result.Kind {
	case workflow.ResultSucceeded:
		status = types.ExecutionStatusSucceeded
		resultBytes = result.Output
		produced = append(produced, types.NewLifecycleEvent(types.EventTypeWorkflowSucceeded, idgen.NewID(), now, &types.WorkflowSucceededAttributes{Output: result.Output}))
	case workflow.ResultFailed:
		status = types.ExecutionStatusFailed
		errID, message = result.Error, result.Message
		produced = append(produced, types.NewLifecycleEvent(types.EventTypeWorkflowFailed, idgen.NewID(), now, &types.WorkflowFailedAttributes{Error: result.Error, Message: result.Message}))
	}

	if err := o.persist(ctx, id, newEvents, produced); err != nil {
		return err
	}
	if !terminal {
		return nil
	}
	return o.completeAndNotify(ctx, id, parent, workflowName, status, resultBytes, errID, message, now, stepStart)
}

// finalizeWithoutRun handles the three paths that terminate an execution
// without ever invoking the Workflow Executor: a delivered
// WorkflowTimedOut, a missing WorkflowStarted (DeterminismError), and an
// unregistered workflow name (WorkflowNotFound).
func (o *Orchestrator) finalizeWithoutRun(ctx context.Context, id types.ExecutionID, newEvents []*types.HistoryEvent, now time.Time, parent *types.ParentRef, workflowName string, stepStart time.Time, status types.ExecutionStatus, errID, message string) error {
	var produced *types.HistoryEvent
	if status == types.ExecutionStatusTimedOut {
		produced = types.NewLifecycleEvent(types.EventTypeWorkflowTimedOut, idgen.NewID(), now, &types.WorkflowTimedOutAttributes{})
	} else {
		produced = types.NewLifecycleEvent(types.EventTypeWorkflowFailed, idgen.NewID(), now, &types.WorkflowFailedAttributes{Error: errID, Message: message})
	}

	if err := o.persist(ctx, id, newEvents, []*types.HistoryEvent{produced}); err != nil {
		return err
	}
	return o.completeAndNotify(ctx, id, parent, workflowName, status, nil, errID, message, now, stepStart)
}

func (o *Orchestrator) persist(ctx context.Context, id types.ExecutionID, newEvents, produced []*types.HistoryEvent) error {
	toAppend := make([]*types.HistoryEvent, 0, len(newEvents)+len(produced))
	toAppend = append(toAppend, newEvents...)
	toAppend = append(toAppend, produced...)
	if err := o.history.AppendEvents(ctx, id, toAppend); err != nil {
		return fmt.Errorf("orchestrator: append history: %w", err)
	}
	if o.journal != nil {
		if err := o.journal.Append(ctx, id, produced); err != nil {
			return fmt.Errorf("orchestrator: append journal: %w", err)
		}
	}
	return nil
}

// completeAndNotify updates the Execution Store (optimistic: only
// IN_PROGRESS -> terminal, spec.md §8 property 5) and, for a child
// execution, submits the corresponding ChildWorkflow{Succeeded,Failed}
// to the parent's Execution Queue keyed on the parent's seq.
func (o *Orchestrator) completeAndNotify(ctx context.Context, id types.ExecutionID, parent *types.ParentRef, workflowName string, status types.ExecutionStatus, result []byte, errID, message string, now, stepStart time.Time) error {
	if err := o.execs.CompleteTerminal(ctx, id, status, now, result, errID, message); err != nil && !errors.Is(err, types.ErrOptimisticLock) {
		return fmt.Errorf("orchestrator: complete terminal: %w", err)
	}
	o.metrics.ExecutionCompleted(workflowName, status.String(), now.Sub(stepStart))
	if parent == nil {
		return nil
	}
	var ev *types.HistoryEvent
	if status == types.ExecutionStatusSucceeded {
		ev = types.NewSequencedEvent(types.EventTypeChildWorkflowSucceeded, parent.Seq, now, &types.ChildWorkflowSucceededAttributes{Result: result})
	} else {
		if errID == "" {
			errID = types.ErrorIDTimeout
		}
		ev = types.NewSequencedEvent(types.EventTypeChildWorkflowFailed, parent.Seq, now, &types.ChildWorkflowFailedAttributes{Error: errID, Message: message})
	}
	if err := o.queue.Enqueue(ctx, types.ExecutionID(parent.ExecutionID), []*types.HistoryEvent{ev}); err != nil {
		return fmt.Errorf("orchestrator: notify parent: %w", err)
	}
	return nil
}

// dedupeMerge unions existing persisted history with a newly delivered
// batch of events by EventID() (spec.md §4.2 step b), preserving order
// and dropping duplicates from the new batch.
func dedupeMerge(existing, add []*types.HistoryEvent) []*types.HistoryEvent {
	seen := make(map[string]bool, len(existing)+len(add))
	merged := make([]*types.HistoryEvent, 0, len(existing)+len(add))
	for _, ev := range existing {
		id := ev.EventID()
		if seen[id] {
			continue
		}
		seen[id] = true
		merged = append(merged, ev)
	}
	for _, ev := range add {
		id := ev.EventID()
		if seen[id] {
			continue
		}
		seen[id] = true
		merged = append(merged, ev)
	}
	return merged
}

func findWorkflowStarted(events []*types.HistoryEvent) *types.WorkflowStartedAttributes {
	for _, ev := range events {
		if ev.Type != types.EventTypeWorkflowStarted {
			continue
		}
		if attrs, ok := ev.Attributes.(*types.WorkflowStartedAttributes); ok {
			return attrs
		}
	}
	return nil
}

func hasWorkflowRunStarted(events []*types.HistoryEvent) bool {
	for _, ev := range events {
		if ev.Type == types.EventTypeWorkflowRunStarted {
			return true
		}
	}
	return false
}

func hasWorkflowTimedOut(events []*types.HistoryEvent) bool {
	for _, ev := range events {
		if ev.Type == types.EventTypeWorkflowTimedOut {
			return true
		}
	}
	return false
}

func workflowTimeoutScheduleID(id types.ExecutionID) string {
	return fmt.Sprintf("%s/workflow-timeout", id)
}
