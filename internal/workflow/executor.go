package workflow

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/flowforge/engine/internal/clock"
	"github.com/flowforge/engine/internal/types"
)

// Func is a replayable workflow program: the only non-deterministic
// operations it may perform are through the Context it's given.
type Func func(ctx *Context, input []byte) ([]byte, error)

// ResultKind classifies a WorkflowResult.
type ResultKind int

const (
	ResultPending ResultKind = iota
	ResultSucceeded
	ResultFailed
)

// Result is the outcome of one Executor run: either the program is still
// going (Pending, with zero or more new Commands to execute) or it has
// reached a terminal state.
type Result struct {
	Kind     ResultKind
	Output   []byte
	Error    string
	Message  string
	Commands []*types.Command
}

// Executor owns one running workflow's replay semantics (spec.md §4.1).
// One Executor corresponds to exactly one call to Start; it is not
// reused across runs.
type Executor struct {
	fn       Func
	clk      clock.Clock
	baseTime time.Time

	currentTime time.Time

	nextSeq  int64
	expected []*types.HistoryEvent
	expIdx   int
	events   []*types.HistoryEvent

	commands []*types.Command

	pendingBySeq  map[int64]*Future
	resolvedSeqs  map[int64]bool
	signalWaiters map[string][]*Future
	conditions    []*conditionWaiter

	yieldCh chan yieldSignal
	ctx     *Context

	done   bool
	result Result
}

// New builds an Executor for one run of fn against baseTime (the run's
// logical "now", used for timer math and synthetic completions).
func New(fn Func, baseTime time.Time, clk clock.Clock) *Executor {
	if clk == nil {
		clk = clock.Real
	}
	return &Executor{
		fn:            fn,
		clk:           clk,
		baseTime:      baseTime,
		currentTime:   baseTime,
		pendingBySeq:  make(map[int64]*Future),
		resolvedSeqs:  make(map[int64]bool),
		signalWaiters: make(map[string][]*Future),
		yieldCh:       make(chan yieldSignal),
	}
}

// Start runs the replay algorithm (spec.md §4.1) against the supplied
// history: partitions it into scheduled/result iterators, synthesizes
// due-but-undelivered timer completions, then drives the program
// goroutine-at-a-time through every result event in order.
func (e *Executor) Start(workflowName, executionID string, parent *types.ParentRef, input []byte, history []*types.HistoryEvent) *Result {
	for _, ev := range history {
		if ev.Type.IsScheduled() {
			e.expected = append(e.expected, ev)
		}
	}
	e.events = synthesizeTimerCompletions(history, e.baseTime)

	e.ctx = &Context{exec: e, WorkflowName: workflowName, ExecutionID: executionID, Parent: parent, yieldCh: e.yieldCh}
	e.runProgram(input)
	e.driveToCompletion()
	return e.finalResult()
}

// synthesizeTimerCompletions implements spec.md §4.1.2: any TimerScheduled
// whose untilTime has already passed baseTime, with no matching
// TimerCompleted in history, gets one synthesized at baseTime.
func synthesizeTimerCompletions(history []*types.HistoryEvent, baseTime time.Time) []*types.HistoryEvent {
	completed := make(map[int64]bool)
	var result []*types.HistoryEvent
	// First pass: record real completions and collect every result event
	// in original order. Lifecycle events are not collected.
	for _, ev := range history {
		if ev.Type == types.EventTypeTimerCompleted && ev.HasSeq {
			completed[ev.Seq] = true
		}
		if ev.Type.IsResult() {
			result = append(result, ev)
		}
	}
	for _, ev := range history {
		if ev.Type != types.EventTypeTimerScheduled || !ev.HasSeq {
			continue
		}
		attrs, ok := ev.Attributes.(*types.TimerScheduledAttributes)
		if !ok || completed[ev.Seq] {
			continue
		}
		if !attrs.UntilTime.After(baseTime) {
			result = append(result, types.NewSequencedEvent(types.EventTypeTimerCompleted, ev.Seq, baseTime, &types.TimerCompletedAttributes{}))
		}
	}
	return result
}

// runProgram launches the workflow goroutine and waits for its first
// suspension point or completion.
func (e *Executor) runProgram(input []byte) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.yieldCh <- yieldSignal{done: true, err: panicToErr(r)}
			}
		}()
		output, err := e.fn(e.ctx, input)
		e.yieldCh <- yieldSignal{done: true, output: output, err: err}
	}()
	e.awaitYield()
}

// driveToCompletion feeds events (real and synthesized) to the coroutine
// one at a time, per the replay algorithm's step 4.
func (e *Executor) driveToCompletion() {
	for _, ev := range e.events {
		if e.done {
			return
		}
		e.dispatchEvent(ev)
		e.awaitYield()
		e.drainConditions()
	}
}

// awaitYield blocks until the workflow goroutine either suspends again
// or finishes, recording the terminal outcome in the latter case.
func (e *Executor) awaitYield() {
	sig := <-e.yieldCh
	if sig.done {
		e.done = true
		if sig.err != nil {
			id, msg := classifyError(sig.err)
			e.result = Result{Kind: ResultFailed, Error: id, Message: msg}
		} else {
			e.result = Result{Kind: ResultSucceeded, Output: sig.output}
		}
	}
}

// drainConditions re-evaluates every not-yet-resolved condition predicate
// after an event (spec.md §4.1.1 AfterEveryEventTrigger), looping because
// resolving one may unblock the coroutine to register more state that
// changes another's predicate.
func (e *Executor) drainConditions() {
	for !e.done {
		resolvedAny := false
		for _, cw := range e.conditions {
			if cw.future.settled {
				continue
			}
			if cw.predicate() {
				cw.future.resolve(true, nil)
				resolvedAny = true
			}
		}
		if !resolvedAny {
			return
		}
		e.awaitYield()
	}
}

// dispatchEvent resolves whichever pending eventual this result event
// targets, or raises a DeterminismError if it references a seq the
// program never requested.
func (e *Executor) dispatchEvent(ev *types.HistoryEvent) {
	if ev.Timestamp.After(e.currentTime) {
		e.currentTime = ev.Timestamp
	}
	if ev.Type == types.EventTypeSignalReceived {
		attrs, _ := ev.Attributes.(*types.SignalReceivedAttributes)
		if attrs == nil {
			return
		}
		waiters := e.signalWaiters[attrs.SignalID]
		delete(e.signalWaiters, attrs.SignalID)
		for _, f := range waiters {
			f.resolve(attrs.Payload, nil)
		}
		return
	}
	if !ev.HasSeq {
		return
	}
	f, ok := e.pendingBySeq[ev.Seq]
	if !ok {
		if e.resolvedSeqs[ev.Seq] {
			return
		}
		e.failDeterminism(fmt.Sprintf("event %s references unknown seq %d", ev.Type, ev.Seq))
		return
	}
	delete(e.pendingBySeq, ev.Seq)
	e.resolvedSeqs[ev.Seq] = true
	value, err := resultOf(ev)
	f.resolve(value, err)
	if attrs, ok := ev.Attributes.(*types.SignalTimedOutAttributes); ok {
		e.removeSignalWaiter(attrs.SignalID, f)
	}
}

func (e *Executor) removeSignalWaiter(signalID string, f *Future) {
	list := e.signalWaiters[signalID]
	for i, w := range list {
		if w == f {
			e.signalWaiters[signalID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// resultOf maps a Result-category event to the (value, error) pair its
// waiting Future resolves with.
func resultOf(ev *types.HistoryEvent) (any, error) {
	switch attrs := ev.Attributes.(type) {
	case *types.TaskSucceededAttributes:
		return attrs.Result, nil
	case *types.TaskFailedAttributes:
		return nil, &types.RemoteError{ID: attrs.Error, Message: attrs.Message}
	case *types.TaskHeartbeatTimedOutAttributes:
		return nil, &types.RemoteError{ID: types.ErrorIDHeartbeatTimeout, Message: "task heartbeat timed out"}
	case *types.TimerCompletedAttributes:
		return nil, nil
	case *types.ChildWorkflowSucceededAttributes:
		return attrs.Result, nil
	case *types.ChildWorkflowFailedAttributes:
		return nil, &types.RemoteError{ID: attrs.Error, Message: attrs.Message}
	case *types.SignalTimedOutAttributes:
		return nil, &types.RemoteError{ID: types.ErrorIDTimeout, Message: "signal timed out"}
	case *types.ConditionTimedOutAttributes:
		return false, nil
	case *types.EntityRequestSucceededAttributes:
		return attrs.Value, nil
	case *types.EntityRequestFailedAttributes:
		return nil, &types.RemoteError{ID: attrs.Error}
	case *types.BucketRequestSucceededAttributes:
		return attrs.Data, nil
	case *types.BucketRequestFailedAttributes:
		return nil, &types.RemoteError{ID: attrs.Error}
	case *types.SearchRequestSucceededAttributes:
		return attrs.Results, nil
	case *types.SearchRequestFailedAttributes:
		return nil, &types.RemoteError{ID: attrs.Error}
	case *types.TransactionRequestSucceededAttributes:
		return attrs.Output, nil
	case *types.TransactionRequestFailedAttributes:
		return nil, &types.RemoteError{ID: attrs.Error, Message: attrs.Reason}
	default:
		return nil, nil
	}
}

// failDeterminism ends the run with a DeterminismError. Dispatch runs on
// the host, not the program goroutine, so the failure is recorded
// directly rather than through the panic/recover path of program code.
func (e *Executor) failDeterminism(reason string) {
	e.done = true
	e.result = Result{Kind: ResultFailed, Error: types.ErrorIDDeterminism, Message: reason}
}

func (e *Executor) finalResult() *Result {
	e.result.Commands = e.commands
	return &e.result
}

// allocate assigns the next seq, checks it against the next unconsumed
// expected (scheduled) entry, and otherwise appends cmd as a freshly
// issued command for this run.
func (e *Executor) allocate(kind types.CommandKind, build func(int64) *types.Command) (*types.Command, int64) {
	seq := e.nextSeq
	e.nextSeq++
	cmd := build(seq)
	cmd.Seq, cmd.Kind = seq, kind
	if e.expIdx < len(e.expected) {
		scheduled := e.expected[e.expIdx]
		if !types.Corresponds(scheduled, seq, cmd) {
			panic(&types.DeterminismError{Reason: fmt.Sprintf(
				"seq %d: replayed %s does not correspond to scheduled %s", seq, kind, scheduled.Type)})
		}
		e.expIdx++
	} else {
		e.commands = append(e.commands, cmd)
	}
	return cmd, seq
}

// requestEventual allocates a seq for a primitive with a Result-category
// counterpart and registers a Future to be resolved when it arrives.
func (e *Executor) requestEventual(kind types.CommandKind, build func(int64) *types.Command) *Future {
	_, seq := e.allocate(kind, build)
	f := newSeqFuture(seq)
	e.pendingBySeq[seq] = f
	return f
}

// requestFireAndForget allocates a seq for a primitive with no Result
// counterpart (EmitEvents, SendSignal): nothing is ever awaited.
func (e *Executor) requestFireAndForget(kind types.CommandKind, build func(int64) *types.Command) {
	e.allocate(kind, build)
}

func panicToErr(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("workflow panic: %v", r)
}

// classifyError extracts the stable error identifier + message pair
// spec.md §7 requires at every awaiter/terminal boundary.
func classifyError(err error) (id string, message string) {
	var de *types.DeterminismError
	if errors.As(err, &de) {
		return types.ErrorIDDeterminism, de.Error()
	}
	var re *types.RemoteError
	if errors.As(err, &re) {
		if re.ID != "" {
			return re.ID, re.Message
		}
	}
	return reflect.TypeOf(err).String(), err.Error()
}
