package workflow

import (
	"time"

	"github.com/flowforge/engine/internal/types"
)

// yieldSignal is sent by the workflow goroutine to the host every time it
// either blocks on a Future or returns. An empty value means "blocked";
// done=true carries the program's terminal outcome.
type yieldSignal struct {
	done   bool
	output []byte
	err    error
}

// Context is the only handle a workflow program receives. Every method
// that corresponds to an engine primitive allocates a seq, runs it
// through replay correspondence checking, and either blocks the calling
// goroutine (returning a *Future to await) or fires-and-forgets commands
// with no result counterpart (Emit, Signal).
//
// A Context, and the Future values it produces, must never be retained
// or touched outside the workflow program's own goroutine.
type Context struct {
	exec         *Executor
	WorkflowName string
	ExecutionID  string
	Parent       *types.ParentRef
	yieldCh      chan yieldSignal
}

// Now returns the replay-safe current time: the timestamp of the most
// recently processed history event (or the run's base time before any
// have been processed). Workflow code must use this instead of time.Now.
func (c *Context) Now() time.Time { return c.exec.currentTime }

// Task starts a named remote task and returns a Future for its result
// bytes or a *types.RemoteError on failure. timeout of zero means none.
func (c *Context) Task(name string, input []byte, timeout time.Duration) *Future {
	return c.exec.requestEventual(types.CommandKindStartTask, func(int64) *types.Command {
		return &types.Command{TaskName: name, TaskInput: input, TaskTimeout: timeout}
	})
}

// TaskWithHeartbeat is Task plus a heartbeat window: the Task Worker
// arms a heartbeat monitor that fails the task with HeartbeatTimedOut
// if the handler doesn't call its heartbeat callback within the window
// (spec.md §4.4 step 2).
func (c *Context) TaskWithHeartbeat(name string, input []byte, timeout, heartbeatTimeout time.Duration) *Future {
	return c.exec.requestEventual(types.CommandKindStartTask, func(int64) *types.Command {
		return &types.Command{TaskName: name, TaskInput: input, TaskTimeout: timeout, TaskHeartbeatTimeout: heartbeatTimeout}
	})
}

// Sleep starts a relative timer; the Future resolves with (nil, nil)
// once it fires.
func (c *Context) Sleep(d time.Duration) *Future {
	return c.exec.requestEventual(types.CommandKindStartTimer, func(int64) *types.Command {
		return &types.Command{TimerDuration: d}
	})
}

// TimerAt starts an absolute timer.
func (c *Context) TimerAt(t time.Time) *Future {
	return c.exec.requestEventual(types.CommandKindStartTimer, func(int64) *types.Command {
		return &types.Command{TimerAbsolute: t}
	})
}

// Child starts a child workflow execution, named deterministically from
// this execution's id and the allocated seq (FormatChildExecutionName).
func (c *Context) Child(name string, input []byte) *Future {
	return c.exec.requestEventual(types.CommandKindStartChildWorkflow, func(int64) *types.Command {
		return &types.Command{ChildWorkflowName: name, ChildWorkflowInput: input}
	})
}

// Signal sends a signal to another execution. Fire-and-forget: SendSignal
// has no Result-category counterpart, so the call never blocks.
func (c *Context) Signal(targetExecutionID, signalID string, payload []byte) {
	c.exec.requestFireAndForget(types.CommandKindSendSignal, func(int64) *types.Command {
		return &types.Command{TargetExecutionID: targetExecutionID, SignalID: signalID, SignalPayload: payload}
	})
}

// Emit publishes events to the fan-out bus. Fire-and-forget.
func (c *Context) Emit(events []types.EmittedEvent) {
	c.exec.requestFireAndForget(types.CommandKindEmitEvents, func(int64) *types.Command {
		return &types.Command{Events: events}
	})
}

// ExpectSignal waits for a signal with the given id, or times out.
// Resolves with the signal payload, or a *types.RemoteError{ID:"Timeout"}
// if timeout elapses first (spec.md S4: bubbles as a failure).
func (c *Context) ExpectSignal(signalID string, timeout time.Duration) *Future {
	f := c.exec.requestEventual(types.CommandKindExpectSignal, func(int64) *types.Command {
		return &types.Command{ExpectSignalID: signalID, ExpectTimeout: timeout}
	})
	c.exec.signalWaiters[signalID] = append(c.exec.signalWaiters[signalID], f)
	return f
}

// Condition blocks until predicate() is true or timeout elapses. Always
// resolves without error: true if satisfied, false on timeout (spec.md
// §7: "condition timeout ... resolves to false, not an error").
// predicate must be a pure, synchronous function of in-memory workflow
// state; any blocking or I/O inside it is a determinism hazard.
func (c *Context) Condition(predicate func() bool, timeout time.Duration) *Future {
	f := c.exec.requestEventual(types.CommandKindStartCondition, func(int64) *types.Command {
		return &types.Command{ConditionTimeout: timeout}
	})
	if predicate() {
		f.resolve(true, nil)
		return f
	}
	c.exec.conditions = append(c.exec.conditions, &conditionWaiter{predicate: predicate, future: f})
	return f
}

// InvokeTransaction enqueues a named transaction request.
func (c *Context) InvokeTransaction(name string, input []byte) *Future {
	return c.exec.requestEventual(types.CommandKindInvokeTransaction, func(int64) *types.Command {
		return &types.Command{TransactionName: name, TransactionInput: input}
	})
}

// EntityOp issues an entity store operation (get/set/delete) outside of a
// transaction.
func (c *Context) EntityOp(op, key string, value []byte) *Future {
	return c.exec.requestEventual(types.CommandKindEntityOp, func(int64) *types.Command {
		return &types.Command{OpName: op, OpKey: key, OpValue: value}
	})
}

// BucketOp issues a blob-bucket operation.
func (c *Context) BucketOp(op, key string, data []byte) *Future {
	return c.exec.requestEventual(types.CommandKindBucketOp, func(int64) *types.Command {
		return &types.Command{OpName: op, OpKey: key, OpValue: data}
	})
}

// SearchOp issues a search-index query.
func (c *Context) SearchOp(query []byte) *Future {
	return c.exec.requestEventual(types.CommandKindSearchOp, func(int64) *types.Command {
		return &types.Command{OpValue: query}
	})
}

// All, AllSettled, Any and Race re-export the combinators package-level
// so workflow code reads as ctx-scoped calls.
func (c *Context) All(futures ...*Future) *Future         { return All(futures...) }
func (c *Context) AllSettled(futures ...*Future) *Future  { return AllSettled(futures...) }
func (c *Context) Any(futures ...*Future) *Future         { return Any(futures...) }
func (c *Context) Race(futures ...*Future) *Future        { return Race(futures...) }

type conditionWaiter struct {
	predicate func() bool
	future    *Future
}
