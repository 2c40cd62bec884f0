// Package workflow hosts the deterministic replay engine: the coroutine
// dispatcher that runs a workflow program goroutine-at-a-time against its
// history, the EventualDefinition abstraction for pending computations, and
// the trigger/combinator machinery programs use to wait on them. Grounded
// on the executor in cschleiden/go-workflows (other_examples), since the
// teacher repo's own worker/executor is a DAG-graph runner, not a
// coroutine host, and does not fit spec.md's replay model.
package workflow

// settleMsg carries a Future's resolved value across the handoff channel
// to the parked workflow goroutine.
type settleMsg struct {
	value any
	err   error
}

// Future is an EventualDefinition (spec.md §4.1.1): a handle to a pending
// computation that either already has a result or will be resolved later
// by the executor as it drains history/live events. Futures with Seq >= 0
// correspond to a primitive the program requested (subject to replay
// correspondence checking); combinator futures (All/Any/Race/...) carry
// no seq and are never persisted or correspondence-checked.
type Future struct {
	Seq    int64
	HasSeq bool

	settled bool
	value   any
	err     error

	resultCh chan settleMsg
	onSettle []func(value any, err error)
}

func newFuture() *Future {
	return &Future{resultCh: make(chan settleMsg, 1)}
}

func newSeqFuture(seq int64) *Future {
	f := newFuture()
	f.Seq, f.HasSeq = seq, true
	return f
}

// resolve settles the future exactly once, running any combinator
// callbacks synchronously and then delivering the value over the
// one-slot buffered handoff channel, whether or not Get is parked on it.
func (f *Future) resolve(value any, err error) {
	if f.settled {
		return
	}
	f.settled = true
	f.value, f.err = value, err
	for _, cb := range f.onSettle {
		cb(value, err)
	}
	f.resultCh <- settleMsg{value, err}
}

// addOnSettle registers a callback invoked the moment the future settles,
// immediately if it already has. Used by combinators to compose children
// without allocating a seq or touching the yield/block protocol.
func (f *Future) addOnSettle(cb func(value any, err error)) {
	if f.settled {
		cb(f.value, f.err)
		return
	}
	f.onSettle = append(f.onSettle, cb)
}

// Get blocks the calling workflow goroutine until the future settles,
// yielding control back to the host executor in between (spec.md §4.1:
// "run the coroutine to its next suspension point"). Must only be called
// from within the workflow program goroutine.
func (f *Future) Get(ctx *Context) (any, error) {
	if f.settled {
		return f.value, f.err
	}
	ctx.yieldCh <- yieldSignal{}
	msg := <-f.resultCh
	return msg.value, msg.err
}

// IsSettled reports whether the future already has a result, without
// blocking. Workflow code can use this to poll combinators non-blockingly.
func (f *Future) IsSettled() bool { return f.settled }
