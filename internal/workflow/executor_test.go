package workflow

import (
	"testing"
	"time"

	"github.com/flowforge/engine/internal/types"
)

func scheduledOf(cmds []*types.Command) []types.CommandKind {
	kinds := make([]types.CommandKind, len(cmds))
	for i, c := range cmds {
		kinds[i] = c.Kind
	}
	return kinds
}

// S1: single task success.
func TestExecutor_S1SingleTaskSuccess(t *testing.T) {
	fn := func(ctx *Context, input []byte) ([]byte, error) {
		fut := ctx.Task("hello", input, 0)
		v, err := fut.Get(ctx)
		if err != nil {
			return nil, err
		}
		return v.([]byte), nil
	}

	base := time.Unix(0, 0)
	exec := New(fn, base, nil)
	res := exec.Start("greeter", "greeter/e1", nil, []byte(`{"name":"world"}`), nil)
	if res.Kind != ResultPending {
		t.Fatalf("kind = %v, want Pending", res.Kind)
	}
	if len(res.Commands) != 1 || res.Commands[0].Kind != types.CommandKindStartTask || res.Commands[0].TaskName != "hello" {
		t.Fatalf("commands = %+v, want one StartTask(hello)", res.Commands)
	}
	if res.Commands[0].Seq != 0 {
		t.Fatalf("seq = %d, want 0", res.Commands[0].Seq)
	}

	history := []*types.HistoryEvent{
		types.NewSequencedEvent(types.EventTypeTaskScheduled, 0, base, &types.TaskScheduledAttributes{Name: "hello"}),
		types.NewSequencedEvent(types.EventTypeTaskSucceeded, 0, base, &types.TaskSucceededAttributes{Result: []byte("hi world")}),
	}
	exec2 := New(fn, base, nil)
	res2 := exec2.Start("greeter", "greeter/e1", nil, []byte(`{"name":"world"}`), history)
	if res2.Kind != ResultSucceeded {
		t.Fatalf("kind = %v, want Succeeded; err=%s/%s", res2.Kind, res2.Error, res2.Message)
	}
	if string(res2.Output) != "hi world" {
		t.Fatalf("output = %q, want %q", res2.Output, "hi world")
	}
	if len(res2.Commands) != 0 {
		t.Fatalf("commands = %+v, want none (all corresponded)", res2.Commands)
	}
}

// S2: timer then task.
func TestExecutor_S2TimerThenTask(t *testing.T) {
	fn := func(ctx *Context, input []byte) ([]byte, error) {
		if _, err := ctx.Sleep(5 * time.Second).Get(ctx); err != nil {
			return nil, err
		}
		v, err := ctx.Task("a", nil, 0).Get(ctx)
		if err != nil {
			return nil, err
		}
		return v.([]byte), nil
	}

	base := time.Unix(0, 0)
	history := []*types.HistoryEvent{
		types.NewSequencedEvent(types.EventTypeTimerScheduled, 0, base, &types.TimerScheduledAttributes{UntilTime: base.Add(5 * time.Second)}),
		types.NewSequencedEvent(types.EventTypeTimerCompleted, 0, base.Add(5*time.Second), &types.TimerCompletedAttributes{}),
		types.NewSequencedEvent(types.EventTypeTaskScheduled, 1, base.Add(5*time.Second), &types.TaskScheduledAttributes{Name: "a"}),
		types.NewSequencedEvent(types.EventTypeTaskSucceeded, 1, base.Add(5*time.Second), &types.TaskSucceededAttributes{Result: []byte("42")}),
	}
	exec := New(fn, base, nil)
	res := exec.Start("wf", "wf/e1", nil, nil, history)
	if res.Kind != ResultSucceeded || string(res.Output) != "42" {
		t.Fatalf("res = %+v", res)
	}
}

// S3: parallel all, results ordered by seq regardless of completion order.
func TestExecutor_S3ParallelAll(t *testing.T) {
	fn := func(ctx *Context, input []byte) ([]byte, error) {
		a := ctx.Task("a", nil, 0)
		b := ctx.Task("b", nil, 0)
		v, err := ctx.All(a, b).Get(ctx)
		if err != nil {
			return nil, err
		}
		results := v.([]any)
		out := string(results[0].([]byte)) + "," + string(results[1].([]byte))
		return []byte(out), nil
	}

	base := time.Unix(0, 0)
	history := []*types.HistoryEvent{
		types.NewSequencedEvent(types.EventTypeTaskScheduled, 0, base, &types.TaskScheduledAttributes{Name: "a"}),
		types.NewSequencedEvent(types.EventTypeTaskScheduled, 1, base, &types.TaskScheduledAttributes{Name: "b"}),
		types.NewSequencedEvent(types.EventTypeTaskSucceeded, 1, base, &types.TaskSucceededAttributes{Result: []byte("B")}),
		types.NewSequencedEvent(types.EventTypeTaskSucceeded, 0, base, &types.TaskSucceededAttributes{Result: []byte("A")}),
	}
	exec := New(fn, base, nil)
	res := exec.Start("wf", "wf/e1", nil, nil, history)
	if res.Kind != ResultSucceeded {
		t.Fatalf("res = %+v", res)
	}
	if string(res.Output) != "A,B" {
		t.Fatalf("output = %q, want %q (ordered by seq, not completion order)", res.Output, "A,B")
	}
}

// S4: expectSignal, success and timeout branches.
func TestExecutor_S4Signal(t *testing.T) {
	fn := func(ctx *Context, input []byte) ([]byte, error) {
		v, err := ctx.ExpectSignal("go", 60*time.Second).Get(ctx)
		if err != nil {
			return nil, err
		}
		return v.([]byte), nil
	}

	base := time.Unix(0, 0)

	t.Run("success", func(t *testing.T) {
		history := []*types.HistoryEvent{
			types.NewSequencedEvent(types.EventTypeSignalExpectStarted, 0, base, &types.SignalExpectStartedAttributes{SignalID: "go"}),
			types.NewLifecycleEvent(types.EventTypeSignalReceived, "sig-1", base, &types.SignalReceivedAttributes{SignalID: "go", Payload: []byte("ok")}),
		}
		exec := New(fn, base, nil)
		res := exec.Start("wf", "wf/e1", nil, nil, history)
		if res.Kind != ResultSucceeded || string(res.Output) != "ok" {
			t.Fatalf("res = %+v", res)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		history := []*types.HistoryEvent{
			types.NewSequencedEvent(types.EventTypeSignalExpectStarted, 0, base, &types.SignalExpectStartedAttributes{SignalID: "go"}),
			types.NewSequencedEvent(types.EventTypeSignalTimedOut, 0, base.Add(60*time.Second), &types.SignalTimedOutAttributes{SignalID: "go"}),
		}
		exec := New(fn, base, nil)
		res := exec.Start("wf", "wf/e1", nil, nil, history)
		if res.Kind != ResultFailed || res.Error != types.ErrorIDTimeout {
			t.Fatalf("res = %+v, want Failed/Timeout", res)
		}
	})
}

// S5: child workflow result plumbing.
func TestExecutor_S5ChildWorkflow(t *testing.T) {
	fn := func(ctx *Context, input []byte) ([]byte, error) {
		v, err := ctx.Child("sub", []byte("7")).Get(ctx)
		if err != nil {
			return nil, err
		}
		return v.([]byte), nil
	}
	base := time.Unix(0, 0)
	history := []*types.HistoryEvent{
		types.NewSequencedEvent(types.EventTypeChildWorkflowScheduled, 0, base, &types.ChildWorkflowScheduledAttributes{Name: "sub", Input: []byte("7")}),
		types.NewSequencedEvent(types.EventTypeChildWorkflowSucceeded, 0, base, &types.ChildWorkflowSucceededAttributes{Result: []byte("42")}),
	}
	exec := New(fn, base, nil)
	res := exec.Start("wf", "wf/e1", nil, nil, history)
	if res.Kind != ResultSucceeded || string(res.Output) != "42" {
		t.Fatalf("res = %+v", res)
	}
}

// S6: determinism fault. History recorded a StartTask at seq 0, but this
// run's program issues a timer first instead.
func TestExecutor_S6DeterminismFault(t *testing.T) {
	fn := func(ctx *Context, input []byte) ([]byte, error) {
		_, err := ctx.Sleep(1 * time.Second).Get(ctx)
		return nil, err
	}
	base := time.Unix(0, 0)
	history := []*types.HistoryEvent{
		types.NewSequencedEvent(types.EventTypeTaskScheduled, 0, base, &types.TaskScheduledAttributes{Name: "a"}),
	}
	exec := New(fn, base, nil)
	res := exec.Start("wf", "wf/e1", nil, nil, history)
	if res.Kind != ResultFailed || res.Error != types.ErrorIDDeterminism {
		t.Fatalf("res = %+v, want Failed/DeterminismError", res)
	}
	if len(res.Commands) != 0 {
		t.Fatalf("commands = %+v, want none emitted after a determinism fault", res.Commands)
	}
}

// Property: seq density -- scheduled seqs form a dense {0..N-1} run.
func TestExecutor_SeqDensity(t *testing.T) {
	fn := func(ctx *Context, input []byte) ([]byte, error) {
		a := ctx.Task("a", nil, 0)
		b := ctx.Task("b", nil, 0)
		if _, err := ctx.All(a, b).Get(ctx); err != nil {
			return nil, err
		}
		if _, err := ctx.Sleep(time.Second).Get(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	}
	base := time.Unix(0, 0)
	exec := New(fn, base, nil)
	res := exec.Start("wf", "wf/e1", nil, nil, nil)
	seqs := map[int64]bool{}
	for _, c := range res.Commands {
		seqs[c.Seq] = true
	}
	for i := int64(0); i < int64(len(res.Commands)); i++ {
		if !seqs[i] {
			t.Fatalf("seq %d missing from %v", i, scheduledOf(res.Commands))
		}
	}
}

// Property: event-id idempotence. Feeding the same completion twice
// produces no state change on the second delivery.
func TestExecutor_EventIdempotence(t *testing.T) {
	fn := func(ctx *Context, input []byte) ([]byte, error) {
		v, err := ctx.Task("a", nil, 0).Get(ctx)
		if err != nil {
			return nil, err
		}
		return v.([]byte), nil
	}
	base := time.Unix(0, 0)
	history := []*types.HistoryEvent{
		types.NewSequencedEvent(types.EventTypeTaskScheduled, 0, base, &types.TaskScheduledAttributes{Name: "a"}),
		types.NewSequencedEvent(types.EventTypeTaskSucceeded, 0, base, &types.TaskSucceededAttributes{Result: []byte("x")}),
		types.NewSequencedEvent(types.EventTypeTaskSucceeded, 0, base, &types.TaskSucceededAttributes{Result: []byte("x")}),
	}
	exec := New(fn, base, nil)
	res := exec.Start("wf", "wf/e1", nil, nil, history)
	if res.Kind != ResultSucceeded || string(res.Output) != "x" {
		t.Fatalf("res = %+v", res)
	}
}

// Property: timer monotone firing via synthesis -- a TimerScheduled whose
// untilTime has already passed baseTime fires without a real completion
// in history.
func TestExecutor_SyntheticTimerCompletion(t *testing.T) {
	fn := func(ctx *Context, input []byte) ([]byte, error) {
		_, err := ctx.Sleep(5 * time.Second).Get(ctx)
		return nil, err
	}
	base := time.Unix(100, 0)
	history := []*types.HistoryEvent{
		types.NewSequencedEvent(types.EventTypeTimerScheduled, 0, base.Add(-10*time.Second), &types.TimerScheduledAttributes{UntilTime: base.Add(-5 * time.Second)}),
	}
	exec := New(fn, base, nil)
	res := exec.Start("wf", "wf/e1", nil, nil, history)
	if res.Kind != ResultSucceeded {
		t.Fatalf("res = %+v, want Succeeded via synthesized TimerCompleted", res)
	}
}

// Condition timeout resolves to false, not an error.
func TestExecutor_ConditionTimeout(t *testing.T) {
	var flag bool
	fn := func(ctx *Context, input []byte) ([]byte, error) {
		v, err := ctx.Condition(func() bool { return flag }, time.Second).Get(ctx)
		if err != nil {
			return nil, err
		}
		if v.(bool) {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	}
	base := time.Unix(0, 0)
	history := []*types.HistoryEvent{
		types.NewSequencedEvent(types.EventTypeConditionStarted, 0, base, &types.ConditionStartedAttributes{}),
		types.NewSequencedEvent(types.EventTypeConditionTimedOut, 0, base.Add(time.Second), &types.ConditionTimedOutAttributes{}),
	}
	exec := New(fn, base, nil)
	res := exec.Start("wf", "wf/e1", nil, nil, history)
	if res.Kind != ResultSucceeded || string(res.Output) != "false" {
		t.Fatalf("res = %+v, want Succeeded/false", res)
	}
}
