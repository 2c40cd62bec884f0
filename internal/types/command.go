package types

import "time"

// CommandKind enumerates the workflow-intent commands the Workflow
// Executor produces; spec.md §3's "Workflow Command (internal,
// non-persisted)".
type CommandKind int32

const (
	CommandKindUnspecified CommandKind = iota
	CommandKindStartTask
	CommandKindStartTimer
	CommandKindStartChildWorkflow
	CommandKindSendSignal
	CommandKindEmitEvents
	CommandKindExpectSignal
	CommandKindStartCondition
	CommandKindInvokeTransaction
	CommandKindEntityOp
	CommandKindBucketOp
	CommandKindSearchOp
)

func (k CommandKind) String() string {
	switch k {
	case CommandKindStartTask:
		return "StartTask"
	case CommandKindStartTimer:
		return "StartTimer"
	case CommandKindStartChildWorkflow:
		return "StartChildWorkflow"
	case CommandKindSendSignal:
		return "SendSignal"
	case CommandKindEmitEvents:
		return "EmitEvents"
	case CommandKindExpectSignal:
		return "ExpectSignal"
	case CommandKindStartCondition:
		return "StartCondition"
	case CommandKindInvokeTransaction:
		return "InvokeTransaction"
	case CommandKindEntityOp:
		return "EntityOp"
	case CommandKindBucketOp:
		return "BucketOp"
	case CommandKindSearchOp:
		return "SearchOp"
	default:
		return "Unspecified"
	}
}

// Command is the in-memory intent produced by a workflow run. It never
// touches durable storage directly; the Command Executor turns it into a
// side effect plus a Scheduled HistoryEvent.
type Command struct {
	Seq  int64
	Kind CommandKind

	// StartTask
	TaskName             string
	TaskInput            []byte
	TaskTimeout          time.Duration
	TaskHeartbeatTimeout time.Duration

	// StartTimer
	TimerAbsolute time.Time     // zero if relative
	TimerDuration time.Duration // used when TimerAbsolute is zero

	// StartChildWorkflow
	ChildWorkflowName  string
	ChildWorkflowInput []byte

	// SendSignal
	TargetExecutionID string   // explicit target, or empty to use TargetParentSeq
	TargetParentSeq   *int64   // (parentId, seq) form, resolved via FormatChildExecutionName
	SignalID          string
	SignalPayload     []byte

	// EmitEvents
	Events []EmittedEvent

	// ExpectSignal
	ExpectSignalID string
	ExpectTimeout  time.Duration

	// StartCondition
	ConditionTimeout time.Duration

	// InvokeTransaction
	TransactionName  string
	TransactionInput []byte

	// EntityOp / BucketOp / SearchOp
	OpName  string
	OpKey   string
	OpValue []byte
}
