package types

// Corresponds implements isCorresponding(scheduled, seq, command) from
// spec.md §4.1: the scheduled history event at a given seq must match
// the category and identifying fields of the command the replayed
// program issues at that same seq. Any mismatch is a DeterminismError.
func Corresponds(scheduled *HistoryEvent, seq int64, cmd *Command) bool {
	if scheduled == nil || cmd == nil || !scheduled.HasSeq || scheduled.Seq != seq {
		return false
	}
	switch scheduled.Type {
	case EventTypeTaskScheduled:
		attrs, ok := scheduled.Attributes.(*TaskScheduledAttributes)
		return ok && cmd.Kind == CommandKindStartTask && attrs.Name == cmd.TaskName
	case EventTypeTimerScheduled:
		return cmd.Kind == CommandKindStartTimer
	case EventTypeChildWorkflowScheduled:
		attrs, ok := scheduled.Attributes.(*ChildWorkflowScheduledAttributes)
		return ok && cmd.Kind == CommandKindStartChildWorkflow && attrs.Name == cmd.ChildWorkflowName
	case EventTypeSignalSent:
		attrs, ok := scheduled.Attributes.(*SignalSentAttributes)
		return ok && cmd.Kind == CommandKindSendSignal && attrs.SignalID == cmd.SignalID
	case EventTypeEventsEmitted:
		return cmd.Kind == CommandKindEmitEvents
	case EventTypeSignalExpectStarted:
		attrs, ok := scheduled.Attributes.(*SignalExpectStartedAttributes)
		return ok && cmd.Kind == CommandKindExpectSignal && attrs.SignalID == cmd.ExpectSignalID
	case EventTypeConditionStarted:
		return cmd.Kind == CommandKindStartCondition
	case EventTypeTransactionRequest:
		attrs, ok := scheduled.Attributes.(*TransactionRequestAttributes)
		return ok && cmd.Kind == CommandKindInvokeTransaction && attrs.Name == cmd.TransactionName
	case EventTypeEntityRequest:
		return cmd.Kind == CommandKindEntityOp
	case EventTypeBucketRequest:
		return cmd.Kind == CommandKindBucketOp
	case EventTypeSearchRequest:
		return cmd.Kind == CommandKindSearchOp
	default:
		return false
	}
}
