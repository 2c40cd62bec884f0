package types

import (
	"fmt"
	"time"
)

// EventType enumerates every history event kind in spec.md §3: lifecycle,
// scheduled (executor-issued intents) and result (externally delivered
// completions) events all share one event log.
type EventType int32

const (
	EventTypeUnspecified EventType = iota

	// Lifecycle
	EventTypeWorkflowStarted
	EventTypeWorkflowRunStarted
	EventTypeWorkflowRunCompleted
	EventTypeWorkflowSucceeded
	EventTypeWorkflowFailed
	EventTypeWorkflowTimedOut

	// Scheduled
	EventTypeTaskScheduled
	EventTypeTimerScheduled
	EventTypeChildWorkflowScheduled
	EventTypeSignalSent
	EventTypeEventsEmitted
	EventTypeEntityRequest
	EventTypeBucketRequest
	EventTypeSearchRequest
	EventTypeTransactionRequest
	EventTypeSignalExpectStarted
	EventTypeConditionStarted

	// Result
	EventTypeTaskSucceeded
	EventTypeTaskFailed
	EventTypeTaskHeartbeatTimedOut
	EventTypeTimerCompleted
	EventTypeChildWorkflowSucceeded
	EventTypeChildWorkflowFailed
	EventTypeSignalReceived
	EventTypeSignalTimedOut
	EventTypeConditionTimedOut
	EventTypeEntityRequestSucceeded
	EventTypeEntityRequestFailed
	EventTypeBucketRequestSucceeded
	EventTypeBucketRequestFailed
	EventTypeSearchRequestSucceeded
	EventTypeSearchRequestFailed
	EventTypeTransactionRequestSucceeded
	EventTypeTransactionRequestFailed
)

var eventTypeNames = map[EventType]string{
	EventTypeUnspecified:                 "Unspecified",
	EventTypeWorkflowStarted:             "WorkflowStarted",
	EventTypeWorkflowRunStarted:          "WorkflowRunStarted",
	EventTypeWorkflowRunCompleted:        "WorkflowRunCompleted",
	EventTypeWorkflowSucceeded:           "WorkflowSucceeded",
	EventTypeWorkflowFailed:              "WorkflowFailed",
	EventTypeWorkflowTimedOut:            "WorkflowTimedOut",
	EventTypeTaskScheduled:               "TaskScheduled",
	EventTypeTimerScheduled:              "TimerScheduled",
	EventTypeChildWorkflowScheduled:      "ChildWorkflowScheduled",
	EventTypeSignalSent:                  "SignalSent",
	EventTypeEventsEmitted:               "EventsEmitted",
	EventTypeEntityRequest:               "EntityRequest",
	EventTypeBucketRequest:               "BucketRequest",
	EventTypeSearchRequest:               "SearchRequest",
	EventTypeTransactionRequest:          "TransactionRequest",
	EventTypeSignalExpectStarted:         "SignalExpectStarted",
	EventTypeConditionStarted:            "ConditionStarted",
	EventTypeTaskSucceeded:               "TaskSucceeded",
	EventTypeTaskFailed:                  "TaskFailed",
	EventTypeTaskHeartbeatTimedOut:       "TaskHeartbeatTimedOut",
	EventTypeTimerCompleted:              "TimerCompleted",
	EventTypeChildWorkflowSucceeded:      "ChildWorkflowSucceeded",
	EventTypeChildWorkflowFailed:         "ChildWorkflowFailed",
	EventTypeSignalReceived:              "SignalReceived",
	EventTypeSignalTimedOut:              "SignalTimedOut",
	EventTypeConditionTimedOut:           "ConditionTimedOut",
	EventTypeEntityRequestSucceeded:      "EntityRequestSucceeded",
	EventTypeEntityRequestFailed:         "EntityRequestFailed",
	EventTypeBucketRequestSucceeded:      "BucketRequestSucceeded",
	EventTypeBucketRequestFailed:         "BucketRequestFailed",
	EventTypeSearchRequestSucceeded:      "SearchRequestSucceeded",
	EventTypeSearchRequestFailed:         "SearchRequestFailed",
	EventTypeTransactionRequestSucceeded: "TransactionRequestSucceeded",
	EventTypeTransactionRequestFailed:    "TransactionRequestFailed",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "Unknown"
}

// IsScheduled reports whether t belongs to the Scheduled category (§3):
// events the executor emits when a workflow issues a command.
func (t EventType) IsScheduled() bool {
	switch t {
	case EventTypeTaskScheduled, EventTypeTimerScheduled, EventTypeChildWorkflowScheduled,
		EventTypeSignalSent, EventTypeEventsEmitted, EventTypeEntityRequest, EventTypeBucketRequest,
		EventTypeSearchRequest, EventTypeTransactionRequest, EventTypeSignalExpectStarted,
		EventTypeConditionStarted:
		return true
	default:
		return false
	}
}

// IsResult reports whether t belongs to the Result category (§3): events
// delivered from outside the executor that resolve a pending eventual.
func (t EventType) IsResult() bool {
	switch t {
	case EventTypeTaskSucceeded, EventTypeTaskFailed, EventTypeTaskHeartbeatTimedOut,
		EventTypeTimerCompleted, EventTypeChildWorkflowSucceeded, EventTypeChildWorkflowFailed,
		EventTypeSignalReceived, EventTypeSignalTimedOut, EventTypeConditionTimedOut,
		EventTypeEntityRequestSucceeded, EventTypeEntityRequestFailed,
		EventTypeBucketRequestSucceeded, EventTypeBucketRequestFailed,
		EventTypeSearchRequestSucceeded, EventTypeSearchRequestFailed,
		EventTypeTransactionRequestSucceeded, EventTypeTransactionRequestFailed:
		return true
	default:
		return false
	}
}

// HistoryEvent is one entry in an execution's append-only log. Sequenced
// events (Scheduled/Result categories) carry Seq; non-sequenced lifecycle
// events carry ID instead, per spec.md §3.
type HistoryEvent struct {
	Type       EventType
	Timestamp  time.Time
	ID         string // set for non-sequenced events
	Seq        int64  // set for sequenced events; 0 and unused when HasSeq is false
	HasSeq     bool
	Attributes any
}

// NewSequencedEvent builds a Scheduled or Result event tied to seq.
func NewSequencedEvent(t EventType, seq int64, ts time.Time, attrs any) *HistoryEvent {
	return &HistoryEvent{Type: t, Timestamp: ts, Seq: seq, HasSeq: true, Attributes: attrs}
}

// NewLifecycleEvent builds a non-sequenced lifecycle event.
func NewLifecycleEvent(t EventType, id string, ts time.Time, attrs any) *HistoryEvent {
	return &HistoryEvent{Type: t, Timestamp: ts, ID: id, Attributes: attrs}
}

// EventID implements getEventId(e) from spec.md §3: "seq+type" for
// sequenced events, otherwise the event's own id. History is a set under
// this identity, which is what makes replay idempotent.
func (e *HistoryEvent) EventID() string {
	if e.HasSeq {
		return fmt.Sprintf("%d_%s", e.Seq, e.Type)
	}
	return e.ID
}
