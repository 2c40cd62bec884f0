package types

import "time"

// Lifecycle event attributes.

type WorkflowStartedAttributes struct {
	WorkflowName string
	Input        []byte
	TimeoutTime  time.Time // zero if no workflow-level timeout
	Parent       *ParentRef
}

type WorkflowRunStartedAttributes struct{}

type WorkflowRunCompletedAttributes struct {
	CommandCount int
}

type WorkflowSucceededAttributes struct {
	Output []byte
}

type WorkflowFailedAttributes struct {
	Error   string
	Message string
}

type WorkflowTimedOutAttributes struct{}

// Scheduled event attributes.

type TaskScheduledAttributes struct {
	Name             string
	Input            []byte
	HeartbeatTimeout time.Duration
}

type TimerScheduledAttributes struct {
	UntilTime time.Time
}

type ChildWorkflowScheduledAttributes struct {
	Name  string
	Input []byte
}

type SignalSentAttributes struct {
	ExecutionID string
	SignalID    string
	Payload     []byte
}

type EventsEmittedAttributes struct {
	Events []EmittedEvent
}

type EmittedEvent struct {
	Name    string
	Payload []byte
}

type EntityRequestAttributes struct {
	Op    string
	Key   string
	Value []byte
}

type BucketRequestAttributes struct {
	Op   string
	Key  string
	Data []byte
}

type SearchRequestAttributes struct {
	Query []byte
}

type TransactionRequestAttributes struct {
	Name  string
	Input []byte
}

type SignalExpectStartedAttributes struct {
	SignalID string
}

type ConditionStartedAttributes struct{}

// Result event attributes.

type TaskSucceededAttributes struct {
	Result []byte
}

type TaskFailedAttributes struct {
	Error   string
	Message string
}

type TaskHeartbeatTimedOutAttributes struct{}

type TimerCompletedAttributes struct{}

type ChildWorkflowSucceededAttributes struct {
	Result []byte
}

type ChildWorkflowFailedAttributes struct {
	Error   string
	Message string
}

type SignalReceivedAttributes struct {
	SignalID string
	Payload  []byte
	DedupID  string
}

type SignalTimedOutAttributes struct {
	SignalID string
}

type ConditionTimedOutAttributes struct{}

type EntityRequestSucceededAttributes struct {
	Value []byte
}

type EntityRequestFailedAttributes struct {
	Error string
}

type BucketRequestSucceededAttributes struct {
	Data []byte
}

type BucketRequestFailedAttributes struct {
	Error string
}

type SearchRequestSucceededAttributes struct {
	Results []byte
}

type SearchRequestFailedAttributes struct {
	Error string
}

type TransactionRequestSucceededAttributes struct {
	Output []byte
}

type TransactionRequestFailedAttributes struct {
	Error  string
	Reason string
}
