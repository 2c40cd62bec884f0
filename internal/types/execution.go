// Package types holds the data model shared by every engine component:
// executions, history events, and the workflow commands the executor emits.
package types

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrOptimisticLock    = errors.New("optimistic lock failure")
	ErrAlreadyRunning    = errors.New("execution already running with different input")
)

// ExecutionStatus is the monotonic lifecycle state of an Execution.
type ExecutionStatus int32

const (
	ExecutionStatusUnspecified ExecutionStatus = iota
	ExecutionStatusInProgress
	ExecutionStatusSucceeded
	ExecutionStatusFailed
	ExecutionStatusTimedOut
)

func (s ExecutionStatus) String() string {
	switch s {
	case ExecutionStatusInProgress:
		return "IN_PROGRESS"
	case ExecutionStatusSucceeded:
		return "SUCCEEDED"
	case ExecutionStatusFailed:
		return "FAILED"
	case ExecutionStatusTimedOut:
		return "TIMED_OUT"
	default:
		return "UNSPECIFIED"
	}
}

// IsTerminal reports whether the status can no longer transition.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSucceeded, ExecutionStatusFailed, ExecutionStatusTimedOut:
		return true
	default:
		return false
	}
}

// ParentRef identifies the parent execution and the seq of the
// ChildWorkflowScheduled command that spawned this execution.
type ParentRef struct {
	ExecutionID string
	Seq         int64
}

// ExecutionID is "workflowName/executionName", per spec.md §3.
type ExecutionID string

// FormatExecutionID builds an ExecutionID from its parts.
func FormatExecutionID(workflowName, executionName string) ExecutionID {
	return ExecutionID(fmt.Sprintf("%s/%s", workflowName, executionName))
}

// FormatChildExecutionName derives a deterministic child execution name
// from the parent's id and the seq of its ChildWorkflowScheduled command,
// so replays of the parent always address the same child.
func FormatChildExecutionName(parentExecutionID string, seq int64) string {
	return fmt.Sprintf("%s/%d", parentExecutionID, seq)
}

// Execution is the durable metadata record for one workflow instance.
type Execution struct {
	ID           ExecutionID
	WorkflowName string
	Input        []byte
	InputHash    string
	StartTime    time.Time
	EndTime      time.Time
	Status       ExecutionStatus
	Result       []byte
	Error        string
	Message      string
	Parent       *ParentRef
}

// IsTerminal reports whether EndTime/Status reflect a finished execution.
func (e *Execution) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// Clone returns a deep copy safe for concurrent mutation by callers.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Input != nil {
		clone.Input = append([]byte(nil), e.Input...)
	}
	if e.Result != nil {
		clone.Result = append([]byte(nil), e.Result...)
	}
	if e.Parent != nil {
		p := *e.Parent
		clone.Parent = &p
	}
	return &clone
}
