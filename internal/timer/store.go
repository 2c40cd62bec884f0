// Package timer implements the Timer Service (spec.md §4.5): a
// two-tier scheduler that delivers ScheduleEvent and HeartbeatMonitor
// payloads at a due time. Grounded on the teacher's internal/timer
// package (sharded scan + processor goroutines, CAS-on-version store),
// generalized from namespace/workflow/run timer identity to the spec's
// executionId/seq model and carrying the two payload kinds spec.md
// names instead of a single fire-time-only Timer row.
package timer

import (
	"context"
	"errors"
	"time"

	"github.com/flowforge/engine/internal/types"
)

var (
	ErrServiceNotRunning = errors.New("timer service is not running")
	ErrScheduleNotFound  = errors.New("schedule not found")
	ErrOptimisticLock    = errors.New("optimistic lock conflict: version mismatch")
)

// PayloadKind distinguishes the two request shapes startTimer accepts
// (spec.md §4.5).
type PayloadKind int32

const (
	PayloadScheduleEvent PayloadKind = iota
	PayloadHeartbeatMonitor
)

// ScheduleStatus is the lifecycle of one Schedule row.
type ScheduleStatus int32

const (
	ScheduleStatusPending ScheduleStatus = iota
	ScheduleStatusFired
	ScheduleStatusCanceled
)

// Schedule is one Timer Schedule store row (spec.md §3 "Timer Schedule").
type Schedule struct {
	ID          string
	ExecutionID types.ExecutionID
	ShardID     int32
	DueAt       time.Time
	Kind        PayloadKind

	// Set when Kind == PayloadScheduleEvent: the result event to submit
	// to ExecutionID's Execution Queue on fire.
	Event *types.HistoryEvent

	// Set when Kind == PayloadHeartbeatMonitor: the seq of the task
	// claim being monitored, the configured window, and the last
	// recorded heartbeat (defaults to CreatedAt).
	Seq              int64
	HeartbeatTimeout time.Duration
	LastHeartbeat    time.Time

	Status    ScheduleStatus
	Version   int64
	CreatedAt time.Time
	FiredAt   time.Time
}

// Store persists Timer Schedule rows.
type Store interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	// UpdateSchedule applies a CAS write: fails with ErrOptimisticLock
	// unless s.Version-1 matches the stored version.
	UpdateSchedule(ctx context.Context, s *Schedule) error
	CancelSchedule(ctx context.Context, id string) error
	// GetDueSchedules returns pending schedules for shardID due at or
	// before `before`, oldest first, capped at limit.
	GetDueSchedules(ctx context.Context, shardID int32, before time.Time, limit int) ([]*Schedule, error)
	RecordHeartbeat(ctx context.Context, id string, at time.Time) error
}
