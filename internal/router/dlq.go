package router

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DeadLetterEntry is one envelope that exhausted its subscription's retry
// budget (spec.md §4.6: "routing terminal failures to a dead-letter
// sink"). Grounded on the teacher's matching/engine/dlq.go DLQEntry.
type DeadLetterEntry struct {
	SubscriptionID string
	EventName      string
	Payload        []byte
	Attempts       int32
	FailedAt       time.Time
	LastError      string
}

// DeadLetterQueue holds envelopes that exhausted delivery retries.
// Adapted directly from the teacher's matching/engine.DeadLetterQueue:
// same bounded-slice-plus-mutex shape, generalized from *Task entries to
// event envelopes.
type DeadLetterQueue struct {
	mu      sync.Mutex
	entries []*DeadLetterEntry
	maxSize int
	logger  *slog.Logger
}

func NewDeadLetterQueue(maxSize int, logger *slog.Logger) *DeadLetterQueue {
	if logger == nil {
		logger = slog.Default()
	}
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &DeadLetterQueue{maxSize: maxSize, logger: logger}
}

func (q *DeadLetterQueue) Add(entry *DeadLetterEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) >= q.maxSize {
		return fmt.Errorf("router: dead letter queue is full (max %d)", q.maxSize)
	}
	q.entries = append(q.entries, entry)
	q.logger.Warn("event moved to dead letter queue",
		slog.String("subscription_id", entry.SubscriptionID),
		slog.String("event", entry.EventName),
		slog.Int("attempts", int(entry.Attempts)),
		slog.String("error", entry.LastError),
	)
	return nil
}

func (q *DeadLetterQueue) List() []*DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*DeadLetterEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *DeadLetterQueue) Purge() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	q.entries = nil
	return n
}
