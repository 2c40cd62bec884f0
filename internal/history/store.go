// Package history implements the History Store (spec.md §2, §4 "History
// Store (iface)"): an append-only per-execution event log with NDJSON
// blob encoding. Grounded on the teacher's internal/history/store
// package (EventStore interface, Memory/Postgres implementations),
// adapted from the teacher's {namespace,workflowId,runId} triple key to
// this spec's single ExecutionID.
package history

import (
	"context"

	"github.com/flowforge/engine/internal/types"
)

// Store is the History Store interface: append-only, replay-ordered,
// per execution.
type Store interface {
	// AppendEvents appends events in order. Idempotent per spec.md §3's
	// event-id identity: appending an event whose EventID() already
	// exists in the log is a no-op.
	AppendEvents(ctx context.Context, executionID types.ExecutionID, events []*types.HistoryEvent) error
	// GetHistory returns the full ordered event log for an execution.
	GetHistory(ctx context.Context, executionID types.ExecutionID) ([]*types.HistoryEvent, error)
	// EventCount reports the log length, used by pagination callers.
	EventCount(ctx context.Context, executionID types.ExecutionID) (int, error)
}

// dedupeAppend filters out events whose EventID() already exists in
// existing, preserving order of the new events that remain.
func dedupeAppend(existing []*types.HistoryEvent, add []*types.HistoryEvent) []*types.HistoryEvent {
	seen := make(map[string]bool, len(existing))
	for _, ev := range existing {
		seen[ev.EventID()] = true
	}
	out := make([]*types.HistoryEvent, 0, len(add))
	for _, ev := range add {
		id := ev.EventID()
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, ev)
	}
	return out
}
