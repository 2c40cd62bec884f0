package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowforge/engine/internal/types"
)

// Journal records the durable event journal (spec.md §6: "Event journal
// record: {pk=executionId, sk=timestamp#eventId, payload}"), the
// append-only audit trail every event passes through independent of the
// compacted per-execution History Store. Implements
// internal/orchestrator's local EventJournal interface.
type Journal interface {
	Append(ctx context.Context, executionID types.ExecutionID, events []*types.HistoryEvent) error
}

// MemoryJournal is an in-process Journal, used by tests and single-node
// deployments.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[types.ExecutionID][]*types.HistoryEvent
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[types.ExecutionID][]*types.HistoryEvent)}
}

func (j *MemoryJournal) Append(_ context.Context, executionID types.ExecutionID, events []*types.HistoryEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[executionID] = append(j.entries[executionID], events...)
	return nil
}

// Entries returns a copy of everything journaled for executionID, for
// operator inspection and tests.
func (j *MemoryJournal) Entries(executionID types.ExecutionID) []*types.HistoryEvent {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]*types.HistoryEvent, len(j.entries[executionID]))
	copy(out, j.entries[executionID])
	return out
}

// PostgresJournal is the durable Journal, appended through the same
// Postgres pool as the Execution Store (SPEC_FULL.md §6.2): one row per
// (executionId, timestamp, eventId), unlike the History Store's
// compacted-by-identity table this is a plain insert-only log and never
// deduplicates — a replayed event and its original both get a row,
// since the journal's job is audit, not replay state.
//
// Expected schema (created out of band by migrations, not by this
// package):
//
//	CREATE TABLE event_journal (
//	  execution_id text NOT NULL,
//	  ord          bigserial PRIMARY KEY,
//	  event_key    text NOT NULL,
//	  type         text NOT NULL,
//	  timestamp    timestamptz NOT NULL,
//	  attributes   jsonb NOT NULL
//	);
type PostgresJournal struct {
	pool *pgxpool.Pool
}

func NewPostgresJournal(pool *pgxpool.Pool) *PostgresJournal {
	return &PostgresJournal{pool: pool}
}

func (j *PostgresJournal) Append(ctx context.Context, executionID types.ExecutionID, events []*types.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := j.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("router: begin journal append: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, ev := range events {
		attrs, err := json.Marshal(ev.Attributes)
		if err != nil {
			return fmt.Errorf("router: marshal journal attributes for %s: %w", ev.EventID(), err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO event_journal (execution_id, event_key, type, timestamp, attributes)
			VALUES ($1, $2, $3, $4, $5)
		`, string(executionID), ev.EventID(), ev.Type.String(), ev.Timestamp, attrs)
		if err != nil {
			return fmt.Errorf("router: insert journal row %s: %w", ev.EventID(), err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("router: commit journal append: %w", err)
	}
	return nil
}
