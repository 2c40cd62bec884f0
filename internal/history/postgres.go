package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowforge/engine/internal/types"
)

// PostgresStore is the durable History Store backed by Postgres via
// pgx. One row per event, keyed by (execution_id, event_key) where
// event_key = HistoryEvent.EventID() — the ON CONFLICT DO NOTHING on
// that pair is what gives spec.md §3's "history is a set under this
// identity" append idempotence for free, the way the teacher's
// PostgresEventStore treats a unique-violation on insert as success.
//
// Expected schema (created out of band by migrations, not by this
// package):
//
//	CREATE TABLE history_events (
//	  execution_id text NOT NULL,
//	  ord          bigserial,
//	  event_key    text NOT NULL,
//	  type         text NOT NULL,
//	  timestamp    timestamptz NOT NULL,
//	  id           text NOT NULL DEFAULT '',
//	  seq          bigint NOT NULL DEFAULT -1,
//	  has_seq      boolean NOT NULL DEFAULT false,
//	  attributes   jsonb NOT NULL,
//	  PRIMARY KEY (execution_id, event_key)
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) AppendEvents(ctx context.Context, executionID types.ExecutionID, events []*types.HistoryEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("history: begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, ev := range events {
		attrs, err := json.Marshal(ev.Attributes)
		if err != nil {
			return fmt.Errorf("history: marshal attributes for %s: %w", ev.EventID(), err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO history_events (execution_id, event_key, type, timestamp, id, seq, has_seq, attributes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (execution_id, event_key) DO NOTHING
		`, string(executionID), ev.EventID(), ev.Type.String(), ev.Timestamp, ev.ID, ev.Seq, ev.HasSeq, attrs)
		if err != nil {
			return fmt.Errorf("history: insert event %s: %w", ev.EventID(), err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("history: commit append: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetHistory(ctx context.Context, executionID types.ExecutionID) ([]*types.HistoryEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT type, timestamp, id, seq, has_seq, attributes
		FROM history_events
		WHERE execution_id = $1
		ORDER BY ord ASC
	`, string(executionID))
	if err != nil {
		return nil, fmt.Errorf("history: query: %w", err)
	}
	defer rows.Close()

	var out []*types.HistoryEvent
	for rows.Next() {
		var typeName, id string
		var ts time.Time
		var seq int64
		var hasSeq bool
		var raw json.RawMessage
		if err := rows.Scan(&typeName, &ts, &id, &seq, &hasSeq, &raw); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		t, ok := eventTypeByName[typeName]
		if !ok {
			return nil, fmt.Errorf("history: unknown event type %q", typeName)
		}
		attrs, err := decodeAttributes(t, raw)
		if err != nil {
			return nil, fmt.Errorf("history: decode attributes: %w", err)
		}
		out = append(out, &types.HistoryEvent{Type: t, Timestamp: ts, ID: id, Seq: seq, HasSeq: hasSeq, Attributes: attrs})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: row iteration: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) EventCount(ctx context.Context, executionID types.ExecutionID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM history_events WHERE execution_id = $1`, string(executionID)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("history: count: %w", err)
	}
	return n, nil
}
