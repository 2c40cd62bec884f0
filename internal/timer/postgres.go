package timer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowforge/engine/internal/history"
	"github.com/flowforge/engine/internal/types"
)

// PostgresStore is the durable tier for long timers. Grounded on the
// teacher's timer/store/postgres.go CAS-on-version UPDATE pattern.
//
// Expected schema:
//
//	CREATE TABLE timer_schedules (
//	  id                 text PRIMARY KEY,
//	  execution_id       text NOT NULL,
//	  shard_id           int NOT NULL,
//	  due_at             timestamptz NOT NULL,
//	  kind               smallint NOT NULL,
//	  event              bytea,
//	  seq                bigint,
//	  heartbeat_timeout_ns bigint,
//	  last_heartbeat     timestamptz,
//	  status             smallint NOT NULL,
//	  version            bigint NOT NULL,
//	  created_at         timestamptz NOT NULL,
//	  fired_at           timestamptz
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateSchedule(ctx context.Context, sc *Schedule) error {
	var eventBlob []byte
	if sc.Event != nil {
		var err error
		eventBlob, err = history.EncodeEvent(sc.Event)
		if err != nil {
			return fmt.Errorf("timer: encode event: %w", err)
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO timer_schedules (id, execution_id, shard_id, due_at, kind, event, seq, heartbeat_timeout_ns, last_heartbeat, status, version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, sc.ID, string(sc.ExecutionID), sc.ShardID, sc.DueAt, int16(sc.Kind), eventBlob, sc.Seq, sc.HeartbeatTimeout.Nanoseconds(), nullTime(sc.LastHeartbeat), int16(sc.Status), sc.Version, sc.CreatedAt)
	if err != nil {
		return fmt.Errorf("timer: create schedule: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	sc, err := scanScheduleRows(s.pool.QueryRow(ctx, `
		SELECT id, execution_id, shard_id, due_at, kind, event, seq, heartbeat_timeout_ns, last_heartbeat, status, version, created_at, fired_at
		FROM timer_schedules WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, fmt.Errorf("timer: get schedule: %w", err)
	}
	return sc, nil
}

func (s *PostgresStore) UpdateSchedule(ctx context.Context, sc *Schedule) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE timer_schedules
		SET due_at = $1, status = $2, version = $3, last_heartbeat = $4, fired_at = $5
		WHERE id = $6 AND version = $7
	`, sc.DueAt, int16(sc.Status), sc.Version, nullTime(sc.LastHeartbeat), nullTime(sc.FiredAt), sc.ID, sc.Version-1)
	if err != nil {
		return fmt.Errorf("timer: update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOptimisticLock
	}
	return nil
}

func (s *PostgresStore) CancelSchedule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM timer_schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("timer: cancel schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (s *PostgresStore) GetDueSchedules(ctx context.Context, shardID int32, before time.Time, limit int) ([]*Schedule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, execution_id, shard_id, due_at, kind, event, seq, heartbeat_timeout_ns, last_heartbeat, status, version, created_at, fired_at
		FROM timer_schedules
		WHERE shard_id = $1 AND status = $2 AND due_at <= $3
		ORDER BY due_at ASC
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	`, shardID, int16(ScheduleStatusPending), before, limit)
	if err != nil {
		return nil, fmt.Errorf("timer: get due schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanScheduleRows(rows)
		if err != nil {
			return nil, fmt.Errorf("timer: scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordHeartbeat(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE timer_schedules SET last_heartbeat = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("timer: record heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScheduleRows(row rowScanner) (*Schedule, error) {
	var sc Schedule
	var executionID string
	var kind, status int16
	var eventBlob []byte
	var heartbeatNs int64
	var lastHeartbeat, firedAt *time.Time

	if err := row.Scan(&sc.ID, &executionID, &sc.ShardID, &sc.DueAt, &kind, &eventBlob, &sc.Seq, &heartbeatNs, &lastHeartbeat, &status, &sc.Version, &sc.CreatedAt, &firedAt); err != nil {
		return nil, err
	}
	sc.ExecutionID = types.ExecutionID(executionID)
	sc.Kind = PayloadKind(kind)
	sc.Status = ScheduleStatus(status)
	sc.HeartbeatTimeout = time.Duration(heartbeatNs)
	if lastHeartbeat != nil {
		sc.LastHeartbeat = *lastHeartbeat
	}
	if firedAt != nil {
		sc.FiredAt = *firedAt
	}
	if len(eventBlob) > 0 {
		ev, err := history.DecodeEvent(eventBlob)
		if err != nil {
			return nil, fmt.Errorf("decode schedule event: %w", err)
		}
		sc.Event = ev
	}
	return &sc, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
