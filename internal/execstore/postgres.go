package execstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowforge/engine/internal/types"
)

// PostgresStore is the durable Execution Store. Grounded on the
// teacher's PostgresMutableStateStore UPDATE ... WHERE db_version = $n
// pattern; here the optimistic condition is the status column itself
// (spec.md §5: "condition: status must be IN_PROGRESS") rather than a
// version counter, since Execution has no other field that changes
// concurrently.
//
// Expected schema:
//
//	CREATE TABLE executions (
//	  execution_id  text PRIMARY KEY,
//	  workflow_name text NOT NULL,
//	  input         bytea NOT NULL,
//	  input_hash    text NOT NULL,
//	  start_time    timestamptz NOT NULL,
//	  end_time      timestamptz,
//	  status        text NOT NULL,
//	  result        bytea,
//	  error         text NOT NULL DEFAULT '',
//	  message       text NOT NULL DEFAULT '',
//	  parent_execution_id text,
//	  parent_seq    bigint
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Create(ctx context.Context, exec *types.Execution) (*types.Execution, bool, error) {
	var parentID *string
	var parentSeq *int64
	if exec.Parent != nil {
		id := string(exec.Parent.ExecutionID)
		parentID, parentSeq = &id, &exec.Parent.Seq
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO executions (execution_id, workflow_name, input, input_hash, start_time, status, parent_execution_id, parent_seq)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (execution_id) DO NOTHING
	`, string(exec.ID), exec.WorkflowName, exec.Input, exec.InputHash, exec.StartTime, exec.Status.String(), parentID, parentSeq)
	if err != nil {
		return nil, false, fmt.Errorf("execstore: insert: %w", err)
	}
	inserted := tag.RowsAffected() == 1

	stored, err := s.Get(ctx, exec.ID)
	if err != nil {
		return nil, false, err
	}
	if !inserted && stored.InputHash != exec.InputHash {
		return nil, false, types.ErrAlreadyRunning
	}
	return stored, !inserted, nil
}

func (s *PostgresStore) Get(ctx context.Context, id types.ExecutionID) (*types.Execution, error) {
	var exec types.Execution
	var statusStr string
	var endTime *time.Time
	var parentID *string
	var parentSeq *int64
	exec.ID = id

	err := s.pool.QueryRow(ctx, `
		SELECT workflow_name, input, input_hash, start_time, end_time, status, result, error, message, parent_execution_id, parent_seq
		FROM executions WHERE execution_id = $1
	`, string(id)).Scan(&exec.WorkflowName, &exec.Input, &exec.InputHash, &exec.StartTime, &endTime, &statusStr, &exec.Result, &exec.Error, &exec.Message, &parentID, &parentSeq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrExecutionNotFound
		}
		return nil, fmt.Errorf("execstore: get: %w", err)
	}
	exec.Status = statusFromString(statusStr)
	if endTime != nil {
		exec.EndTime = *endTime
	}
	if parentID != nil {
		exec.Parent = &types.ParentRef{ExecutionID: *parentID}
		if parentSeq != nil {
			exec.Parent.Seq = *parentSeq
		}
	}
	return &exec, nil
}

func (s *PostgresStore) CompleteTerminal(ctx context.Context, id types.ExecutionID, status types.ExecutionStatus, endTime time.Time, result []byte, errID, message string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE executions
		SET status = $1, end_time = $2, result = $3, error = $4, message = $5
		WHERE execution_id = $6 AND status = $7
	`, status.String(), endTime, result, errID, message, string(id), types.ExecutionStatusInProgress.String())
	if err != nil {
		return fmt.Errorf("execstore: complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrOptimisticLock
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, filter ListFilter) ([]*types.Execution, error) {
	query := `SELECT execution_id, workflow_name, status FROM executions WHERE ($1 = '' OR status = $1) AND ($2 = '' OR workflow_name = $2) LIMIT $3`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	statusFilter := ""
	if filter.Status != types.ExecutionStatusUnspecified {
		statusFilter = filter.Status.String()
	}
	rows, err := s.pool.Query(ctx, query, statusFilter, filter.WorkflowName, limit)
	if err != nil {
		return nil, fmt.Errorf("execstore: list: %w", err)
	}
	defer rows.Close()

	var out []*types.Execution
	for rows.Next() {
		var id, name, statusStr string
		if err := rows.Scan(&id, &name, &statusStr); err != nil {
			return nil, fmt.Errorf("execstore: list scan: %w", err)
		}
		out = append(out, &types.Execution{ID: types.ExecutionID(id), WorkflowName: name, Status: statusFromString(statusStr)})
	}
	return out, rows.Err()
}

func statusFromString(s string) types.ExecutionStatus {
	switch s {
	case "IN_PROGRESS":
		return types.ExecutionStatusInProgress
	case "SUCCEEDED":
		return types.ExecutionStatusSucceeded
	case "FAILED":
		return types.ExecutionStatusFailed
	case "TIMED_OUT":
		return types.ExecutionStatusTimedOut
	default:
		return types.ExecutionStatusUnspecified
	}
}
