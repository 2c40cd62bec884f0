package txn

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresEntityStore is the durable Entity Store (SPEC_FULL.md §6.2:
// "Postgres-backed, conditional multi-row UPDATE ... WHERE version = $1
// per written key"), grounded on the same CAS-on-version pattern as
// internal/execstore's and internal/timer's Postgres stores.
//
// Expected schema (created out of band by migrations, not by this
// package):
//
//	CREATE TABLE entities (
//	  key     text PRIMARY KEY,
//	  value   bytea NOT NULL,
//	  version bigint NOT NULL DEFAULT 0
//	);
type PostgresEntityStore struct {
	pool *pgxpool.Pool
}

func NewPostgresEntityStore(pool *pgxpool.Pool) *PostgresEntityStore {
	return &PostgresEntityStore{pool: pool}
}

func (s *PostgresEntityStore) Get(ctx context.Context, key string) ([]byte, int64, error) {
	var value []byte
	var version int64
	err := s.pool.QueryRow(ctx, `SELECT value, version FROM entities WHERE key = $1`, key).Scan(&value, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, ErrEntityNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("txn: get entity %q: %w", key, err)
	}
	return value, version, nil
}

// CommitWrite mirrors MemoryEntityStore.CommitWrite's all-or-nothing
// semantics inside one transaction: every read key is re-asserted at its
// observed version, every write and delete conditioned on its observed
// version if it was also read, and any mismatch rolls the whole
// transaction back as ErrVersionConflict.
func (s *PostgresEntityStore) CommitWrite(ctx context.Context, reads map[string]int64, writes map[string][]byte, deletes []string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("txn: begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	for key, observed := range reads {
		current, err := currentVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != observed {
			return ErrVersionConflict
		}
	}

	for key, value := range writes {
		if observed, ok := reads[key]; ok {
			tag, err := tx.Exec(ctx, `
				INSERT INTO entities (key, value, version) VALUES ($1, $2, 1)
				ON CONFLICT (key) DO UPDATE SET value = $2, version = entities.version + 1
				WHERE entities.version = $3
			`, key, value, observed)
			if err != nil {
				return fmt.Errorf("txn: conditional write %q: %w", key, err)
			}
			if observed > 0 && tag.RowsAffected() == 0 {
				return ErrVersionConflict
			}
			continue
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO entities (key, value, version) VALUES ($1, $2, 1)
			ON CONFLICT (key) DO UPDATE SET value = $2, version = entities.version + 1
		`, key, value)
		if err != nil {
			return fmt.Errorf("txn: write %q: %w", key, err)
		}
	}

	for _, key := range deletes {
		if observed, ok := reads[key]; ok {
			tag, err := tx.Exec(ctx, `DELETE FROM entities WHERE key = $1 AND version = $2`, key, observed)
			if err != nil {
				return fmt.Errorf("txn: conditional delete %q: %w", key, err)
			}
			if tag.RowsAffected() == 0 {
				if _, err := currentVersion(ctx, tx, key); err == nil {
					return ErrVersionConflict
				}
			}
			continue
		}
		if _, err := tx.Exec(ctx, `DELETE FROM entities WHERE key = $1`, key); err != nil {
			return fmt.Errorf("txn: delete %q: %w", key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("txn: commit: %w", err)
	}
	return nil
}

func currentVersion(ctx context.Context, tx pgx.Tx, key string) (int64, error) {
	var version int64
	err := tx.QueryRow(ctx, `SELECT version FROM entities WHERE key = $1`, key).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("txn: read version %q: %w", key, err)
	}
	return version, nil
}

// Do implements command.EntityStore for ad-hoc, non-transactional
// get/set/delete, bypassing the version check entirely like
// MemoryEntityStore.Do.
func (s *PostgresEntityStore) Do(ctx context.Context, op, key string, value []byte) ([]byte, error) {
	switch op {
	case "get":
		v, _, err := s.Get(ctx, key)
		return v, err
	case "set", "put":
		_, err := s.pool.Exec(ctx, `
			INSERT INTO entities (key, value, version) VALUES ($1, $2, 1)
			ON CONFLICT (key) DO UPDATE SET value = $2, version = entities.version + 1
		`, key, value)
		if err != nil {
			return nil, fmt.Errorf("txn: set entity %q: %w", key, err)
		}
		return nil, nil
	case "delete":
		if _, err := s.pool.Exec(ctx, `DELETE FROM entities WHERE key = $1`, key); err != nil {
			return nil, fmt.Errorf("txn: delete entity %q: %w", key, err)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("txn: unsupported entity op %q", op)
	}
}
