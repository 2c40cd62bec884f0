// Package bootstrap holds the store/queue construction shared by every
// cmd/ entrypoint: picking Memory vs. Postgres vs. Redis backends from a
// flag value, and opening the underlying pgx pool / redis client once so
// each process's stores share a single connection pool.
package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/flowforge/engine/internal/equeue"
	"github.com/flowforge/engine/internal/execstore"
	"github.com/flowforge/engine/internal/history"
	"github.com/flowforge/engine/internal/router"
	"github.com/flowforge/engine/internal/taskworker"
	"github.com/flowforge/engine/internal/timer"
	"github.com/flowforge/engine/internal/txn"
)

// SplitPartitions parses a comma-separated -partitions flag value,
// trimming blanks so "a, b" and "a,b" behave the same.
func SplitPartitions(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// OpenPostgres opens a pgx connection pool. Callers that never select a
// Postgres-backed store don't need to call this at all.
func OpenPostgres(ctx context.Context, url string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("bootstrap: ping postgres: %w", err)
	}
	return pool, nil
}

// NewRedisClient constructs a redis client; it does not eagerly ping,
// matching go-redis's own lazy-dial convention.
func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

// HistoryStore picks the History Store backend named by backend
// ("memory" or "postgres").
func HistoryStore(backend string, pool *pgxpool.Pool) (history.Store, error) {
	switch backend {
	case "", "memory":
		return history.NewMemoryStore(), nil
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("bootstrap: history store backend %q requires -db-url", backend)
		}
		return history.NewPostgresStore(pool), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown history store backend %q", backend)
	}
}

// ExecutionStore picks the Execution Store backend named by backend.
func ExecutionStore(backend string, pool *pgxpool.Pool) (execstore.Store, error) {
	switch backend {
	case "", "memory":
		return execstore.NewMemoryStore(), nil
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("bootstrap: execution store backend %q requires -db-url", backend)
		}
		return execstore.NewPostgresStore(pool), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown execution store backend %q", backend)
	}
}

// TimerStore picks the Timer Schedule store backend named by backend.
// SPEC_FULL.md §6.2 reserves Redis (sorted-set ZADD) for the long tier
// and keeps Postgres as the alternative durable option; both satisfy
// timer.Store identically from the Service's point of view. client is
// only consulted for the redis backend.
func TimerStore(backend string, pool *pgxpool.Pool, client *redis.Client) (timer.Store, error) {
	switch backend {
	case "", "memory":
		return timer.NewMemoryStore(), nil
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("bootstrap: timer store backend %q requires -db-url", backend)
		}
		return timer.NewPostgresStore(pool), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("bootstrap: timer store backend %q requires -redis-addr", backend)
		}
		return timer.NewRedisStore(client, "schedules"), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown timer store backend %q", backend)
	}
}

// Journal picks the Event Journal backend named by backend.
func Journal(backend string, pool *pgxpool.Pool) (router.Journal, error) {
	switch backend {
	case "", "memory":
		return router.NewMemoryJournal(), nil
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("bootstrap: journal backend %q requires -db-url", backend)
		}
		return router.NewPostgresJournal(pool), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown journal backend %q", backend)
	}
}

// EntityStoreBackend is the method set both txn.MemoryEntityStore and
// txn.PostgresEntityStore satisfy: txn.EntityStore's Get/CommitWrite for
// the Transaction Executor's conditional commit, plus Do for
// command.EntityStore's ad-hoc, non-transactional EntityOp handling. One
// instance backs both callers.
type EntityStoreBackend interface {
	Get(ctx context.Context, key string) ([]byte, int64, error)
	CommitWrite(ctx context.Context, reads map[string]int64, writes map[string][]byte, deletes []string) error
	Do(ctx context.Context, op, key string, value []byte) ([]byte, error)
}

// EntityStore picks the Transaction Executor's Entity Store backend
// named by backend.
func EntityStore(backend string, pool *pgxpool.Pool) (EntityStoreBackend, error) {
	switch backend {
	case "", "memory":
		return txn.NewMemoryEntityStore(), nil
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("bootstrap: entity store backend %q requires -db-url", backend)
		}
		return txn.NewPostgresEntityStore(pool), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown entity store backend %q", backend)
	}
}

// ClaimStore picks the Task Claim table backend named by backend. ttl is
// only used by the redis backend (see taskworker.NewRedisClaimStore).
func ClaimStore(backend string, client *redis.Client, ttl time.Duration) (taskworker.ClaimStore, error) {
	switch backend {
	case "", "memory":
		return taskworker.NewMemoryClaimStore(), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("bootstrap: claim store backend %q requires -redis-addr", backend)
		}
		return taskworker.NewRedisClaimStore(client, ttl), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown claim store backend %q", backend)
	}
}

// Queue picks the Execution Queue / task dispatch queue backend named by
// backend. namespace distinguishes the two queues sharing one Redis
// instance (e.g. "exec" vs. "tasks") so their keys never collide.
func Queue(backend string, client *redis.Client, namespace string, partitions []string) (equeue.Queue, error) {
	switch backend {
	case "", "memory":
		return equeue.NewMemoryQueue(), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("bootstrap: queue backend %q requires -redis-addr", backend)
		}
		if len(partitions) == 0 {
			partitions = []string{"0"}
		}
		return equeue.NewRedisQueue(client, namespace, partitions), nil
	default:
		return nil, fmt.Errorf("bootstrap: unknown queue backend %q", backend)
	}
}
