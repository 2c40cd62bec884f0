package equeue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowforge/engine/internal/history"
	"github.com/flowforge/engine/internal/types"
)

// RedisQueue is the durable, horizontally-partitioned Execution Queue.
// Grounded on the teacher's RedisTaskStore LMOVE pattern (atomic
// move-to-processing for crash-safe redelivery); generalized two ways:
//
//   - each partition gets its own ready-list key, and executionIds are
//     routed to partitions with a Partitioner (spec.md §5 "partitioned
//     by executionId for horizontal scaling");
//   - delivery is per-execution, not per-message: each execution gets
//     its own buffer list plus an in-flight marker key, so a second
//     Enqueue while a batch is in flight is merged into the buffer
//     rather than delivered as a second concurrent task.
type RedisQueue struct {
	client      *redis.Client
	partitioner *Partitioner
	namespace   string
}

func NewRedisQueue(client *redis.Client, namespace string, partitions []string) *RedisQueue {
	return &RedisQueue{
		client:      client,
		partitioner: NewPartitioner(partitions),
		namespace:   namespace,
	}
}

func (q *RedisQueue) readyKey(partition string) string {
	return fmt.Sprintf("equeue:%s:%s:ready", q.namespace, partition)
}

func (q *RedisQueue) processingKey(partition string) string {
	return fmt.Sprintf("equeue:%s:%s:processing", q.namespace, partition)
}

func (q *RedisQueue) bufferKey(executionID types.ExecutionID) string {
	return fmt.Sprintf("equeue:%s:buf:%s", q.namespace, executionID)
}

func (q *RedisQueue) inFlightKey(executionID types.ExecutionID) string {
	return fmt.Sprintf("equeue:%s:inflight:%s", q.namespace, executionID)
}

// readyMarkerKey guards against double-queuing: it is set exactly
// while executionID has an entry sitting in some partition's ready
// list, so a second Enqueue against an already-ready execution does
// not push a second entry that would later let two pollers claim the
// same execution concurrently.
func (q *RedisQueue) readyMarkerKey(executionID types.ExecutionID) string {
	return fmt.Sprintf("equeue:%s:readymark:%s", q.namespace, executionID)
}

// Enqueue appends events to the execution's buffer, marking it ready
// on the owning partition if nothing is currently in flight or
// already queued for it.
func (q *RedisQueue) Enqueue(ctx context.Context, executionID types.ExecutionID, events []*types.HistoryEvent) error {
	encoded := make([][]byte, len(events))
	for i, ev := range events {
		data, err := history.EncodeEvent(ev)
		if err != nil {
			return fmt.Errorf("equeue: marshal event: %w", err)
		}
		encoded[i] = data
	}

	partition := q.partitioner.PartitionFor(string(executionID))
	pipe := q.client.TxPipeline()
	for _, data := range encoded {
		pipe.RPush(ctx, q.bufferKey(executionID), data)
	}
	inFlight := pipe.Exists(ctx, q.inFlightKey(executionID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("equeue: enqueue: %w", err)
	}
	if inFlight.Val() != 0 {
		return nil
	}
	return q.markReady(ctx, partition, executionID)
}

// markReady pushes executionID onto partition's ready list, guarded by
// readyMarkerKey so concurrent callers only push once.
func (q *RedisQueue) markReady(ctx context.Context, partition string, executionID types.ExecutionID) error {
	set, err := q.client.SetNX(ctx, q.readyMarkerKey(executionID), "1", 0).Result()
	if err != nil {
		return fmt.Errorf("equeue: ready marker: %w", err)
	}
	if !set {
		return nil
	}
	if err := q.client.RPush(ctx, q.readyKey(partition), string(executionID)).Err(); err != nil {
		return fmt.Errorf("equeue: mark ready: %w", err)
	}
	return nil
}

// Poll moves the next ready executionId to the partition's processing
// list (crash-safe redelivery, per the teacher's LMOVE idiom), drains
// its buffer, and marks it in flight.
func (q *RedisQueue) Poll(ctx context.Context, partition string, timeout time.Duration) (*WorkflowTask, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	executionID, err := q.client.LMove(ctx, q.readyKey(partition), q.processingKey(partition), "LEFT", "RIGHT").Result()
	if err != nil {
		if err == redis.Nil {
			select {
			case <-time.After(timeout):
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return nil, fmt.Errorf("equeue: poll: %w", err)
	}

	id := types.ExecutionID(executionID)
	pipe := q.client.TxPipeline()
	lrange := pipe.LRange(ctx, q.bufferKey(id), 0, -1)
	pipe.Del(ctx, q.bufferKey(id))
	pipe.Set(ctx, q.inFlightKey(id), "1", 0)
	pipe.Del(ctx, q.readyMarkerKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("equeue: drain buffer: %w", err)
	}

	raw := lrange.Val()
	events := make([]*types.HistoryEvent, 0, len(raw))
	for _, item := range raw {
		ev, err := history.DecodeEvent([]byte(item))
		if err != nil {
			return nil, fmt.Errorf("equeue: unmarshal event: %w", err)
		}
		events = append(events, ev)
	}

	return &WorkflowTask{ExecutionID: id, Events: events}, nil
}

// Ack removes executionID from its partition's processing list and,
// if events arrived while it was in flight, re-marks it ready.
func (q *RedisQueue) Ack(ctx context.Context, executionID types.ExecutionID) error {
	partition := q.partitioner.PartitionFor(string(executionID))

	if err := q.client.Del(ctx, q.inFlightKey(executionID)).Err(); err != nil {
		return fmt.Errorf("equeue: ack clear inflight: %w", err)
	}
	if err := q.client.LRem(ctx, q.processingKey(partition), 1, string(executionID)).Err(); err != nil {
		return fmt.Errorf("equeue: ack remove from processing: %w", err)
	}

	pending, err := q.client.LLen(ctx, q.bufferKey(executionID)).Result()
	if err != nil {
		return fmt.Errorf("equeue: ack check buffer: %w", err)
	}
	if pending > 0 {
		return q.markReady(ctx, partition, executionID)
	}
	return nil
}
