package timer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowforge/engine/internal/history"
	"github.com/flowforge/engine/internal/types"
)

// RedisStore is the durable long tier for timers due further out than
// the in-process short tier tracks (spec.md §4.5, SPEC_FULL.md §6.2:
// "Redis sorted set, ZADD due time as score, for the long tier"). Each
// schedule is a JSON-encoded string value under its own key plus a
// membership in its shard's due-time sorted set; GetDueSchedules pulls
// members whose score (unix nanos) is at or before the query time.
//
// CAS on UpdateSchedule is implemented with Redis's WATCH/MULTI
// optimistic-transaction idiom over the schedule's key, mirroring
// the version-column check PostgresStore expresses in SQL.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

func NewRedisStore(client *redis.Client, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) scheduleKey(id string) string {
	return fmt.Sprintf("timer:%s:schedule:%s", s.namespace, id)
}

func (s *RedisStore) dueKey(shardID int32) string {
	return fmt.Sprintf("timer:%s:due:%d", s.namespace, shardID)
}

// scheduleRecord is the wire shape stored as each schedule's JSON
// value; events are encoded through history.EncodeEvent rather than
// plain JSON so the stored bytes match every other store's event
// encoding.
type scheduleRecord struct {
	ID               string
	ExecutionID      string
	ShardID          int32
	DueAt            time.Time
	Kind             PayloadKind
	Event            []byte
	Seq              int64
	HeartbeatTimeout time.Duration
	LastHeartbeat    time.Time
	Status           ScheduleStatus
	Version          int64
	CreatedAt        time.Time
	FiredAt          time.Time
}

func toRecord(sc *Schedule) (*scheduleRecord, error) {
	var eventBlob []byte
	if sc.Event != nil {
		var err error
		eventBlob, err = history.EncodeEvent(sc.Event)
		if err != nil {
			return nil, fmt.Errorf("timer: encode event: %w", err)
		}
	}
	return &scheduleRecord{
		ID:               sc.ID,
		ExecutionID:      string(sc.ExecutionID),
		ShardID:          sc.ShardID,
		DueAt:            sc.DueAt,
		Kind:             sc.Kind,
		Event:            eventBlob,
		Seq:              sc.Seq,
		HeartbeatTimeout: sc.HeartbeatTimeout,
		LastHeartbeat:    sc.LastHeartbeat,
		Status:           sc.Status,
		Version:          sc.Version,
		CreatedAt:        sc.CreatedAt,
		FiredAt:          sc.FiredAt,
	}, nil
}

func (r *scheduleRecord) toSchedule() (*Schedule, error) {
	sc := &Schedule{
		ID:               r.ID,
		ExecutionID:      types.ExecutionID(r.ExecutionID),
		ShardID:          r.ShardID,
		DueAt:            r.DueAt,
		Kind:             r.Kind,
		Seq:              r.Seq,
		HeartbeatTimeout: r.HeartbeatTimeout,
		LastHeartbeat:    r.LastHeartbeat,
		Status:           r.Status,
		Version:          r.Version,
		CreatedAt:        r.CreatedAt,
		FiredAt:          r.FiredAt,
	}
	if len(r.Event) > 0 {
		ev, err := history.DecodeEvent(r.Event)
		if err != nil {
			return nil, fmt.Errorf("timer: decode schedule event: %w", err)
		}
		sc.Event = ev
	}
	return sc, nil
}

func (s *RedisStore) CreateSchedule(ctx context.Context, sc *Schedule) error {
	rec, err := toRecord(sc)
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("timer: marshal schedule: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.scheduleKey(sc.ID), data, 0)
	if sc.Status == ScheduleStatusPending {
		pipe.ZAdd(ctx, s.dueKey(sc.ShardID), redis.Z{Score: float64(sc.DueAt.UnixNano()), Member: sc.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("timer: create schedule: %w", err)
	}
	return nil
}

func (s *RedisStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	data, err := s.client.Get(ctx, s.scheduleKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrScheduleNotFound
		}
		return nil, fmt.Errorf("timer: get schedule: %w", err)
	}
	var rec scheduleRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("timer: unmarshal schedule: %w", err)
	}
	return rec.toSchedule()
}

// UpdateSchedule applies sc's fields under a WATCH on the schedule's
// key: the transaction aborts with ErrOptimisticLock if another
// writer changed the stored version since the caller last read it.
func (s *RedisStore) UpdateSchedule(ctx context.Context, sc *Schedule) error {
	key := s.scheduleKey(sc.ID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return ErrScheduleNotFound
			}
			return err
		}
		var current scheduleRecord
		if err := json.Unmarshal(data, &current); err != nil {
			return fmt.Errorf("timer: unmarshal current schedule: %w", err)
		}
		if current.Version != sc.Version-1 {
			return ErrOptimisticLock
		}

		rec, err := toRecord(sc)
		if err != nil {
			return err
		}
		newData, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("timer: marshal schedule: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newData, 0)
			if current.ShardID == sc.ShardID {
				if sc.Status == ScheduleStatusPending {
					pipe.ZAdd(ctx, s.dueKey(sc.ShardID), redis.Z{Score: float64(sc.DueAt.UnixNano()), Member: sc.ID})
				} else {
					pipe.ZRem(ctx, s.dueKey(sc.ShardID), sc.ID)
				}
			} else {
				pipe.ZRem(ctx, s.dueKey(current.ShardID), sc.ID)
				if sc.Status == ScheduleStatusPending {
					pipe.ZAdd(ctx, s.dueKey(sc.ShardID), redis.Z{Score: float64(sc.DueAt.UnixNano()), Member: sc.ID})
				}
			}
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, key); err != nil {
		if err == ErrOptimisticLock || err == ErrScheduleNotFound {
			return err
		}
		return fmt.Errorf("timer: update schedule: %w", err)
	}
	return nil
}

func (s *RedisStore) CancelSchedule(ctx context.Context, id string) error {
	sc, err := s.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.scheduleKey(id))
	pipe.ZRem(ctx, s.dueKey(sc.ShardID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("timer: cancel schedule: %w", err)
	}
	return nil
}

func (s *RedisStore) GetDueSchedules(ctx context.Context, shardID int32, before time.Time, limit int) ([]*Schedule, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.dueKey(shardID), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", before.UnixNano()),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("timer: get due schedules: %w", err)
	}

	out := make([]*Schedule, 0, len(ids))
	for _, id := range ids {
		sc, err := s.GetSchedule(ctx, id)
		if err != nil {
			if err == ErrScheduleNotFound {
				// Raced with a concurrent cancel/update; drop and move on.
				continue
			}
			return nil, err
		}
		if sc.Status != ScheduleStatusPending {
			continue
		}
		out = append(out, sc)
	}
	return out, nil
}

func (s *RedisStore) RecordHeartbeat(ctx context.Context, id string, at time.Time) error {
	key := s.scheduleKey(id)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return ErrScheduleNotFound
			}
			return err
		}
		var rec scheduleRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("timer: unmarshal schedule: %w", err)
		}
		rec.LastHeartbeat = at
		newData, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("timer: marshal schedule: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newData, 0)
			return nil
		})
		return err
	}
	if err := s.client.Watch(ctx, txf, key); err != nil {
		if err == ErrScheduleNotFound {
			return err
		}
		return fmt.Errorf("timer: record heartbeat: %w", err)
	}
	return nil
}
