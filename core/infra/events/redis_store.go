package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cordum/remotecache/core/infra/backend"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps one sorted set per (scope, hash) scored by event time in
// microseconds. Entries older than the retention window are invisible to
// Latest and trimmed on the next write; the key itself expires with its
// newest event.
type RedisStore struct {
	client    redis.UniversalClient
	retention time.Duration
	now       func() time.Time
}

type redisEvent struct {
	ID string `json:"id"`
	CacheEvent
}

// NewRedisStore constructs an event store backed by Redis.
func NewRedisStore(client redis.UniversalClient, retention time.Duration) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	if retention <= 0 {
		return nil, errors.New("retention must be positive")
	}
	return &RedisStore{client: client, retention: retention, now: time.Now}, nil
}

func (s *RedisStore) Record(ctx context.Context, scope string, events []CacheEvent) error {
	if len(events) == 0 {
		return nil
	}
	now := s.now()
	cutoff := "(" + strconv.FormatInt(now.Add(-s.retention).UnixMicro(), 10)
	pipe := s.client.TxPipeline()
	touched := make(map[string]struct{}, len(events))
	for i := range events {
		at := batchTime(now, i)
		stamp(&events[i], scope, at, s.retention)
		payload, err := json.Marshal(redisEvent{ID: uuid.NewString(), CacheEvent: events[i]})
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		key := eventsKey(scope, events[i].Hash)
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMicro()), Member: payload})
		touched[key] = struct{}{}
	}
	for key := range touched {
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		pipe.Expire(ctx, key, s.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return classifyRedis("record", err)
	}
	return nil
}

func (s *RedisStore) Latest(ctx context.Context, scope, hash string) (*CacheEvent, error) {
	floor := "(" + strconv.FormatInt(s.now().Add(-s.retention).UnixMicro(), 10)
	members, err := s.client.ZRevRangeByScore(ctx, eventsKey(scope, hash), &redis.ZRangeBy{
		Max:   "+inf",
		Min:   floor,
		Count: 1,
	}).Result()
	if err != nil {
		return nil, classifyRedis("latest", err)
	}
	if len(members) == 0 {
		return nil, backend.ErrNotFound
	}
	var ev redisEvent
	if err := json.Unmarshal([]byte(members[0]), &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev.CacheEvent, nil
}

func classifyRedis(op string, err error) error {
	if backend.IsUnavailable(err) {
		return backend.Unavailable("redis "+op, err)
	}
	return fmt.Errorf("redis %s: %w", op, err)
}

func eventsKey(scope, hash string) string {
	return "events:" + scope + ":" + hash
}
