package quota

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryStore keeps per-key event timestamps in memory. Suitable for a
// single process; multi-instance deployments use RedisStore.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string][]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]time.Time)}
}

func (s *MemoryStore) Record(_ context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.trimLocked(key, window, now)
	kept = append(kept, now)
	s.events[key] = kept
	return int64(len(kept)), nil
}

func (s *MemoryStore) Count(_ context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.trimLocked(key, window, now)
	s.events[key] = kept
	return int64(len(kept)), nil
}

func (s *MemoryStore) trimLocked(key string, window time.Duration, now time.Time) []time.Time {
	cutoff := now.Add(-window)
	events := s.events[key]
	idx := 0
	for idx < len(events) && !events[idx].After(cutoff) {
		idx++
	}
	return events[idx:]
}

// RedisStore implements the sliding window on a sorted set scored by unix
// nanos, so all bot instances share one budget per platform.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Record(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	cutoff := strconv.FormatInt(now.Add(-window).UnixNano(), 10)
	member := strconv.FormatInt(now.UnixNano(), 10) + ":" + strconv.FormatInt(int64(now.Nanosecond()), 10)

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("quota record pipeline: %w", err)
	}
	return card.Val(), nil
}

func (s *RedisStore) Count(ctx context.Context, key string, window time.Duration, now time.Time) (int64, error) {
	cutoff := strconv.FormatInt(now.Add(-window).UnixNano(), 10)
	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("quota count pipeline: %w", err)
	}
	return card.Val(), nil
}
