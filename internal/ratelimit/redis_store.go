package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// allowScript evicts, counts and conditionally appends in one round trip.
// Scores are unix microseconds.
var allowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local cutoff = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. cutoff)
if redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now, ARGV[5])
redis.call('PEXPIRE', key, ttl)
return 1
`)

// RedisStore keeps windows in redis sorted sets so several API instances
// share one limit. Keys expire after their window, so state stays ephemeral.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore creates a store over client
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Allow implements Store
func (s *RedisStore) Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, error) {
	ttl := window.Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	member := fmt.Sprintf("%d-%s", now.UnixMicro(), uuid.NewString())

	res, err := allowScript.Run(ctx, s.client, []string{redisKeyPrefix + key},
		now.UnixMicro(), now.Add(-window).UnixMicro(), limit, ttl, member,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis allow %s: %w", key, err)
	}
	return res == 1, nil
}

// Count implements Store
func (s *RedisStore) Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, time.Time, error) {
	lo := strconv.FormatInt(now.Add(-window).UnixMicro(), 10)

	var (
		countCmd  *redis.IntCmd
		oldestCmd *redis.ZSliceCmd
	)
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		countCmd = pipe.ZCount(ctx, redisKeyPrefix+key, lo, "+inf")
		oldestCmd = pipe.ZRangeByScoreWithScores(ctx, redisKeyPrefix+key, &redis.ZRangeBy{
			Min:   lo,
			Max:   "+inf",
			Count: 1,
		})
		return nil
	})
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis count %s: %w", key, err)
	}

	oldest := oldestCmd.Val()
	if len(oldest) == 0 {
		return 0, time.Time{}, nil
	}
	return int(countCmd.Val()), time.UnixMicro(int64(oldest[0].Score)), nil
}

// Sweep implements Store. Redis expires idle keys on its own.
func (s *RedisStore) Sweep(context.Context, time.Duration, time.Time) (int, error) {
	return 0, nil
}
