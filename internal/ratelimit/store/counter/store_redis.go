package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"quotaguard/internal/ratelimit/ports"
)

// slidingWindowScript prunes, counts and conditionally inserts in one server-side step.
// KEYS[1] = zset key; ARGV = nowMs, windowMs, limit, member.
// Returns {allowed, count, oldestMs}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	count = count + 1
	allowed = 1
end
if count > 0 then
	redis.call('PEXPIRE', key, window)
end

local oldest = 0
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
	oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

// incrementScript sets the TTL only on the increment that creates the key.
// KEYS[1] = counter key; ARGV[1] = ttlMs. Returns {count, pttl}.
var incrementScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 and tonumber(ARGV[1]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return {count, redis.call('PTTL', KEYS[1])}
`)

// RedisCounterStore implements ports.CounterStore on Redis.
type RedisCounterStore struct {
	client redis.UniversalClient
}

var _ ports.CounterStore = (*RedisCounterStore)(nil)

// NewRedisCounterStore creates a store over an existing client.
func NewRedisCounterStore(client redis.UniversalClient) (*RedisCounterStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisCounterStore{client: client}, nil
}

func (s *RedisCounterStore) SlidingWindowAdd(ctx context.Context, key string, nowMs, windowMs int64, limit int, member string) (ports.SlidingResult, error) {
	vals, err := slidingWindowScript.Run(ctx, s.client, []string{key}, nowMs, windowMs, limit, member).Int64Slice()
	if err != nil {
		return ports.SlidingResult{}, fmt.Errorf("sliding window add: %w", err)
	}
	if len(vals) != 3 {
		return ports.SlidingResult{}, fmt.Errorf("sliding window add: unexpected reply length %d", len(vals))
	}
	return ports.SlidingResult{
		Allowed:  vals[0] == 1,
		Count:    int(vals[1]),
		OldestMs: vals[2],
	}, nil
}

func (s *RedisCounterStore) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (ports.IncrementResult, error) {
	vals, err := incrementScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return ports.IncrementResult{}, fmt.Errorf("increment: %w", err)
	}
	if len(vals) != 2 {
		return ports.IncrementResult{}, fmt.Errorf("increment: unexpected reply length %d", len(vals))
	}
	res := ports.IncrementResult{Count: vals[0]}
	if vals[1] > 0 {
		res.TTL = time.Duration(vals[1]) * time.Millisecond
	}
	return res, nil
}

func (s *RedisCounterStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("set if absent: %w", err)
	}
	return ok, nil
}

func (s *RedisCounterStore) GetMany(ctx context.Context, keys ...string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("get many: %w", err)
	}
	out := make([]string, len(keys))
	for i, v := range vals {
		if str, ok := v.(string); ok {
			out[i] = str
		}
	}
	return out, nil
}

func (s *RedisCounterStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
