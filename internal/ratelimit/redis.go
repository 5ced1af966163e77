package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script implementing a sliding window
// counter over a sorted set.
// KEYS[1] = counter key
// ARGV[1] = current unix timestamp (nanoseconds)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max events per window)
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		-- Remove expired entries.
		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		-- Add current event with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

// RedisCounter is a Counter backed by a Redis sliding window, for
// deployments where several gateway replicas must share one budget.
//
// Redis errors admit the request; a failed limiter must never take the
// proxy down with it.
type RedisCounter struct {
	rdb *redis.Client
}

// NewRedisCounter wraps an existing Redis client. The caller owns the client
// lifecycle.
func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

func (c *RedisCounter) Allow(ctx context.Context, key string, limit Rate) bool {
	now := time.Now().UnixNano()
	window := limit.Period.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, c.rdb,
		[]string{"ratelimit:" + key},
		now, window, limit.Count,
	).Int()
	if err != nil {
		return true
	}
	return result == 1
}
