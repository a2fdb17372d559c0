package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLimiter shares fixed-window counters across every server process through Redis
type RedisLimiter struct {
	redis  *redis.Client
	config Config
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter; keys are stored as <prefix>:<key>
func NewRedisLimiter(client *redis.Client, cfg Config, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &RedisLimiter{redis: client, config: cfg, prefix: prefix}
}

func (rl *RedisLimiter) key(key string) string {
	return fmt.Sprintf("%s:%s", rl.prefix, key)
}

// windowScript increments the counter and opens the window in one atomic step, so a
// counter can never be left without an expiry. Returns {count, pttl}.
var windowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// Allow increments the window counter. The expiry is set only when the window opens, so a
// steady stream of attempts cannot keep extending it.
func (rl *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	window := rl.config.WindowDuration.Milliseconds()
	if window < 1 {
		window = 1
	}

	vals, err := windowScript.Run(ctx, rl.redis, []string{rl.key(key)}, window).Int64Slice()
	if err != nil {
		return failOpen(rl.config), fmt.Errorf("redis error: %w", err)
	}
	if len(vals) != 2 {
		return failOpen(rl.config), fmt.Errorf("redis error: unexpected window reply %v", vals)
	}

	return newResult(rl.config, vals[0], time.Duration(vals[1])*time.Millisecond), nil
}

// Reset clears the counter for key
func (rl *RedisLimiter) Reset(ctx context.Context, key string) error {
	return rl.redis.Del(ctx, rl.key(key)).Err()
}

// TTL returns the time until the key's window resets
func (rl *RedisLimiter) TTL(ctx context.Context, key string) (time.Duration, error) {
	return rl.redis.PTTL(ctx, rl.key(key)).Result()
}
