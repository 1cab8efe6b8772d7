package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the token bucket refill-and-consume atomically in
// Redis, so every node sees the same budget.
// KEYS[1] = bucket key, ARGV = rate (tokens/s), capacity, cost, now (s).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisLimiter is a distributed per-client token bucket for multi-node
// deployments.
type RedisLimiter struct {
	client *redis.Client
	rps    float64
	burst  int
}

// NewRedisLimiter creates a limiter over the Redis instance at url
// (redis:// DSN form).
func NewRedisLimiter(url string, rps float64, burst int) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("api: redis url: %w", err)
	}
	return &RedisLimiter{
		client: redis.NewClient(opts),
		rps:    rps,
		burst:  burst,
	}, nil
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, clientID string) (bool, error) {
	key := "arbiter:limiter:" + clientID
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, l.client, []string{key}, l.rps, l.burst, 1, now).Int64()
	if err != nil {
		return false, fmt.Errorf("api: redis limiter: %w", err)
	}
	return res == 1, nil
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
