package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/ibkrgw/internal/domain"
)

// slidingWindowLua counts hits in a sorted set scored by microsecond
// timestamp. It returns {allowed, remaining}.
//
// KEYS[1] window key
// ARGV[1] now (µs), ARGV[2] window (µs), ARGV[3] limit, ARGV[4] member id
const slidingWindowLua = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
local ttl = math.ceil(window / 1000)

if count < limit then
    redis.call('ZADD', key, now, ARGV[4])
    redis.call('PEXPIRE', key, ttl)
    return {1, limit - count - 1}
end

redis.call('PEXPIRE', key, ttl)
return {0, 0}
`

// RateLimiter implements domain.RateLimiter with a shared sliding window, so
// the limit holds across every replica behind a load balancer.
type RateLimiter struct {
	client *Client
	script *redis.Script
	now    func() time.Time
}

// NewRateLimiter creates a RateLimiter backed by the given Client.
func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{
		client: c,
		script: redis.NewScript(slidingWindowLua),
		now:    time.Now,
	}
}

// Allow records one hit for key and reports whether it fits within limit
// hits per window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	result, err := rl.script.Run(
		ctx,
		rl.client.rdb,
		[]string{rl.client.Key("ratelimit", key)},
		rl.now().UnixMicro(),
		window.Microseconds(),
		limit,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("redis: rate limit %s: %w", key, err)
	}
	if len(result) < 2 {
		return false, fmt.Errorf("redis: rate limit %s: unexpected result length %d", key, len(result))
	}
	return result[0] == 1, nil
}

var _ domain.RateLimiter = (*RateLimiter)(nil)
