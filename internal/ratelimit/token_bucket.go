// Package ratelimit throttles render submissions per tenant with a token
// bucket kept in Redis, so every API process shares one budget.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "render:ratelimit:"

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Remaining float64
	// RetryAfter is how long until the next token, zero when allowed.
	RetryAfter time.Duration
}

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client   redis.Cmdable
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client redis.Cmdable, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Allow takes one token from the tenant's bucket if one is available.
func (b *TokenBucket) Allow(ctx context.Context, tenant string) (Decision, error) {
	nowMs := b.now().UnixMilli()
	reply, err := takeToken.Run(ctx, b.client, []string{keyPrefix + tenant},
		b.capacity, b.refill, nowMs, b.ttl.Milliseconds()).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit %s: %w", tenant, err)
	}
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("rate limit %s: unexpected script reply %v", tenant, reply)
	}
	granted, _ := reply[0].(int64)
	waitMs, _ := reply[2].(int64)
	return Decision{
		Allowed:    granted == 1,
		Remaining:  parseTokens(reply[1]),
		RetryAfter: time.Duration(waitMs) * time.Millisecond,
	}, nil
}

// Lua numbers come back from Redis truncated to integers, so the script
// returns the fractional token count as a string.
func parseTokens(v interface{}) float64 {
	switch n := v.(type) {
	case int64:
		return float64(n)
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
	}
	return 0
}

// takeToken refills the bucket for the time elapsed since its last use, then
// tries to take one token. Reply: {granted, tokens left, ms until next token}.
var takeToken = redis.NewScript(`
local cap = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or cap
local ts = tonumber(state[2]) or now_ms
if now_ms > ts then
  tokens = math.min(cap, tokens + (now_ms - ts) * rate / 1000)
end

local granted = 0
local wait_ms = 0
if tokens >= 1 then
  granted = 1
  tokens = tokens - 1
elseif rate > 0 then
  wait_ms = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', now_ms)
if ttl_ms > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl_ms)
end
return {granted, tostring(tokens), wait_ms}
`)
