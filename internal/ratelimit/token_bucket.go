// Package ratelimit throttles enqueue requests per requester.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether a requester may enqueue another job.
type Limiter interface {
	Allow(ctx context.Context, requester string) (Decision, error)
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client   redis.Scripter
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

type Option func(*TokenBucket)

// WithPrefix sets the Redis key prefix. Defaults to "clf:ratelimit:".
func WithPrefix(p string) Option { return func(b *TokenBucket) { b.prefix = p } }

func WithClock(now func() time.Time) Option { return func(b *TokenBucket) { b.now = now } }

// NewTokenBucket constructs a bucket with the provided capacity/refill. Idle
// buckets expire after the time needed to refill completely.
func NewTokenBucket(client redis.Scripter, capacity int, refillPerSecond float64, opts ...Option) *TokenBucket {
	b := &TokenBucket{
		client:   client,
		prefix:   "clf:ratelimit:",
		capacity: capacity,
		refill:   refillPerSecond,
		now:      time.Now,
	}
	if refillPerSecond > 0 {
		b.ttl = time.Duration(float64(capacity)/refillPerSecond*float64(time.Second)) + time.Minute
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ Limiter = (*TokenBucket)(nil)

// Allow consumes a single token for requester if available.
func (b *TokenBucket) Allow(ctx context.Context, requester string) (Decision, error) {
	now := b.now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{b.prefix + requester}, b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	flag, _ := arr[0].(int64)
	d := Decision{Allowed: flag == 1, Remaining: toFloat(arr[1])}
	if !d.Allowed && b.refill > 0 {
		missing := 1 - d.Remaining
		d.RetryAfter = time.Duration(missing / b.refill * float64(time.Second))
		if d.RetryAfter < time.Second {
			d.RetryAfter = time.Second
		}
	}
	return d, nil
}

// Lua integer replies truncate fractional token counts, so the script
// returns the count as a string.
func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case float64:
		return t
	case string:
		var f float64
		if _, err := fmt.Sscanf(t, "%g", &f); err == nil {
			return f
		}
	}
	return 0
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
