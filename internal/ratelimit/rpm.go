// Package ratelimit budgets calls to the upstream product API with a Redis
// sliding window counter, so every replica sharing one set of API
// credentials draws from the same requests-per-minute allowance.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max calls per window)
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

		-- Add current call with a unique member (now + random suffix).
		local member = tostring(now) .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const keyPrefix = "pc:ratelimit:upstream:"

// RPMLimiter checks a requests-per-minute budget using a Redis sliding window.
type RPMLimiter struct {
	rdb      *redis.Client
	key      string
	rpmLimit int
}

// NewRPMLimiter creates a limiter allowing rpmLimit calls per minute for the
// budget named scope (typically the API client id). rpmLimit must be > 0;
// values ≤ 0 block every call.
func NewRPMLimiter(rdb *redis.Client, rpmLimit int, scope string) *RPMLimiter {
	if scope == "" {
		scope = "default"
	}
	return &RPMLimiter{rdb: rdb, key: keyPrefix + scope, rpmLimit: rpmLimit}
}

// Allow reports whether one more upstream call fits in the current window.
// It never returns an error: when Redis is unavailable the call is allowed.
func (r *RPMLimiter) Allow(ctx context.Context) (bool, error) {
	now := time.Now().UnixNano()
	window := time.Minute.Nanoseconds()

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{r.key},
		now, window, r.rpmLimit,
	).Int()
	if err != nil {
		// Redis unavailable: allow the call (graceful degradation).
		slog.Debug("ratelimit_degraded", slog.String("error", err.Error()))
		return true, nil
	}

	return result == 1, nil
}
