package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript prunes, checks and appends in one atomic step.
// KEYS[1] bucket key; ARGV: now (ms), window (ms), max, member.
// Returns {allowed, count, oldest_ms}.
var slidingWindowScript = redis.NewScript(`
local key    = KEYS[1]
local now    = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max    = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
local count = redis.call("ZCARD", key)
if count >= max then
  local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
  return {0, count, tonumber(oldest[2])}
end
redis.call("ZADD", key, now, ARGV[4])
redis.call("PEXPIRE", key, window)
return {1, count + 1, now}
`)

// RedisSlidingWindow shares the sliding window across replicas via Redis sorted sets.
type RedisSlidingWindow struct {
	rdb    redis.Scripter
	prefix string
	window time.Duration
	max    int
	now    func() time.Time
}

// NewRedisSlidingWindow builds a Redis-backed limiter.
func NewRedisSlidingWindow(rdb redis.Scripter, window time.Duration, max int) *RedisSlidingWindow {
	if window <= 0 {
		window = DefaultWindow
	}
	if max <= 0 {
		max = DefaultMaxRequests
	}
	return &RedisSlidingWindow{
		rdb:    rdb,
		prefix: "ratelimit:ip:",
		window: window,
		max:    max,
		now:    time.Now,
	}
}

// WithClock replaces the time source.
func (l *RedisSlidingWindow) WithClock(now func() time.Time) *RedisSlidingWindow {
	l.now = now
	return l
}

func (l *RedisSlidingWindow) Allow(ctx context.Context, key string) (Decision, error) {
	now := l.now()
	nowMs := now.UnixMilli()

	res, err := slidingWindowScript.Run(ctx, l.rdb, []string{l.prefix + key},
		nowMs,
		l.window.Milliseconds(),
		l.max,
		strconv.FormatInt(nowMs, 10)+"-"+uuid.NewString(),
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("sliding window script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("sliding window script: unexpected reply %v", res)
	}

	allowed, _ := res[0].(int64)
	count, _ := res[1].(int64)
	oldestMs, _ := res[2].(int64)

	if allowed == 0 {
		return Decision{
			Allowed:    false,
			Limit:      l.max,
			RetryAfter: retryAfter(time.UnixMilli(oldestMs), l.window, now),
		}, nil
	}
	return Decision{
		Allowed:   true,
		Limit:     l.max,
		Remaining: l.max - int(count),
	}, nil
}
