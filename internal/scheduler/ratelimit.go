package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/botfleet/orchestrator/internal/domain"
)

// RateLimiter caps schedule executions per sliding window. A denied attempt
// returns the wait until the window frees a slot.
type RateLimiter interface {
	Allow(ctx context.Context, scheduleID string, cfg domain.RateLimitConfig) (allowed bool, wait time.Duration, err error)
}

// Sliding window over a sorted set: drop expired members, admit if below
// max, otherwise report when the oldest member expires.
const luaSlidingWindowScript = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, 0, now_ms - window_ms)
local n = redis.call("ZCARD", key)
if n < max then
  redis.call("ZADD", key, now_ms, member)
  redis.call("PEXPIRE", key, window_ms)
  return { 1, 0 }
end

local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local wait_ms = 0
if oldest[2] ~= nil then
  wait_ms = tonumber(oldest[2]) + window_ms - now_ms
end
return { 0, wait_ms }
`

// SlidingWindowLimiter enforces per-schedule windows in Redis so limits hold
// across orchestrator restarts. Without Redis it falls back to an in-memory
// window; Redis errors fail open.
type SlidingWindowLimiter struct {
	redis  *redis.Client
	script *redis.Script

	mu    sync.Mutex
	local map[string][]time.Time
	seq   int64
	now   func() time.Time
}

// NewSlidingWindowLimiter builds a limiter; rdb may be nil.
func NewSlidingWindowLimiter(rdb *redis.Client) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		redis:  rdb,
		script: redis.NewScript(luaSlidingWindowScript),
		local:  make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow reports whether the schedule may fire now. Zero or negative limits
// disable the check.
func (l *SlidingWindowLimiter) Allow(ctx context.Context, scheduleID string, cfg domain.RateLimitConfig) (bool, time.Duration, error) {
	if l == nil || cfg.MaxExecutions <= 0 || cfg.Window <= 0 {
		return true, 0, nil
	}
	if l.redis == nil {
		allowed := l.allowLocal(scheduleID, cfg)
		var wait time.Duration
		if !allowed {
			wait = l.localWait(scheduleID, cfg)
		}
		return allowed, wait, nil
	}

	now := l.now()
	key := "sched_rate:" + scheduleID
	member := fmt.Sprintf("%d-%d", now.UnixNano(), l.nextSeq())
	res, err := l.script.Run(ctx, l.redis, []string{key},
		now.UnixMilli(), cfg.Window.Milliseconds(), cfg.MaxExecutions, member).Result()
	if err != nil {
		slog.Error("rate limiter script error", slog.String("schedule_id", scheduleID), slog.Any("error", err))
		return true, 0, err
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		slog.Error("rate limiter unexpected script result", slog.String("schedule_id", scheduleID), slog.Any("result", res))
		return true, 0, nil
	}
	allowed := asInt64(vals[0]) == 1
	wait := time.Duration(asInt64(vals[1])) * time.Millisecond
	if wait < 0 {
		wait = 0
	}
	return allowed, wait, nil
}

func (l *SlidingWindowLimiter) nextSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	return l.seq
}

func (l *SlidingWindowLimiter) allowLocal(scheduleID string, cfg domain.RateLimitConfig) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	window := pruneBefore(l.local[scheduleID], now.Add(-cfg.Window))
	if len(window) >= cfg.MaxExecutions {
		l.local[scheduleID] = window
		return false
	}
	l.local[scheduleID] = append(window, now)
	return true
}

func (l *SlidingWindowLimiter) localWait(scheduleID string, cfg domain.RateLimitConfig) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	window := l.local[scheduleID]
	if len(window) < cfg.MaxExecutions || len(window) == 0 {
		return 0
	}
	wait := window[0].Add(cfg.Window).Sub(l.now())
	if wait < 0 {
		return 0
	}
	return wait
}

func pruneBefore(window []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(window) && window[i].Before(cutoff) {
		i++
	}
	return window[i:]
}

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
