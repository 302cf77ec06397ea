package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/orchestrator/internal/domain"
)

func TestLimiterDisabledConfig(t *testing.T) {
	l := NewSlidingWindowLimiter(nil)
	allowed, wait, err := l.Allow(context.Background(), "s1", domain.RateLimitConfig{})
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Zero(t, wait)

	var nilLimiter *SlidingWindowLimiter
	allowed, _, err = nilLimiter.Allow(context.Background(), "s1", domain.RateLimitConfig{MaxExecutions: 1, Window: time.Minute})
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestLimiterLocalWindow(t *testing.T) {
	l := NewSlidingWindowLimiter(nil)
	base := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	current := base
	l.now = func() time.Time { return current }
	cfg := domain.RateLimitConfig{MaxExecutions: 2, Window: time.Minute}

	for i := 0; i < 2; i++ {
		allowed, _, err := l.Allow(context.Background(), "s1", cfg)
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, wait, err := l.Allow(context.Background(), "s1", cfg)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, time.Minute, wait)

	// Window slides: after a minute the oldest entry expires.
	current = base.Add(61 * time.Second)
	allowed, _, err = l.Allow(context.Background(), "s1", cfg)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestLimiterLocalPerSchedule(t *testing.T) {
	l := NewSlidingWindowLimiter(nil)
	cfg := domain.RateLimitConfig{MaxExecutions: 1, Window: time.Minute}

	allowed, _, err := l.Allow(context.Background(), "s1", cfg)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, _ = l.Allow(context.Background(), "s1", cfg)
	assert.False(t, allowed)

	// Separate schedule, separate window.
	allowed, _, err = l.Allow(context.Background(), "s2", cfg)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestLimiterRedisWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	l := NewSlidingWindowLimiter(rdb)
	base := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	current := base
	l.now = func() time.Time { return current }
	cfg := domain.RateLimitConfig{MaxExecutions: 2, Window: time.Minute}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, _, err := l.Allow(ctx, "s1", cfg)
		require.NoError(t, err)
		assert.True(t, allowed)
	}

	allowed, wait, err := l.Allow(ctx, "s1", cfg)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Minute)

	// Window slides: entries older than the window are pruned server-side.
	current = base.Add(61 * time.Second)
	allowed, _, err = l.Allow(ctx, "s1", cfg)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestLimiterFailsOpenOnRedisError(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	l := NewSlidingWindowLimiter(rdb)
	allowed, _, err := l.Allow(context.Background(), "s1", domain.RateLimitConfig{MaxExecutions: 1, Window: time.Minute})
	assert.Error(t, err)
	assert.True(t, allowed)
}
