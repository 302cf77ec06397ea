package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffPolicyDelayGrowth(t *testing.T) {
	p := BackoffPolicy{
		MaxRetries: 5,
		BaseDelay:  10 * time.Second,
		MaxDelay:   time.Hour,
		Multiplier: 2.0,
		Jitter:     0, // deterministic
	}
	assert.Equal(t, 10*time.Second, p.Delay(1))
	assert.Equal(t, 20*time.Second, p.Delay(2))
	assert.Equal(t, 40*time.Second, p.Delay(3))
	// Attempt below 1 is clamped.
	assert.Equal(t, 10*time.Second, p.Delay(0))
}

func TestBackoffPolicyDelayCap(t *testing.T) {
	p := BackoffPolicy{
		BaseDelay:  time.Minute,
		MaxDelay:   5 * time.Minute,
		Multiplier: 10,
		Jitter:     0,
	}
	assert.Equal(t, 5*time.Minute, p.Delay(3))
	assert.Equal(t, 5*time.Minute, p.Delay(50))
}

func TestBackoffPolicyJitterBounds(t *testing.T) {
	p := DefaultBackoffPolicy()
	require.Equal(t, 0.1, p.Jitter)
	base := float64(p.BaseDelay)
	for i := 0; i < 100; i++ {
		d := float64(p.Delay(1))
		assert.GreaterOrEqual(t, d, base*0.9)
		assert.LessOrEqual(t, d, base*1.1)
	}
}
