package assignment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAffinityRecordAndExpire(t *testing.T) {
	tr := NewStateAffinityTracker(10 * time.Minute)
	current := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return current }

	tr.Record("wf1", "r1")
	assert.True(t, tr.Has("wf1", "r1"))
	assert.False(t, tr.Has("wf1", "r2"))
	assert.False(t, tr.Has("wf2", "r1"))

	// Within TTL.
	current = current.Add(9 * time.Minute)
	assert.True(t, tr.Has("wf1", "r1"))

	// Past TTL.
	current = current.Add(2 * time.Minute)
	assert.False(t, tr.Has("wf1", "r1"))
}

func TestAffinitySweep(t *testing.T) {
	tr := NewStateAffinityTracker(10 * time.Minute)
	current := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return current }

	tr.Record("wf1", "r1")
	current = current.Add(5 * time.Minute)
	tr.Record("wf1", "r2")

	current = current.Add(6 * time.Minute)
	tr.Sweep()
	assert.False(t, tr.Has("wf1", "r1"))
	assert.True(t, tr.Has("wf1", "r2"))

	current = current.Add(time.Hour)
	tr.Sweep()
	assert.Empty(t, tr.byWorkflow)
}

func TestAffinityRecordRefreshes(t *testing.T) {
	tr := NewStateAffinityTracker(10 * time.Minute)
	current := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return current }

	tr.Record("wf1", "r1")
	current = current.Add(8 * time.Minute)
	tr.Record("wf1", "r1")
	current = current.Add(8 * time.Minute)
	assert.True(t, tr.Has("wf1", "r1"))
}
