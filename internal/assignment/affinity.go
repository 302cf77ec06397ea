package assignment

import (
	"context"
	"sync"
	"time"
)

// StateAffinityTracker remembers which robot last ran each workflow so the
// engine can prefer warm robots. Entries expire after the TTL; affinity is a
// soft score, readers tolerate slightly stale data.
type StateAffinityTracker struct {
	mu         sync.RWMutex
	ttl        time.Duration
	byWorkflow map[string]map[string]time.Time
	now        func() time.Time
}

// NewStateAffinityTracker creates a tracker with the given entry TTL.
func NewStateAffinityTracker(ttl time.Duration) *StateAffinityTracker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &StateAffinityTracker{
		ttl:        ttl,
		byWorkflow: make(map[string]map[string]time.Time),
		now:        time.Now,
	}
}

// Record notes that robotID just ran workflowID.
func (t *StateAffinityTracker) Record(workflowID, robotID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.byWorkflow[workflowID]
	if m == nil {
		m = make(map[string]time.Time)
		t.byWorkflow[workflowID] = m
	}
	m[robotID] = t.now()
}

// Has reports whether robotID ran workflowID within the TTL.
func (t *StateAffinityTracker) Has(workflowID, robotID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen, ok := t.byWorkflow[workflowID][robotID]
	return ok && t.now().Sub(seen) < t.ttl
}

// Sweep drops expired entries.
func (t *StateAffinityTracker) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.ttl)
	for wf, robots := range t.byWorkflow {
		for id, seen := range robots {
			if seen.Before(cutoff) {
				delete(robots, id)
			}
		}
		if len(robots) == 0 {
			delete(t.byWorkflow, wf)
		}
	}
}

// Run sweeps periodically until ctx is cancelled.
func (t *StateAffinityTracker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}
