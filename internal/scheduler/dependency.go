package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/botfleet/orchestrator/internal/domain"
)

type completion struct {
	at      time.Time
	success bool
}

// DependencyTracker records schedule completions so dependency schedules can
// derive satisfaction. History is TTL-bounded; simultaneous completions are
// serialized by arrival.
type DependencyTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	history map[string][]completion
	now     func() time.Time
}

// NewDependencyTracker keeps completions for ttl (default 24h).
func NewDependencyTracker(ttl time.Duration) *DependencyTracker {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &DependencyTracker{
		ttl:     ttl,
		history: make(map[string][]completion),
		now:     time.Now,
	}
}

// NotifyCompletion records one upstream completion.
func (t *DependencyTracker) NotifyCompletion(scheduleID string, success bool, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history[scheduleID] = t.trim(append(t.history[scheduleID], completion{at: at, success: success}))
}

// Satisfied reports whether a dependency schedule should fire: each (all or
// any) upstream has a completion after since, optionally successful only.
func (t *DependencyTracker) Satisfied(strategy *DependencyStrategy, since time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	matched := 0
	for _, upstream := range strategy.DependsOn {
		t.history[upstream] = t.trim(t.history[upstream])
		for _, c := range t.history[upstream] {
			if !c.at.After(since) {
				continue
			}
			if strategy.SuccessOnly && !c.success {
				continue
			}
			matched++
			break
		}
	}
	if strategy.WaitForAll {
		return matched == len(strategy.DependsOn)
	}
	return matched > 0
}

func (t *DependencyTracker) trim(window []completion) []completion {
	cutoff := t.now().Add(-t.ttl)
	i := 0
	for i < len(window) && window[i].at.Before(cutoff) {
		i++
	}
	return window[i:]
}

// Sweep drops expired history. Run it periodically to bound memory on
// schedules that stopped completing.
func (t *DependencyTracker) Sweep() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, window := range t.history {
		window = t.trim(window)
		if len(window) == 0 {
			delete(t.history, id)
			continue
		}
		t.history[id] = window
	}
}

// ValidateAcyclic rejects a schedule mutation that would close a dependency
// cycle. existing must include every schedule except the candidate.
func ValidateAcyclic(candidate domain.Schedule, existing []domain.Schedule) error {
	edges := make(map[string][]string, len(existing)+1)
	for _, s := range existing {
		if s.ID == candidate.ID {
			continue
		}
		edges[s.ID] = s.DependsOn
	}
	edges[candidate.ID] = candidate.DependsOn

	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(edges))
	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case visiting:
			return false
		case done:
			return true
		}
		state[id] = visiting
		for _, up := range edges[id] {
			if !visit(up) {
				return false
			}
		}
		state[id] = done
		return true
	}
	if !visit(candidate.ID) {
		return fmt.Errorf("op=scheduler.validate: schedule %s closes a dependency cycle: %w",
			candidate.ID, domain.ErrInvalidArgument)
	}
	return nil
}
