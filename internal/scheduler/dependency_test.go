package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/orchestrator/internal/domain"
)

func TestDependencySatisfiedAny(t *testing.T) {
	tr := NewDependencyTracker(24 * time.Hour)
	base := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }

	strat := &DependencyStrategy{DependsOn: []string{"up1", "up2"}}
	since := base.Add(-time.Hour)

	assert.False(t, tr.Satisfied(strat, since))

	tr.NotifyCompletion("up1", true, base.Add(-30*time.Minute))
	assert.True(t, tr.Satisfied(strat, since))
}

func TestDependencySatisfiedAll(t *testing.T) {
	tr := NewDependencyTracker(24 * time.Hour)
	base := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }

	strat := &DependencyStrategy{DependsOn: []string{"up1", "up2"}, WaitForAll: true}
	since := base.Add(-time.Hour)

	tr.NotifyCompletion("up1", true, base.Add(-30*time.Minute))
	assert.False(t, tr.Satisfied(strat, since))

	tr.NotifyCompletion("up2", true, base.Add(-10*time.Minute))
	assert.True(t, tr.Satisfied(strat, since))
}

func TestDependencySuccessOnly(t *testing.T) {
	tr := NewDependencyTracker(24 * time.Hour)
	base := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }

	strat := &DependencyStrategy{DependsOn: []string{"up1"}, SuccessOnly: true}
	since := base.Add(-time.Hour)

	tr.NotifyCompletion("up1", false, base.Add(-30*time.Minute))
	assert.False(t, tr.Satisfied(strat, since))

	tr.NotifyCompletion("up1", true, base.Add(-5*time.Minute))
	assert.True(t, tr.Satisfied(strat, since))
}

func TestDependencySinceBoundary(t *testing.T) {
	tr := NewDependencyTracker(24 * time.Hour)
	base := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return base }

	strat := &DependencyStrategy{DependsOn: []string{"up1"}}

	// A completion exactly at since does not count; only strictly after.
	tr.NotifyCompletion("up1", true, base.Add(-time.Hour))
	assert.False(t, tr.Satisfied(strat, base.Add(-time.Hour)))
	assert.True(t, tr.Satisfied(strat, base.Add(-2*time.Hour)))
}

func TestDependencySweep(t *testing.T) {
	tr := NewDependencyTracker(time.Hour)
	base := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	current := base
	tr.now = func() time.Time { return current }

	tr.NotifyCompletion("up1", true, base)
	current = base.Add(2 * time.Hour)
	tr.Sweep()
	assert.Empty(t, tr.history)
}

func TestValidateAcyclic(t *testing.T) {
	existing := []domain.Schedule{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b"},
	}

	// c -> a -> b is fine.
	require.NoError(t, ValidateAcyclic(domain.Schedule{ID: "c", DependsOn: []string{"a"}}, existing))

	// b -> c, c -> a, a -> b closes a cycle.
	withC := append(existing, domain.Schedule{ID: "c", DependsOn: []string{"a"}})
	err := ValidateAcyclic(domain.Schedule{ID: "b", DependsOn: []string{"c"}}, withC)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	// Self-dependency is the smallest cycle.
	err = ValidateAcyclic(domain.Schedule{ID: "x", DependsOn: []string{"x"}}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	// Unknown upstreams are treated as leaves.
	require.NoError(t, ValidateAcyclic(domain.Schedule{ID: "y", DependsOn: []string{"nowhere"}}, nil))
}
