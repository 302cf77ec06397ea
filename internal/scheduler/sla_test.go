package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/orchestrator/internal/domain"
)

func TestSLAMonitorStats(t *testing.T) {
	m := NewSLAMonitor(24 * time.Hour)
	base := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base.Add(time.Hour) }

	durations := []time.Duration{
		10 * time.Second, 20 * time.Second, 30 * time.Second, 40 * time.Second,
	}
	for i, d := range durations {
		jobID := string(rune('a' + i))
		m.RecordStart("s1", jobID, base)
		m.RecordCompletion(jobID, i != 3, base.Add(d), nil)
	}

	stats := m.Stats("s1")
	assert.Equal(t, 4, stats.Count)
	assert.InDelta(t, 0.75, stats.SuccessRate, 1e-9)
	assert.Equal(t, 25*time.Second, stats.AvgDuration)
	assert.Equal(t, 20*time.Second, stats.P50)
	assert.Equal(t, 40*time.Second, stats.P95)
	// Sum of window durations equals the reported total.
	assert.Equal(t, 100*time.Second, stats.TotalDuration)
}

func TestSLAMonitorUnknownJobIgnored(t *testing.T) {
	m := NewSLAMonitor(time.Hour)
	m.RecordCompletion("ghost", true, time.Now(), nil)
	assert.Zero(t, m.Stats("s1").Count)
}

func TestSLAMonitorWindowTrim(t *testing.T) {
	m := NewSLAMonitor(time.Hour)
	base := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	current := base
	m.now = func() time.Time { return current }

	m.RecordStart("s1", "old", base.Add(-3*time.Hour))
	m.RecordCompletion("old", true, base.Add(-2*time.Hour), nil)
	m.RecordStart("s1", "fresh", base)
	m.RecordCompletion("fresh", true, base.Add(time.Minute), nil)

	current = base.Add(2 * time.Minute)
	stats := m.Stats("s1")
	assert.Equal(t, 1, stats.Count)
}

func TestSLAMonitorBreachAlert(t *testing.T) {
	m := NewSLAMonitor(24 * time.Hour)
	base := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	var alerts []SLAAlert
	m.OnAlert(func(a SLAAlert) { alerts = append(alerts, a) })

	cfg := &domain.SLAConfig{TargetSuccessRate: 0.9}
	m.RecordStart("s1", "j1", base)
	m.RecordCompletion("j1", false, base.Add(time.Second), cfg)

	require.Len(t, alerts, 1)
	assert.Equal(t, "s1", alerts[0].ScheduleID)
	assert.Equal(t, SLABreached, alerts[0].Status)
}

func TestSLAStatusBands(t *testing.T) {
	stats := SLAStats{Count: 10, SuccessRate: 1.0, P50: time.Second, P95: 2 * time.Second, AvgDuration: time.Second}

	assert.Equal(t, SLAOK, statusOf(stats, domain.SLAConfig{TargetSuccessRate: 0.9, TargetP95: time.Minute}))

	breached := stats
	breached.SuccessRate = 0.8
	assert.Equal(t, SLABreached, statusOf(breached, domain.SLAConfig{TargetSuccessRate: 0.9}))

	slow := stats
	slow.P95 = 2 * time.Minute
	assert.Equal(t, SLABreached, statusOf(slow, domain.SLAConfig{TargetP95: time.Minute}))

	longAvg := stats
	longAvg.AvgDuration = time.Hour
	assert.Equal(t, SLABreached, statusOf(longAvg, domain.SLAConfig{MaxDuration: time.Minute}))

	// Success rate above target but inside the 10% margin.
	risky := stats
	risky.SuccessRate = 0.92
	assert.Equal(t, SLAAtRisk, statusOf(risky, domain.SLAConfig{TargetSuccessRate: 0.9}))

	// P95 within 10% of the target.
	closeP95 := stats
	closeP95.P95 = 57 * time.Second
	assert.Equal(t, SLAAtRisk, statusOf(closeP95, domain.SLAConfig{TargetP95: time.Minute}))

	// No executions yet never breaches.
	assert.Equal(t, SLAOK, statusOf(SLAStats{}, domain.SLAConfig{TargetSuccessRate: 0.9}))
}

func TestPercentileNearestRank(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	assert.Equal(t, time.Duration(5), percentile(sorted, 0.50))
	assert.Equal(t, time.Duration(9), percentile(sorted, 0.90))
	assert.Equal(t, time.Duration(10), percentile(sorted, 0.95))
	assert.Zero(t, percentile(nil, 0.5))
}
