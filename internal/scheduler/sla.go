package scheduler

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/botfleet/orchestrator/internal/domain"
	"github.com/botfleet/orchestrator/internal/observability"
)

// SLAStatus labels a schedule's health against its targets.
type SLAStatus string

const (
	SLAOK       SLAStatus = "ok"
	SLAAtRisk   SLAStatus = "at_risk"
	SLABreached SLAStatus = "breached"
)

// Execution is one finished run tracked by the monitor.
type Execution struct {
	ScheduleID  string
	JobID       string
	StartedAt   time.Time
	CompletedAt time.Time
	Success     bool
	Duration    time.Duration
}

// SLAStats are derived over the monitor's sliding window.
type SLAStats struct {
	Count         int
	SuccessRate   float64
	AvgDuration   time.Duration
	P50           time.Duration
	P95           time.Duration
	TotalDuration time.Duration
}

// SLAAlert is published to callbacks when a schedule breaches its targets.
type SLAAlert struct {
	ScheduleID string
	Status     SLAStatus
	Stats      SLAStats
	Config     domain.SLAConfig
	At         time.Time
}

// SLAMonitor keeps per-schedule execution windows in memory. Readers may see
// slightly stale data; critical sections are short.
type SLAMonitor struct {
	mu       sync.Mutex
	window   time.Duration
	byID     map[string][]Execution
	inflight map[string]Execution
	alerts   []func(SLAAlert)
	now      func() time.Time
}

// NewSLAMonitor keeps executions for window (default 24h).
func NewSLAMonitor(window time.Duration) *SLAMonitor {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &SLAMonitor{
		window:   window,
		byID:     make(map[string][]Execution),
		inflight: make(map[string]Execution),
		now:      time.Now,
	}
}

// OnAlert registers a breach callback. Callbacks run inline on the recording
// goroutine and must be fast.
func (m *SLAMonitor) OnAlert(fn func(SLAAlert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, fn)
}

// RecordStart notes a dispatched run.
func (m *SLAMonitor) RecordStart(scheduleID, jobID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inflight[jobID] = Execution{ScheduleID: scheduleID, JobID: jobID, StartedAt: at}
}

// RecordCompletion closes a run and evaluates the SLA when cfg is set.
func (m *SLAMonitor) RecordCompletion(jobID string, success bool, at time.Time, cfg *domain.SLAConfig) {
	m.mu.Lock()
	ex, ok := m.inflight[jobID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.inflight, jobID)
	ex.CompletedAt = at
	ex.Success = success
	ex.Duration = at.Sub(ex.StartedAt)
	m.byID[ex.ScheduleID] = m.trim(append(m.byID[ex.ScheduleID], ex), at)

	var alert *SLAAlert
	if cfg != nil {
		stats := statsOf(m.byID[ex.ScheduleID])
		status := statusOf(stats, *cfg)
		if status == SLABreached {
			alert = &SLAAlert{ScheduleID: ex.ScheduleID, Status: status, Stats: stats, Config: *cfg, At: at}
		}
	}
	callbacks := m.alerts
	m.mu.Unlock()

	if alert != nil {
		observability.SLABreachesTotal.Inc()
		slog.Warn("sla breached",
			slog.String("schedule_id", alert.ScheduleID),
			slog.Float64("success_rate", alert.Stats.SuccessRate),
			slog.Duration("p95", alert.Stats.P95))
		for _, fn := range callbacks {
			fn(*alert)
		}
	}
}

// Stats returns the derived metrics for one schedule's window.
func (m *SLAMonitor) Stats(scheduleID string) SLAStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[scheduleID] = m.trim(m.byID[scheduleID], m.now())
	return statsOf(m.byID[scheduleID])
}

// Status evaluates one schedule against its config.
func (m *SLAMonitor) Status(scheduleID string, cfg domain.SLAConfig) SLAStatus {
	return statusOf(m.Stats(scheduleID), cfg)
}

func (m *SLAMonitor) trim(window []Execution, now time.Time) []Execution {
	cutoff := now.Add(-m.window)
	i := 0
	for i < len(window) && window[i].CompletedAt.Before(cutoff) {
		i++
	}
	return window[i:]
}

func statsOf(window []Execution) SLAStats {
	s := SLAStats{Count: len(window)}
	if s.Count == 0 {
		return s
	}
	succeeded := 0
	durations := make([]time.Duration, 0, len(window))
	for _, ex := range window {
		if ex.Success {
			succeeded++
		}
		durations = append(durations, ex.Duration)
		s.TotalDuration += ex.Duration
	}
	s.SuccessRate = float64(succeeded) / float64(len(window))
	s.AvgDuration = s.TotalDuration / time.Duration(len(window))
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	s.P50 = percentile(durations, 0.50)
	s.P95 = percentile(durations, 0.95)
	return s
}

// percentile uses nearest-rank on an ascending slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(p*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

// atRiskMargin widens breach thresholds by 10% for the at_risk band.
const atRiskMargin = 0.10

func statusOf(stats SLAStats, cfg domain.SLAConfig) SLAStatus {
	if stats.Count == 0 {
		return SLAOK
	}
	if cfg.TargetSuccessRate > 0 && stats.SuccessRate < cfg.TargetSuccessRate {
		return SLABreached
	}
	if cfg.TargetP95 > 0 && stats.P95 > cfg.TargetP95 {
		return SLABreached
	}
	if cfg.MaxDuration > 0 && stats.AvgDuration > cfg.MaxDuration {
		return SLABreached
	}
	if cfg.TargetSuccessRate > 0 && stats.SuccessRate < cfg.TargetSuccessRate*(1+atRiskMargin) {
		return SLAAtRisk
	}
	if cfg.TargetP95 > 0 && float64(stats.P95) > float64(cfg.TargetP95)*(1-atRiskMargin) {
		return SLAAtRisk
	}
	return SLAOK
}
