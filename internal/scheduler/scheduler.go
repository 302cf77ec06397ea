package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/botfleet/orchestrator/internal/domain"
	"github.com/botfleet/orchestrator/internal/observability"
)

// Catch-up policies for runs missed while the orchestrator was down.
const (
	CatchUpOne  = "one"
	CatchUpAll  = "all"
	CatchUpSkip = "skip"
)

// maxCatchUpRuns bounds CatchUpAll after a very long outage.
const maxCatchUpRuns = 100

// Config bundles the scheduler's tunables.
type Config struct {
	TickInterval    time.Duration
	CatchUpPolicy   string
	DefaultTimezone string
}

// WorkflowResolver loads the workflow definition a schedule points at.
type WorkflowResolver interface {
	Resolve(ctx context.Context, workflowID string) (name string, definition json.RawMessage, err error)
}

// CancelFunc cancels a job; the replace concurrency policy uses it.
type CancelFunc func(ctx context.Context, jobID, actor string) error

// Scheduler drives timed schedules from a tick loop and event/dependency
// schedules from TriggerEvent and NotifyCompletion. It is a single
// cooperative task; all shared maps sit behind one short-lived mutex.
type Scheduler struct {
	cfg       Config
	repo      domain.ScheduleRepository
	queue     domain.JobQueue
	workflows WorkflowResolver
	audit     domain.AuditLog
	calendars map[string]*BusinessCalendar
	limiter   RateLimiter
	sla       *SLAMonitor
	deps      *DependencyTracker
	cancelJob CancelFunc

	mu          sync.Mutex
	inflight    map[string][]string
	jobSchedule map[string]string
	lastFire    map[string]time.Time

	now func() time.Time
}

// New constructs a Scheduler. calendars, limiter, audit, and cancel may be
// nil or empty.
func New(cfg Config, repo domain.ScheduleRepository, queue domain.JobQueue, workflows WorkflowResolver, audit domain.AuditLog, calendars map[string]*BusinessCalendar, limiter RateLimiter, cancel CancelFunc) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.CatchUpPolicy == "" {
		cfg.CatchUpPolicy = CatchUpSkip
	}
	if calendars == nil {
		calendars = map[string]*BusinessCalendar{}
	}
	return &Scheduler{
		cfg:         cfg,
		repo:        repo,
		queue:       queue,
		workflows:   workflows,
		audit:       audit,
		calendars:   calendars,
		limiter:     limiter,
		sla:         NewSLAMonitor(24 * time.Hour),
		deps:        NewDependencyTracker(24 * time.Hour),
		cancelJob:   cancel,
		inflight:    make(map[string][]string),
		jobSchedule: make(map[string]string),
		lastFire:    make(map[string]time.Time),
		now:         time.Now,
	}
}

// SLA exposes the monitor for status queries and alert registration.
func (s *Scheduler) SLA() *SLAMonitor { return s.sla }

// Run catches up missed runs, then ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.CatchUp(ctx); err != nil {
		slog.Error("schedule catch-up failed", slog.Any("error", err))
	}
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	sweep := time.NewTicker(time.Hour)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			s.deps.Sweep()
		case <-ticker.C:
			if err := s.Tick(ctx, s.now()); err != nil {
				slog.Error("scheduler tick failed", slog.Any("error", err))
			}
		}
	}
}

// Tick fires every enabled timed schedule whose next run is due at now.
// Exported so tests can drive a synthetic clock.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	schedules, err := s.repo.List(ctx, true)
	if err != nil {
		return fmt.Errorf("op=scheduler.tick: list: %w", err)
	}
	for _, sched := range schedules {
		if sched.Kind == domain.StrategyEvent || sched.Kind == domain.StrategyDependency {
			continue
		}
		strat, err := StrategyFor(sched, s.cfg.DefaultTimezone)
		if err != nil {
			slog.Error("schedule has invalid strategy", slog.String("schedule_id", sched.ID), slog.Any("error", err))
			continue
		}
		if sched.NextRunAt == nil {
			// Bootstrap: a fresh or just-mutated schedule gets its slot.
			next := strat.NextRunTime(now, sched.LastRunAt)
			if next == nil {
				continue
			}
			sched.NextRunAt = next
			if err := s.repo.SetRunTimes(ctx, sched.ID, sched.LastRunAt, next); err != nil {
				slog.Warn("schedule run times update failed", slog.String("schedule_id", sched.ID), slog.Any("error", err))
			}
		}
		if sched.NextRunAt.After(now) {
			continue
		}
		s.fire(ctx, sched, *sched.NextRunAt, now)
		s.advance(ctx, sched, strat, now)
	}
	return nil
}

// advance moves last/next run after a due slot, fired or skipped.
func (s *Scheduler) advance(ctx context.Context, sched domain.Schedule, strat Strategy, firedAt time.Time) {
	last := firedAt
	next := strat.NextRunTime(firedAt, &last)
	if err := s.repo.SetRunTimes(ctx, sched.ID, &last, next); err != nil {
		slog.Warn("schedule run times update failed", slog.String("schedule_id", sched.ID), slog.Any("error", err))
	}
}

// fire runs the admission chain (calendar, rate limit, concurrency) and
// enqueues the job. scheduledFor is the slot being served; now is wall time.
func (s *Scheduler) fire(ctx context.Context, sched domain.Schedule, scheduledFor, now time.Time) {
	if cal := s.calendars[sched.CalendarID]; cal != nil {
		if ok, reason := cal.CanExecute(scheduledFor); !ok {
			s.recordSkip(ctx, sched, "calendar.blocked", map[string]any{
				"reason": reason, "scheduled_for": scheduledFor,
			})
			return
		}
	}
	if sched.RateLimit != nil && s.limiter != nil {
		allowed, wait, err := s.limiter.Allow(ctx, sched.ID, *sched.RateLimit)
		if err == nil && !allowed {
			s.recordSkip(ctx, sched, "schedule.rate_limited", map[string]any{
				"wait_time": wait.String(),
			})
			return
		}
	}
	if !s.admitConcurrency(ctx, sched, now) {
		return
	}

	name := sched.WorkflowName
	var definition json.RawMessage
	if s.workflows != nil {
		var err error
		var resolved string
		resolved, definition, err = s.workflows.Resolve(ctx, sched.WorkflowID)
		if err != nil {
			slog.Error("workflow resolution failed",
				slog.String("schedule_id", sched.ID),
				slog.String("workflow_id", sched.WorkflowID),
				slog.Any("error", err))
			observability.ScheduleRunsTotal.WithLabelValues("error").Inc()
			return
		}
		if resolved != "" {
			name = resolved
		}
	}

	jobID, err := s.queue.Enqueue(ctx, domain.JobSubmission{
		WorkflowID:   sched.WorkflowID,
		WorkflowName: name,
		WorkflowJSON: definition,
		Priority:     sched.Priority,
		Tags:         []string{"schedule:" + sched.ID},
		Actor:        "scheduler:" + sched.ID,
	})
	if err != nil {
		slog.Error("schedule enqueue failed", slog.String("schedule_id", sched.ID), slog.Any("error", err))
		observability.ScheduleRunsTotal.WithLabelValues("error").Inc()
		return
	}

	s.mu.Lock()
	s.inflight[sched.ID] = append(s.inflight[sched.ID], jobID)
	s.jobSchedule[jobID] = sched.ID
	s.lastFire[sched.ID] = now
	s.mu.Unlock()
	s.sla.RecordStart(sched.ID, jobID, now)

	observability.ScheduleRunsTotal.WithLabelValues("fired").Inc()
	s.auditEvent(ctx, sched.ID, "schedule.fired", map[string]any{
		"job_id": jobID, "scheduled_for": scheduledFor,
	})
	slog.Info("schedule fired",
		slog.String("schedule_id", sched.ID),
		slog.String("job_id", jobID),
		slog.Time("scheduled_for", scheduledFor))
}

// admitConcurrency applies the schedule's policy against in-flight runs.
func (s *Scheduler) admitConcurrency(ctx context.Context, sched domain.Schedule, now time.Time) bool {
	var cancelID string
	s.mu.Lock()
	running := s.inflight[sched.ID]
	switch sched.Concurrency {
	case domain.ConcurrencyForbid:
		if len(running) > 0 {
			s.mu.Unlock()
			s.recordSkip(ctx, sched, "schedule.concurrency_skip", map[string]any{"policy": "forbid"})
			return false
		}
	case domain.ConcurrencyReplace:
		// Replace cancels only the most recent in-flight run.
		if len(running) > 0 {
			cancelID = running[len(running)-1]
		}
	case domain.ConcurrencyCoalesce:
		window := sched.CoalesceWindow
		if window <= 0 {
			window = time.Minute
		}
		if last, ok := s.lastFire[sched.ID]; ok && now.Sub(last) < window {
			s.mu.Unlock()
			s.recordSkip(ctx, sched, "schedule.concurrency_skip", map[string]any{"policy": "coalesce"})
			return false
		}
	}
	s.mu.Unlock()

	if cancelID != "" && s.cancelJob != nil {
		if err := s.cancelJob(ctx, cancelID, "scheduler:replace"); err != nil {
			slog.Warn("replace cancel failed",
				slog.String("schedule_id", sched.ID),
				slog.String("job_id", cancelID),
				slog.Any("error", err))
		}
	}
	return true
}

// TriggerEvent fires every enabled event schedule matching the stimulus.
func (s *Scheduler) TriggerEvent(ctx context.Context, eventType, source string, payload json.RawMessage) error {
	schedules, err := s.repo.List(ctx, true)
	if err != nil {
		return fmt.Errorf("op=scheduler.trigger_event: list: %w", err)
	}
	now := s.now()
	for _, sched := range schedules {
		if sched.Kind != domain.StrategyEvent {
			continue
		}
		strat := &EventStrategy{Type: sched.EventType, Source: sched.EventSource, Filter: sched.EventFilter}
		if !strat.Matches(eventType, source, payload) {
			continue
		}
		s.fire(ctx, sched, now, now)
		if err := s.repo.SetRunTimes(ctx, sched.ID, &now, nil); err != nil {
			slog.Warn("schedule run times update failed", slog.String("schedule_id", sched.ID), slog.Any("error", err))
		}
	}
	return nil
}

// NotifyCompletion closes a scheduled run: SLA accounting, dependency
// propagation, and firing any dependency schedule now satisfied.
func (s *Scheduler) NotifyCompletion(ctx context.Context, jobID string, success bool) {
	now := s.now()
	s.mu.Lock()
	scheduleID, ok := s.jobSchedule[jobID]
	if ok {
		delete(s.jobSchedule, jobID)
		running := s.inflight[scheduleID][:0]
		for _, id := range s.inflight[scheduleID] {
			if id != jobID {
				running = append(running, id)
			}
		}
		if len(running) == 0 {
			delete(s.inflight, scheduleID)
		} else {
			s.inflight[scheduleID] = running
		}
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	var slaCfg *domain.SLAConfig
	sched, err := s.repo.Get(ctx, scheduleID)
	if err == nil {
		slaCfg = sched.SLA
	}
	s.sla.RecordCompletion(jobID, success, now, slaCfg)
	s.deps.NotifyCompletion(scheduleID, success, now)
	s.fireDependents(ctx, now)
}

// fireDependents fires dependency schedules whose upstreams are satisfied
// since their own last run.
func (s *Scheduler) fireDependents(ctx context.Context, now time.Time) {
	schedules, err := s.repo.List(ctx, true)
	if err != nil {
		slog.Warn("schedule list failed", slog.Any("error", err))
		return
	}
	for _, sched := range schedules {
		if sched.Kind != domain.StrategyDependency {
			continue
		}
		strat := &DependencyStrategy{
			DependsOn:   sched.DependsOn,
			WaitForAll:  sched.WaitForAll,
			SuccessOnly: sched.TriggerOnSuccessOnly,
		}
		var since time.Time
		if sched.LastRunAt != nil {
			since = *sched.LastRunAt
		}
		if !s.deps.Satisfied(strat, since) {
			continue
		}
		s.fire(ctx, sched, now, now)
		if err := s.repo.SetRunTimes(ctx, sched.ID, &now, nil); err != nil {
			slog.Warn("schedule run times update failed", slog.String("schedule_id", sched.ID), slog.Any("error", err))
		}
	}
}

// CatchUp serves slots missed while the process was down, per policy.
// Dependency and event schedules never catch up; their stimuli are gone.
func (s *Scheduler) CatchUp(ctx context.Context) error {
	schedules, err := s.repo.List(ctx, true)
	if err != nil {
		return fmt.Errorf("op=scheduler.catch_up: list: %w", err)
	}
	now := s.now()
	for _, sched := range schedules {
		if sched.Kind == domain.StrategyEvent || sched.Kind == domain.StrategyDependency {
			continue
		}
		if sched.NextRunAt == nil || sched.NextRunAt.After(now) {
			continue
		}
		strat, err := StrategyFor(sched, s.cfg.DefaultTimezone)
		if err != nil {
			slog.Error("schedule has invalid strategy", slog.String("schedule_id", sched.ID), slog.Any("error", err))
			continue
		}
		switch s.cfg.CatchUpPolicy {
		case CatchUpAll:
			slot := *sched.NextRunAt
			for i := 0; i < maxCatchUpRuns && !slot.After(now); i++ {
				s.fire(ctx, sched, slot, now)
				last := slot
				next := strat.NextRunTime(slot, &last)
				if next == nil {
					break
				}
				slot = *next
			}
		case CatchUpOne:
			s.fire(ctx, sched, *sched.NextRunAt, now)
		}
		s.advance(ctx, sched, strat, now)
	}
	return nil
}

func (s *Scheduler) recordSkip(ctx context.Context, sched domain.Schedule, action string, detail map[string]any) {
	outcome := action[len("schedule."):]
	if action == "calendar.blocked" {
		outcome = "calendar_blocked"
	}
	observability.ScheduleRunsTotal.WithLabelValues(outcome).Inc()
	s.auditEvent(ctx, sched.ID, action, detail)
	slog.Info("schedule run skipped",
		slog.String("schedule_id", sched.ID),
		slog.String("action", action))
}

func (s *Scheduler) auditEvent(ctx context.Context, scheduleID, action string, detail map[string]any) {
	if s.audit == nil {
		return
	}
	after, _ := json.Marshal(detail)
	ev := domain.AuditEvent{
		Timestamp: s.now().UTC(), Actor: "scheduler", Action: action,
		ResourceType: "schedule", ResourceID: scheduleID, After: after,
	}
	if err := s.audit.Append(ctx, ev); err != nil {
		slog.Warn("audit append failed", slog.String("action", action), slog.Any("error", err))
	}
}
