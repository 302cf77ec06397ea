// Package scheduler materializes jobs into the queue from cron, interval,
// one-time, event, and dependency schedules, with business-calendar checks,
// SLA monitoring, and per-schedule rate limiting.
package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/botfleet/orchestrator/internal/domain"
)

// Strategy decides when a schedule fires.
type Strategy interface {
	// NextRunTime returns the next fire at or after now. Nil means the
	// strategy is externally triggered (event, dependency) or exhausted
	// (one-time already run).
	NextRunTime(now time.Time, lastRun *time.Time) *time.Time
	Describe() string
	Validate() error
}

// Standard five-field cron plus @descriptors.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// StrategyFor builds the Strategy for a schedule. defaultTZ applies to cron
// schedules without an explicit timezone.
func StrategyFor(s domain.Schedule, defaultTZ string) (Strategy, error) {
	switch s.Kind {
	case domain.StrategyCron:
		tz := s.Timezone
		if tz == "" {
			tz = defaultTZ
		}
		return NewCronStrategy(s.CronExpr, tz)
	case domain.StrategyInterval:
		return &IntervalStrategy{
			Every:  time.Duration(s.IntervalSeconds) * time.Second,
			Anchor: s.CreatedAt,
		}, nil
	case domain.StrategyOneTime:
		if s.RunAt == nil {
			return nil, fmt.Errorf("op=scheduler.strategy: one-time schedule %s has no run_at: %w", s.ID, domain.ErrInvalidArgument)
		}
		return &OneTimeStrategy{At: *s.RunAt}, nil
	case domain.StrategyEvent:
		return &EventStrategy{Type: s.EventType, Source: s.EventSource, Filter: s.EventFilter}, nil
	case domain.StrategyDependency:
		return &DependencyStrategy{
			DependsOn:   s.DependsOn,
			WaitForAll:  s.WaitForAll,
			SuccessOnly: s.TriggerOnSuccessOnly,
		}, nil
	default:
		return nil, fmt.Errorf("op=scheduler.strategy: unknown kind %q: %w", s.Kind, domain.ErrInvalidArgument)
	}
}

// CronStrategy fires on a cron expression evaluated in its timezone.
type CronStrategy struct {
	Expr     string
	Location *time.Location
	schedule cron.Schedule
}

func NewCronStrategy(expr, tz string) (*CronStrategy, error) {
	loc := time.UTC
	if tz != "" {
		var err error
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("op=scheduler.cron: timezone %q: %w", tz, domain.ErrInvalidArgument)
		}
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("op=scheduler.cron: expression %q: %w", expr, domain.ErrInvalidArgument)
	}
	return &CronStrategy{Expr: expr, Location: loc, schedule: sched}, nil
}

func (s *CronStrategy) NextRunTime(now time.Time, _ *time.Time) *time.Time {
	t := s.schedule.Next(now.In(s.Location))
	if t.IsZero() {
		return nil
	}
	return &t
}

func (s *CronStrategy) Describe() string {
	return fmt.Sprintf("cron %q in %s", s.Expr, s.Location)
}

func (s *CronStrategy) Validate() error {
	if s.schedule == nil {
		return fmt.Errorf("op=scheduler.cron: unparsed expression: %w", domain.ErrInvalidArgument)
	}
	return nil
}

// IntervalStrategy fires every Every, anchored on the last run. A schedule
// that never ran fires first one full interval after Anchor, its creation
// time, not immediately.
type IntervalStrategy struct {
	Every  time.Duration
	Anchor time.Time
}

func (s *IntervalStrategy) NextRunTime(now time.Time, lastRun *time.Time) *time.Time {
	from := s.Anchor
	if lastRun != nil {
		from = *lastRun
	}
	t := from.Add(s.Every)
	if t.Before(now) {
		return &now
	}
	return &t
}

func (s *IntervalStrategy) Describe() string {
	return fmt.Sprintf("every %s", s.Every)
}

func (s *IntervalStrategy) Validate() error {
	if s.Every <= 0 {
		return fmt.Errorf("op=scheduler.interval: non-positive interval: %w", domain.ErrInvalidArgument)
	}
	return nil
}

// OneTimeStrategy fires exactly once at At.
type OneTimeStrategy struct {
	At time.Time
}

func (s *OneTimeStrategy) NextRunTime(_ time.Time, lastRun *time.Time) *time.Time {
	if lastRun != nil {
		return nil
	}
	t := s.At
	return &t
}

func (s *OneTimeStrategy) Describe() string {
	return fmt.Sprintf("once at %s", s.At.Format(time.RFC3339))
}

func (s *OneTimeStrategy) Validate() error {
	if s.At.IsZero() {
		return fmt.Errorf("op=scheduler.one_time: zero run_at: %w", domain.ErrInvalidArgument)
	}
	return nil
}

// EventStrategy fires on matching external events; it has no timed slot.
type EventStrategy struct {
	Type   string
	Source string
	Filter json.RawMessage
}

func (s *EventStrategy) NextRunTime(time.Time, *time.Time) *time.Time { return nil }

func (s *EventStrategy) Describe() string {
	return fmt.Sprintf("on event %s from %s", s.Type, s.Source)
}

func (s *EventStrategy) Validate() error {
	if s.Type == "" {
		return fmt.Errorf("op=scheduler.event: empty event type: %w", domain.ErrInvalidArgument)
	}
	if len(s.Filter) > 0 && !json.Valid(s.Filter) {
		return fmt.Errorf("op=scheduler.event: invalid filter json: %w", domain.ErrInvalidArgument)
	}
	return nil
}

// Matches reports whether an event satisfies the subscription. An empty
// source subscribes to all sources; the filter is a flat object whose every
// key must equal the corresponding top-level payload value.
func (s *EventStrategy) Matches(eventType, source string, payload json.RawMessage) bool {
	if eventType != s.Type {
		return false
	}
	if s.Source != "" && source != s.Source {
		return false
	}
	if len(s.Filter) == 0 {
		return true
	}
	var want, got map[string]any
	if err := json.Unmarshal(s.Filter, &want); err != nil {
		return false
	}
	if len(payload) > 0 {
		_ = json.Unmarshal(payload, &got)
	}
	for k, v := range want {
		if fmt.Sprint(got[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

// DependencyStrategy fires when upstream schedules complete; it has no timed
// slot. Satisfaction is evaluated by the dependency tracker.
type DependencyStrategy struct {
	DependsOn   []string
	WaitForAll  bool
	SuccessOnly bool
}

func (s *DependencyStrategy) NextRunTime(time.Time, *time.Time) *time.Time { return nil }

func (s *DependencyStrategy) Describe() string {
	mode := "any of"
	if s.WaitForAll {
		mode = "all of"
	}
	return fmt.Sprintf("after %s %v", mode, s.DependsOn)
}

func (s *DependencyStrategy) Validate() error {
	if len(s.DependsOn) == 0 {
		return fmt.Errorf("op=scheduler.dependency: empty depends_on: %w", domain.ErrInvalidArgument)
	}
	return nil
}
