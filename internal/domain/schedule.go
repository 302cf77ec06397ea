package domain

import (
	"encoding/json"
	"time"
)

// StrategyKind selects how a schedule decides its fire times.
type StrategyKind string

const (
	StrategyCron       StrategyKind = "cron"
	StrategyInterval   StrategyKind = "interval"
	StrategyOneTime    StrategyKind = "one_time"
	StrategyEvent      StrategyKind = "event"
	StrategyDependency StrategyKind = "dependency"
)

// ConcurrencyPolicy governs a fire while a prior run is in flight.
type ConcurrencyPolicy string

const (
	ConcurrencyAllow    ConcurrencyPolicy = "allow"
	ConcurrencyForbid   ConcurrencyPolicy = "forbid"
	ConcurrencyReplace  ConcurrencyPolicy = "replace"
	ConcurrencyCoalesce ConcurrencyPolicy = "coalesce"
)

// SLAConfig holds per-schedule service level targets.
type SLAConfig struct {
	TargetSuccessRate float64       `json:"target_success_rate"`
	TargetP95         time.Duration `json:"target_p95"`
	MaxDuration       time.Duration `json:"max_duration"`
}

// RateLimitConfig caps schedule executions per sliding window.
type RateLimitConfig struct {
	MaxExecutions int           `json:"max_executions"`
	Window        time.Duration `json:"window"`
}

// Schedule is a rule that materializes jobs into the queue.
// Invariants: the dependency graph across schedules is acyclic (validated on
// mutation); NextRunAt is recomputed on every trigger and mutation.
type Schedule struct {
	ID           string
	WorkflowID   string
	WorkflowName string
	Kind         StrategyKind

	// Cron
	CronExpr string
	Timezone string
	// Interval
	IntervalSeconds int
	// One-time
	RunAt *time.Time
	// Event
	EventType   string
	EventSource string
	EventFilter json.RawMessage
	// Dependency
	DependsOn            []string
	WaitForAll           bool
	TriggerOnSuccessOnly bool

	Enabled        bool
	CalendarID     string
	SLA            *SLAConfig
	RateLimit      *RateLimitConfig
	Priority       int
	Concurrency    ConcurrencyPolicy
	CoalesceWindow time.Duration

	LastRunAt *time.Time
	NextRunAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}
