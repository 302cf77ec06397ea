package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/botfleet/orchestrator/internal/domain"
)

// scheduleSpec is the strategy-specific parameter blob stored as jsonb.
type scheduleSpec struct {
	CronExpr             string          `json:"cron_expr,omitempty"`
	Timezone             string          `json:"timezone,omitempty"`
	IntervalSeconds      int             `json:"interval_seconds,omitempty"`
	RunAt                *time.Time      `json:"run_at,omitempty"`
	EventType            string          `json:"event_type,omitempty"`
	EventSource          string          `json:"event_source,omitempty"`
	EventFilter          json.RawMessage `json:"event_filter,omitempty"`
	DependsOn            []string        `json:"depends_on,omitempty"`
	WaitForAll           bool            `json:"wait_for_all,omitempty"`
	TriggerOnSuccessOnly bool            `json:"trigger_on_success_only,omitempty"`
}

const scheduleColumns = `id, workflow_id, workflow_name, kind, spec, enabled,
	COALESCE(calendar_id,''), sla, rate_limit, priority, concurrency,
	coalesce_window_ms, last_run_at, next_run_at, created_at, updated_at`

// ScheduleRepo persists schedules with the strategy variant serialized as jsonb.
type ScheduleRepo struct{ Pool PgxPool }

// NewScheduleRepo constructs a ScheduleRepo with the given pool.
func NewScheduleRepo(p PgxPool) *ScheduleRepo { return &ScheduleRepo{Pool: p} }

// Create inserts a new schedule and returns its id.
func (r *ScheduleRepo) Create(ctx domain.Context, s domain.Schedule) (string, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	spec, sla, rl, err := marshalSchedule(s)
	if err != nil {
		return "", fmt.Errorf("op=schedules.create: %w", err)
	}
	q := `INSERT INTO schedules (id, workflow_id, workflow_name, kind, spec, enabled, calendar_id,
		sla, rate_limit, priority, concurrency, coalesce_window_ms, last_run_at, next_run_at,
		created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),$8,$9,$10,$11,$12,$13,$14,now(),now())`
	err = withRetry(ctx, func() error {
		_, err := r.Pool.Exec(ctx, q, s.ID, s.WorkflowID, s.WorkflowName, string(s.Kind), spec,
			s.Enabled, s.CalendarID, sla, rl, s.Priority, string(s.Concurrency),
			s.CoalesceWindow.Milliseconds(), s.LastRunAt, s.NextRunAt)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("op=schedules.create: %w", err)
	}
	return s.ID, nil
}

// Update rewrites a schedule row.
func (r *ScheduleRepo) Update(ctx domain.Context, s domain.Schedule) error {
	spec, sla, rl, err := marshalSchedule(s)
	if err != nil {
		return fmt.Errorf("op=schedules.update: %w", err)
	}
	q := `UPDATE schedules SET workflow_id = $2, workflow_name = $3, kind = $4, spec = $5,
		enabled = $6, calendar_id = NULLIF($7,''), sla = $8, rate_limit = $9, priority = $10,
		concurrency = $11, coalesce_window_ms = $12, last_run_at = $13, next_run_at = $14,
		updated_at = now()
		WHERE id = $1`
	var affected int64
	err = withRetry(ctx, func() error {
		tag, err := r.Pool.Exec(ctx, q, s.ID, s.WorkflowID, s.WorkflowName, string(s.Kind), spec,
			s.Enabled, s.CalendarID, sla, rl, s.Priority, string(s.Concurrency),
			s.CoalesceWindow.Milliseconds(), s.LastRunAt, s.NextRunAt)
		if err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return fmt.Errorf("op=schedules.update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("op=schedules.update: schedule %s: %w", s.ID, domain.ErrNotFound)
	}
	return nil
}

// Delete removes a schedule.
func (r *ScheduleRepo) Delete(ctx domain.Context, id string) error {
	err := withRetry(ctx, func() error {
		_, err := r.Pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=schedules.delete: %w", err)
	}
	return nil
}

// Get loads one schedule.
func (r *ScheduleRepo) Get(ctx domain.Context, id string) (domain.Schedule, error) {
	var s domain.Schedule
	err := withRetry(ctx, func() error {
		row := r.Pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
		var err error
		s, err = scanSchedule(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("schedule %s: %w", id, domain.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return domain.Schedule{}, fmt.Errorf("op=schedules.get: %w", err)
	}
	return s, nil
}

// List returns schedules, optionally only enabled ones.
func (r *ScheduleRepo) List(ctx domain.Context, enabledOnly bool) ([]domain.Schedule, error) {
	var out []domain.Schedule
	err := withRetry(ctx, func() error {
		rows, err := r.Pool.Query(ctx, `SELECT `+scheduleColumns+` FROM schedules
			WHERE $1 = false OR enabled ORDER BY created_at`, enabledOnly)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			s, err := scanSchedule(rows)
			if err != nil {
				return err
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("op=schedules.list: %w", err)
	}
	return out, nil
}

// SetRunTimes updates last/next fire times after a trigger.
func (r *ScheduleRepo) SetRunTimes(ctx domain.Context, id string, lastRun, nextRun *time.Time) error {
	err := withRetry(ctx, func() error {
		_, err := r.Pool.Exec(ctx, `UPDATE schedules SET last_run_at = $2, next_run_at = $3,
			updated_at = now() WHERE id = $1`, id, lastRun, nextRun)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=schedules.set_run_times: %w", err)
	}
	return nil
}

func marshalSchedule(s domain.Schedule) (spec, sla, rl []byte, err error) {
	spec, err = json.Marshal(scheduleSpec{
		CronExpr: s.CronExpr, Timezone: s.Timezone, IntervalSeconds: s.IntervalSeconds,
		RunAt: s.RunAt, EventType: s.EventType, EventSource: s.EventSource,
		EventFilter: s.EventFilter, DependsOn: s.DependsOn, WaitForAll: s.WaitForAll,
		TriggerOnSuccessOnly: s.TriggerOnSuccessOnly,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	if s.SLA != nil {
		if sla, err = json.Marshal(s.SLA); err != nil {
			return nil, nil, nil, err
		}
	}
	if s.RateLimit != nil {
		if rl, err = json.Marshal(s.RateLimit); err != nil {
			return nil, nil, nil, err
		}
	}
	return spec, sla, rl, nil
}

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var s domain.Schedule
	var kind, concurrency string
	var spec scheduleSpec
	var sla *domain.SLAConfig
	var rl *domain.RateLimitConfig
	var coalesceMS int64
	err := row.Scan(&s.ID, &s.WorkflowID, &s.WorkflowName, &kind, &spec, &s.Enabled,
		&s.CalendarID, &sla, &rl, &s.Priority, &concurrency, &coalesceMS,
		&s.LastRunAt, &s.NextRunAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return domain.Schedule{}, err
	}
	s.Kind = domain.StrategyKind(kind)
	s.Concurrency = domain.ConcurrencyPolicy(concurrency)
	s.CoalesceWindow = time.Duration(coalesceMS) * time.Millisecond
	s.CronExpr, s.Timezone = spec.CronExpr, spec.Timezone
	s.IntervalSeconds, s.RunAt = spec.IntervalSeconds, spec.RunAt
	s.EventType, s.EventSource, s.EventFilter = spec.EventType, spec.EventSource, spec.EventFilter
	s.DependsOn, s.WaitForAll, s.TriggerOnSuccessOnly = spec.DependsOn, spec.WaitForAll, spec.TriggerOnSuccessOnly
	s.SLA, s.RateLimit = sla, rl
	return s, nil
}
