package postgres

import (
	"fmt"
	"time"

	"github.com/botfleet/orchestrator/internal/domain"
)

// RobotRepo is the durable robot directory. The coordinator's in-memory
// registry is authoritative for live state; this table survives restarts and
// feeds the recovery health sweep.
type RobotRepo struct{ Pool PgxPool }

// NewRobotRepo constructs a RobotRepo with the given pool.
func NewRobotRepo(p PgxPool) *RobotRepo { return &RobotRepo{Pool: p} }

// UpsertRegistration records a robot on (re)connect.
func (r *RobotRepo) UpsertRegistration(ctx domain.Context, robot domain.Robot) error {
	caps := make([]string, 0, len(robot.Capabilities))
	for _, c := range robot.Capabilities {
		caps = append(caps, c.String())
	}
	q := `INSERT INTO robots (id, name, environment, capabilities, max_concurrent_jobs, tags, status, last_seen)
		VALUES ($1,$2,$3,$4,$5,$6,$7,now())
		ON CONFLICT (id) DO UPDATE SET name = $2, environment = $3, capabilities = $4,
			max_concurrent_jobs = $5, tags = $6, status = $7, last_seen = now()`
	err := withRetry(ctx, func() error {
		_, err := r.Pool.Exec(ctx, q, robot.ID, robot.Name, robot.Environment, caps,
			robot.MaxConcurrentJobs, robot.Tags, string(robot.Status))
		return err
	})
	if err != nil {
		return fmt.Errorf("op=robots.upsert: %w", err)
	}
	return nil
}

// TouchHeartbeat bumps last_seen on heartbeat.
func (r *RobotRepo) TouchHeartbeat(ctx domain.Context, robotID string, at time.Time) error {
	err := withRetry(ctx, func() error {
		_, err := r.Pool.Exec(ctx, `UPDATE robots SET last_seen = $2 WHERE id = $1`, robotID, at.UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("op=robots.touch: %w", err)
	}
	return nil
}

// SetStatus updates the durable status tag.
func (r *RobotRepo) SetStatus(ctx domain.Context, robotID string, status domain.RobotStatus) error {
	err := withRetry(ctx, func() error {
		_, err := r.Pool.Exec(ctx, `UPDATE robots SET status = $2 WHERE id = $1`, robotID, string(status))
		return err
	})
	if err != nil {
		return fmt.Errorf("op=robots.set_status: %w", err)
	}
	return nil
}

// List returns the directory, most recently seen first.
func (r *RobotRepo) List(ctx domain.Context) ([]domain.Robot, error) {
	var out []domain.Robot
	err := withRetry(ctx, func() error {
		rows, err := r.Pool.Query(ctx, `SELECT id, name, environment, capabilities,
			max_concurrent_jobs, tags, status, last_seen FROM robots ORDER BY last_seen DESC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var robot domain.Robot
			var caps []string
			var status string
			if err := rows.Scan(&robot.ID, &robot.Name, &robot.Environment, &caps,
				&robot.MaxConcurrentJobs, &robot.Tags, &status, &robot.LastHeartbeatAt); err != nil {
				return err
			}
			robot.Capabilities = domain.MustParseCapabilities(caps)
			robot.Status = domain.RobotStatus(status)
			out = append(out, robot)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("op=robots.list: %w", err)
	}
	return out, nil
}
