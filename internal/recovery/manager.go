// Package recovery returns jobs owned by failed robots to the queue. Jobs
// with a resumable checkpoint requeue for checkpoint resumption without
// burning a retry; the rest go through normal failure accounting and either
// retry with backoff or land in the dead letter queue.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/botfleet/orchestrator/internal/coordinator"
	"github.com/botfleet/orchestrator/internal/domain"
	"github.com/botfleet/orchestrator/internal/observability"
)

// Config bundles the manager's tunables.
type Config struct {
	HealthCheckInterval     time.Duration
	HeartbeatTimeout        time.Duration
	MaxConcurrentRecoveries int64
}

// Manager consumes robot failure events and sweeps the robot directory for
// stale entries that never produced an event (coordinator restarts).
type Manager struct {
	cfg         Config
	queue       domain.JobQueue
	directory   domain.RobotDirectory
	audit       domain.AuditLog
	events      <-chan coordinator.RobotFailedEvent
	completions coordinator.CompletionNotifier
	sem         *semaphore.Weighted
	now         func() time.Time
}

// SetCompletionNotifier wires an observer of terminal outcomes; recovery
// reports jobs it dead-letters the same way the coordinator reports robot
// failures. Call before Run.
func (m *Manager) SetCompletionNotifier(n coordinator.CompletionNotifier) { m.completions = n }

// New constructs a Manager. events is the coordinator's failure stream;
// audit may be nil.
func New(cfg Config, queue domain.JobQueue, directory domain.RobotDirectory, audit domain.AuditLog, events <-chan coordinator.RobotFailedEvent) *Manager {
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 45 * time.Second
	}
	if cfg.MaxConcurrentRecoveries <= 0 {
		cfg.MaxConcurrentRecoveries = 4
	}
	return &Manager{
		cfg:       cfg,
		queue:     queue,
		directory: directory,
		audit:     audit,
		events:    events,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentRecoveries),
		now:       time.Now,
	}
}

// Run processes failure events and runs the health sweep until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.events:
			if !ok {
				return
			}
			m.spawn(ctx, ev.RobotID, ev.Reason)
		case <-ticker.C:
			m.sweepDirectory(ctx)
		}
	}
}

// spawn recovers one robot's jobs under the concurrency cap.
func (m *Manager) spawn(ctx context.Context, robotID, reason string) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return
	}
	go func() {
		defer m.sem.Release(1)
		if err := m.recoverRobot(ctx, robotID, reason); err != nil {
			slog.Error("robot recovery failed",
				slog.String("robot_id", robotID), slog.Any("error", err))
		}
	}()
}

// sweepDirectory catches robots whose failure event was lost, for example
// when the orchestrator restarted while they were busy.
func (m *Manager) sweepDirectory(ctx context.Context) {
	robots, err := m.directory.List(ctx)
	if err != nil {
		slog.Warn("robot directory list failed", slog.Any("error", err))
		return
	}
	cutoff := m.now().Add(-m.cfg.HeartbeatTimeout)
	for _, r := range robots {
		if r.Status == domain.RobotOffline || r.LastHeartbeatAt.After(cutoff) {
			continue
		}
		robotID := r.ID
		slog.Warn("stale robot in directory", slog.String("robot_id", robotID),
			slog.Time("last_heartbeat", r.LastHeartbeatAt))
		if err := m.directory.SetStatus(ctx, robotID, domain.RobotOffline); err != nil {
			slog.Warn("robot status update failed", slog.String("robot_id", robotID), slog.Any("error", err))
			continue
		}
		m.spawn(ctx, robotID, "stale_directory_entry")
	}
}

// RecoverRobot forces recovery of every job claimed by robotID. Used by the
// admin API and by the event/sweep paths.
func (m *Manager) RecoverRobot(ctx context.Context, robotID string) error {
	return m.recoverRobot(ctx, robotID, "manual")
}

func (m *Manager) recoverRobot(ctx context.Context, robotID, reason string) error {
	jobs, err := m.queue.ClaimedBy(ctx, robotID)
	if err != nil {
		return fmt.Errorf("op=recovery.robot: list claims for %s: %w", robotID, err)
	}
	for _, job := range jobs {
		action, err := m.recoverJob(ctx, job, robotID, reason)
		if err != nil {
			slog.Error("job recovery failed",
				slog.String("job_id", job.ID), slog.String("robot_id", robotID), slog.Any("error", err))
			continue
		}
		observability.RecoveriesTotal.WithLabelValues(action).Inc()
		m.auditRecovery(ctx, job.ID, robotID, reason, action)
		slog.Info("job recovered",
			slog.String("job_id", job.ID),
			slog.String("robot_id", robotID),
			slog.String("action", action))
	}
	return nil
}

// recoverJob picks the recovery action for one orphaned job and returns it.
func (m *Manager) recoverJob(ctx context.Context, job domain.Job, robotID, reason string) (string, error) {
	failure := fmt.Sprintf("robot failure: %s", reason)

	cp, err := m.queue.GetCheckpoint(ctx, job.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return "", fmt.Errorf("op=recovery.job: checkpoint for %s: %w", job.ID, err)
	}
	if err == nil && cp.Resumable {
		// Resumption does not consume a retry: the job did not fail, its
		// robot did.
		err := m.queue.Release(ctx, job.ID, domain.ReleaseOptions{
			RobotID:              robotID,
			ResumeFromCheckpoint: true,
			Error:                failure,
		})
		if err != nil {
			if errors.Is(err, domain.ErrOwnershipLost) {
				return "noop", nil
			}
			return "", fmt.Errorf("op=recovery.job: release %s: %w", job.ID, err)
		}
		return "checkpoint_resume", nil
	}

	outcome, err := m.queue.Fail(ctx, job.ID, robotID, failure, "")
	if err != nil {
		if errors.Is(err, domain.ErrOwnershipLost) {
			return "noop", nil
		}
		return "", fmt.Errorf("op=recovery.job: fail %s: %w", job.ID, err)
	}
	if outcome.MovedToDLQ {
		if m.completions != nil {
			m.completions.NotifyCompletion(ctx, job.ID, false)
		}
		return "dlq", nil
	}
	return "retry", nil
}

func (m *Manager) auditRecovery(ctx context.Context, jobID, robotID, reason, action string) {
	if m.audit == nil {
		return
	}
	after, _ := json.Marshal(map[string]string{
		"robot_id": robotID, "reason": reason, "action": action,
	})
	ev := domain.AuditEvent{
		Timestamp: m.now().UTC(), Actor: "system", Action: "job.recovered",
		ResourceType: "job", ResourceID: jobID, After: after,
	}
	if err := m.audit.Append(ctx, ev); err != nil {
		slog.Warn("audit append failed", slog.String("action", ev.Action), slog.Any("error", err))
	}
}
