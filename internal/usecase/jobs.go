package usecase

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/botfleet/orchestrator/internal/domain"
	"github.com/botfleet/orchestrator/internal/observability"
)

// Fleet is the slice of the coordinator the job service needs.
type Fleet interface {
	RequestCancel(ctx domain.Context, jobID, robotID string) error
}

// JobService validates and submits jobs and drives cancellation end to end.
type JobService struct {
	Queue  domain.JobQueue
	Fleet  Fleet
	Bounds WorkflowBounds
}

// NewJobService constructs a JobService. fleet may be nil in tests; running
// jobs then cancel without a robot ack.
func NewJobService(q domain.JobQueue, fleet Fleet, bounds WorkflowBounds) JobService {
	return JobService{Queue: q, Fleet: fleet, Bounds: bounds}
}

// Submit validates the workflow and enqueues a job.
func (s JobService) Submit(ctx domain.Context, sub domain.JobSubmission) (string, error) {
	if sub.WorkflowID == "" {
		return "", fmt.Errorf("op=jobs.submit: workflow_id required: %w", domain.ErrInvalidArgument)
	}
	if err := ValidateWorkflow(sub.WorkflowJSON, s.Bounds); err != nil {
		return "", err
	}
	if sub.ExecutionMode == "" {
		sub.ExecutionMode = domain.ExecutionDurable
	}
	jobID, err := s.Queue.Enqueue(ctx, sub)
	if err != nil {
		return "", err
	}
	observability.JobsEnqueuedTotal.Inc()
	return jobID, nil
}

// Get loads one job.
func (s JobService) Get(ctx domain.Context, jobID string) (domain.Job, error) {
	return s.Queue.Get(ctx, jobID)
}

// Stats snapshots the queue.
func (s JobService) Stats(ctx domain.Context) (domain.QueueStats, error) {
	return s.Queue.Stats(ctx)
}

// Peek lists jobs without claiming them.
func (s JobService) Peek(ctx domain.Context, f domain.PeekFilter) ([]domain.Job, error) {
	return s.Queue.Peek(ctx, f)
}

// Cancel cancels a job. A pending job flips to cancelled directly; a running
// job requires the owning robot's ack before the claim is confirmed dead.
// The cancellation itself is authoritative: an unreachable robot does not
// keep the job alive, its lease simply dies with the cancel.
func (s JobService) Cancel(ctx domain.Context, jobID, actor string) error {
	wasRunning, robotID, err := s.Queue.Cancel(ctx, jobID, actor)
	if err != nil {
		return err
	}
	if !wasRunning {
		return nil
	}
	if s.Fleet != nil && robotID != "" {
		if err := s.Fleet.RequestCancel(ctx, jobID, robotID); err != nil {
			slog.Warn("cancel ack not received",
				slog.String("job_id", jobID),
				slog.String("robot_id", robotID),
				slog.Any("error", err))
		}
	}
	if err := s.Queue.ConfirmCancel(ctx, jobID, robotID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	return nil
}
