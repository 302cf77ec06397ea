package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/botfleet/orchestrator/internal/domain"
)

// CompletionNotifier observes terminal job outcomes. The scheduler uses it
// for SLA accounting and dependency propagation.
type CompletionNotifier interface {
	NotifyCompletion(ctx context.Context, jobID string, success bool)
}

// LeaseSweeper reclaims running jobs whose lease expired. The queue applies
// the regular retry-or-DLQ state machine, so a crashed robot's jobs come back
// without operator action even when the coordinator never saw a disconnect.
type LeaseSweeper struct {
	queue       domain.JobQueue
	completions CompletionNotifier
	interval    time.Duration
}

// NewLeaseSweeper returns a sweeper, or nil when the queue is absent.
// completions may be nil.
func NewLeaseSweeper(queue domain.JobQueue, completions CompletionNotifier, interval time.Duration) *LeaseSweeper {
	if queue == nil {
		return nil
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &LeaseSweeper{queue: queue, completions: completions, interval: interval}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *LeaseSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("lease sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *LeaseSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("queue.sweeper")
	ctx, span := tracer.Start(ctx, "LeaseSweeper.sweepOnce")
	defer span.End()

	retried, dlqd, err := s.queue.RequeueStale(ctx)
	if err != nil {
		span.RecordError(err)
		slog.Error("lease sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(
		attribute.Int("jobs.retried", retried),
		attribute.Int("jobs.dlqd", len(dlqd)),
	)
	// Exhausted jobs are terminal; schedules waiting on them must hear it.
	if s.completions != nil {
		for _, jobID := range dlqd {
			s.completions.NotifyCompletion(ctx, jobID, false)
		}
	}
	if retried > 0 || len(dlqd) > 0 {
		slog.Info("lease sweep reclaimed stale jobs",
			slog.Int("retried", retried),
			slog.Int("dlqd", len(dlqd)))
	}
}
