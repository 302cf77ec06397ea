package postgres

import (
	"context"
	"log/slog"

	"github.com/botfleet/orchestrator/internal/domain"
)

type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob scans a row produced with jobColumns.
func scanJob(row rowScanner) (domain.Job, error) {
	var j domain.Job
	var mode string
	var status string
	err := row.Scan(
		&j.ID, &j.WorkflowID, &j.WorkflowName, &j.WorkflowJSON, &status, &j.Priority,
		&j.VisibleAfter, &j.RobotID, &j.StartedAt, &j.CompletedAt, &j.DurationMS,
		&j.ProgressPercent, &j.ProgressMessage, &j.RetryCount, &j.MaxRetries,
		&j.FirstFailedAt, &mode, &j.RequiredCapabilities, &j.InitialVariables, &j.Tags,
		&j.Result, &j.ErrorMessage, &j.ErrorTraceback,
		&j.LeaseExpiresAt, &j.StartFromCheckpoint, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}
	j.Status = domain.JobStatus(status)
	j.ExecutionMode = domain.ExecutionMode(mode)
	return j, nil
}

func logWarn(ctx context.Context, msg string, args ...any) {
	slog.WarnContext(ctx, msg, args...)
}
