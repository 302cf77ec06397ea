package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/botfleet/orchestrator/internal/domain"
)

const dlqColumns = `job_id, workflow_id, workflow_name, workflow_json, priority, reason,
	failure_history, first_failed_at, moved_to_dlq_at, reprocessed_at, COALESCE(reprocessed_by,'')`

// DLQRepo reads and reprocesses dead-lettered jobs. Entries are write-only
// from the queue side; reprocessing is the only mutation.
type DLQRepo struct {
	Pool  PgxPool
	Audit domain.AuditLog
}

// NewDLQRepo constructs a DLQRepo with the given pool.
func NewDLQRepo(p PgxPool, audit domain.AuditLog) *DLQRepo { return &DLQRepo{Pool: p, Audit: audit} }

// List pages through DLQ entries, newest first.
func (r *DLQRepo) List(ctx domain.Context, limit, offset int) ([]domain.DLQEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var out []domain.DLQEntry
	err := withRetry(ctx, func() error {
		rows, err := r.Pool.Query(ctx, `SELECT `+dlqColumns+` FROM dlq
			ORDER BY moved_to_dlq_at DESC LIMIT $1 OFFSET $2`, limit, offset)
		if err != nil {
			return err
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			e, err := scanDLQ(rows)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("op=dlq.list: %w", err)
	}
	return out, nil
}

// Get loads one DLQ entry by original job id.
func (r *DLQRepo) Get(ctx domain.Context, jobID string) (domain.DLQEntry, error) {
	var e domain.DLQEntry
	err := withRetry(ctx, func() error {
		row := r.Pool.QueryRow(ctx, `SELECT `+dlqColumns+` FROM dlq WHERE job_id = $1`, jobID)
		var err error
		e, err = scanDLQ(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("dlq entry %s: %w", jobID, domain.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return domain.DLQEntry{}, fmt.Errorf("op=dlq.get: %w", err)
	}
	return e, nil
}

// Reprocess creates a fresh pending job from the DLQ snapshot and marks the
// entry reprocessed, in one transaction. Re-running on an already reprocessed
// entry returns ErrConflict.
func (r *DLQRepo) Reprocess(ctx domain.Context, jobID, actor string) (string, error) {
	tracer := otel.Tracer("repo.dlq")
	ctx, span := tracer.Start(ctx, "dlq.Reprocess")
	defer span.End()

	newID := uuid.New().String()
	err := withRetry(ctx, func() error {
		tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		var e domain.DLQEntry
		row := tx.QueryRow(ctx, `SELECT job_id, workflow_id, workflow_name, workflow_json, priority,
			reprocessed_at FROM dlq WHERE job_id = $1 FOR UPDATE`, jobID)
		if err := row.Scan(&e.JobID, &e.WorkflowID, &e.WorkflowName, &e.WorkflowJSON, &e.Priority, &e.ReprocessedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("dlq entry %s: %w", jobID, domain.ErrNotFound)
			}
			return err
		}
		if e.ReprocessedAt != nil {
			return fmt.Errorf("dlq entry %s already reprocessed: %w", jobID, domain.ErrConflict)
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `INSERT INTO job_queue (id, workflow_id, workflow_name, workflow_json,
			status, priority, visible_after, retry_count, max_retries, execution_mode,
			required_capabilities, initial_variables, tags, failure_history, created_at, updated_at)
			SELECT $1, workflow_id, workflow_name, workflow_json, 'pending', priority, $2, 0,
				max_retries, execution_mode, required_capabilities, initial_variables, tags, '[]', $2, $2
			FROM job_queue WHERE id = $3`, newID, now, jobID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE dlq SET reprocessed_at = $2, reprocessed_by = $3
			WHERE job_id = $1`, jobID, now, actor); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return "", fmt.Errorf("op=dlq.reprocess: %w", err)
	}
	if r.Audit != nil {
		after, _ := json.Marshal(map[string]any{"new_job_id": newID})
		_ = r.Audit.Append(ctx, domain.AuditEvent{
			Timestamp: time.Now().UTC(), Actor: actor, Action: "dlq.reprocess",
			ResourceType: "dlq", ResourceID: jobID, After: after,
		})
	}
	return newID, nil
}

func scanDLQ(row rowScanner) (domain.DLQEntry, error) {
	var e domain.DLQEntry
	err := row.Scan(&e.JobID, &e.WorkflowID, &e.WorkflowName, &e.WorkflowJSON, &e.Priority,
		&e.Reason, &e.FailureHistory, &e.FirstFailedAt, &e.MovedToDLQAt, &e.ReprocessedAt, &e.ReprocessedBy)
	return e, err
}
