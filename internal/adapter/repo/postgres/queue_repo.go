package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/botfleet/orchestrator/internal/domain"
)

// jobColumns is the canonical column list for scanning a job row.
const jobColumns = `id, workflow_id, workflow_name, workflow_json, status, priority,
	visible_after, COALESCE(robot_id,''), started_at, completed_at, duration_ms,
	progress_percent, COALESCE(progress_message,''), retry_count, max_retries,
	first_failed_at, execution_mode, required_capabilities, initial_variables, tags,
	result, COALESCE(error_message,''), COALESCE(error_traceback,''),
	lease_expires_at, start_from_checkpoint, created_at, updated_at`

// QueueRepo is the PostgreSQL-backed durable job queue. Every lifecycle
// transition is a SQL statement; claims use a single UPDATE..SELECT..RETURNING
// with FOR UPDATE SKIP LOCKED so concurrent robots never double-claim.
type QueueRepo struct {
	Pool       PgxPool
	Backoff    domain.BackoffPolicy
	Visibility time.Duration
	Channel    string
	Audit      domain.AuditLog
}

// NewQueueRepo constructs a QueueRepo with the given pool and policy.
func NewQueueRepo(p PgxPool, policy domain.BackoffPolicy, visibility time.Duration, channel string, audit domain.AuditLog) *QueueRepo {
	if visibility <= 0 {
		visibility = 5 * time.Minute
	}
	return &QueueRepo{Pool: p, Backoff: policy, Visibility: visibility, Channel: channel, Audit: audit}
}

// withRetry retries transient connection-class failures with bounded
// exponential backoff; domain errors pass through untouched.
func withRetry(ctx context.Context, op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && !pgconn.SafeToRetry(err) {
			return backoff.Permanent(err)
		}
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrOwnershipLost) ||
			errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotCancellable) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

// Enqueue inserts a new pending job. Visibility starts at
// max(now, requested_start) and listeners are woken via pg_notify.
func (r *QueueRepo) Enqueue(ctx domain.Context, sub domain.JobSubmission) (string, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Enqueue")
	defer span.End()

	id := uuid.New().String()
	now := time.Now().UTC()
	visibleAfter := now
	if sub.RequestedStart.After(now) {
		visibleAfter = sub.RequestedStart.UTC()
	}
	maxRetries := sub.MaxRetries
	if maxRetries <= 0 {
		maxRetries = r.Backoff.MaxRetries
	}
	mode := sub.ExecutionMode
	if mode == "" {
		mode = domain.ExecutionDurable
	}
	vars := sub.InitialVariables
	if len(vars) == 0 {
		vars = json.RawMessage(`{}`)
	}

	q := `INSERT INTO job_queue (id, workflow_id, workflow_name, workflow_json, status, priority,
		visible_after, retry_count, max_retries, execution_mode, required_capabilities,
		initial_variables, tags, failure_history, created_at, updated_at)
		VALUES ($1,$2,$3,$4,'pending',$5,$6,0,$7,$8,$9,$10,$11,'[]',$12,$12)`
	err := withRetry(ctx, func() error {
		_, err := r.Pool.Exec(ctx, q, id, sub.WorkflowID, sub.WorkflowName, sub.WorkflowJSON,
			sub.Priority, visibleAfter, maxRetries, mode, sub.RequiredCapabilities, vars, sub.Tags, now)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}
	r.notify(ctx, id)
	r.audit(ctx, sub.Actor, "job.enqueue", id, nil, map[string]any{"status": "pending", "priority": sub.Priority})
	return id, nil
}

// notify wakes dispatchers blocked on the LISTEN channel. Best effort: a lost
// notification only delays dispatch until the next poll tick.
func (r *QueueRepo) notify(ctx context.Context, jobID string) {
	if r.Channel == "" {
		return
	}
	if _, err := r.Pool.Exec(ctx, "SELECT pg_notify($1, $2)", r.Channel, jobID); err != nil {
		logWarn(ctx, "queue notify failed", "job_id", jobID, "error", err)
	}
}

// Claim atomically moves up to limit eligible pending jobs to running, owned
// by robotID. The single-statement CTE with FOR UPDATE SKIP LOCKED is what
// makes concurrent claims race-free; a separate SELECT-then-UPDATE would
// admit a TOCTOU window.
func (r *QueueRepo) Claim(ctx domain.Context, robotID string, limit int) ([]domain.Job, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Claim")
	defer span.End()

	if robotID == "" || limit <= 0 {
		return nil, fmt.Errorf("op=queue.claim: %w", domain.ErrInvalidArgument)
	}
	q := `WITH eligible AS (
		SELECT id AS eligible_id FROM job_queue
		WHERE status = 'pending' AND visible_after <= now()
		ORDER BY priority DESC, created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $2
	)
	UPDATE job_queue
	SET status = 'running', robot_id = $1, started_at = now(),
		lease_expires_at = now() + make_interval(secs => $3),
		updated_at = now()
	FROM eligible
	WHERE id = eligible_id
	RETURNING ` + jobColumns
	var jobs []domain.Job
	err := withRetry(ctx, func() error {
		rows, err := r.Pool.Query(ctx, q, robotID, limit, r.Visibility.Seconds())
		if err != nil {
			return err
		}
		defer rows.Close()
		jobs = jobs[:0]
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("op=queue.claim: %w", err)
	}
	for _, j := range jobs {
		r.audit(ctx, robotID, "job.claim", j.ID, map[string]any{"status": "pending"}, map[string]any{"status": "running", "robot_id": robotID})
	}
	return jobs, nil
}

// ExtendLease pushes the visibility deadline of a running job owned by robotID.
func (r *QueueRepo) ExtendLease(ctx domain.Context, jobID, robotID string, d time.Duration) error {
	q := `UPDATE job_queue SET lease_expires_at = now() + make_interval(secs => $3), updated_at = now()
		WHERE id = $1 AND robot_id = $2 AND status = 'running'`
	var tag pgconn.CommandTag
	err := withRetry(ctx, func() error {
		var err error
		tag, err = r.Pool.Exec(ctx, q, jobID, robotID, d.Seconds())
		return err
	})
	if err != nil {
		return fmt.Errorf("op=queue.extend_lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.extend_lease: job %s: %w", jobID, domain.ErrOwnershipLost)
	}
	return nil
}

// Progress records robot-reported progress and refreshes the lease; a
// progress message is an implicit heartbeat for the job.
func (r *QueueRepo) Progress(ctx domain.Context, jobID, robotID string, percent float64, message string) error {
	q := `UPDATE job_queue SET progress_percent = $3, progress_message = $4,
		lease_expires_at = now() + make_interval(secs => $5), updated_at = now()
		WHERE id = $1 AND robot_id = $2 AND status = 'running'`
	var tag pgconn.CommandTag
	err := withRetry(ctx, func() error {
		var err error
		tag, err = r.Pool.Exec(ctx, q, jobID, robotID, percent, message, r.Visibility.Seconds())
		return err
	})
	if err != nil {
		return fmt.Errorf("op=queue.progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.progress: job %s: %w", jobID, domain.ErrOwnershipLost)
	}
	r.audit(ctx, robotID, "job.progress", jobID, nil, map[string]any{"percent": percent})
	return nil
}

// Complete finishes a running job owned by robotID.
func (r *QueueRepo) Complete(ctx domain.Context, jobID, robotID string, result json.RawMessage) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Complete")
	defer span.End()

	if len(result) == 0 {
		result = json.RawMessage(`{}`)
	}
	q := `UPDATE job_queue SET status = 'completed', completed_at = now(),
		duration_ms = (extract(epoch from (now() - started_at)) * 1000)::bigint,
		result = $3, progress_percent = 100, updated_at = now()
		WHERE id = $1 AND robot_id = $2 AND status = 'running'`
	var tag pgconn.CommandTag
	err := withRetry(ctx, func() error {
		var err error
		tag, err = r.Pool.Exec(ctx, q, jobID, robotID, result)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=queue.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.complete: job %s: %w", jobID, domain.ErrOwnershipLost)
	}
	r.audit(ctx, robotID, "job.complete", jobID, map[string]any{"status": "running"}, map[string]any{"status": "completed"})
	return nil
}

// Fail records a failure of a running job and applies the retry policy:
// below the retry budget the job returns to pending with exponential backoff,
// otherwise it moves to the DLQ in the same transaction.
func (r *QueueRepo) Fail(ctx domain.Context, jobID, robotID, errMsg, traceback string) (domain.FailOutcome, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Fail")
	defer span.End()

	var out domain.FailOutcome
	err := withRetry(ctx, func() error {
		tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		var j jobRetryRow
		row := tx.QueryRow(ctx, `SELECT retry_count, max_retries, workflow_id, workflow_name,
			workflow_json, priority, first_failed_at, failure_history
			FROM job_queue WHERE id = $1 AND robot_id = $2 AND status = 'running' FOR UPDATE`, jobID, robotID)
		if err := row.Scan(&j.retryCount, &j.maxRetries, &j.workflowID, &j.workflowName,
			&j.workflowJSON, &j.priority, &j.firstFailedAt, &j.history); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("job %s: %w", jobID, domain.ErrOwnershipLost)
			}
			return err
		}

		j.history = append(j.history, domain.FailureRecord{
			Attempt: j.retryCount + 1, RobotID: robotID, Error: errMsg, Timestamp: time.Now().UTC(),
		})
		histJSON, err := json.Marshal(j.history)
		if err != nil {
			return err
		}

		if j.retryCount < j.maxRetries {
			attempt := j.retryCount + 1
			delay := r.Backoff.Delay(attempt)
			visibleAfter := time.Now().UTC().Add(delay)
			_, err = tx.Exec(ctx, `UPDATE job_queue SET status = 'pending', robot_id = NULL,
				lease_expires_at = NULL, started_at = NULL, retry_count = $2,
				visible_after = $3, error_message = $4, error_traceback = $5,
				first_failed_at = COALESCE(first_failed_at, now()),
				failure_history = $6, updated_at = now()
				WHERE id = $1`, jobID, attempt, visibleAfter, errMsg, traceback, histJSON)
			if err != nil {
				return err
			}
			out = domain.FailOutcome{WillRetry: true, RetryCount: attempt, VisibleAfter: visibleAfter}
		} else {
			if err := moveToDLQTx(ctx, tx, jobID, "retries_exhausted", histJSON); err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `UPDATE job_queue SET status = 'dlq', robot_id = NULL,
				lease_expires_at = NULL, error_message = $2, error_traceback = $3,
				failure_history = $4, updated_at = now() WHERE id = $1`, jobID, errMsg, traceback, histJSON)
			if err != nil {
				return err
			}
			out = domain.FailOutcome{MovedToDLQ: true, RetryCount: j.retryCount}
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return domain.FailOutcome{}, fmt.Errorf("op=queue.fail: %w", err)
	}
	if out.WillRetry {
		r.notify(ctx, jobID)
	}
	r.audit(ctx, robotID, "job.fail", jobID,
		map[string]any{"status": "running"},
		map[string]any{"will_retry": out.WillRetry, "moved_to_dlq": out.MovedToDLQ, "retry_count": out.RetryCount})
	return out, nil
}

type jobRetryRow struct {
	retryCount    int
	maxRetries    int
	workflowID    string
	workflowName  string
	workflowJSON  []byte
	priority      int
	firstFailedAt *time.Time
	history       []domain.FailureRecord
}

// moveToDLQTx snapshots a job into the dlq table inside the caller's tx.
func moveToDLQTx(ctx context.Context, tx pgx.Tx, jobID, reason string, history []byte) error {
	_, err := tx.Exec(ctx, `INSERT INTO dlq (job_id, workflow_id, workflow_name, workflow_json,
		priority, reason, failure_history, first_failed_at, moved_to_dlq_at)
		SELECT id, workflow_id, workflow_name, workflow_json, priority, $2, $3,
			COALESCE(first_failed_at, now()), now()
		FROM job_queue WHERE id = $1
		ON CONFLICT (job_id) DO NOTHING`, jobID, reason, history)
	return err
}

// Release returns a running job to pending without the failure bookkeeping of
// Fail. Recovery passes ResumeFromCheckpoint for checkpointed jobs (no retry
// increment) and IncrementRetry for non-resumable ones.
func (r *QueueRepo) Release(ctx domain.Context, jobID string, opts domain.ReleaseOptions) error {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Release")
	defer span.End()

	inc := 0
	if opts.IncrementRetry {
		inc = 1
	}
	visibleAfter := time.Now().UTC().Add(opts.Delay)
	q := `UPDATE job_queue SET status = 'pending', robot_id = NULL, lease_expires_at = NULL,
		started_at = NULL, retry_count = LEAST(retry_count + $2, max_retries),
		visible_after = $3, start_from_checkpoint = $4,
		error_message = CASE WHEN $5 <> '' THEN $5 ELSE error_message END,
		failure_history = CASE WHEN $5 <> '' THEN failure_history ||
			jsonb_build_array(jsonb_build_object('attempt', retry_count + $2, 'robot_id', COALESCE(robot_id,''), 'error', $5, 'timestamp', now()))
			ELSE failure_history END,
		first_failed_at = CASE WHEN $5 <> '' THEN COALESCE(first_failed_at, now()) ELSE first_failed_at END,
		updated_at = now()
		WHERE id = $1 AND status = 'running'`
	args := []any{jobID, inc, visibleAfter, opts.ResumeFromCheckpoint, opts.Error}
	if opts.RobotID != "" {
		q += ` AND robot_id = $6`
		args = append(args, opts.RobotID)
	}
	var tag pgconn.CommandTag
	err := withRetry(ctx, func() error {
		var err error
		tag, err = r.Pool.Exec(ctx, q, args...)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=queue.release: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.release: job %s: %w", jobID, domain.ErrOwnershipLost)
	}
	r.notify(ctx, jobID)
	r.audit(ctx, opts.RobotID, "job.release", jobID,
		map[string]any{"status": "running"},
		map[string]any{"status": "pending", "resume_from_checkpoint": opts.ResumeFromCheckpoint})
	return nil
}

// Cancel cancels a pending job outright. For a running job it reports the
// owner so the coordinator can deliver job_cancel; the row flips to cancelled
// only on ConfirmCancel (or via recovery when the robot never acks).
func (r *QueueRepo) Cancel(ctx domain.Context, jobID, actor string) (bool, string, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.Cancel")
	defer span.End()

	var tag pgconn.CommandTag
	err := withRetry(ctx, func() error {
		var err error
		tag, err = r.Pool.Exec(ctx, `UPDATE job_queue SET status = 'cancelled', completed_at = now(),
			updated_at = now() WHERE id = $1 AND status = 'pending'`, jobID)
		return err
	})
	if err != nil {
		return false, "", fmt.Errorf("op=queue.cancel: %w", err)
	}
	if tag.RowsAffected() > 0 {
		r.audit(ctx, actor, "job.cancel", jobID, map[string]any{"status": "pending"}, map[string]any{"status": "cancelled"})
		return false, "", nil
	}

	var status, robotID string
	err = withRetry(ctx, func() error {
		row := r.Pool.QueryRow(ctx, `SELECT status, COALESCE(robot_id,'') FROM job_queue WHERE id = $1`, jobID)
		if err := row.Scan(&status, &robotID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return false, "", fmt.Errorf("op=queue.cancel: %w", err)
	}
	if status != string(domain.JobRunning) {
		return false, "", fmt.Errorf("op=queue.cancel: job %s in %s: %w", jobID, status, domain.ErrNotCancellable)
	}
	return true, robotID, nil
}

// ConfirmCancel finalizes cancellation of a running job after the owning
// robot acked job_cancel.
func (r *QueueRepo) ConfirmCancel(ctx domain.Context, jobID, robotID string) error {
	var tag pgconn.CommandTag
	err := withRetry(ctx, func() error {
		var err error
		tag, err = r.Pool.Exec(ctx, `UPDATE job_queue SET status = 'cancelled', completed_at = now(),
			updated_at = now() WHERE id = $1 AND robot_id = $2 AND status = 'running'`, jobID, robotID)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=queue.confirm_cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=queue.confirm_cancel: job %s: %w", jobID, domain.ErrOwnershipLost)
	}
	r.audit(ctx, robotID, "job.cancel", jobID, map[string]any{"status": "running"}, map[string]any{"status": "cancelled"})
	return nil
}

// RequeueStale reclaims running jobs whose lease expired: rows with retry
// budget left return to pending with per-row exponential backoff, the rest
// move to the DLQ. Both branches run in one transaction and are idempotent
// (expired rows are gone from 'running' after the first pass).
func (r *QueueRepo) RequeueStale(ctx domain.Context) (int, []string, error) {
	tracer := otel.Tracer("repo.queue")
	ctx, span := tracer.Start(ctx, "queue.RequeueStale")
	defer span.End()

	var retried int
	var dlqd []string
	err := withRetry(ctx, func() error {
		retried, dlqd = 0, nil
		tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		// Retryable class: backoff exponent is the pre-increment retry_count,
		// matching BackoffPolicy.Delay(attempt).
		rows, err := tx.Query(ctx, `UPDATE job_queue SET status = 'pending', robot_id = NULL,
			lease_expires_at = NULL, started_at = NULL, retry_count = retry_count + 1,
			visible_after = now() + make_interval(secs => LEAST($1, $2 * power($3, retry_count))),
			error_message = 'lease expired',
			failure_history = failure_history || jsonb_build_array(jsonb_build_object(
				'attempt', retry_count + 1, 'robot_id', COALESCE(robot_id,''),
				'error', 'lease expired', 'timestamp', now())),
			first_failed_at = COALESCE(first_failed_at, now()),
			updated_at = now()
			WHERE status = 'running' AND lease_expires_at < now() AND retry_count < max_retries
			RETURNING id`,
			r.Backoff.MaxDelay.Seconds(), r.Backoff.BaseDelay.Seconds(), r.Backoff.Multiplier)
		if err != nil {
			return err
		}
		var retriedIDs []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			retriedIDs = append(retriedIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		retried = len(retriedIDs)

		// Exhausted class: snapshot to DLQ, then flip status.
		rows, err = tx.Query(ctx, `SELECT id, failure_history FROM job_queue
			WHERE status = 'running' AND lease_expires_at < now() AND retry_count >= max_retries
			FOR UPDATE SKIP LOCKED`)
		if err != nil {
			return err
		}
		type staleRow struct {
			id      string
			history []domain.FailureRecord
		}
		var stale []staleRow
		for rows.Next() {
			var s staleRow
			if err := rows.Scan(&s.id, &s.history); err != nil {
				rows.Close()
				return err
			}
			stale = append(stale, s)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, s := range stale {
			s.history = append(s.history, domain.FailureRecord{
				Attempt: len(s.history) + 1, Error: "lease expired", Timestamp: time.Now().UTC(),
			})
			histJSON, err := json.Marshal(s.history)
			if err != nil {
				return err
			}
			if err := moveToDLQTx(ctx, tx, s.id, "lease_expired", histJSON); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `UPDATE job_queue SET status = 'dlq', robot_id = NULL,
				lease_expires_at = NULL, failure_history = $2, updated_at = now()
				WHERE id = $1`, s.id, histJSON); err != nil {
				return err
			}
			dlqd = append(dlqd, s.id)
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, nil, fmt.Errorf("op=queue.requeue_stale: %w", err)
	}
	if retried > 0 || len(dlqd) > 0 {
		r.audit(ctx, "system", "job.requeue_stale", "", nil, map[string]any{"retried": retried, "dlq": len(dlqd)})
	}
	return retried, dlqd, nil
}

// Get loads a job by id.
func (r *QueueRepo) Get(ctx domain.Context, jobID string) (domain.Job, error) {
	var j domain.Job
	err := withRetry(ctx, func() error {
		row := r.Pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_queue WHERE id = $1`, jobID)
		var err error
		j, err = scanJob(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=queue.get: %w", err)
	}
	return j, nil
}

// ClaimedBy lists the running jobs currently owned by a robot.
func (r *QueueRepo) ClaimedBy(ctx domain.Context, robotID string) ([]domain.Job, error) {
	var jobs []domain.Job
	err := withRetry(ctx, func() error {
		rows, err := r.Pool.Query(ctx, `SELECT `+jobColumns+` FROM job_queue
			WHERE robot_id = $1 AND status = 'running' ORDER BY started_at`, robotID)
		if err != nil {
			return err
		}
		defer rows.Close()
		jobs = jobs[:0]
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("op=queue.claimed_by: %w", err)
	}
	return jobs, nil
}

// Stats returns queue depth by status and priority plus the oldest pending age.
func (r *QueueRepo) Stats(ctx domain.Context) (domain.QueueStats, error) {
	stats := domain.QueueStats{ByStatus: map[domain.JobStatus]int{}, DepthByPriority: map[int]int{}}
	err := withRetry(ctx, func() error {
		rows, err := r.Pool.Query(ctx, `SELECT status, count(*) FROM job_queue GROUP BY status`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var s string
			var n int
			if err := rows.Scan(&s, &n); err != nil {
				rows.Close()
				return err
			}
			stats.ByStatus[domain.JobStatus(s)] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		rows, err = r.Pool.Query(ctx, `SELECT priority, count(*) FROM job_queue WHERE status = 'pending' GROUP BY priority`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var p, n int
			if err := rows.Scan(&p, &n); err != nil {
				rows.Close()
				return err
			}
			stats.DepthByPriority[p] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		var oldest *time.Time
		row := r.Pool.QueryRow(ctx, `SELECT min(created_at) FROM job_queue WHERE status = 'pending'`)
		if err := row.Scan(&oldest); err != nil {
			return err
		}
		if oldest != nil {
			stats.OldestPendingAge = time.Since(*oldest)
		}
		return nil
	})
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=queue.stats: %w", err)
	}
	return stats, nil
}

// Peek lists jobs for operators without mutating anything.
func (r *QueueRepo) Peek(ctx domain.Context, f domain.PeekFilter) ([]domain.Job, error) {
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := `SELECT ` + jobColumns + ` FROM job_queue WHERE ($1 = '' OR status = $1)
		AND ($2 = '' OR workflow_id = $2)
		ORDER BY priority DESC, created_at ASC LIMIT $3`
	var jobs []domain.Job
	err := withRetry(ctx, func() error {
		rows, err := r.Pool.Query(ctx, q, string(f.Status), f.WorkflowID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		jobs = jobs[:0]
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("op=queue.peek: %w", err)
	}
	return jobs, nil
}

// SaveCheckpoint upserts the latest execution checkpoint for a job.
func (r *QueueRepo) SaveCheckpoint(ctx domain.Context, cp domain.Checkpoint) error {
	vars := cp.Variables
	if len(vars) == 0 {
		vars = json.RawMessage(`{}`)
	}
	err := withRetry(ctx, func() error {
		_, err := r.Pool.Exec(ctx, `INSERT INTO job_checkpoints (job_id, node_id, variables, resumable, recorded_at)
			VALUES ($1,$2,$3,$4,now())
			ON CONFLICT (job_id) DO UPDATE SET node_id = $2, variables = $3, resumable = $4, recorded_at = now()`,
			cp.JobID, cp.NodeID, vars, cp.Resumable)
		return err
	})
	if err != nil {
		return fmt.Errorf("op=queue.save_checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint loads the latest checkpoint for a job.
func (r *QueueRepo) GetCheckpoint(ctx domain.Context, jobID string) (domain.Checkpoint, error) {
	var cp domain.Checkpoint
	err := withRetry(ctx, func() error {
		row := r.Pool.QueryRow(ctx, `SELECT job_id, node_id, variables, resumable, recorded_at
			FROM job_checkpoints WHERE job_id = $1`, jobID)
		if err := row.Scan(&cp.JobID, &cp.NodeID, &cp.Variables, &cp.Resumable, &cp.RecordedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("checkpoint for job %s: %w", jobID, domain.ErrNotFound)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("op=queue.get_checkpoint: %w", err)
	}
	return cp, nil
}

// audit emits a state-transition event; audit failures are logged, never
// propagated, so a transition is not lost to a broken audit sink.
func (r *QueueRepo) audit(ctx context.Context, actor, action, resourceID string, before, after map[string]any) {
	if r.Audit == nil {
		return
	}
	if actor == "" {
		actor = "system"
	}
	ev := domain.AuditEvent{
		Timestamp:    time.Now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: "job",
		ResourceID:   resourceID,
	}
	if before != nil {
		ev.Before, _ = json.Marshal(before)
	}
	if after != nil {
		ev.After, _ = json.Marshal(after)
	}
	if err := r.Audit.Append(ctx, ev); err != nil {
		logWarn(ctx, "audit append failed", "action", action, "resource_id", resourceID, "error", err)
	}
}
