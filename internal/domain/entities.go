// Package domain defines the orchestrator's entities and ports.
package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrNoCapableRobot  = errors.New("no capable robot")
	ErrOwnershipLost   = errors.New("job ownership lost")
	ErrNotCancellable  = errors.New("job not cancellable")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInternal        = errors.New("internal error")
)

// Context is an alias to allow decoupling from std context in domain.
// Adapters and usecases pass context.Context through.
type Context = context.Context

// JobStatus enumerates the job lifecycle states.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
	JobDLQ       JobStatus = "dlq"
)

// ExecutionMode selects how the robot runtime executes the workflow.
type ExecutionMode string

const (
	ExecutionDurable  ExecutionMode = "durable"
	ExecutionRealtime ExecutionMode = "realtime"
)

// Job is a unit of work persisted in the job_queue table.
// Invariants: exactly one transition out of pending per job (atomic claim);
// a running job always has a non-empty RobotID and a future LeaseExpiresAt;
// RetryCount <= MaxRetries.
type Job struct {
	ID           string
	WorkflowID   string
	WorkflowName string
	WorkflowJSON json.RawMessage
	Status       JobStatus
	Priority     int
	VisibleAfter time.Time
	RobotID      string

	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationMS      int64
	ProgressPercent float64
	ProgressMessage string

	RetryCount    int
	MaxRetries    int
	FirstFailedAt *time.Time

	ExecutionMode        ExecutionMode
	RequiredCapabilities []string
	InitialVariables     json.RawMessage
	Tags                 []string

	Result         json.RawMessage
	ErrorMessage   string
	ErrorTraceback string

	LeaseExpiresAt      *time.Time
	StartFromCheckpoint bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the job is in a state no transition may leave.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobCompleted, JobCancelled, JobDLQ:
		return true
	}
	return false
}

// JobSubmission carries the caller-supplied fields of a new job.
type JobSubmission struct {
	WorkflowID           string
	WorkflowName         string
	WorkflowJSON         json.RawMessage
	Priority             int
	RequestedStart       time.Time
	MaxRetries           int
	ExecutionMode        ExecutionMode
	RequiredCapabilities []string
	InitialVariables     json.RawMessage
	Tags                 []string
	Actor                string
}

// FailOutcome reports the queue's decision after a failure.
type FailOutcome struct {
	MovedToDLQ   bool
	WillRetry    bool
	RetryCount   int
	VisibleAfter time.Time
}

// ReleaseOptions controls how a running job is returned to pending.
// Recovery uses ResumeFromCheckpoint to re-queue without a retry increment.
type ReleaseOptions struct {
	Delay                time.Duration
	ResumeFromCheckpoint bool
	IncrementRetry       bool
	Error                string
	RobotID              string
}

// QueueStats is a point-in-time snapshot for operators.
type QueueStats struct {
	ByStatus         map[JobStatus]int
	DepthByPriority  map[int]int
	OldestPendingAge time.Duration
}

// PeekFilter narrows Peek results.
type PeekFilter struct {
	Status     JobStatus
	WorkflowID string
	Limit      int
}

// RobotStatus enumerates robot states as tracked by the coordinator.
type RobotStatus string

const (
	RobotIdle    RobotStatus = "idle"
	RobotBusy    RobotStatus = "busy"
	RobotOffline RobotStatus = "offline"
	RobotPaused  RobotStatus = "paused"
	RobotError   RobotStatus = "error"
)

// Robot is a connected worker.
// Invariants: len(CurrentJobs) <= MaxConcurrentJobs; an offline robot holds
// no current jobs (enforced by recovery).
type Robot struct {
	ID                string
	Name              string
	Environment       string
	Capabilities      []Capability
	MaxConcurrentJobs int
	CurrentJobs       []string
	Status            RobotStatus
	Tags              []string
	LastHeartbeatAt   time.Time
	LastAssignedAt    time.Time
	CPUPercent        float64
	MemoryPercent     float64
}

// AvailableSlots returns how many more jobs the robot may take.
func (r Robot) AvailableSlots() int {
	n := r.MaxConcurrentJobs - len(r.CurrentJobs)
	if n < 0 {
		return 0
	}
	return n
}

// Checkpoint is the latest durable execution snapshot for a job.
// A resumable checkpoint lets the next claimer resume from NodeID.
type Checkpoint struct {
	JobID      string
	NodeID     string
	Variables  json.RawMessage
	Resumable  bool
	RecordedAt time.Time
}

// FailureRecord is one entry of a DLQ failure history.
type FailureRecord struct {
	Attempt   int       `json:"attempt"`
	RobotID   string    `json:"robot_id"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// DLQEntry is a failed-beyond-retry job snapshot.
type DLQEntry struct {
	JobID          string
	WorkflowID     string
	WorkflowName   string
	WorkflowJSON   json.RawMessage
	Priority       int
	Reason         string
	FailureHistory []FailureRecord
	FirstFailedAt  *time.Time
	MovedToDLQAt   time.Time
	ReprocessedAt  *time.Time
	ReprocessedBy  string
}

// Workflow is a stored automation definition referenced by schedules and
// job submissions.
type Workflow struct {
	ID         string
	Name       string
	Definition json.RawMessage
	Version    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AuditEvent is one append-only audit log record.
type AuditEvent struct {
	ID           string
	Timestamp    time.Time
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	Before       json.RawMessage
	After        json.RawMessage
}

// Ports

// JobQueue is the durable queue port backed by PostgreSQL. All state
// transitions happen as SQL statements; callers never flip Status in memory
// without a corresponding write.
type JobQueue interface {
	Enqueue(ctx Context, sub JobSubmission) (string, error)
	// Claim atomically transitions up to limit eligible pending jobs to
	// running, owned by robotID, ordered by (priority DESC, created_at ASC).
	Claim(ctx Context, robotID string, limit int) ([]Job, error)
	ExtendLease(ctx Context, jobID, robotID string, d time.Duration) error
	Progress(ctx Context, jobID, robotID string, percent float64, message string) error
	Complete(ctx Context, jobID, robotID string, result json.RawMessage) error
	Fail(ctx Context, jobID, robotID, errMsg, traceback string) (FailOutcome, error)
	Release(ctx Context, jobID string, opts ReleaseOptions) error
	Cancel(ctx Context, jobID, actor string) (wasRunning bool, robotID string, err error)
	ConfirmCancel(ctx Context, jobID, robotID string) error
	// RequeueStale reclaims running jobs whose lease expired, applying the
	// same retry-or-DLQ state machine as Fail. It returns the ids of jobs
	// that landed in the DLQ so callers can report terminal outcomes.
	// Idempotent.
	RequeueStale(ctx Context) (retried int, dlqd []string, err error)
	Get(ctx Context, jobID string) (Job, error)
	ClaimedBy(ctx Context, robotID string) ([]Job, error)
	Stats(ctx Context) (QueueStats, error)
	Peek(ctx Context, f PeekFilter) ([]Job, error)
	SaveCheckpoint(ctx Context, cp Checkpoint) error
	GetCheckpoint(ctx Context, jobID string) (Checkpoint, error)
}

// DLQRepository reads and reprocesses dead-lettered jobs.
type DLQRepository interface {
	List(ctx Context, limit, offset int) ([]DLQEntry, error)
	Get(ctx Context, jobID string) (DLQEntry, error)
	// Reprocess creates a fresh pending job from the snapshot and marks the
	// entry reprocessed, in one transaction.
	Reprocess(ctx Context, jobID, actor string) (newJobID string, err error)
}

// RobotDirectory is the durable subset of the robot registry.
type RobotDirectory interface {
	UpsertRegistration(ctx Context, r Robot) error
	TouchHeartbeat(ctx Context, robotID string, at time.Time) error
	SetStatus(ctx Context, robotID string, status RobotStatus) error
	List(ctx Context) ([]Robot, error)
}

// ScheduleRepository persists schedules.
type ScheduleRepository interface {
	Create(ctx Context, s Schedule) (string, error)
	Update(ctx Context, s Schedule) error
	Delete(ctx Context, id string) error
	Get(ctx Context, id string) (Schedule, error)
	List(ctx Context, enabledOnly bool) ([]Schedule, error)
	SetRunTimes(ctx Context, id string, lastRun, nextRun *time.Time) error
}

// WorkflowRepository persists workflow definitions.
type WorkflowRepository interface {
	Save(ctx Context, w Workflow) (string, error)
	Get(ctx Context, id string) (Workflow, error)
	List(ctx Context, limit, offset int) ([]Workflow, error)
	Delete(ctx Context, id string) error
}

// AuditLog is append-only; implementations may hash-chain entries.
type AuditLog interface {
	Append(ctx Context, ev AuditEvent) error
	List(ctx Context, limit, offset int) ([]AuditEvent, error)
}

// APIKeyVerifier validates robot credentials. Implementations store salted
// hashes only and compare in constant time.
type APIKeyVerifier interface {
	Verify(ctx Context, rawKey string) (robotID string, err error)
}
