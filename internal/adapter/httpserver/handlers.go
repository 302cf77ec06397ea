package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/botfleet/orchestrator/internal/config"
	"github.com/botfleet/orchestrator/internal/coordinator"
	"github.com/botfleet/orchestrator/internal/domain"
	"github.com/botfleet/orchestrator/internal/scheduler"
	"github.com/botfleet/orchestrator/internal/usecase"
)

// Fleet is the coordinator surface the API exposes to operators.
type Fleet interface {
	Snapshot() []domain.Robot
	Pause(robotID string) error
	Resume(robotID string) error
	Shutdown(robotID string) error
	RequestStatus(ctx context.Context, robotID string) (coordinator.StatusResponsePayload, error)
}

// AuditReader reads the hash-chained audit trail.
type AuditReader interface {
	List(ctx domain.Context, limit, offset int) ([]domain.AuditEvent, error)
	MerkleRoot(ctx domain.Context, n int) (string, error)
}

// KeyStore issues and revokes robot API keys.
type KeyStore interface {
	Issue(ctx domain.Context, robotID string) (rawKey string, err error)
	Revoke(ctx domain.Context, robotID string) error
}

type workflowEnvelope struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
	Version    int             `json:"version"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func toWorkflowEnvelope(w domain.Workflow) workflowEnvelope {
	return workflowEnvelope{
		ID:         w.ID,
		Name:       w.Name,
		Definition: w.Definition,
		Version:    w.Version,
		CreatedAt:  w.CreatedAt,
		UpdatedAt:  w.UpdatedAt,
	}
}

// RobotRecoverer forces recovery of a robot's claimed jobs.
type RobotRecoverer interface {
	RecoverRobot(ctx context.Context, robotID string) error
}

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Jobs      usecase.JobService
	DLQ       domain.DLQRepository
	Schedules domain.ScheduleRepository
	Sched     *scheduler.Scheduler
	Workflows domain.WorkflowRepository
	Directory domain.RobotDirectory
	Fleet     Fleet
	Recovery  RobotRecoverer
	Audit     AuditReader
	Keys      KeyStore

	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// --- Jobs ---

type submitJobRequest struct {
	WorkflowID           string          `json:"workflow_id" validate:"required"`
	WorkflowName         string          `json:"workflow_name"`
	WorkflowJSON         json.RawMessage `json:"workflow_json"`
	Priority             int             `json:"priority" validate:"gte=0,lte=10"`
	RequestedStart       *time.Time      `json:"requested_start"`
	MaxRetries           *int            `json:"max_retries"`
	ExecutionMode        string          `json:"execution_mode" validate:"omitempty,oneof=durable realtime"`
	RequiredCapabilities []string        `json:"required_capabilities"`
	InitialVariables     json.RawMessage `json:"initial_variables"`
	Tags                 []string        `json:"tags"`
}

// SubmitJobHandler enqueues a job. When workflow_json is omitted, the stored
// workflow definition is used.
func (s *Server) SubmitJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, int64(s.Cfg.MaxWorkflowBytes)+64*1024)
		var req submitJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}
		ctx := r.Context()
		if len(req.WorkflowJSON) == 0 && s.Workflows != nil {
			wf, err := s.Workflows.Get(ctx, req.WorkflowID)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			req.WorkflowJSON = wf.Definition
			if req.WorkflowName == "" {
				req.WorkflowName = wf.Name
			}
		}

		sub := domain.JobSubmission{
			WorkflowID:           req.WorkflowID,
			WorkflowName:         req.WorkflowName,
			WorkflowJSON:         req.WorkflowJSON,
			Priority:             req.Priority,
			MaxRetries:           s.Cfg.MaxRetries,
			ExecutionMode:        domain.ExecutionMode(req.ExecutionMode),
			RequiredCapabilities: req.RequiredCapabilities,
			InitialVariables:     req.InitialVariables,
			Tags:                 req.Tags,
			Actor:                actorFrom(r),
		}
		if req.RequestedStart != nil {
			sub.RequestedStart = *req.RequestedStart
		}
		if req.MaxRetries != nil {
			sub.MaxRetries = *req.MaxRetries
		}
		jobID, err := s.Jobs.Submit(ctx, sub)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": jobID, "status": string(domain.JobPending)})
	}
}

// GetJobHandler returns one job with progress and result.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, jobEnvelope(job))
	}
}

// CancelJobHandler cancels a pending or running job.
func (s *Server) CancelJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Jobs.Cancel(r.Context(), id, actorFrom(r)); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.JobCancelled)})
	}
}

// ListJobsHandler peeks at the queue without claiming.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, _ := pageParams(r)
		jobs, err := s.Jobs.Peek(r.Context(), domain.PeekFilter{
			Status:     domain.JobStatus(r.URL.Query().Get("status")),
			WorkflowID: r.URL.Query().Get("workflow_id"),
			Limit:      limit,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]map[string]any, 0, len(jobs))
		for _, j := range jobs {
			out = append(out, jobEnvelope(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
	}
}

// QueueStatsHandler snapshots queue depth and age.
func (s *Server) QueueStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Jobs.Stats(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"by_status":              stats.ByStatus,
			"depth_by_priority":      stats.DepthByPriority,
			"oldest_pending_age_sec": stats.OldestPendingAge.Seconds(),
		})
	}
}

func jobEnvelope(j domain.Job) map[string]any {
	m := map[string]any{
		"id":            j.ID,
		"workflow_id":   j.WorkflowID,
		"workflow_name": j.WorkflowName,
		"status":        string(j.Status),
		"priority":      j.Priority,
		"retry_count":   j.RetryCount,
		"max_retries":   j.MaxRetries,
		"created_at":    j.CreatedAt,
		"updated_at":    j.UpdatedAt,
	}
	if j.RobotID != "" {
		m["robot_id"] = j.RobotID
	}
	if j.Status == domain.JobRunning {
		m["progress_percent"] = j.ProgressPercent
		if j.ProgressMessage != "" {
			m["progress_message"] = j.ProgressMessage
		}
	}
	if j.Status == domain.JobCompleted && len(j.Result) > 0 {
		m["result"] = j.Result
	}
	if j.ErrorMessage != "" {
		m["error"] = j.ErrorMessage
	}
	if j.StartedAt != nil {
		m["started_at"] = j.StartedAt
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt
		m["duration_ms"] = j.DurationMS
	}
	return m
}

// --- DLQ ---

// ListDLQHandler pages through dead-lettered jobs.
func (s *Server) ListDLQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r)
		entries, err := s.DLQ.List(r.Context(), limit, offset)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	}
}

// GetDLQHandler returns one dead-lettered job with its failure history.
func (s *Server) GetDLQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entry, err := s.DLQ.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, entry)
	}
}

// ReprocessDLQHandler creates a fresh pending job from a DLQ snapshot.
func (s *Server) ReprocessDLQHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		newID, err := s.DLQ.Reprocess(r.Context(), chi.URLParam(r, "id"), actorFrom(r))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": newID, "status": string(domain.JobPending)})
	}
}

// --- Schedules ---

type scheduleRequest struct {
	WorkflowID   string `json:"workflow_id" validate:"required"`
	WorkflowName string `json:"workflow_name"`
	Kind         string `json:"kind" validate:"required,oneof=cron interval one_time event dependency"`

	CronExpr             string          `json:"cron_expr"`
	Timezone             string          `json:"timezone"`
	IntervalSeconds      int             `json:"interval_seconds"`
	RunAt                *time.Time      `json:"run_at"`
	EventType            string          `json:"event_type"`
	EventSource          string          `json:"event_source"`
	EventFilter          json.RawMessage `json:"event_filter"`
	DependsOn            []string        `json:"depends_on"`
	WaitForAll           bool            `json:"wait_for_all"`
	TriggerOnSuccessOnly bool            `json:"trigger_on_success_only"`

	Enabled          bool                    `json:"enabled"`
	CalendarID       string                  `json:"calendar_id"`
	SLA              *domain.SLAConfig       `json:"sla"`
	RateLimit        *domain.RateLimitConfig `json:"rate_limit"`
	Priority         int                     `json:"priority" validate:"gte=0,lte=10"`
	Concurrency      string                  `json:"concurrency" validate:"omitempty,oneof=allow forbid replace coalesce"`
	CoalesceWindowMS int64                   `json:"coalesce_window_ms"`
}

func (req scheduleRequest) toDomain(id string) domain.Schedule {
	concurrency := domain.ConcurrencyPolicy(req.Concurrency)
	if concurrency == "" {
		concurrency = domain.ConcurrencyAllow
	}
	return domain.Schedule{
		ID:           id,
		WorkflowID:   req.WorkflowID,
		WorkflowName: req.WorkflowName,
		Kind:         domain.StrategyKind(req.Kind),

		CronExpr:             req.CronExpr,
		Timezone:             req.Timezone,
		IntervalSeconds:      req.IntervalSeconds,
		RunAt:                req.RunAt,
		EventType:            req.EventType,
		EventSource:          req.EventSource,
		EventFilter:          req.EventFilter,
		DependsOn:            req.DependsOn,
		WaitForAll:           req.WaitForAll,
		TriggerOnSuccessOnly: req.TriggerOnSuccessOnly,

		Enabled:        req.Enabled,
		CalendarID:     req.CalendarID,
		SLA:            req.SLA,
		RateLimit:      req.RateLimit,
		Priority:       req.Priority,
		Concurrency:    concurrency,
		CoalesceWindow: time.Duration(req.CoalesceWindowMS) * time.Millisecond,
	}
}

// decodeSchedule parses and validates a schedule payload, including the
// strategy's own validation and dependency-cycle detection.
func (s *Server) decodeSchedule(r *http.Request, id string) (domain.Schedule, error) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return domain.Schedule{}, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument)
	}
	if err := getValidator().Struct(req); err != nil {
		return domain.Schedule{}, fmt.Errorf("%w: validation failed: %v", domain.ErrInvalidArgument, err)
	}
	sched := req.toDomain(id)
	strat, err := scheduler.StrategyFor(sched, s.Cfg.DefaultTimezone)
	if err != nil {
		return domain.Schedule{}, err
	}
	if err := strat.Validate(); err != nil {
		return domain.Schedule{}, err
	}
	if sched.Kind == domain.StrategyDependency {
		existing, err := s.Schedules.List(r.Context(), false)
		if err != nil {
			return domain.Schedule{}, err
		}
		if err := scheduler.ValidateAcyclic(sched, existing); err != nil {
			return domain.Schedule{}, err
		}
	}
	return sched, nil
}

// CreateScheduleHandler registers a schedule.
func (s *Server) CreateScheduleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sched, err := s.decodeSchedule(r, "")
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		id, err := s.Schedules.Create(r.Context(), sched)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

// UpdateScheduleHandler rewrites a schedule; next_run_at resets so the
// scheduler recomputes it.
func (s *Server) UpdateScheduleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sched, err := s.decodeSchedule(r, id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Schedules.Update(r.Context(), sched); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id})
	}
}

// DeleteScheduleHandler removes a schedule.
func (s *Server) DeleteScheduleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Schedules.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// GetScheduleHandler returns one schedule.
func (s *Server) GetScheduleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sched, err := s.Schedules.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, sched)
	}
}

// ListSchedulesHandler returns all schedules.
func (s *Server) ListSchedulesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		enabledOnly := r.URL.Query().Get("enabled") == "true"
		schedules, err := s.Schedules.List(r.Context(), enabledOnly)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
	}
}

// ScheduleSLAHandler reports the schedule's SLA stats and status.
func (s *Server) ScheduleSLAHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		sched, err := s.Schedules.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		stats := s.Sched.SLA().Stats(id)
		status := scheduler.SLAOK
		if sched.SLA != nil {
			status = s.Sched.SLA().Status(id, *sched.SLA)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"schedule_id":      id,
			"status":           string(status),
			"executions":       stats.Count,
			"success_rate":     stats.SuccessRate,
			"avg_duration_ms":  stats.AvgDuration.Milliseconds(),
			"p50_duration_ms":  stats.P50.Milliseconds(),
			"p95_duration_ms":  stats.P95.Milliseconds(),
			"total_duration_s": stats.TotalDuration.Seconds(),
		})
	}
}

// TriggerEventHandler feeds an external event to event-driven schedules.
func (s *Server) TriggerEventHandler() http.HandlerFunc {
	type eventRequest struct {
		Type    string          `json:"type" validate:"required"`
		Source  string          `json:"source"`
		Payload json.RawMessage `json:"payload"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req eventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Sched.TriggerEvent(r.Context(), req.Type, req.Source, req.Payload); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// --- Workflows ---

// SaveWorkflowHandler creates or updates a workflow definition.
func (s *Server) SaveWorkflowHandler() http.HandlerFunc {
	type workflowRequest struct {
		ID         string          `json:"id"`
		Name       string          `json:"name" validate:"required"`
		Definition json.RawMessage `json:"definition" validate:"required"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, int64(s.Cfg.MaxWorkflowBytes)+64*1024)
		var req workflowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), nil)
			return
		}
		if err := usecase.ValidateWorkflow(req.Definition, usecase.WorkflowBounds{
			MaxBytes:       s.Cfg.MaxWorkflowBytes,
			MaxNodes:       s.Cfg.MaxWorkflowNodes,
			MaxConnections: s.Cfg.MaxWorkflowConnections,
			MaxDepth:       s.Cfg.MaxWorkflowDepth,
		}); err != nil {
			writeError(w, r, err, nil)
			return
		}
		id, err := s.Workflows.Save(r.Context(), domain.Workflow{ID: req.ID, Name: req.Name, Definition: req.Definition})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id})
	}
}

// GetWorkflowHandler returns one workflow definition.
func (s *Server) GetWorkflowHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wf, err := s.Workflows.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toWorkflowEnvelope(wf))
	}
}

// ListWorkflowsHandler pages through workflows.
func (s *Server) ListWorkflowsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r)
		wfs, err := s.Workflows.List(r.Context(), limit, offset)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]workflowEnvelope, 0, len(wfs))
		for _, wf := range wfs {
			out = append(out, toWorkflowEnvelope(wf))
		}
		writeJSON(w, http.StatusOK, map[string]any{"workflows": out})
	}
}

// DeleteWorkflowHandler removes a workflow definition.
func (s *Server) DeleteWorkflowHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Workflows.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- Robots ---

// ListRobotsHandler merges live coordinator state over the durable directory.
func (s *Server) ListRobotsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		robots, err := s.Directory.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		live := make(map[string]domain.Robot)
		if s.Fleet != nil {
			for _, lr := range s.Fleet.Snapshot() {
				live[lr.ID] = lr
			}
		}
		out := make([]map[string]any, 0, len(robots))
		for _, robot := range robots {
			connected := false
			if lr, ok := live[robot.ID]; ok {
				robot = lr
				connected = true
			}
			out = append(out, map[string]any{
				"id":                  robot.ID,
				"name":                robot.Name,
				"environment":         robot.Environment,
				"status":              string(robot.Status),
				"connected":           connected,
				"current_jobs":        robot.CurrentJobs,
				"max_concurrent_jobs": robot.MaxConcurrentJobs,
				"tags":                robot.Tags,
				"cpu_percent":         robot.CPUPercent,
				"memory_percent":      robot.MemoryPercent,
				"last_heartbeat_at":   robot.LastHeartbeatAt,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"robots": out})
	}
}

// RobotStatusHandler polls one connected robot for live status.
func (s *Server) RobotStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := s.Fleet.RequestStatus(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

// RobotSignalHandler handles pause/resume/shutdown.
func (s *Server) RobotSignalHandler(signal string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var err error
		switch signal {
		case "pause":
			err = s.Fleet.Pause(id)
		case "resume":
			err = s.Fleet.Resume(id)
		case "shutdown":
			err = s.Fleet.Shutdown(id)
		}
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"robot_id": id, "signal": signal})
	}
}

// RecoverRobotHandler forces recovery of a robot's claimed jobs.
func (s *Server) RecoverRobotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Recovery.RecoverRobot(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"robot_id": id})
	}
}

// IssueKeyHandler mints a robot API key. The plaintext is returned exactly
// once; only its hash is stored.
func (s *Server) IssueKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		key, err := s.Keys.Issue(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"robot_id": id, "api_key": key})
	}
}

// RevokeKeyHandler revokes a robot's API key.
func (s *Server) RevokeKeyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Keys.Revoke(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// --- Audit ---

// ListAuditHandler pages through the audit trail, newest first.
func (s *Server) ListAuditHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pageParams(r)
		events, err := s.Audit.List(r.Context(), limit, offset)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": events})
	}
}

// AuditRootHandler returns the Merkle root over the last n entries, for
// external anchoring of the hash chain.
func (s *Server) AuditRootHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(r.URL.Query().Get("n"))
		if n <= 0 || n > 100000 {
			n = 1000
		}
		root, err := s.Audit.MerkleRoot(r.Context(), n)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"root": root, "entries": n})
	}
}

// --- Health ---

// ReadyzHandler probes the database and, when configured, Redis.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		status := http.StatusOK
		for _, c := range checks {
			if !c.OK {
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeJSON(w, status, map[string]any{"checks": checks})
	}
}

func actorFrom(r *http.Request) string {
	if u, _, ok := r.BasicAuth(); ok && u != "" {
		return u
	}
	return "api"
}
