package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/botfleet/orchestrator/internal/domain"
	"github.com/botfleet/orchestrator/internal/observability"
)

// Assignment outcomes surfaced to the dispatcher.
var (
	ErrAssignmentRejected = errors.New("assignment rejected by robot")
	ErrAssignmentTimeout  = errors.New("assignment ack timed out")
	ErrRobotNotConnected  = errors.New("robot not connected")
	ErrCancelTimeout      = errors.New("cancel ack timed out")
)

// Config bundles the coordinator's tunables.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ConnectionTimeout time.Duration
	AssignAckTimeout  time.Duration
	CancelAckTimeout  time.Duration
	MaxMessageBytes   int64
	APIKeyRequired    bool
}

// RobotFailedEvent is published when a robot goes away. Recovery subscribes;
// the one-way channel keeps the coordinator free of a recovery dependency.
type RobotFailedEvent struct {
	RobotID string
	Reason  string
	At      time.Time
}

// AffinityRecorder receives workflow->robot completions for warm routing.
type AffinityRecorder interface {
	Record(workflowID, robotID string)
}

// CompletionNotifier observes terminal job outcomes. The scheduler uses it
// for SLA accounting and dependency propagation.
type CompletionNotifier interface {
	NotifyCompletion(ctx context.Context, jobID string, success bool)
}

// Coordinator accepts robot WebSocket sessions, routes their messages to the
// queue, and detects failure via missed heartbeats.
type Coordinator struct {
	cfg       Config
	queue     domain.JobQueue
	directory domain.RobotDirectory
	keys      domain.APIKeyVerifier
	audit     domain.AuditLog
	affinity  AffinityRecorder

	registry    *registry
	broadcast   *broadcaster
	upgrader    websocket.Upgrader
	events      chan RobotFailedEvent
	completions CompletionNotifier
}

// SetCompletionNotifier wires an observer of terminal outcomes; call before
// serving connections.
func (c *Coordinator) SetCompletionNotifier(n CompletionNotifier) { c.completions = n }

// New constructs a Coordinator. keys may be nil when API keys are not
// required; affinity and audit may be nil.
func New(cfg Config, queue domain.JobQueue, directory domain.RobotDirectory, keys domain.APIKeyVerifier, audit domain.AuditLog, affinity AffinityRecorder) *Coordinator {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 3 * cfg.HeartbeatInterval
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = 10 * time.Second
	}
	if cfg.AssignAckTimeout <= 0 {
		cfg.AssignAckTimeout = 10 * time.Second
	}
	if cfg.CancelAckTimeout <= 0 {
		cfg.CancelAckTimeout = 10 * time.Second
	}
	return &Coordinator{
		cfg:       cfg,
		queue:     queue,
		directory: directory,
		keys:      keys,
		audit:     audit,
		affinity:  affinity,
		registry:  newRegistry(),
		broadcast: newBroadcaster(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Robots authenticate with API keys, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		events: make(chan RobotFailedEvent, 64),
	}
}

// Events exposes the robot-failure stream for the recovery manager.
func (c *Coordinator) Events() <-chan RobotFailedEvent { return c.events }

// Snapshot returns the connected robots for assignment.
func (c *Coordinator) Snapshot() []domain.Robot { return c.registry.snapshot() }

// SubscribeAdminLogs observes all robot log traffic (advisory fan-out).
func (c *Coordinator) SubscribeAdminLogs() (<-chan LogEvent, func()) {
	return c.broadcast.SubscribeAdmin()
}

// SubscribeRobotLogs observes one robot's log stream.
func (c *Coordinator) SubscribeRobotLogs(robotID string) (<-chan LogEvent, func()) {
	return c.broadcast.SubscribeRobot(robotID)
}

// Handler returns the WebSocket endpoint robots connect to.
func (c *Coordinator) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := c.upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", slog.Any("error", err))
			return
		}
		// The session must outlive the upgrade request: net/http cancels
		// r.Context() as soon as ServeHTTP returns.
		go c.serveConn(context.WithoutCancel(r.Context()), ws)
	})
}

// serveConn runs the full session lifecycle: register handshake, pumps,
// teardown with failure publication.
func (c *Coordinator) serveConn(ctx context.Context, ws *websocket.Conn) {
	if c.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(c.cfg.MaxMessageBytes)
	}

	rc, err := c.handshake(ctx, ws)
	if err != nil {
		slog.Info("robot handshake failed", slog.Any("error", err))
		_ = ws.Close()
		return
	}
	robotID := rc.info.ID
	observability.WSConnections.Inc()
	defer observability.WSConnections.Dec()
	slog.Info("robot registered",
		slog.String("robot_id", robotID),
		slog.String("environment", rc.info.Environment),
		slog.Int("max_concurrent_jobs", rc.info.MaxConcurrentJobs))

	// Latest wins: a duplicate register means the old agent crashed and
	// restarted. Its in-flight leases are reclaimed by the stale sweep.
	if old := c.registry.put(rc); old != nil {
		slog.Warn("duplicate register, closing older connection", slog.String("robot_id", robotID))
		old.closeFn()
	}
	if c.directory != nil {
		if err := c.directory.UpsertRegistration(ctx, rc.snapshot()); err != nil {
			slog.Warn("robot directory upsert failed", slog.String("robot_id", robotID), slog.Any("error", err))
		}
	}
	c.auditEvent(ctx, robotID, "robot.register", robotID, nil)

	go c.writePump(rc, ws)
	c.trySend(rc, NewEnvelope(MsgRegisterAck, "", RegisterAckPayload{
		OK:                true,
		HeartbeatInterval: c.cfg.HeartbeatInterval.Seconds(),
	}))

	c.readLoop(ctx, rc, ws)

	// Teardown. Only the current session publishes failure; a displaced
	// session exiting must not trigger recovery for the live one.
	if c.registry.remove(rc) {
		rc.setStatus(domain.RobotOffline)
		if c.directory != nil {
			_ = c.directory.SetStatus(ctx, robotID, domain.RobotOffline)
		}
		c.auditEvent(ctx, robotID, "robot.disconnect", robotID, nil)
		c.publishFailure(RobotFailedEvent{RobotID: robotID, Reason: "disconnect", At: time.Now().UTC()})
	}
	rc.closeFn()
}

// handshake awaits the register message within the connection timeout and
// authenticates the robot.
func (c *Coordinator) handshake(ctx context.Context, ws *websocket.Conn) (*robotConn, error) {
	_ = ws.SetReadDeadline(time.Now().Add(c.cfg.ConnectionTimeout))
	var env Envelope
	if err := ws.ReadJSON(&env); err != nil {
		return nil, fmt.Errorf("op=coordinator.handshake: read: %w", err)
	}
	if env.Type != MsgRegister {
		writeDirect(ws, NewEnvelope(MsgError, env.CorrelationID, ErrorPayload{Code: ErrCodeNotRegistered, Message: "expected register"}))
		return nil, fmt.Errorf("op=coordinator.handshake: first message %q: %w", env.Type, domain.ErrInvalidArgument)
	}
	var reg RegisterPayload
	if err := json.Unmarshal(env.Payload, &reg); err != nil || reg.RobotID == "" {
		writeDirect(ws, NewEnvelope(MsgError, env.CorrelationID, ErrorPayload{Code: ErrCodeMalformed, Message: "bad register payload"}))
		return nil, fmt.Errorf("op=coordinator.handshake: payload: %w", domain.ErrInvalidArgument)
	}

	if c.cfg.APIKeyRequired {
		keyRobot, err := c.verifyKey(ctx, reg.APIKey)
		if err != nil || keyRobot != reg.RobotID {
			writeDirect(ws, NewEnvelope(MsgError, env.CorrelationID, ErrorPayload{Code: ErrCodeAuth, Message: "invalid api key"}))
			c.auditEvent(ctx, reg.RobotID, "robot.auth_failed", reg.RobotID,
				map[string]any{"key_prefix": keyPrefix(reg.APIKey)})
			return nil, fmt.Errorf("op=coordinator.handshake: robot %s: %w", reg.RobotID, domain.ErrUnauthorized)
		}
	}

	maxJobs := reg.MaxConcurrentJobs
	if maxJobs <= 0 {
		maxJobs = 1
	}
	rc := &robotConn{
		info: domain.Robot{
			ID:                reg.RobotID,
			Name:              reg.Name,
			Environment:       reg.Environment,
			Capabilities:      domain.MustParseCapabilities(reg.Capabilities),
			MaxConcurrentJobs: maxJobs,
			Tags:              reg.Tags,
			Status:            domain.RobotIdle,
			LastHeartbeatAt:   time.Now().UTC(),
		},
		assignedWorkflows: make(map[string]string),
		send:              make(chan Envelope, 32),
		closed:            make(chan struct{}),
		waiters:           make(map[string]chan Envelope),
	}
	rc.bindCloser(func() { _ = ws.Close() })
	_ = ws.SetReadDeadline(time.Time{})
	return rc, nil
}

func (c *Coordinator) verifyKey(ctx context.Context, rawKey string) (string, error) {
	if c.keys == nil {
		return "", fmt.Errorf("op=coordinator.verify_key: no verifier: %w", domain.ErrUnauthorized)
	}
	return c.keys.Verify(ctx, rawKey)
}

// writePump serializes all outbound traffic for one session.
func (c *Coordinator) writePump(rc *robotConn, ws *websocket.Conn) {
	for {
		select {
		case <-rc.closed:
			return
		case env := <-rc.send:
			if err := ws.WriteJSON(env); err != nil {
				slog.Warn("websocket write failed",
					slog.String("robot_id", rc.info.ID), slog.Any("error", err))
				rc.closeFn()
				return
			}
			observability.WSMessagesTotal.WithLabelValues(string(env.Type), "out").Inc()
		}
	}
}

// trySend queues an envelope; a full buffer means the robot stopped reading
// and the connection is torn down.
func (c *Coordinator) trySend(rc *robotConn, env Envelope) bool {
	select {
	case rc.send <- env:
		return true
	case <-rc.closed:
		return false
	default:
		slog.Warn("robot send buffer full, closing", slog.String("robot_id", rc.info.ID))
		rc.closeFn()
		return false
	}
}

// readLoop processes inbound messages strictly in receive order.
func (c *Coordinator) readLoop(ctx context.Context, rc *robotConn, ws *websocket.Conn) {
	for {
		select {
		case <-rc.closed:
			return
		default:
		}
		// A session with no traffic for two heartbeat timeouts is dead even
		// if the monitor has not swept yet.
		_ = ws.SetReadDeadline(time.Now().Add(2 * c.cfg.HeartbeatTimeout))
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Info("websocket read ended",
					slog.String("robot_id", rc.info.ID), slog.Any("error", err))
			}
			return
		}
		observability.WSMessagesTotal.WithLabelValues(string(env.Type), "in").Inc()
		c.handleMessage(ctx, rc, env)
	}
}

func (c *Coordinator) handleMessage(ctx context.Context, rc *robotConn, env Envelope) {
	robotID := rc.info.ID
	switch env.Type {
	case MsgHeartbeat:
		var hb HeartbeatPayload
		if err := json.Unmarshal(env.Payload, &hb); err != nil {
			c.replyError(rc, env, ErrCodeMalformed, "bad heartbeat payload")
			return
		}
		now := time.Now().UTC()
		rc.setVitals(hb.CPUPercent, hb.MemoryPercent, now)
		if c.directory != nil {
			_ = c.directory.TouchHeartbeat(ctx, robotID, now)
		}
		c.trySend(rc, NewEnvelope(MsgHeartbeatAck, env.CorrelationID, nil))

	case MsgJobAccept, MsgJobReject, MsgStatusResponse:
		if !rc.resolveWaiter(env) {
			slog.Debug("unmatched ack", slog.String("robot_id", robotID), slog.String("type", string(env.Type)))
		}

	case MsgJobCancel:
		// Cancel ack: the robot echoes job_cancel with our correlation id.
		if !rc.resolveWaiter(env) {
			c.replyError(rc, env, ErrCodeProtocol, "unsolicited job_cancel")
		}

	case MsgJobProgress:
		var p JobProgressPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.replyError(rc, env, ErrCodeMalformed, "bad progress payload")
			return
		}
		if err := c.queue.Progress(ctx, p.JobID, robotID, p.Percent, p.Message); err != nil {
			c.replyError(rc, env, ErrCodeDomain, err.Error())
		}

	case MsgJobComplete:
		var p JobCompletePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.replyError(rc, env, ErrCodeMalformed, "bad completion payload")
			return
		}
		if err := c.queue.Complete(ctx, p.JobID, robotID, p.Result); err != nil {
			c.replyError(rc, env, ErrCodeDomain, err.Error())
			return
		}
		wf := rc.removeJob(p.JobID)
		if c.affinity != nil && wf != "" {
			c.affinity.Record(wf, robotID)
		}
		if c.completions != nil {
			c.completions.NotifyCompletion(ctx, p.JobID, true)
		}
		observability.JobsCompletedTotal.Inc()

	case MsgJobFailed:
		var p JobFailedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.replyError(rc, env, ErrCodeMalformed, "bad failure payload")
			return
		}
		outcome, err := c.queue.Fail(ctx, p.JobID, robotID, p.Error, p.Traceback)
		if err != nil {
			c.replyError(rc, env, ErrCodeDomain, err.Error())
			return
		}
		rc.removeJob(p.JobID)
		observability.JobsFailedTotal.Inc()
		if outcome.MovedToDLQ {
			observability.JobsDLQTotal.Inc()
			// Retries are still in flight from the schedule's point of view;
			// only exhaustion counts as a failed run.
			if c.completions != nil {
				c.completions.NotifyCompletion(ctx, p.JobID, false)
			}
		}

	case MsgCheckpoint:
		var p CheckpointPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.replyError(rc, env, ErrCodeMalformed, "bad checkpoint payload")
			return
		}
		if err := c.queue.SaveCheckpoint(ctx, domain.Checkpoint{
			JobID: p.JobID, NodeID: p.NodeID, Variables: p.Variables, Resumable: p.Resumable,
		}); err != nil {
			c.replyError(rc, env, ErrCodeDomain, err.Error())
		}

	case MsgLogEntry:
		var p LogEntryPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.replyError(rc, env, ErrCodeMalformed, "bad log payload")
			return
		}
		c.broadcast.publish(LogEvent{RobotID: robotID, Entry: p})

	case MsgLogBatch:
		var p LogBatchPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			c.replyError(rc, env, ErrCodeMalformed, "bad log batch payload")
			return
		}
		for _, entry := range p.Entries {
			c.broadcast.publish(LogEvent{RobotID: robotID, Entry: entry})
		}

	case MsgRegister:
		c.replyError(rc, env, ErrCodeProtocol, "already registered")

	default:
		c.replyError(rc, env, ErrCodeUnknownType, fmt.Sprintf("unknown message type %q", env.Type))
	}
}

func (c *Coordinator) replyError(rc *robotConn, env Envelope, code, msg string) {
	c.trySend(rc, NewEnvelope(MsgError, env.CorrelationID, ErrorPayload{Code: code, Message: msg}))
}

// SendAssignment delivers a claimed job and waits for job_accept/job_reject
// within the ack timeout. The caller releases the claim on failure.
func (c *Coordinator) SendAssignment(ctx context.Context, robotID string, job domain.Job, cp *domain.Checkpoint) error {
	rc, ok := c.registry.get(robotID)
	if !ok {
		return fmt.Errorf("op=coordinator.assign: robot %s: %w", robotID, ErrRobotNotConnected)
	}
	payload := JobAssignPayload{
		JobID:               job.ID,
		WorkflowID:          job.WorkflowID,
		WorkflowName:        job.WorkflowName,
		WorkflowJSON:        job.WorkflowJSON,
		InitialVariables:    job.InitialVariables,
		ExecutionMode:       string(job.ExecutionMode),
		StartFromCheckpoint: job.StartFromCheckpoint,
	}
	if job.StartFromCheckpoint && cp != nil {
		payload.CheckpointNodeID = cp.NodeID
		payload.CheckpointVariables = cp.Variables
	}
	correlationID := uuid.New().String()
	waiter := rc.addWaiter(correlationID)
	defer rc.removeWaiter(correlationID)
	if !c.trySend(rc, NewEnvelope(MsgJobAssign, correlationID, payload)) {
		return fmt.Errorf("op=coordinator.assign: robot %s: %w", robotID, ErrRobotNotConnected)
	}

	timer := time.NewTimer(c.cfg.AssignAckTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("op=coordinator.assign: %w", ctx.Err())
	case <-rc.closed:
		return fmt.Errorf("op=coordinator.assign: robot %s: %w", robotID, ErrRobotNotConnected)
	case <-timer.C:
		return fmt.Errorf("op=coordinator.assign: robot %s: %w", robotID, ErrAssignmentTimeout)
	case env := <-waiter:
		if env.Type == MsgJobReject {
			var p JobAckPayload
			_ = json.Unmarshal(env.Payload, &p)
			return fmt.Errorf("op=coordinator.assign: robot %s: %s: %w", robotID, p.Reason, ErrAssignmentRejected)
		}
		rc.addJob(job.ID, job.WorkflowID)
		observability.JobsAssignedTotal.Inc()
		return nil
	}
}

// RequestCancel asks the owning robot to abort a running job and waits for
// its ack. A missed deadline is treated as robot failure by the caller.
func (c *Coordinator) RequestCancel(ctx context.Context, jobID, robotID string) error {
	rc, ok := c.registry.get(robotID)
	if !ok {
		return fmt.Errorf("op=coordinator.cancel: robot %s: %w", robotID, ErrRobotNotConnected)
	}
	correlationID := uuid.New().String()
	waiter := rc.addWaiter(correlationID)
	defer rc.removeWaiter(correlationID)
	if !c.trySend(rc, NewEnvelope(MsgJobCancel, correlationID, JobCancelPayload{JobID: jobID})) {
		return fmt.Errorf("op=coordinator.cancel: robot %s: %w", robotID, ErrRobotNotConnected)
	}

	timer := time.NewTimer(c.cfg.CancelAckTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("op=coordinator.cancel: %w", ctx.Err())
	case <-rc.closed:
		return fmt.Errorf("op=coordinator.cancel: robot %s: %w", robotID, ErrRobotNotConnected)
	case <-timer.C:
		return fmt.Errorf("op=coordinator.cancel: robot %s: %w", robotID, ErrCancelTimeout)
	case <-waiter:
		rc.removeJob(jobID)
		return nil
	}
}

// RequestStatus polls one robot for a status_response.
func (c *Coordinator) RequestStatus(ctx context.Context, robotID string) (StatusResponsePayload, error) {
	rc, ok := c.registry.get(robotID)
	if !ok {
		return StatusResponsePayload{}, fmt.Errorf("op=coordinator.status: robot %s: %w", robotID, ErrRobotNotConnected)
	}
	correlationID := uuid.New().String()
	waiter := rc.addWaiter(correlationID)
	defer rc.removeWaiter(correlationID)
	if !c.trySend(rc, NewEnvelope(MsgStatusRequest, correlationID, nil)) {
		return StatusResponsePayload{}, fmt.Errorf("op=coordinator.status: robot %s: %w", robotID, ErrRobotNotConnected)
	}
	timer := time.NewTimer(c.cfg.AssignAckTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return StatusResponsePayload{}, fmt.Errorf("op=coordinator.status: %w", ctx.Err())
	case <-timer.C:
		return StatusResponsePayload{}, fmt.Errorf("op=coordinator.status: robot %s: %w", robotID, ErrAssignmentTimeout)
	case env := <-waiter:
		var p StatusResponsePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return StatusResponsePayload{}, fmt.Errorf("op=coordinator.status: %w", err)
		}
		return p, nil
	}
}

// Pause marks a robot paused; it finishes current jobs but receives no new
// assignments (the hard filter skips paused robots).
func (c *Coordinator) Pause(robotID string) error {
	return c.signal(robotID, MsgPause, domain.RobotPaused)
}

// Resume returns a paused robot to rotation.
func (c *Coordinator) Resume(robotID string) error {
	return c.signal(robotID, MsgResume, domain.RobotIdle)
}

// Shutdown asks a robot to drain and exit.
func (c *Coordinator) Shutdown(robotID string) error {
	return c.signal(robotID, MsgShutdown, domain.RobotPaused)
}

func (c *Coordinator) signal(robotID string, t MessageType, status domain.RobotStatus) error {
	rc, ok := c.registry.get(robotID)
	if !ok {
		return fmt.Errorf("op=coordinator.signal: robot %s: %w", robotID, ErrRobotNotConnected)
	}
	rc.setStatus(status)
	c.trySend(rc, NewEnvelope(t, "", nil))
	return nil
}

// Run sweeps the registry for missed heartbeats until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepHeartbeats(ctx)
		}
	}
}

func (c *Coordinator) sweepHeartbeats(ctx context.Context) {
	cutoff := time.Now().Add(-c.cfg.HeartbeatTimeout)
	for _, rc := range c.registry.all() {
		if rc.lastHeartbeat().After(cutoff) {
			continue
		}
		robotID := rc.info.ID
		slog.Warn("robot missed heartbeats, closing", slog.String("robot_id", robotID))
		if c.registry.remove(rc) {
			rc.setStatus(domain.RobotOffline)
			if c.directory != nil {
				_ = c.directory.SetStatus(ctx, robotID, domain.RobotOffline)
			}
			c.auditEvent(ctx, "system", "robot.heartbeat_timeout", robotID, nil)
			c.publishFailure(RobotFailedEvent{RobotID: robotID, Reason: "heartbeat_timeout", At: time.Now().UTC()})
		}
		rc.closeFn()
	}
}

func (c *Coordinator) publishFailure(ev RobotFailedEvent) {
	observability.RobotFailuresTotal.Inc()
	c.events <- ev
}

func (c *Coordinator) auditEvent(ctx context.Context, actor, action, resourceID string, after map[string]any) {
	if c.audit == nil {
		return
	}
	ev := domain.AuditEvent{
		Timestamp: time.Now().UTC(), Actor: actor, Action: action,
		ResourceType: "robot", ResourceID: resourceID,
	}
	if after != nil {
		ev.After, _ = json.Marshal(after)
	}
	if err := c.audit.Append(ctx, ev); err != nil {
		slog.Warn("audit append failed", slog.String("action", action), slog.Any("error", err))
	}
}

// writeDirect writes outside the pump, only valid before it starts.
func writeDirect(ws *websocket.Conn, env Envelope) {
	_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_ = ws.WriteJSON(env)
}

func keyPrefix(rawKey string) string {
	if len(rawKey) <= 8 {
		return rawKey
	}
	return rawKey[:8]
}
