// Package coordinator is the WebSocket fleet coordinator: a long-lived
// registry of robot connections and the bidirectional message router between
// robots and the durable job queue.
package coordinator

import (
	"encoding/json"
	"time"
)

// MessageType tags a protocol envelope.
type MessageType string

// Message catalog. Every frame on the wire is an Envelope carrying one of
// these types. A robot acks job_cancel by echoing the type with the same
// correlation id.
const (
	MsgRegister       MessageType = "register"
	MsgRegisterAck    MessageType = "register_ack"
	MsgHeartbeat      MessageType = "heartbeat"
	MsgHeartbeatAck   MessageType = "heartbeat_ack"
	MsgJobAssign      MessageType = "job_assign"
	MsgJobAccept      MessageType = "job_accept"
	MsgJobReject      MessageType = "job_reject"
	MsgJobProgress    MessageType = "job_progress"
	MsgJobComplete    MessageType = "job_complete"
	MsgJobFailed      MessageType = "job_failed"
	MsgJobCancel      MessageType = "job_cancel"
	MsgCheckpoint     MessageType = "checkpoint"
	MsgLogEntry       MessageType = "log_entry"
	MsgLogBatch       MessageType = "log_batch"
	MsgStatusRequest  MessageType = "status_request"
	MsgStatusResponse MessageType = "status_response"
	MsgShutdown       MessageType = "shutdown"
	MsgPause          MessageType = "pause"
	MsgResume         MessageType = "resume"
	MsgError          MessageType = "error"
)

// Envelope is the wire frame. Framing below this level is the WebSocket
// transport's concern.
type Envelope struct {
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope; marshal errors become an
// empty payload, callers only pass marshal-safe types.
func NewEnvelope(t MessageType, correlationID string, payload any) Envelope {
	env := Envelope{Type: t, CorrelationID: correlationID}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			env.Payload = b
		}
	}
	return env
}

// RegisterPayload opens a session. The API key is a bearer credential; it is
// verified against the salted-hash store and never logged.
type RegisterPayload struct {
	RobotID           string   `json:"robot_id"`
	Name              string   `json:"name"`
	Environment       string   `json:"environment"`
	Capabilities      []string `json:"capabilities"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	Tags              []string `json:"tags"`
	APIKey            string   `json:"api_key,omitempty"`
}

// RegisterAckPayload confirms registration and tells the robot its cadence.
type RegisterAckPayload struct {
	OK                bool    `json:"ok"`
	HeartbeatInterval float64 `json:"heartbeat_interval_seconds"`
	Message           string  `json:"message,omitempty"`
}

// HeartbeatPayload carries robot vitals.
type HeartbeatPayload struct {
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryPercent float64  `json:"memory_percent"`
	CurrentJobs   []string `json:"current_jobs"`
}

// JobAssignPayload hands a claimed job to the robot.
type JobAssignPayload struct {
	JobID               string          `json:"job_id"`
	WorkflowID          string          `json:"workflow_id"`
	WorkflowName        string          `json:"workflow_name"`
	WorkflowJSON        json.RawMessage `json:"workflow_json"`
	InitialVariables    json.RawMessage `json:"initial_variables,omitempty"`
	ExecutionMode       string          `json:"execution_mode"`
	StartFromCheckpoint bool            `json:"start_from_checkpoint,omitempty"`
	CheckpointNodeID    string          `json:"checkpoint_node_id,omitempty"`
	CheckpointVariables json.RawMessage `json:"checkpoint_variables,omitempty"`
}

// JobAckPayload is the body of job_accept and job_reject.
type JobAckPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// JobProgressPayload reports execution progress; it doubles as a per-job
// heartbeat and refreshes the lease.
type JobProgressPayload struct {
	JobID   string  `json:"job_id"`
	Percent float64 `json:"percent"`
	Message string  `json:"message,omitempty"`
}

// JobCompletePayload finishes a job successfully.
type JobCompletePayload struct {
	JobID  string          `json:"job_id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// JobFailedPayload reports a job failure.
type JobFailedPayload struct {
	JobID     string `json:"job_id"`
	Error     string `json:"error"`
	Traceback string `json:"traceback,omitempty"`
}

// JobCancelPayload asks the owning robot to abort a running job.
type JobCancelPayload struct {
	JobID string `json:"job_id"`
}

// CheckpointPayload persists a durable execution snapshot for resumption.
type CheckpointPayload struct {
	JobID     string          `json:"job_id"`
	NodeID    string          `json:"node_id"`
	Variables json.RawMessage `json:"variables,omitempty"`
	Resumable bool            `json:"resumable"`
}

// LogEntryPayload is one robot log line, fanned out to observers.
type LogEntryPayload struct {
	JobID     string    `json:"job_id,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// LogBatchPayload bundles log lines.
type LogBatchPayload struct {
	Entries []LogEntryPayload `json:"entries"`
}

// StatusResponsePayload answers a status_request.
type StatusResponsePayload struct {
	RobotID       string   `json:"robot_id"`
	Status        string   `json:"status"`
	CurrentJobs   []string `json:"current_jobs"`
	CPUPercent    float64  `json:"cpu_percent"`
	MemoryPercent float64  `json:"memory_percent"`
}

// ErrorPayload is returned for malformed or rejected messages. Fatal codes
// (auth, protocol violations) are followed by a close.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrCodeAuth          = "auth_failed"
	ErrCodeProtocol      = "protocol_violation"
	ErrCodeMalformed     = "malformed_message"
	ErrCodeUnknownType   = "unknown_type"
	ErrCodeDomain        = "domain_error"
	ErrCodeNotRegistered = "not_registered"
)
