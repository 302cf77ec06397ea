package coordinator

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope(MsgHeartbeatAck, "corr-1", HeartbeatPayload{})
	assert.Equal(t, MsgHeartbeatAck, env.Type)
	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.NotNil(t, env.Payload)

	env = NewEnvelope(MsgShutdown, "", nil)
	assert.Nil(t, env.Payload)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := NewEnvelope(MsgJobAssign, "corr-9", JobAssignPayload{JobID: "j1", WorkflowID: "wf-1"})
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, MsgJobAssign, decoded.Type)

	var p JobAssignPayload
	require.NoError(t, json.Unmarshal(decoded.Payload, &p))
	assert.Equal(t, "j1", p.JobID)
	assert.Equal(t, "wf-1", p.WorkflowID)
}
