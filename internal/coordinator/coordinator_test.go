package coordinator

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/orchestrator/internal/domain"
)

// sessionQueue records queue calls made by a live session, including the
// state of the context they arrived on.
type sessionQueue struct {
	domain.JobQueue

	mu       sync.Mutex
	ctxErrs  []error
	progress []string
}

func (q *sessionQueue) Progress(ctx domain.Context, jobID, robotID string, percent float64, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctxErrs = append(q.ctxErrs, ctx.Err())
	q.progress = append(q.progress, jobID)
	return nil
}

// dialRobot connects a raw client to a coordinator served over httptest.
func dialRobot(t *testing.T, c *Coordinator) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(c.Handler())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func register(t *testing.T, conn *websocket.Conn, robotID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(NewEnvelope(MsgRegister, "", RegisterPayload{
		RobotID:           robotID,
		MaxConcurrentJobs: 2,
	})))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ack Envelope
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, MsgRegisterAck, ack.Type)
}

func TestSessionOutlivesUpgradeRequest(t *testing.T) {
	q := &sessionQueue{}
	c := New(Config{}, q, nil, nil, nil, nil)

	conn := dialRobot(t, c)
	register(t, conn, "r1")

	// The upgrade handler has long since returned; queue calls made by the
	// session must still run on a live context.
	require.NoError(t, conn.WriteJSON(NewEnvelope(MsgJobProgress, "", JobProgressPayload{
		JobID: "j1", Percent: 40,
	})))

	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.progress) == 1
	}, 2*time.Second, 10*time.Millisecond)

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Equal(t, []string{"j1"}, q.progress)
	assert.NoError(t, q.ctxErrs[0])
}

func TestHandshakeRejectsUnregisteredFirstMessage(t *testing.T) {
	c := New(Config{}, &sessionQueue{}, nil, nil, nil, nil)

	conn := dialRobot(t, c)
	require.NoError(t, conn.WriteJSON(NewEnvelope(MsgHeartbeat, "c1", HeartbeatPayload{})))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, MsgError, env.Type)

	var p ErrorPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, ErrCodeNotRegistered, p.Code)
	assert.Equal(t, "c1", env.CorrelationID)
}
