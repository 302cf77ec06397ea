package recovery

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/orchestrator/internal/domain"
)

// fakeQueue implements just enough of domain.JobQueue for recovery paths.
type fakeQueue struct {
	domain.JobQueue

	mu          sync.Mutex
	claimed     map[string][]domain.Job
	checkpoints map[string]domain.Checkpoint
	failOutcome domain.FailOutcome
	failErr     error
	releaseErr  error

	released []domain.ReleaseOptions
	failed   []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		claimed:     make(map[string][]domain.Job),
		checkpoints: make(map[string]domain.Checkpoint),
	}
}

func (q *fakeQueue) ClaimedBy(_ domain.Context, robotID string) ([]domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.claimed[robotID], nil
}

func (q *fakeQueue) GetCheckpoint(_ domain.Context, jobID string) (domain.Checkpoint, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp, ok := q.checkpoints[jobID]
	if !ok {
		return domain.Checkpoint{}, domain.ErrNotFound
	}
	return cp, nil
}

func (q *fakeQueue) Release(_ domain.Context, jobID string, opts domain.ReleaseOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.releaseErr != nil {
		return q.releaseErr
	}
	q.released = append(q.released, opts)
	return nil
}

func (q *fakeQueue) Fail(_ domain.Context, jobID, robotID, errMsg, traceback string) (domain.FailOutcome, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failErr != nil {
		return domain.FailOutcome{}, q.failErr
	}
	q.failed = append(q.failed, jobID)
	return q.failOutcome, nil
}

// fakeDirectory records status flips and serves a static robot list.
type fakeDirectory struct {
	domain.RobotDirectory

	mu       sync.Mutex
	robots   []domain.Robot
	statuses map[string]domain.RobotStatus
}

func (d *fakeDirectory) List(domain.Context) ([]domain.Robot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Robot(nil), d.robots...), nil
}

func (d *fakeDirectory) SetStatus(_ domain.Context, robotID string, status domain.RobotStatus) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.statuses == nil {
		d.statuses = make(map[string]domain.RobotStatus)
	}
	d.statuses[robotID] = status
	return nil
}

type fakeAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (a *fakeAudit) Append(_ domain.Context, ev domain.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *fakeAudit) List(domain.Context, int, int) ([]domain.AuditEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.AuditEvent(nil), a.events...), nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	jobs map[string]bool
}

func (n *fakeNotifier) NotifyCompletion(_ context.Context, jobID string, success bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.jobs == nil {
		n.jobs = make(map[string]bool)
	}
	n.jobs[jobID] = success
}

func newTestManager(q *fakeQueue, d *fakeDirectory, a domain.AuditLog) *Manager {
	return New(Config{}, q, d, a, nil)
}

func TestRecoverResumableCheckpoint(t *testing.T) {
	q := newFakeQueue()
	q.claimed["r1"] = []domain.Job{{ID: "j1", RobotID: "r1"}}
	q.checkpoints["j1"] = domain.Checkpoint{JobID: "j1", NodeID: "n3", Resumable: true}

	m := newTestManager(q, &fakeDirectory{}, nil)
	require.NoError(t, m.RecoverRobot(context.Background(), "r1"))

	require.Len(t, q.released, 1)
	assert.True(t, q.released[0].ResumeFromCheckpoint)
	assert.False(t, q.released[0].IncrementRetry)
	assert.Equal(t, "r1", q.released[0].RobotID)
	assert.Empty(t, q.failed)
}

func TestRecoverNonResumableRetries(t *testing.T) {
	q := newFakeQueue()
	q.claimed["r1"] = []domain.Job{{ID: "j1", RobotID: "r1"}}
	q.checkpoints["j1"] = domain.Checkpoint{JobID: "j1", Resumable: false}
	q.failOutcome = domain.FailOutcome{WillRetry: true, RetryCount: 1}

	m := newTestManager(q, &fakeDirectory{}, nil)
	require.NoError(t, m.RecoverRobot(context.Background(), "r1"))

	assert.Empty(t, q.released)
	assert.Equal(t, []string{"j1"}, q.failed)
}

func TestRecoverNoCheckpointFails(t *testing.T) {
	q := newFakeQueue()
	q.claimed["r1"] = []domain.Job{{ID: "j1", RobotID: "r1"}}
	q.failOutcome = domain.FailOutcome{MovedToDLQ: true}

	audit := &fakeAudit{}
	m := newTestManager(q, &fakeDirectory{}, audit)
	require.NoError(t, m.RecoverRobot(context.Background(), "r1"))

	assert.Equal(t, []string{"j1"}, q.failed)
	require.Len(t, audit.events, 1)
	assert.Equal(t, "job.recovered", audit.events[0].Action)
	assert.Equal(t, "j1", audit.events[0].ResourceID)

	var detail map[string]string
	require.NoError(t, json.Unmarshal(audit.events[0].After, &detail))
	assert.Equal(t, "dlq", detail["action"])
}

func TestRecoverDLQReportsTerminalOutcome(t *testing.T) {
	q := newFakeQueue()
	q.claimed["r1"] = []domain.Job{{ID: "j1", RobotID: "r1"}}
	q.failOutcome = domain.FailOutcome{MovedToDLQ: true}

	n := &fakeNotifier{}
	m := newTestManager(q, &fakeDirectory{}, nil)
	m.SetCompletionNotifier(n)
	require.NoError(t, m.RecoverRobot(context.Background(), "r1"))

	// Dead-lettering is terminal; schedules waiting on the job must hear
	// a failed completion, not silence.
	n.mu.Lock()
	defer n.mu.Unlock()
	success, ok := n.jobs["j1"]
	require.True(t, ok)
	assert.False(t, success)
}

func TestRecoverRetryIsNotTerminal(t *testing.T) {
	q := newFakeQueue()
	q.claimed["r1"] = []domain.Job{{ID: "j1", RobotID: "r1"}}
	q.failOutcome = domain.FailOutcome{WillRetry: true, RetryCount: 1}

	n := &fakeNotifier{}
	m := newTestManager(q, &fakeDirectory{}, nil)
	m.SetCompletionNotifier(n)
	require.NoError(t, m.RecoverRobot(context.Background(), "r1"))

	n.mu.Lock()
	defer n.mu.Unlock()
	assert.Empty(t, n.jobs)
}

func TestRecoverOwnershipLostIsNoop(t *testing.T) {
	q := newFakeQueue()
	q.claimed["r1"] = []domain.Job{{ID: "j1", RobotID: "r1"}}
	q.checkpoints["j1"] = domain.Checkpoint{JobID: "j1", Resumable: true}
	q.releaseErr = domain.ErrOwnershipLost

	audit := &fakeAudit{}
	m := newTestManager(q, &fakeDirectory{}, audit)
	require.NoError(t, m.RecoverRobot(context.Background(), "r1"))

	// The job moved on while recovery was in flight; nothing else happens.
	assert.Empty(t, q.failed)
	require.Len(t, audit.events, 1)
	var detail map[string]string
	require.NoError(t, json.Unmarshal(audit.events[0].After, &detail))
	assert.Equal(t, "noop", detail["action"])
}

func TestRecoverMultipleJobs(t *testing.T) {
	q := newFakeQueue()
	q.claimed["r1"] = []domain.Job{
		{ID: "j1", RobotID: "r1"},
		{ID: "j2", RobotID: "r1"},
	}
	q.checkpoints["j1"] = domain.Checkpoint{JobID: "j1", Resumable: true}
	q.failOutcome = domain.FailOutcome{WillRetry: true}

	m := newTestManager(q, &fakeDirectory{}, nil)
	require.NoError(t, m.RecoverRobot(context.Background(), "r1"))

	assert.Len(t, q.released, 1)
	assert.Equal(t, []string{"j2"}, q.failed)
}

func TestSweepDirectoryMarksStaleRobots(t *testing.T) {
	base := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	q := newFakeQueue()
	q.claimed["stale"] = []domain.Job{{ID: "j1", RobotID: "stale"}}
	q.failOutcome = domain.FailOutcome{WillRetry: true}

	dir := &fakeDirectory{robots: []domain.Robot{
		{ID: "stale", Status: domain.RobotBusy, LastHeartbeatAt: base.Add(-5 * time.Minute)},
		{ID: "fresh", Status: domain.RobotIdle, LastHeartbeatAt: base.Add(-time.Second)},
		{ID: "gone", Status: domain.RobotOffline, LastHeartbeatAt: base.Add(-time.Hour)},
	}}

	m := newTestManager(q, dir, nil)
	m.now = func() time.Time { return base }
	m.sweepDirectory(context.Background())

	// Recovery runs async under the semaphore; wait for the fail call.
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return len(q.failed) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, domain.RobotOffline, dir.statuses["stale"])
	_, freshTouched := dir.statuses["fresh"]
	assert.False(t, freshTouched)
	_, goneTouched := dir.statuses["gone"]
	assert.False(t, goneTouched)
}
