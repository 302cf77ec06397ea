package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/orchestrator/internal/assignment"
	"github.com/botfleet/orchestrator/internal/domain"
)

// fakeSelector returns a fixed robot, honoring exclusions.
type fakeSelector struct {
	robotID string
	err     error

	mu       sync.Mutex
	requests []assignment.Request
}

func (s *fakeSelector) Select(req assignment.Request, robots []domain.Robot) (domain.Robot, assignment.ScoreBreakdown, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.err != nil {
		return domain.Robot{}, assignment.ScoreBreakdown{}, s.err
	}
	if req.Exclude[s.robotID] {
		return domain.Robot{}, assignment.ScoreBreakdown{}, domain.ErrNoCapableRobot
	}
	return domain.Robot{ID: s.robotID}, assignment.ScoreBreakdown{RobotID: s.robotID}, nil
}

// fakeDispatchFleet records deliveries and can refuse them.
type fakeDispatchFleet struct {
	mu       sync.Mutex
	robots   []domain.Robot
	sendErr  error
	sent     []string
	sentCPs  []*domain.Checkpoint
	sentTo   []string
	failOnce bool
}

func (f *fakeDispatchFleet) Snapshot() []domain.Robot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Robot(nil), f.robots...)
}

func (f *fakeDispatchFleet) SendAssignment(_ domain.Context, robotID string, job domain.Job, cp *domain.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		err := f.sendErr
		if f.failOnce {
			f.sendErr = nil
		}
		return err
	}
	f.sent = append(f.sent, job.ID)
	f.sentCPs = append(f.sentCPs, cp)
	f.sentTo = append(f.sentTo, robotID)
	return nil
}

func pendingJob(id string) domain.Job {
	return domain.Job{ID: id, WorkflowID: "wf-1", Status: domain.JobPending}
}

func testDispatcher(q *memQueue, sel Selector, fleet FleetDispatch) *Dispatcher {
	return NewDispatcher(q, sel, fleet, nil, time.Second)
}

func TestDispatchOneHappyPath(t *testing.T) {
	q := newMemQueue()
	q.pending = []domain.Job{pendingJob("j1")}
	fleet := &fakeDispatchFleet{robots: []domain.Robot{{ID: "r1"}}}
	d := testDispatcher(q, &fakeSelector{robotID: "r1"}, fleet)

	ok, err := d.DispatchOne(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"j1"}, fleet.sent)
	assert.Equal(t, []string{"r1"}, fleet.sentTo)
	assert.Equal(t, []string{"j1"}, q.claimed)
}

func TestDispatchOneEmptyQueue(t *testing.T) {
	q := newMemQueue()
	d := testDispatcher(q, &fakeSelector{robotID: "r1"}, &fakeDispatchFleet{})

	ok, err := d.DispatchOne(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDispatchOneNoCapableRobot(t *testing.T) {
	q := newMemQueue()
	q.pending = []domain.Job{pendingJob("j1")}
	sel := &fakeSelector{err: domain.ErrNoCapableRobot}
	d := testDispatcher(q, sel, &fakeDispatchFleet{})

	ok, err := d.DispatchOne(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	// Nothing was claimed; the job stays pending for the next pass.
	assert.Empty(t, q.claimed)
}

func TestDispatchOneSkipsDelayedJobs(t *testing.T) {
	q := newMemQueue()
	delayed := pendingJob("j1")
	delayed.VisibleAfter = time.Now().Add(time.Hour)
	q.pending = []domain.Job{delayed, pendingJob("j2")}
	fleet := &fakeDispatchFleet{robots: []domain.Robot{{ID: "r1"}}}
	d := testDispatcher(q, &fakeSelector{robotID: "r1"}, fleet)

	ok, err := d.DispatchOne(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"j2"}, fleet.sent)
}

func TestDispatchRejectionExcludesRobot(t *testing.T) {
	q := newMemQueue()
	q.pending = []domain.Job{pendingJob("j1")}
	sel := &fakeSelector{robotID: "r1"}
	fleet := &fakeDispatchFleet{
		robots:   []domain.Robot{{ID: "r1"}},
		sendErr:  errors.New("job rejected"),
		failOnce: true,
	}
	d := testDispatcher(q, sel, fleet)

	ok, err := d.DispatchOne(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	// The claim was rolled back without a retry increment.
	require.Len(t, q.released, 1)
	assert.False(t, q.released[0].IncrementRetry)
	assert.Equal(t, "r1", q.released[0].RobotID)

	// The next pass carries the exclusion, so the only candidate is out.
	q.mu.Lock()
	q.pending = []domain.Job{pendingJob("j1")}
	q.mu.Unlock()
	ok, err = d.DispatchOne(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	last := sel.requests[len(sel.requests)-1]
	assert.True(t, last.Exclude["r1"])
}

func TestDispatchExclusionExpires(t *testing.T) {
	d := testDispatcher(newMemQueue(), &fakeSelector{robotID: "r1"}, &fakeDispatchFleet{})
	base := time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)
	current := base
	d.now = func() time.Time { return current }

	d.exclude("j1", "r1")
	assert.True(t, d.excludedFor("j1")["r1"])

	current = base.Add(rejectionTTL + time.Second)
	assert.Empty(t, d.excludedFor("j1"))
}

func TestDispatchSuccessClearsExclusions(t *testing.T) {
	q := newMemQueue()
	q.pending = []domain.Job{pendingJob("j1")}
	fleet := &fakeDispatchFleet{robots: []domain.Robot{{ID: "r2"}}}
	d := testDispatcher(q, &fakeSelector{robotID: "r2"}, fleet)

	d.exclude("j1", "r1")
	ok, err := d.DispatchOne(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, d.excludedFor("j1"))
}

func TestDispatchDeliversCheckpoint(t *testing.T) {
	q := newMemQueue()
	job := pendingJob("j1")
	job.StartFromCheckpoint = true
	q.pending = []domain.Job{job}
	q.checkpoints["j1"] = domain.Checkpoint{JobID: "j1", NodeID: "n5", Resumable: true}
	fleet := &fakeDispatchFleet{robots: []domain.Robot{{ID: "r1"}}}
	d := testDispatcher(q, &fakeSelector{robotID: "r1"}, fleet)

	ok, err := d.DispatchOne(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, fleet.sentCPs, 1)
	require.NotNil(t, fleet.sentCPs[0])
	assert.Equal(t, "n5", fleet.sentCPs[0].NodeID)
}

func TestDrainDispatchesAll(t *testing.T) {
	q := newMemQueue()
	q.pending = []domain.Job{pendingJob("j1"), pendingJob("j2"), pendingJob("j3")}
	fleet := &fakeDispatchFleet{robots: []domain.Robot{{ID: "r1"}}}
	d := testDispatcher(q, &fakeSelector{robotID: "r1"}, fleet)

	n := d.Drain(context.Background())
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"j1", "j2", "j3"}, fleet.sent)
}
