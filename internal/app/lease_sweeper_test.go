package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botfleet/orchestrator/internal/domain"
)

type sweepQueue struct {
	domain.JobQueue

	retried int
	dlqd    []string
	err     error
	calls   int
}

func (q *sweepQueue) RequeueStale(domain.Context) (int, []string, error) {
	q.calls++
	return q.retried, q.dlqd, q.err
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs map[string]bool
}

func (n *recordingNotifier) NotifyCompletion(_ context.Context, jobID string, success bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.jobs == nil {
		n.jobs = make(map[string]bool)
	}
	n.jobs[jobID] = success
}

func TestSweepReportsDLQOutcomes(t *testing.T) {
	q := &sweepQueue{retried: 2, dlqd: []string{"j7", "j9"}}
	n := &recordingNotifier{}
	s := NewLeaseSweeper(q, n, time.Minute)
	require.NotNil(t, s)

	s.sweepOnce(context.Background())

	// Jobs the sweep dead-letters are terminal failures for their schedules.
	assert.Equal(t, 1, q.calls)
	assert.Equal(t, map[string]bool{"j7": false, "j9": false}, n.jobs)
}

func TestSweepWithoutNotifier(t *testing.T) {
	q := &sweepQueue{dlqd: []string{"j1"}}
	s := NewLeaseSweeper(q, nil, time.Minute)
	require.NotNil(t, s)

	s.sweepOnce(context.Background())
	assert.Equal(t, 1, q.calls)
}
