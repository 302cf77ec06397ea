package coordinator

import (
	"sync"
	"time"

	"github.com/botfleet/orchestrator/internal/domain"
)

// robotConn is one live robot session. Mutations are serialized by the
// per-robot mutex; Snapshot copies under read lock so assignment never
// blocks the read loop.
type robotConn struct {
	mu   sync.Mutex
	info domain.Robot
	// assignedWorkflows maps job id to workflow id for jobs dispatched over
	// this session, so completion can feed the affinity tracker.
	assignedWorkflows map[string]string

	send      chan Envelope
	closed    chan struct{}
	closeOnce sync.Once
	closeFn   func()

	waiterMu sync.Mutex
	waiters  map[string]chan Envelope
}

// bindCloser installs the session teardown. The sync.Once makes closeFn safe
// to call concurrently from the read loop, the write pump, the heartbeat
// sweep, and a displacing register.
func (rc *robotConn) bindCloser(closeConn func()) {
	rc.closeFn = func() {
		rc.closeOnce.Do(func() {
			close(rc.closed)
			closeConn()
		})
	}
}

func (rc *robotConn) snapshot() domain.Robot {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	r := rc.info
	r.CurrentJobs = append([]string(nil), rc.info.CurrentJobs...)
	r.Capabilities = append([]domain.Capability(nil), rc.info.Capabilities...)
	r.Tags = append([]string(nil), rc.info.Tags...)
	return r
}

func (rc *robotConn) addJob(jobID, workflowID string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.info.CurrentJobs = append(rc.info.CurrentJobs, jobID)
	rc.assignedWorkflows[jobID] = workflowID
	rc.info.LastAssignedAt = time.Now()
	if len(rc.info.CurrentJobs) >= rc.info.MaxConcurrentJobs {
		rc.info.Status = domain.RobotBusy
	} else if rc.info.Status == domain.RobotIdle {
		rc.info.Status = domain.RobotBusy
	}
}

// removeJob drops a job from the session and returns its workflow id.
func (rc *robotConn) removeJob(jobID string) string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	jobs := rc.info.CurrentJobs[:0]
	for _, id := range rc.info.CurrentJobs {
		if id != jobID {
			jobs = append(jobs, id)
		}
	}
	rc.info.CurrentJobs = jobs
	wf := rc.assignedWorkflows[jobID]
	delete(rc.assignedWorkflows, jobID)
	if len(rc.info.CurrentJobs) == 0 && rc.info.Status == domain.RobotBusy {
		rc.info.Status = domain.RobotIdle
	}
	return wf
}

func (rc *robotConn) setVitals(cpu, mem float64, at time.Time) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.info.CPUPercent = cpu
	rc.info.MemoryPercent = mem
	rc.info.LastHeartbeatAt = at
}

func (rc *robotConn) lastHeartbeat() time.Time {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.info.LastHeartbeatAt
}

func (rc *robotConn) setStatus(s domain.RobotStatus) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.info.Status = s
}

// addWaiter registers an ack waiter keyed by correlation id.
func (rc *robotConn) addWaiter(correlationID string) chan Envelope {
	ch := make(chan Envelope, 1)
	rc.waiterMu.Lock()
	rc.waiters[correlationID] = ch
	rc.waiterMu.Unlock()
	return ch
}

func (rc *robotConn) removeWaiter(correlationID string) {
	rc.waiterMu.Lock()
	delete(rc.waiters, correlationID)
	rc.waiterMu.Unlock()
}

// resolveWaiter hands an inbound envelope to its waiter, if any.
func (rc *robotConn) resolveWaiter(env Envelope) bool {
	if env.CorrelationID == "" {
		return false
	}
	rc.waiterMu.Lock()
	ch, ok := rc.waiters[env.CorrelationID]
	if ok {
		delete(rc.waiters, env.CorrelationID)
	}
	rc.waiterMu.Unlock()
	if ok {
		ch <- env
	}
	return ok
}

// registry is the in-memory robot table owned by the coordinator.
type registry struct {
	mu     sync.RWMutex
	robots map[string]*robotConn
}

func newRegistry() *registry {
	return &registry{robots: make(map[string]*robotConn)}
}

// put inserts a session, returning the displaced one when the robot id was
// already connected (latest wins).
func (g *registry) put(rc *robotConn) *robotConn {
	g.mu.Lock()
	defer g.mu.Unlock()
	old := g.robots[rc.info.ID]
	g.robots[rc.info.ID] = rc
	return old
}

// remove deletes the session only if it is still the current one.
func (g *registry) remove(rc *robotConn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.robots[rc.info.ID] == rc {
		delete(g.robots, rc.info.ID)
		return true
	}
	return false
}

func (g *registry) get(robotID string) (*robotConn, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rc, ok := g.robots[robotID]
	return rc, ok
}

// snapshot returns a copy of all connected robots for lock-free reads.
func (g *registry) snapshot() []domain.Robot {
	g.mu.RLock()
	conns := make([]*robotConn, 0, len(g.robots))
	for _, rc := range g.robots {
		conns = append(conns, rc)
	}
	g.mu.RUnlock()
	out := make([]domain.Robot, 0, len(conns))
	for _, rc := range conns {
		out = append(out, rc.snapshot())
	}
	return out
}

func (g *registry) all() []*robotConn {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*robotConn, 0, len(g.robots))
	for _, rc := range g.robots {
		out = append(out, rc)
	}
	return out
}
