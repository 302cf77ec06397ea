package usecase

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/botfleet/orchestrator/internal/assignment"
	"github.com/botfleet/orchestrator/internal/domain"
)

// FleetDispatch is the slice of the coordinator the dispatcher needs.
type FleetDispatch interface {
	Snapshot() []domain.Robot
	SendAssignment(ctx domain.Context, robotID string, job domain.Job, cp *domain.Checkpoint) error
}

// Selector picks the best robot for a request.
type Selector interface {
	Select(req assignment.Request, robots []domain.Robot) (domain.Robot, assignment.ScoreBreakdown, error)
}

// rejectionTTL bounds how long a robot stays excluded for a job after
// rejecting or timing out on it.
const rejectionTTL = 5 * time.Minute

// Dispatcher pairs eligible pending jobs with connected robots. It wakes on
// queue notifications and otherwise polls with exponential idle backoff.
// There is exactly one dispatcher task per process, so the job it peeks is
// the job the claim returns.
type Dispatcher struct {
	Queue        domain.JobQueue
	Engine       Selector
	Fleet        FleetDispatch
	Wake         <-chan string
	PollInterval time.Duration
	MaxIdle      time.Duration

	mu       sync.Mutex
	rejected map[string]map[string]time.Time

	now func() time.Time
}

// NewDispatcher constructs a Dispatcher. wake may be nil; polling then
// carries all dispatch.
func NewDispatcher(q domain.JobQueue, engine Selector, fleet FleetDispatch, wake <-chan string, poll time.Duration) *Dispatcher {
	if poll <= 0 {
		poll = time.Second
	}
	return &Dispatcher{
		Queue:        q,
		Engine:       engine,
		Fleet:        fleet,
		Wake:         wake,
		PollInterval: poll,
		MaxIdle:      30 * poll,
		rejected:     make(map[string]map[string]time.Time),
		now:          time.Now,
	}
}

// Run dispatches until ctx is cancelled.
func (d *Dispatcher) Run(ctx domain.Context) {
	idle := d.PollInterval
	timer := time.NewTimer(idle)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-d.Wake:
			if !ok {
				d.Wake = nil
				continue
			}
		case <-timer.C:
		}

		n := d.Drain(ctx)
		if n > 0 {
			idle = d.PollInterval
		} else if idle < d.MaxIdle {
			idle *= 2
			if idle > d.MaxIdle {
				idle = d.MaxIdle
			}
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(idle)
	}
}

// Drain dispatches until no more progress is possible and returns how many
// jobs were handed out.
func (d *Dispatcher) Drain(ctx domain.Context) int {
	total := 0
	for {
		dispatched, err := d.DispatchOne(ctx)
		if err != nil {
			slog.Error("dispatch failed", slog.Any("error", err))
			return total
		}
		if !dispatched {
			return total
		}
		total++
	}
}

// DispatchOne assigns the highest-priority eligible job to the best robot.
// It returns false when nothing is dispatchable: empty queue, no capable
// robot, or every candidate rejected.
func (d *Dispatcher) DispatchOne(ctx domain.Context) (bool, error) {
	pending, err := d.Queue.Peek(ctx, domain.PeekFilter{Status: domain.JobPending, Limit: 20})
	if err != nil {
		return false, err
	}
	now := d.now()
	robots := d.Fleet.Snapshot()
	for _, job := range pending {
		if job.VisibleAfter.After(now) {
			continue
		}
		robot, _, err := d.Engine.Select(d.requestFor(job), robots)
		if err != nil {
			if errors.Is(err, domain.ErrNoCapableRobot) {
				continue
			}
			return false, err
		}
		ok, err := d.assign(ctx, job, robot.ID)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		// Rejected or timed out: the robot is excluded for this job; retry
		// the job against the remaining fleet on the next pass.
		return false, nil
	}
	return false, nil
}

func (d *Dispatcher) requestFor(job domain.Job) assignment.Request {
	return assignment.Request{
		JobID:                job.ID,
		WorkflowID:           job.WorkflowID,
		RequiredCapabilities: domain.MustParseCapabilities(job.RequiredCapabilities),
		TagPreferences:       job.Tags,
		Exclude:              d.excludedFor(job.ID),
	}
}

// assign claims the job for the robot and delivers it. A failed delivery
// releases the claim without burning a retry.
func (d *Dispatcher) assign(ctx domain.Context, job domain.Job, robotID string) (bool, error) {
	claimed, err := d.Queue.Claim(ctx, robotID, 1)
	if err != nil {
		return false, err
	}
	if len(claimed) == 0 {
		return false, nil
	}
	cj := claimed[0]

	var cp *domain.Checkpoint
	if cj.StartFromCheckpoint {
		if c, err := d.Queue.GetCheckpoint(ctx, cj.ID); err == nil {
			cp = &c
		} else if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("checkpoint load failed", slog.String("job_id", cj.ID), slog.Any("error", err))
		}
	}

	if err := d.Fleet.SendAssignment(ctx, robotID, cj, cp); err != nil {
		d.exclude(cj.ID, robotID)
		if relErr := d.Queue.Release(ctx, cj.ID, domain.ReleaseOptions{
			RobotID: robotID,
			Error:   "assignment not accepted: " + err.Error(),
		}); relErr != nil {
			slog.Error("release after failed assignment",
				slog.String("job_id", cj.ID), slog.Any("error", relErr))
		}
		slog.Info("assignment not accepted",
			slog.String("job_id", cj.ID),
			slog.String("robot_id", robotID),
			slog.Any("error", err))
		return false, nil
	}
	d.clearExclusions(cj.ID)
	return true, nil
}

func (d *Dispatcher) exclude(jobID, robotID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.rejected[jobID]
	if m == nil {
		m = make(map[string]time.Time)
		d.rejected[jobID] = m
	}
	m[robotID] = d.now()
}

func (d *Dispatcher) clearExclusions(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.rejected, jobID)
}

func (d *Dispatcher) excludedFor(jobID string) map[string]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	m := d.rejected[jobID]
	if len(m) == 0 {
		return nil
	}
	cutoff := d.now().Add(-rejectionTTL)
	out := make(map[string]bool, len(m))
	for robotID, at := range m {
		if at.Before(cutoff) {
			delete(m, robotID)
			continue
		}
		out[robotID] = true
	}
	return out
}
