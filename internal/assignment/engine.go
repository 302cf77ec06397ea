// Package assignment picks the best connected robot for a dispatchable job.
// The engine is pure and deterministic given its inputs: no I/O, no clocks.
package assignment

import (
	"fmt"
	"sort"

	"github.com/botfleet/orchestrator/internal/domain"
)

// Weights is the scoring configuration bundle.
type Weights struct {
	CPU      float64
	Mem      float64
	Load     float64
	Tag      float64
	Zone     float64
	Affinity float64

	// Soft/hard utilization thresholds (percent). Above soft a linear
	// penalty applies; above hard an additional flat penalty.
	CPUSoft float64
	CPUHard float64
	MemSoft float64
	MemHard float64
}

// DefaultWeights returns the default scoring bundle.
func DefaultWeights() Weights {
	return Weights{
		CPU: 1.0, Mem: 1.0, Load: 2.0, Tag: 1.0, Zone: 1.5, Affinity: 1.5,
		CPUSoft: 75, CPUHard: 90, MemSoft: 75, MemHard: 90,
	}
}

// Request describes what a job needs from a robot.
type Request struct {
	JobID                string
	WorkflowID           string
	Environment          string
	PreferredZone        string
	RequiredCapabilities []domain.Capability
	TagPreferences       []string
	MinCPUHeadroom       float64
	MinMemHeadroom       float64
	// Exclude lists robots that already rejected or timed out on this job.
	Exclude map[string]bool
}

// ScoreBreakdown exposes the per-factor contributions for observability.
type ScoreBreakdown struct {
	RobotID  string  `json:"robot_id"`
	CPU      float64 `json:"cpu"`
	Mem      float64 `json:"mem"`
	Load     float64 `json:"load"`
	Tag      float64 `json:"tag"`
	Zone     float64 `json:"zone"`
	Affinity float64 `json:"affinity"`
	Total    float64 `json:"total"`
}

// AffinityReader is the read side of the state affinity tracker.
type AffinityReader interface {
	Has(workflowID, robotID string) bool
}

// Engine filters and scores candidate robots.
type Engine struct {
	weights  Weights
	affinity AffinityReader
}

// NewEngine constructs an Engine; affinity may be nil.
func NewEngine(w Weights, affinity AffinityReader) *Engine {
	return &Engine{weights: w, affinity: affinity}
}

// Select returns the best matching robot or ErrNoCapableRobot. Candidates are
// evaluated in sorted id order so identical inputs always produce identical
// output; exact score ties go to the least recently assigned robot.
func (e *Engine) Select(req Request, robots []domain.Robot) (domain.Robot, ScoreBreakdown, error) {
	candidates := make([]domain.Robot, 0, len(robots))
	for _, r := range robots {
		if e.eligible(req, r) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return domain.Robot{}, ScoreBreakdown{}, fmt.Errorf("op=assignment.select: job %s: %w", req.JobID, domain.ErrNoCapableRobot)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	best := candidates[0]
	bestScore := e.Score(req, best)
	for _, r := range candidates[1:] {
		s := e.Score(req, r)
		if s.Total > bestScore.Total ||
			(s.Total == bestScore.Total && r.LastAssignedAt.Before(best.LastAssignedAt)) {
			best, bestScore = r, s
		}
	}
	return best, bestScore, nil
}

// eligible applies the hard filter.
func (e *Engine) eligible(req Request, r domain.Robot) bool {
	if req.Exclude[r.ID] {
		return false
	}
	switch r.Status {
	case domain.RobotIdle:
	case domain.RobotBusy:
		if r.AvailableSlots() == 0 {
			return false
		}
	default:
		return false
	}
	if req.Environment != "" && r.Environment != req.Environment {
		return false
	}
	if !domain.CoversAll(r.Capabilities, req.RequiredCapabilities) {
		return false
	}
	if req.MinCPUHeadroom > 0 && 100-r.CPUPercent < req.MinCPUHeadroom {
		return false
	}
	if req.MinMemHeadroom > 0 && 100-r.MemoryPercent < req.MinMemHeadroom {
		return false
	}
	return true
}

// Score computes the weighted soft score for one candidate.
func (e *Engine) Score(req Request, r domain.Robot) ScoreBreakdown {
	w := e.weights
	b := ScoreBreakdown{RobotID: r.ID}

	b.CPU = headroomScore(r.CPUPercent, w.CPUSoft, w.CPUHard) * w.CPU
	b.Mem = headroomScore(r.MemoryPercent, w.MemSoft, w.MemHard) * w.Mem
	if r.MaxConcurrentJobs > 0 {
		b.Load = -float64(len(r.CurrentJobs)) / float64(r.MaxConcurrentJobs) * w.Load
	}
	b.Tag = jaccard(r.Tags, req.TagPreferences) * w.Tag
	if req.PreferredZone != "" && r.Environment == req.PreferredZone {
		b.Zone = w.Zone
	}
	if e.affinity != nil && req.WorkflowID != "" && e.affinity.Has(req.WorkflowID, r.ID) {
		b.Affinity = w.Affinity
	}
	b.Total = b.CPU + b.Mem + b.Load + b.Tag + b.Zone + b.Affinity
	return b
}

// headroomScore maps utilization percent to [-2, 1]: full headroom scores 1,
// a linear penalty kicks in above soft, and a further flat penalty above hard.
func headroomScore(used, soft, hard float64) float64 {
	s := (100 - used) / 100
	if hard <= soft {
		return s
	}
	if used >= soft {
		over := used - soft
		span := hard - soft
		if over > span {
			over = span
		}
		s -= over / span
	}
	if used >= hard {
		s -= 1
	}
	return s
}

// jaccard computes intersection/union overlap of two tag sets; an empty
// side scores 0.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	inter := 0
	union := len(set)
	for _, t := range b {
		if set[t] {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
