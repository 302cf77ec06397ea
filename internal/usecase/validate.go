// Package usecase contains the orchestrator's application services: job
// submission and cancellation, workflow validation, and the dispatch loop
// that pairs pending jobs with connected robots.
package usecase

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/botfleet/orchestrator/internal/domain"
)

// WorkflowBounds caps accepted workflow definitions.
type WorkflowBounds struct {
	MaxBytes       int
	MaxNodes       int
	MaxConnections int
	MaxDepth       int
}

// DefaultWorkflowBounds returns the default caps.
func DefaultWorkflowBounds() WorkflowBounds {
	return WorkflowBounds{MaxBytes: 1 << 20, MaxNodes: 500, MaxConnections: 2000, MaxDepth: 100}
}

// Workflow definitions execute on robots; reject anything that smells like
// an injection attempt. Fail closed.
var forbiddenPatterns = []string{
	"__import__",
	"eval(",
	"exec(",
	"os.system",
	"subprocess",
}

type workflowNode struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type workflowConnection struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type workflowShape struct {
	Nodes       []workflowNode       `json:"nodes"`
	Connections []workflowConnection `json:"connections"`
}

// ValidateWorkflow checks a workflow definition against the bounds: size,
// shape, node/connection counts, graph depth, dangling connection endpoints,
// and forbidden code patterns.
func ValidateWorkflow(raw json.RawMessage, bounds WorkflowBounds) error {
	if len(raw) == 0 {
		return fmt.Errorf("op=validate.workflow: empty definition: %w", domain.ErrInvalidArgument)
	}
	if bounds.MaxBytes > 0 && len(raw) > bounds.MaxBytes {
		return fmt.Errorf("op=validate.workflow: definition exceeds %d bytes: %w", bounds.MaxBytes, domain.ErrInvalidArgument)
	}
	lowered := strings.ToLower(string(raw))
	for _, pat := range forbiddenPatterns {
		if strings.Contains(lowered, pat) {
			return fmt.Errorf("op=validate.workflow: forbidden pattern %q: %w", pat, domain.ErrInvalidArgument)
		}
	}

	var wf workflowShape
	if err := json.Unmarshal(raw, &wf); err != nil {
		return fmt.Errorf("op=validate.workflow: malformed json: %w", domain.ErrInvalidArgument)
	}
	if len(wf.Nodes) == 0 {
		return fmt.Errorf("op=validate.workflow: no nodes: %w", domain.ErrInvalidArgument)
	}
	if bounds.MaxNodes > 0 && len(wf.Nodes) > bounds.MaxNodes {
		return fmt.Errorf("op=validate.workflow: %d nodes exceeds %d: %w", len(wf.Nodes), bounds.MaxNodes, domain.ErrInvalidArgument)
	}
	if bounds.MaxConnections > 0 && len(wf.Connections) > bounds.MaxConnections {
		return fmt.Errorf("op=validate.workflow: %d connections exceeds %d: %w", len(wf.Connections), bounds.MaxConnections, domain.ErrInvalidArgument)
	}

	nodes := make(map[string]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		if n.ID == "" {
			return fmt.Errorf("op=validate.workflow: node with empty id: %w", domain.ErrInvalidArgument)
		}
		if nodes[n.ID] {
			return fmt.Errorf("op=validate.workflow: duplicate node id %q: %w", n.ID, domain.ErrInvalidArgument)
		}
		nodes[n.ID] = true
	}
	edges := make(map[string][]string, len(wf.Connections))
	for _, c := range wf.Connections {
		if !nodes[c.From] || !nodes[c.To] {
			return fmt.Errorf("op=validate.workflow: connection %s->%s references unknown node: %w", c.From, c.To, domain.ErrInvalidArgument)
		}
		edges[c.From] = append(edges[c.From], c.To)
	}

	if bounds.MaxDepth > 0 {
		depth, err := graphDepth(nodes, edges, bounds.MaxDepth)
		if err != nil {
			return err
		}
		if depth > bounds.MaxDepth {
			return fmt.Errorf("op=validate.workflow: depth %d exceeds %d: %w", depth, bounds.MaxDepth, domain.ErrInvalidArgument)
		}
	}
	return nil
}

// graphDepth returns the longest path length in nodes. Depth search is
// capped at maxDepth+1 so cyclic definitions terminate and fail the bound.
func graphDepth(nodes map[string]bool, edges map[string][]string, maxDepth int) (int, error) {
	memo := make(map[string]int, len(nodes))
	onPath := make(map[string]bool, len(nodes))

	var walk func(id string) int
	walk = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		if onPath[id] {
			// Cycle: report as exceeding any finite bound.
			return maxDepth + 1
		}
		onPath[id] = true
		d := 1
		for _, next := range edges[id] {
			if nd := walk(next) + 1; nd > d {
				d = nd
			}
			if d > maxDepth {
				break
			}
		}
		onPath[id] = false
		memo[id] = d
		return d
	}

	depth := 0
	for id := range nodes {
		if d := walk(id); d > depth {
			depth = d
		}
	}
	return depth, nil
}
