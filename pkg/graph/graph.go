// Package graph models a pipeline's stage dependency graph and answers the
// orchestrator's scheduling questions: which stages are roots, which become
// unblocked by a completion, and which descend from a failed stage.
package graph

import (
	"fmt"
	"sort"

	"github.com/inkwell-ai/inkwell/pkg/model"
)

// FailurePolicy decides how a stage's failure propagates.
type FailurePolicy string

const (
	// FailAbort fails the whole pipeline. The default.
	FailAbort FailurePolicy = "abort"

	// FailSkip skips the stage's descendants and lets independent branches
	// finish.
	FailSkip FailurePolicy = "skip"

	// FailContinueWithNull completes the stage with a null result so
	// descendants still run.
	FailContinueWithNull FailurePolicy = "continue_with_null"
)

// Stage is one node of the dependency graph.
type Stage struct {
	ID            string
	AgentKind     model.AgentKind
	Dependencies  []string
	ParallelGroup string
	OnFailure     FailurePolicy
}

// Graph is a validated, immutable stage DAG.
type Graph struct {
	stages     map[string]*Stage
	order      []string            // topological, deterministic
	dependents map[string][]string // reverse edges
	groups     map[string][]string // parallel group -> member stage IDs
}

// New validates the stage list and builds the graph. Rules: IDs are unique
// and non-empty, every dependency references a declared stage, and there
// are no cycles. Parallel group members may have differing dependencies;
// the scheduler joins whichever members become runnable together.
func New(stages []Stage) (*Graph, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline has no stages")
	}

	g := &Graph{
		stages:     make(map[string]*Stage, len(stages)),
		dependents: make(map[string][]string),
		groups:     make(map[string][]string),
	}

	for i := range stages {
		stage := stages[i]
		if stage.ID == "" {
			return nil, fmt.Errorf("stage %d has empty ID", i)
		}
		if _, dup := g.stages[stage.ID]; dup {
			return nil, fmt.Errorf("duplicate stage ID %q", stage.ID)
		}
		if stage.AgentKind == "" {
			return nil, fmt.Errorf("stage %q has no agent kind", stage.ID)
		}
		if stage.OnFailure == "" {
			stage.OnFailure = FailAbort
		}
		switch stage.OnFailure {
		case FailAbort, FailSkip, FailContinueWithNull:
		default:
			return nil, fmt.Errorf("stage %q has unknown failure policy %q", stage.ID, stage.OnFailure)
		}
		g.stages[stage.ID] = &stage
	}

	for _, stage := range g.stages {
		seen := make(map[string]bool, len(stage.Dependencies))
		for _, dep := range stage.Dependencies {
			if dep == stage.ID {
				return nil, fmt.Errorf("stage %q depends on itself", stage.ID)
			}
			if _, ok := g.stages[dep]; !ok {
				return nil, fmt.Errorf("stage %q depends on undeclared stage %q", stage.ID, dep)
			}
			if seen[dep] {
				return nil, fmt.Errorf("stage %q lists dependency %q twice", stage.ID, dep)
			}
			seen[dep] = true
			g.dependents[dep] = append(g.dependents[dep], stage.ID)
		}
		if stage.ParallelGroup != "" {
			g.groups[stage.ParallelGroup] = append(g.groups[stage.ParallelGroup], stage.ID)
		}
	}

	if err := g.topoSort(); err != nil {
		return nil, err
	}
	if roots := g.Roots(); len(roots) != 1 {
		return nil, fmt.Errorf("pipeline must have exactly one source stage, found %d (%v)", len(roots), roots)
	}

	for _, members := range g.groups {
		sort.Strings(members)
	}
	for _, deps := range g.dependents {
		sort.Strings(deps)
	}
	return g, nil
}

// topoSort establishes g.order via Kahn's algorithm with sorted tie-breaking
// so scheduling is deterministic, and rejects cycles.
func (g *Graph) topoSort() error {
	indegree := make(map[string]int, len(g.stages))
	for id, stage := range g.stages {
		indegree[id] = len(stage.Dependencies)
	}

	var frontier []string
	for id, deg := range indegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	order := make([]string, 0, len(g.stages))
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		order = append(order, id)

		var released []string
		for _, dependent := range g.dependents[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				released = append(released, dependent)
			}
		}
		sort.Strings(released)
		frontier = append(frontier, released...)
	}

	if len(order) != len(g.stages) {
		var stuck []string
		for id, deg := range indegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return fmt.Errorf("dependency cycle involving stages %v", stuck)
	}
	g.order = order
	return nil
}

// Stage returns the stage by ID.
func (g *Graph) Stage(id string) (*Stage, bool) {
	stage, ok := g.stages[id]
	return stage, ok
}

// Len returns the number of stages.
func (g *Graph) Len() int { return len(g.stages) }

// Order returns the deterministic topological order of all stage IDs.
func (g *Graph) Order() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Roots returns the stages with no dependencies, in order.
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.order {
		if len(g.stages[id].Dependencies) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Dependents returns the stages that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	deps := g.dependents[id]
	out := make([]string, len(deps))
	copy(out, deps)
	return out
}

// GroupMembers returns the stage IDs sharing the stage's parallel group,
// including the stage itself. A stage without a group is its own unit.
func (g *Graph) GroupMembers(id string) []string {
	stage, ok := g.stages[id]
	if !ok {
		return nil
	}
	if stage.ParallelGroup == "" {
		return []string{id}
	}
	members := g.groups[stage.ParallelGroup]
	out := make([]string, len(members))
	copy(out, members)
	return out
}

// Ready reports whether every dependency of id satisfies done.
func (g *Graph) Ready(id string, done func(dep string) bool) bool {
	stage, ok := g.stages[id]
	if !ok {
		return false
	}
	for _, dep := range stage.Dependencies {
		if !done(dep) {
			return false
		}
	}
	return true
}

// Descendants returns every stage reachable from id through dependency
// edges, in topological order. Used to skip the subtree under a failed
// stage.
func (g *Graph) Descendants(id string) []string {
	reached := make(map[string]bool)
	stack := []string{id}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, dependent := range g.dependents[current] {
			if !reached[dependent] {
				reached[dependent] = true
				stack = append(stack, dependent)
			}
		}
	}

	var out []string
	for _, ordered := range g.order {
		if reached[ordered] {
			out = append(out, ordered)
		}
	}
	return out
}
