// Package dag validates workflow dependency graphs and computes the
// parallel-executable layering the scheduler drives: structural checks
// (duplicate/dangling ids) plus Kahn's algorithm with a cycle witness for
// graphs that don't reduce to a total layering.
package dag

import (
	"fmt"
	"strings"

	"github.com/n8n-work/workflow-core/internal/workflow"
)

// ValidationReport collects structural errors found while validating a
// workflow definition, independent of cycle detection.
type ValidationReport struct {
	Valid  bool
	Errors []string
}

func (r *ValidationReport) addf(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Valid = false
}

// CycleError is returned by TopologicalLayers when the dependency graph
// contains a cycle. Path is the witness: a sequence of step ids forming the
// cycle, starting and ending at the same id.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
}

// Validate checks structural invariants that don't require reasoning about
// the whole graph: unique ids, dependencies that resolve to real steps, and
// that at least one step has no dependencies.
func Validate(wf *workflow.Workflow) ValidationReport {
	report := ValidationReport{Valid: true}

	if wf == nil {
		report.addf("workflow is nil")
		return report
	}
	if len(wf.Steps) == 0 {
		report.addf("workflow must declare at least one step")
		return report
	}

	ids := make(map[string]bool, len(wf.Steps))
	for _, s := range wf.Steps {
		if s.ID == "" {
			report.addf("step has empty id")
			continue
		}
		if ids[s.ID] {
			report.addf("duplicate step id: %s", s.ID)
			continue
		}
		ids[s.ID] = true
	}

	rootFound := false
	for _, s := range wf.Steps {
		if len(s.DependsOn) == 0 {
			rootFound = true
		}
		for _, dep := range s.DependsOn {
			if !ids[dep] {
				report.addf("step %s depends on non-existent step %s", s.ID, dep)
			}
		}
	}
	if !rootFound {
		report.addf("workflow has no root step (a step with no dependencies)")
	}

	return report
}

// TopologicalLayers runs Kahn's algorithm over the dependsOn relation and
// returns the steps grouped into parallel-executable layers: every step in
// layer k has all of its dependencies satisfied by layers 0..k-1. A layer is
// an unordered set; callers must not rely on slice order within a layer.
//
// Steps with a dependency on a non-existent id are reported by Validate, not
// here; TopologicalLayers assumes the graph already passed Validate and
// treats an unresolved dependency id as "never satisfied," which would
// itself manifest as a cycle-shaped failure. Callers should run Validate
// first.
func TopologicalLayers(wf *workflow.Workflow) ([][]string, error) {
	inDegree := make(map[string]int, len(wf.Steps))
	dependents := make(map[string][]string, len(wf.Steps))

	for _, s := range wf.Steps {
		inDegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	var layers [][]string
	remaining := len(wf.Steps)
	emitted := 0

	// current frontier: zero in-degree nodes not yet emitted.
	frontier := make([]string, 0, len(wf.Steps))
	for _, s := range wf.Steps {
		if inDegree[s.ID] == 0 {
			frontier = append(frontier, s.ID)
		}
	}

	seen := make(map[string]bool, len(wf.Steps))
	for len(frontier) > 0 {
		layers = append(layers, frontier)
		emitted += len(frontier)
		for _, id := range frontier {
			seen[id] = true
		}

		var next []string
		for _, id := range frontier {
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		frontier = next
	}

	if emitted < remaining {
		return nil, &CycleError{Path: findCycle(wf, seen)}
	}

	return layers, nil
}

// findCycle runs a depth-first search over the dependsOn-and-next graph
// (next-hints are consulted only here, for cycle-witness reporting, never
// by TopologicalLayers itself) starting from any step that Kahn's algorithm
// never emitted, and returns the first cycle it finds as a path of step ids.
func findCycle(wf *workflow.Workflow, resolved map[string]bool) []string {
	adjacency := make(map[string][]string, len(wf.Steps))
	for _, s := range wf.Steps {
		edges := append([]string{}, s.DependsOn...)
		edges = append(edges, s.Next...)
		adjacency[s.ID] = edges
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(wf.Steps))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		path = append(path, id)

		for _, next := range adjacency[id] {
			switch color[next] {
			case white:
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			case gray:
				// found the back-edge that closes the cycle.
				start := indexOf(path, next)
				cycle := append([]string{}, path[start:]...)
				cycle = append(cycle, next)
				return cycle
			}
		}

		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, s := range wf.Steps {
		if resolved[s.ID] {
			continue
		}
		if color[s.ID] == white {
			if cycle := visit(s.ID); cycle != nil {
				return cycle
			}
		}
	}

	// Shouldn't happen if TopologicalLayers actually failed, but degrade
	// gracefully rather than return nil.
	var unresolved []string
	for _, s := range wf.Steps {
		if !resolved[s.ID] {
			unresolved = append(unresolved, s.ID)
		}
	}
	return unresolved
}

func indexOf(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

// TransitiveDependencies returns the set of step ids that stepID transitively
// depends on (not including stepID itself).
func TransitiveDependencies(wf *workflow.Workflow, stepID string) map[string]bool {
	depsByID := make(map[string][]string, len(wf.Steps))
	for _, s := range wf.Steps {
		depsByID[s.ID] = s.DependsOn
	}

	result := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		for _, dep := range depsByID[id] {
			if !result[dep] {
				result[dep] = true
				visit(dep)
			}
		}
	}
	visit(stepID)
	return result
}

// TransitiveDependents returns the set of step ids that transitively depend
// on stepID (not including stepID itself).
func TransitiveDependents(wf *workflow.Workflow, stepID string) map[string]bool {
	dependents := make(map[string][]string, len(wf.Steps))
	for _, s := range wf.Steps {
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	result := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		for _, dep := range dependents[id] {
			if !result[dep] {
				result[dep] = true
				visit(dep)
			}
		}
	}
	visit(stepID)
	return result
}
