package workflow

import (
	"fmt"
	"sort"
)

// Graph is a workflow's dependency graph: downstream task name -> edges
// describing what must happen upstream before it may run.
type Graph struct {
	tasks map[string]Task
	edges map[string][]Dependency // keyed by downstream task name
	order []string                // task names in definition order, for priority-tie breaking
}

// BuildGraph constructs a Graph from a workflow Definition, validating that
// every dependency references a task actually present in the workflow.
func BuildGraph(def Definition) (*Graph, error) {
	tasks := make(map[string]Task, len(def.Tasks))
	order := make([]string, 0, len(def.Tasks))
	for _, t := range def.Tasks {
		tasks[t.TaskName] = t
		order = append(order, t.TaskName)
	}

	edges := make(map[string][]Dependency)
	for _, dep := range def.Dependencies {
		if _, ok := tasks[dep.UpstreamTask]; !ok {
			return nil, fmt.Errorf("workflow: dependency references unknown upstream task %q", dep.UpstreamTask)
		}
		if _, ok := tasks[dep.DownstreamTask]; !ok {
			return nil, fmt.Errorf("workflow: dependency references unknown downstream task %q", dep.DownstreamTask)
		}
		edges[dep.DownstreamTask] = append(edges[dep.DownstreamTask], dep)
	}

	g := &Graph{tasks: tasks, edges: edges, order: order}
	if err := g.detectCycle(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) detectCycle() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.tasks))
	var visit func(name string) error
	visit = func(name string) error {
		color[name] = gray
		for _, dep := range g.edges[name] {
			switch color[dep.UpstreamTask] {
			case gray:
				return fmt.Errorf("workflow: dependency cycle detected involving task %q", dep.UpstreamTask)
			case white:
				if err := visit(dep.UpstreamTask); err != nil {
					return err
				}
			}
		}
		color[name] = black
		return nil
	}
	for name := range g.tasks {
		if color[name] == white {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Tasks returns the graph's tasks in no particular order.
func (g *Graph) Tasks() []Task {
	out := make([]Task, 0, len(g.tasks))
	for _, t := range g.tasks {
		out = append(out, t)
	}
	return out
}

// ReadyTasks returns the names of tasks whose dependencies are all satisfied
// by statuses, excluding any task already present (in any status) in
// statuses. A task with no dependencies is ready immediately.
//
// Readiness per dependency type (§4.2):
//   - SUCCESS: upstream must be StatusSuccess.
//   - COMPLETION: upstream must be any terminal status (success, failed,
//     cancelled, or skipped) — "ran to completion" regardless of outcome.
//   - SKIP_ON_FAILURE: upstream StatusSuccess satisfies it directly; a
//     failed/cancelled upstream causes the downstream task to be SKIPPED
//     rather than run (signaled via the second return value).
func (g *Graph) ReadyTasks(statuses map[string]Status) (ready []string, skipped []string) {
	for name := range g.tasks {
		if _, done := statuses[name]; done {
			continue
		}
		deps := g.edges[name]
		allSatisfied := true
		shouldSkip := false
		for _, dep := range deps {
			upstream, seen := statuses[dep.UpstreamTask]
			if !seen {
				allSatisfied = false
				break
			}
			switch dep.DependencyType {
			case DependencySuccess:
				if upstream != StatusSuccess {
					allSatisfied = false
				}
			case DependencyCompletion:
				if !upstream.IsTerminal() {
					allSatisfied = false
				}
			case DependencySkipOnFailure:
				if upstream == StatusSuccess {
					continue
				}
				if upstream.IsTerminal() {
					shouldSkip = true
				} else {
					allSatisfied = false
				}
			default:
				if upstream != StatusSuccess {
					allSatisfied = false
				}
			}
			if !allSatisfied {
				break
			}
		}
		if !allSatisfied {
			continue
		}
		if shouldSkip {
			skipped = append(skipped, name)
		} else {
			ready = append(ready, name)
		}
	}
	return ready, skipped
}

// sortByPriority orders names by descending Task.Priority, breaking ties by
// each task's position in the workflow's definition order (§4.2 step 2).
func (g *Graph) sortByPriority(names []string) {
	index := make(map[string]int, len(g.order))
	for i, name := range g.order {
		index[name] = i
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := g.tasks[names[i]].Priority, g.tasks[names[j]].Priority
		if pi != pj {
			return pi > pj
		}
		return index[names[i]] < index[names[j]]
	})
}

// IsComplete reports whether every task in the graph has a terminal status.
func (g *Graph) IsComplete(statuses map[string]Status) bool {
	for name := range g.tasks {
		status, ok := statuses[name]
		if !ok || !status.IsTerminal() {
			return false
		}
	}
	return true
}
