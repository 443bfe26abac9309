package engine

import (
	"errors"
	"fmt"
	"slices"

	"github.com/seantiz/vigil/internal/model"
)

// Graph validation errors.
var (
	ErrNoTasks           = errors.New("build has no tasks")
	ErrUnnamedTask       = errors.New("task name is required")
	ErrDuplicateTask     = errors.New("duplicate task name")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDependencyCycle   = errors.New("dependency cycle")
)

// graph is the dependency structure of one build, indexed by position in
// the build's task list.
type graph struct {
	index      map[string]int
	deps       [][]int // task → tasks it depends on
	dependents [][]int // task → tasks depending on it
}

// newGraph validates the task names and dependencies and returns the graph.
func newGraph(tasks []*model.Task) (*graph, error) {
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}

	g := &graph{
		index:      make(map[string]int, len(tasks)),
		deps:       make([][]int, len(tasks)),
		dependents: make([][]int, len(tasks)),
	}
	for i, t := range tasks {
		if t.Name == "" {
			return nil, fmt.Errorf("task %d: %w", i, ErrUnnamedTask)
		}
		if _, dup := g.index[t.Name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateTask, t.Name)
		}
		g.index[t.Name] = i
	}

	for i, t := range tasks {
		for _, dep := range t.DependsOn {
			j, ok := g.index[dep]
			if !ok {
				return nil, fmt.Errorf("%w: task %q depends on %q", ErrUnknownDependency, t.Name, dep)
			}
			if slices.Contains(g.deps[i], j) {
				continue
			}
			g.deps[i] = append(g.deps[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
	}

	if cycle := g.findCycle(tasks); cycle != "" {
		return nil, fmt.Errorf("%w through task %q", ErrDependencyCycle, cycle)
	}
	return g, nil
}

// findCycle returns the name of a task on a dependency cycle, or "".
func (g *graph) findCycle(tasks []*model.Task) string {
	indegree := make([]int, len(tasks))
	for i := range tasks {
		indegree[i] = len(g.deps[i])
	}
	var queue []int
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, m := range g.dependents[n] {
			indegree[m]--
			if indegree[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	if visited == len(tasks) {
		return ""
	}
	for i, d := range indegree {
		if d > 0 {
			return tasks[i].Name
		}
	}
	return ""
}

// downstream returns every task that transitively depends on task i, in
// index order.
func (g *graph) downstream(i int) []int {
	seen := make(map[int]bool)
	stack := slices.Clone(g.dependents[i])
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		stack = append(stack, g.dependents[n]...)
	}
	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}
