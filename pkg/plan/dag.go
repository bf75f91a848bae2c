package plan

import (
	"fmt"
	"sort"
	"strings"
)

// TaskGraph is the dependency graph of one play's tasks. Levels group
// tasks with no remaining dependencies on later levels; all tasks at one
// level may be dispatched before any task at the next.
type TaskGraph struct {
	// PlayID is the play this graph belongs to.
	PlayID string `json:"play_id"`

	// Levels holds task ids grouped by topological level, each level sorted.
	Levels [][]string `json:"levels"`

	// Dependents maps a task id to the ids that depend on it.
	Dependents map[string][]string `json:"dependents"`
}

// dagBuilder computes a TaskGraph from a play's tasks.
// It performs cycle detection with DFS and level assignment with Kahn's
// algorithm, mirroring the declared dependency semantics.
type dagBuilder struct {
	tasks     map[string]*Task
	batchOf   map[string]int
	adjacency map[string][]string
	inDegree  map[string]int
	levels    [][]string
}

// BuildGraph constructs the dependency graph for a single play.
// It assumes task ids have already been checked for uniqueness.
// Batches execute in declared order, so a dependency on a task in a
// later batch can never be honored and is rejected here.
func BuildGraph(play *Play) (*TaskGraph, error) {
	b := &dagBuilder{
		tasks:     make(map[string]*Task),
		batchOf:   make(map[string]int),
		adjacency: make(map[string][]string),
		inDegree:  make(map[string]int),
	}

	for bi := range play.Batches {
		for ti := range play.Batches[bi].Tasks {
			t := &play.Batches[bi].Tasks[ti]
			b.tasks[t.ID] = t
			b.batchOf[t.ID] = bi
			if _, ok := b.adjacency[t.ID]; !ok {
				b.adjacency[t.ID] = nil
			}
		}
	}

	for bi := range play.Batches {
		for ti := range play.Batches[bi].Tasks {
			t := &play.Batches[bi].Tasks[ti]
			for _, dep := range t.Dependencies {
				if _, ok := b.tasks[dep]; !ok {
					return nil, NewPlanError(
						fmt.Sprintf("task %s depends on unknown task %s (dependencies may not cross plays)", t.ID, dep))
				}
				if b.batchOf[dep] > bi {
					return nil, NewPlanError(
						fmt.Sprintf("task %s in batch %s depends on task %s in later batch %s",
							t.ID, play.Batches[bi].ID, dep, play.Batches[b.batchOf[dep]].ID))
				}
				b.adjacency[dep] = append(b.adjacency[dep], t.ID)
				b.inDegree[t.ID]++
			}
		}
	}

	if cycle := b.findCycle(); cycle != nil {
		return nil, NewPlanError(
			fmt.Sprintf("play %s has a circular dependency: %s", play.ID, strings.Join(cycle, " -> ")))
	}

	b.computeLevels()

	dependents := make(map[string][]string, len(b.adjacency))
	for id, deps := range b.adjacency {
		if len(deps) == 0 {
			continue
		}
		out := append([]string(nil), deps...)
		sort.Strings(out)
		dependents[id] = out
	}

	return &TaskGraph{
		PlayID:     play.ID,
		Levels:     b.levels,
		Dependents: dependents,
	}, nil
}

// findCycle runs DFS over the dependency edges and returns the first cycle
// path found, or nil.
func (b *dagBuilder) findCycle() []string {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	// Deterministic traversal order keeps error messages stable.
	ids := make([]string, 0, len(b.tasks))
	for id := range b.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		next := append([]string(nil), b.adjacency[id]...)
		sort.Strings(next)
		for _, dep := range next {
			if !visited[dep] {
				if visit(dep) {
					return true
				}
			} else if onStack[dep] {
				start := 0
				for i, p := range path {
					if p == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string(nil), path[start:]...), dep)
				return true
			}
		}

		onStack[id] = false
		path = path[:len(path)-1]
		return false
	}

	for _, id := range ids {
		if !visited[id] {
			if visit(id) {
				return cycle
			}
		}
	}
	return nil
}

// computeLevels assigns topological levels with Kahn's algorithm.
func (b *dagBuilder) computeLevels() {
	inDegree := make(map[string]int, len(b.tasks))
	for id := range b.tasks {
		inDegree[id] = b.inDegree[id]
	}

	var current []string
	for id, deg := range inDegree {
		if deg == 0 {
			current = append(current, id)
		}
	}
	sort.Strings(current)

	for len(current) > 0 {
		b.levels = append(b.levels, current)

		var next []string
		for _, id := range current {
			for _, dependent := range b.adjacency[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}
}
