package plan

import (
	"errors"
	"strings"
	"testing"
)

func singleBatchPlay(id string, tasks ...Task) *Play {
	return &Play{
		ID:      id,
		Batches: []Batch{{ID: id + "-b1", Tasks: tasks}},
	}
}

func TestBuildGraph_Empty(t *testing.T) {
	graph, err := BuildGraph(&Play{ID: "p1", Batches: []Batch{{ID: "b1"}}})
	if err != nil {
		t.Fatalf("Expected no error for empty play, got: %v", err)
	}
	if len(graph.Levels) != 0 {
		t.Errorf("Expected 0 levels, got %d", len(graph.Levels))
	}
}

func TestBuildGraph_LinearDependencies(t *testing.T) {
	play := singleBatchPlay("p1",
		Task{ID: "a", Module: "command"},
		Task{ID: "b", Module: "command", Dependencies: []string{"a"}},
		Task{ID: "c", Module: "command", Dependencies: []string{"b"}},
	)

	graph, err := BuildGraph(play)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(graph.Levels) != 3 {
		t.Fatalf("Expected 3 levels, got %d", len(graph.Levels))
	}
	for i, want := range []string{"a", "b", "c"} {
		if len(graph.Levels[i]) != 1 || graph.Levels[i][0] != want {
			t.Errorf("Level %d: expected [%s], got %v", i, want, graph.Levels[i])
		}
	}
}

func TestBuildGraph_Diamond(t *testing.T) {
	play := singleBatchPlay("p1",
		Task{ID: "a", Module: "command"},
		Task{ID: "b", Module: "command", Dependencies: []string{"a"}},
		Task{ID: "c", Module: "command", Dependencies: []string{"a"}},
		Task{ID: "d", Module: "command", Dependencies: []string{"b", "c"}},
	)

	graph, err := BuildGraph(play)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(graph.Levels) != 3 {
		t.Fatalf("Expected 3 levels, got %d", len(graph.Levels))
	}
	if len(graph.Levels[1]) != 2 {
		t.Errorf("Expected b and c at level 1, got %v", graph.Levels[1])
	}
	// Levels are sorted for determinism.
	if graph.Levels[1][0] != "b" || graph.Levels[1][1] != "c" {
		t.Errorf("Expected sorted level [b c], got %v", graph.Levels[1])
	}
}

func TestBuildGraph_CycleDetected(t *testing.T) {
	play := singleBatchPlay("p1",
		Task{ID: "a", Module: "command", Dependencies: []string{"c"}},
		Task{ID: "b", Module: "command", Dependencies: []string{"a"}},
		Task{ID: "c", Module: "command", Dependencies: []string{"b"}},
	)

	_, err := BuildGraph(play)
	if err == nil {
		t.Fatal("Expected cycle error, got nil")
	}
	var perr *PlanError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected PlanError, got %T", err)
	}
	if !strings.Contains(err.Error(), "circular dependency") {
		t.Errorf("Expected circular dependency message, got: %v", err)
	}
}

func TestBuildGraph_UnknownDependency(t *testing.T) {
	play := singleBatchPlay("p1",
		Task{ID: "a", Module: "command", Dependencies: []string{"ghost"}},
	)

	_, err := BuildGraph(play)
	if err == nil {
		t.Fatal("Expected error for unknown dependency, got nil")
	}
	if !strings.Contains(err.Error(), "unknown task ghost") {
		t.Errorf("Unexpected message: %v", err)
	}
}

func TestBuildGraph_BackwardBatchDependency(t *testing.T) {
	play := &Play{
		ID: "p1",
		Batches: []Batch{
			{ID: "b1", Tasks: []Task{
				{ID: "late", Module: "command", Dependencies: []string{"early"}},
			}},
			{ID: "b2", Tasks: []Task{
				{ID: "early", Module: "command"},
			}},
		},
	}

	_, err := BuildGraph(play)
	if err == nil {
		t.Fatal("Expected a dependency on a later batch to be rejected")
	}
	var perr *PlanError
	if !errors.As(err, &perr) {
		t.Fatalf("Expected a PlanError, got: %T", err)
	}
	for _, want := range []string{"late", "early", "later batch"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Expected error to mention %q, got: %s", want, err)
		}
	}
}
