package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/planforge/planforge/pkg/modules"
	"github.com/planforge/planforge/pkg/payload"
	"github.com/planforge/planforge/pkg/plan"
)

// traceModule records execution order and fails on demand, keyed by the
// "id" task argument.
type traceModule struct {
	mu       sync.Mutex
	order    []string
	failIDs  map[string]bool
	errsLeft map[string]int

	running    int32
	maxRunning int32
	delay      time.Duration
}

func newTraceModule() *traceModule {
	return &traceModule{
		failIDs:  make(map[string]bool),
		errsLeft: make(map[string]int),
	}
}

func (m *traceModule) Name() string                       { return "trace" }
func (m *traceModule) Version() string                    { return "1.0.0" }
func (m *traceModule) RequiredParameters() []string       { return []string{"id"} }
func (m *traceModule) ParameterAliases() map[string]string { return nil }
func (m *traceModule) Validate(map[string]interface{}) error { return nil }

func (m *traceModule) Execute(_ context.Context, args map[string]interface{}, _ *modules.ExecContext) (*modules.Result, error) {
	id, _ := args["id"].(string)

	cur := atomic.AddInt32(&m.running, 1)
	for {
		max := atomic.LoadInt32(&m.maxRunning)
		if cur <= max || atomic.CompareAndSwapInt32(&m.maxRunning, max, cur) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	defer atomic.AddInt32(&m.running, -1)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = append(m.order, id)

	if m.errsLeft[id] > 0 {
		m.errsLeft[id]--
		return nil, errors.New("transient trace error")
	}
	if m.failIDs[id] {
		return &modules.Result{Failed: true, Msg: "trace failure"}, nil
	}
	return &modules.Result{Changed: true}, nil
}

func (m *traceModule) executed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

func traceTask(id string, deps []string, conds []string) plan.Task {
	return plan.Task{
		ID:           id,
		Module:       "trace",
		Args:         map[string]interface{}{"id": id},
		Dependencies: deps,
		Conditions:   conds,
	}
}

func testEngine(t *testing.T, trace *traceModule) *Engine {
	t.Helper()
	reg := modules.NewRegistry()
	if err := reg.Register(trace); err != nil {
		t.Fatalf("Failed to register trace module: %v", err)
	}
	cfg := payload.DefaultRuntimeConfig()
	cfg.MaxRetries = 2
	return NewEngine(reg, cfg)
}

func TestRunRespectsDependencyOrder(t *testing.T) {
	trace := newTraceModule()
	engine := testEngine(t, trace)

	p := &plan.ExecutionPlan{
		Plays: []plan.Play{{
			ID: "play-1",
			Batches: []plan.Batch{{
				ID: "batch-1",
				Tasks: []plan.Task{
					traceTask("t-3", []string{"t-2"}, nil),
					traceTask("t-1", nil, nil),
					traceTask("t-2", []string{"t-1"}, nil),
				},
			}},
		}},
	}

	report := engine.Run(context.Background(), p, nil)
	if !report.Success {
		t.Fatalf("Expected successful run, got error: %s", report.Error)
	}

	order := trace.executed()
	if len(order) != 3 {
		t.Fatalf("Expected 3 executions, got: %v", order)
	}
	want := []string{"t-1", "t-2", "t-3"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Expected execution order %v, got: %v", want, order)
			break
		}
	}
	if len(report.Results["play-1"]) != 3 {
		t.Errorf("Expected 3 task results, got: %d", len(report.Results["play-1"]))
	}
}

func TestConditionFalseSkipsTask(t *testing.T) {
	trace := newTraceModule()
	engine := testEngine(t, trace)

	p := &plan.ExecutionPlan{
		Plays: []plan.Play{{
			ID: "play-1",
			Batches: []plan.Batch{{
				ID: "batch-1",
				Tasks: []plan.Task{
					traceTask("t-gated", nil, []string{`facts["enable_feature"]`}),
					traceTask("t-always", nil, nil),
				},
			}},
		}},
	}

	report := engine.Run(context.Background(), p, map[string]interface{}{"enable_feature": false})
	if !report.Success {
		t.Fatalf("Expected successful run, got error: %s", report.Error)
	}
	if len(report.Skipped["play-1"]) != 1 || report.Skipped["play-1"][0] != "t-gated" {
		t.Errorf("Expected t-gated skipped, got: %v", report.Skipped["play-1"])
	}
	if _, ok := report.Results["play-1"]["t-gated"]; ok {
		t.Error("Expected no result for skipped task")
	}
	if _, ok := report.Results["play-1"]["t-always"]; !ok {
		t.Error("Expected t-always to run")
	}
}

func TestConditionSeesPriorResults(t *testing.T) {
	trace := newTraceModule()
	engine := testEngine(t, trace)

	p := &plan.ExecutionPlan{
		Plays: []plan.Play{{
			ID: "play-1",
			Batches: []plan.Batch{{
				ID: "batch-1",
				Tasks: []plan.Task{
					traceTask("t-1", nil, nil),
					traceTask("t-2", []string{"t-1"}, []string{`results["t-1"]["changed"]`}),
				},
			}},
		}},
	}

	report := engine.Run(context.Background(), p, nil)
	if !report.Success {
		t.Fatalf("Expected successful run, got error: %s", report.Error)
	}
	if _, ok := report.Results["play-1"]["t-2"]; !ok {
		t.Errorf("Expected t-2 to run after t-1 changed, skipped: %v", report.Skipped["play-1"])
	}
}

func TestFailedDependencySkipsDependents(t *testing.T) {
	trace := newTraceModule()
	trace.failIDs["t-bad"] = true
	engine := testEngine(t, trace)

	p := &plan.ExecutionPlan{
		Plays: []plan.Play{{
			ID: "play-1",
			Batches: []plan.Batch{{
				ID: "batch-1",
				Tasks: []plan.Task{
					traceTask("t-bad", nil, nil),
					traceTask("t-child", []string{"t-bad"}, nil),
					traceTask("t-grandchild", []string{"t-child"}, nil),
					traceTask("t-other", nil, nil),
				},
			}},
		}},
	}

	report := engine.Run(context.Background(), p, nil)
	if report.Success {
		t.Fatal("Expected run to fail after task failure")
	}

	skipped := make(map[string]bool)
	for _, id := range report.Skipped["play-1"] {
		skipped[id] = true
	}
	if !skipped["t-child"] || !skipped["t-grandchild"] {
		t.Errorf("Expected dependents skipped, got: %v", report.Skipped["play-1"])
	}
	if _, ok := report.Results["play-1"]["t-other"]; !ok {
		t.Error("Expected unrelated task to still run")
	}
}

func TestBrokenConditionFailsTask(t *testing.T) {
	trace := newTraceModule()
	engine := testEngine(t, trace)

	p := &plan.ExecutionPlan{
		Plays: []plan.Play{{
			ID: "play-1",
			Batches: []plan.Batch{{
				ID:    "batch-1",
				Tasks: []plan.Task{traceTask("t-1", nil, []string{`undefined_name > 1`})},
			}},
		}},
	}

	report := engine.Run(context.Background(), p, nil)
	if report.Success {
		t.Fatal("Expected run to fail on broken condition")
	}
	result, ok := report.Results["play-1"]["t-1"]
	if !ok || !result.Failed {
		t.Fatalf("Expected failed result for broken condition, got: %+v", result)
	}
	if len(trace.executed()) != 0 {
		t.Errorf("Expected module not to run, got: %v", trace.executed())
	}
}

func TestParallelSafeTasksRunConcurrently(t *testing.T) {
	trace := newTraceModule()
	trace.delay = 50 * time.Millisecond
	engine := testEngine(t, trace)

	t1 := traceTask("t-1", nil, nil)
	t1.ParallelSafe = true
	t2 := traceTask("t-2", nil, nil)
	t2.ParallelSafe = true

	p := &plan.ExecutionPlan{
		Plays: []plan.Play{{
			ID:      "play-1",
			Batches: []plan.Batch{{ID: "batch-1", Tasks: []plan.Task{t1, t2}}},
		}},
	}

	report := engine.Run(context.Background(), p, nil)
	if !report.Success {
		t.Fatalf("Expected successful run, got error: %s", report.Error)
	}
	if max := atomic.LoadInt32(&trace.maxRunning); max < 2 {
		t.Errorf("Expected parallel-safe tasks to overlap, max concurrency: %d", max)
	}
}

func TestModuleErrorRetriesThenSucceeds(t *testing.T) {
	trace := newTraceModule()
	trace.errsLeft["t-1"] = 1
	engine := testEngine(t, trace)

	p := &plan.ExecutionPlan{
		Plays: []plan.Play{{
			ID:      "play-1",
			Batches: []plan.Batch{{ID: "batch-1", Tasks: []plan.Task{traceTask("t-1", nil, nil)}}},
		}},
	}

	report := engine.Run(context.Background(), p, nil)
	if !report.Success {
		t.Fatalf("Expected retry to recover, got error: %s", report.Error)
	}
	if calls := len(trace.executed()); calls != 2 {
		t.Errorf("Expected 2 execution attempts, got: %d", calls)
	}
}

func TestCancellationUnwindsToPartialReport(t *testing.T) {
	trace := newTraceModule()
	engine := testEngine(t, trace)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &plan.ExecutionPlan{
		Plays: []plan.Play{{
			ID:      "play-1",
			Batches: []plan.Batch{{ID: "batch-1", Tasks: []plan.Task{traceTask("t-1", nil, nil)}}},
		}},
	}

	report := engine.Run(ctx, p, nil)
	if report.Success {
		t.Fatal("Expected cancelled run to fail")
	}
	if report.Error == "" {
		t.Error("Expected a cancellation error in the report")
	}
}

func TestBackwardBatchDependencyFailsRun(t *testing.T) {
	trace := newTraceModule()
	engine := testEngine(t, trace)

	p := &plan.ExecutionPlan{
		Plays: []plan.Play{{
			ID: "play-1",
			Batches: []plan.Batch{
				{ID: "batch-1", Tasks: []plan.Task{traceTask("t-late", []string{"t-early"}, nil)}},
				{ID: "batch-2", Tasks: []plan.Task{traceTask("t-early", nil, nil)}},
			},
		}},
	}

	report := engine.Run(context.Background(), p, nil)
	if report.Success {
		t.Fatal("Expected the run to fail when a dependency lives in a later batch")
	}
	if report.Error == "" {
		t.Error("Expected the report to carry the rejection reason")
	}
	if got := trace.executed(); len(got) != 0 {
		t.Errorf("Expected no task to execute, got: %v", got)
	}
}
