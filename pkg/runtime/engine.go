// Package runtime is the execution engine linked into every generated plan
// runner. It replays the embedded plan on the target host: plays in order,
// batches in declared order, tasks in dependency order, with parallel-safe
// tasks of one batch dispatched concurrently.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/planforge/planforge/pkg/modules"
	"github.com/planforge/planforge/pkg/payload"
	"github.com/planforge/planforge/pkg/plan"
)

// Engine replays an execution plan against a module registry.
type Engine struct {
	registry *modules.Registry
	cfg      payload.RuntimeConfig
	cond     *conditionEvaluator

	// ecMu guards the execution context while parallel-safe tasks of one
	// batch run concurrently.
	ecMu sync.Mutex
}

// NewEngine creates an engine for the given registry and runner config.
func NewEngine(registry *modules.Registry, cfg payload.RuntimeConfig) *Engine {
	return &Engine{
		registry: registry,
		cfg:      cfg,
		cond:     newConditionEvaluator(10 * time.Second),
	}
}

// Run replays the plan and returns the execution report. The facts map
// seeds the execution context; the context itself stays owned by the run
// loop and is never global. Cancellation is observed at batch and level
// boundaries and unwinds to a partial report.
func (e *Engine) Run(ctx context.Context, p *plan.ExecutionPlan, facts map[string]interface{}) *ExecutionReport {
	start := time.Now()
	report := newExecutionReport()
	report.Success = true

	ec := modules.NewExecContext()
	ec.Verbose = e.cfg.Verbose
	for k, v := range facts {
		ec.Facts[k] = v
	}

	// Tasks that failed, or were skipped because a dependency failed.
	unavailable := make(map[string]bool)

	for pi := range p.Plays {
		play := &p.Plays[pi]
		report.Results[play.ID] = make(map[string]*modules.Result)

		graph, err := plan.BuildGraph(play)
		if err != nil {
			report.Success = false
			report.Error = err.Error()
			break
		}
		levelOf := make(map[string]int)
		for i, level := range graph.Levels {
			for _, id := range level {
				levelOf[id] = i
			}
		}

		for bi := range play.Batches {
			if ctx.Err() != nil {
				report.Success = false
				report.Error = "execution cancelled"
				report.ExecutionTime = time.Since(start)
				return report
			}
			e.runBatch(ctx, play, &play.Batches[bi], levelOf, ec, unavailable, report)
		}
	}

	report.ExecutionTime = time.Since(start)
	return report
}

// runBatch dispatches one batch's tasks level by level. Within a level,
// parallel-safe tasks run concurrently and the rest run serially.
func (e *Engine) runBatch(ctx context.Context, play *plan.Play, batch *plan.Batch, levelOf map[string]int, ec *modules.ExecContext, unavailable map[string]bool, report *ExecutionReport) {
	byLevel := make(map[int][]*plan.Task)
	maxLevel := 0
	for ti := range batch.Tasks {
		t := &batch.Tasks[ti]
		lvl := levelOf[t.ID]
		byLevel[lvl] = append(byLevel[lvl], t)
		if lvl > maxLevel {
			maxLevel = lvl
		}
	}

	for lvl := 0; lvl <= maxLevel; lvl++ {
		tasks := byLevel[lvl]
		if len(tasks) == 0 {
			continue
		}
		if ctx.Err() != nil {
			report.Success = false
			report.Error = "execution cancelled"
			return
		}

		var parallel, serial []*plan.Task
		for _, t := range tasks {
			if t.ParallelSafe {
				parallel = append(parallel, t)
			} else {
				serial = append(serial, t)
			}
		}

		var wg sync.WaitGroup
		for _, t := range parallel {
			wg.Add(1)
			go func(t *plan.Task) {
				defer wg.Done()
				e.runTask(ctx, play, t, ec, unavailable, report)
			}(t)
		}
		wg.Wait()

		for _, t := range serial {
			e.runTask(ctx, play, t, ec, unavailable, report)
		}
	}
}

// runTask executes one task end to end and records the outcome.
func (e *Engine) runTask(ctx context.Context, play *plan.Play, t *plan.Task, ec *modules.ExecContext, unavailable map[string]bool, report *ExecutionReport) {
	skip, reason, condErr := e.preflight(ctx, t, ec, unavailable)
	if skip {
		e.ecMu.Lock()
		report.Skipped[play.ID] = append(report.Skipped[play.ID], t.ID)
		e.ecMu.Unlock()
		log.Debug().Str("task", t.ID).Str("reason", reason).Msg("Task skipped")
		return
	}

	var result *modules.Result
	if condErr != nil {
		// A broken condition expression fails the task so it is visible
		// in the report instead of silently skipped.
		result = &modules.Result{Failed: true, Msg: condErr.Error()}
	} else {
		result = e.executeModule(ctx, t, ec)
	}

	e.ecMu.Lock()
	ec.TaskResults[t.ID] = result
	report.Results[play.ID][t.ID] = result
	if result.Failed {
		report.Success = false
		unavailable[t.ID] = true
	}
	if registered, ok := result.Results["facts"].(map[string]interface{}); ok {
		for k, v := range registered {
			ec.Facts[k] = v
		}
	}
	e.ecMu.Unlock()

	if result.Failed {
		log.Error().Str("task", t.ID).Str("module", t.Module).Str("msg", result.Msg).Msg("Task failed")
	} else if e.cfg.Verbose {
		log.Info().Str("task", t.ID).Bool("changed", result.Changed).Msg("Task completed")
	}
}

// preflight decides whether the task runs. It reports a skip with its
// reason, or a condition evaluation error that must fail the task.
func (e *Engine) preflight(ctx context.Context, t *plan.Task, ec *modules.ExecContext, unavailable map[string]bool) (bool, string, error) {
	e.ecMu.Lock()
	for _, dep := range t.Dependencies {
		if unavailable[dep] {
			unavailable[t.ID] = true
			e.ecMu.Unlock()
			return true, fmt.Sprintf("dependency %s did not complete", dep), nil
		}
	}
	e.ecMu.Unlock()

	for _, cond := range t.Conditions {
		e.ecMu.Lock()
		ok, err := e.cond.EvalBool(ctx, cond, ec)
		e.ecMu.Unlock()
		if err != nil {
			return false, "", err
		}
		if !ok {
			return true, fmt.Sprintf("condition not met: %s", cond), nil
		}
	}
	return false, "", nil
}

// executeModule resolves the task's module, validates arguments, and runs
// it with bounded retries.
func (e *Engine) executeModule(ctx context.Context, t *plan.Task, ec *modules.ExecContext) *modules.Result {
	m, ok := e.registry.Get(t.Module)
	if !ok {
		return &modules.Result{Failed: true, Msg: fmt.Sprintf("module %q not linked into this runner", t.Module)}
	}

	args := modules.NormalizeArgs(m, t.Args)
	if missing := modules.CheckRequired(m, t.Args); len(missing) > 0 {
		return &modules.Result{Failed: true, Msg: fmt.Sprintf("missing required parameters: %v", missing)}
	}
	if err := m.Validate(args); err != nil {
		return &modules.Result{Failed: true, Msg: err.Error()}
	}

	var result *modules.Result
	var err error
	for attempt := 0; ; attempt++ {
		result, err = m.Execute(ctx, args, ec)
		if err == nil {
			break
		}
		if attempt >= e.cfg.MaxRetries || ctx.Err() != nil {
			return &modules.Result{Failed: true, Msg: err.Error()}
		}

		backoff := 500 * time.Millisecond * time.Duration(attempt+1)
		log.Warn().Str("task", t.ID).Int("attempt", attempt+1).Err(err).Msg("Module execution failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return &modules.Result{Failed: true, Msg: "execution cancelled"}
		}
	}
	if result == nil {
		result = &modules.Result{Failed: true, Msg: "module returned no result"}
	}
	return result
}
