package runtime

import (
	"context"
	"fmt"
	"time"

	"go.starlark.net/starlark"

	"github.com/planforge/planforge/pkg/modules"
)

// conditionEvaluator evaluates task condition expressions against the
// execution context. Expressions see two names: "facts" and "results".
type conditionEvaluator struct {
	timeout time.Duration
}

func newConditionEvaluator(timeout time.Duration) *conditionEvaluator {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &conditionEvaluator{timeout: timeout}
}

// EvalBool evaluates one boolean expression. Evaluation runs on its own
// goroutine so a runaway expression cannot stall the task loop past the
// configured timeout.
func (ce *conditionEvaluator) EvalBool(ctx context.Context, expr string, ec *modules.ExecContext) (bool, error) {
	evalCtx, cancel := context.WithTimeout(ctx, ce.timeout)
	defer cancel()

	type outcome struct {
		ok  bool
		err error
	}
	ch := make(chan outcome, 1)

	go func() {
		ok, err := ce.evalSync(expr, ec)
		ch <- outcome{ok: ok, err: err}
	}()

	select {
	case <-evalCtx.Done():
		return false, fmt.Errorf("condition evaluation timed out after %v: %q", ce.timeout, expr)
	case out := <-ch:
		return out.ok, out.err
	}
}

func (ce *conditionEvaluator) evalSync(expr string, ec *modules.ExecContext) (bool, error) {
	thread := &starlark.Thread{
		Name: "planforge-condition",
		Print: func(_ *starlark.Thread, _ string) {
			// Conditions have no output channel.
		},
	}

	facts, err := toStarlarkValue(ec.Facts)
	if err != nil {
		return false, fmt.Errorf("failed to convert facts: %w", err)
	}
	results, err := toStarlarkValue(resultsView(ec))
	if err != nil {
		return false, fmt.Errorf("failed to convert task results: %w", err)
	}

	env := starlark.StringDict{
		"facts":   facts,
		"results": results,
	}

	v, err := starlark.Eval(thread, "condition.star", expr, env)
	if err != nil {
		return false, fmt.Errorf("condition %q failed: %w", expr, err)
	}
	return bool(v.Truth()), nil
}

// resultsView flattens completed task results into plain maps so condition
// expressions can index them by task id.
func resultsView(ec *modules.ExecContext) map[string]interface{} {
	out := make(map[string]interface{}, len(ec.TaskResults))
	for id, r := range ec.TaskResults {
		entry := map[string]interface{}{
			"changed": r.Changed,
			"failed":  r.Failed,
			"rc":      r.RC,
			"msg":     r.Msg,
		}
		if len(r.Results) > 0 {
			entry["results"] = r.Results
		}
		out[id] = entry
	}
	return out
}

// toStarlarkValue converts a Go value into its Starlark equivalent.
func toStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case float64:
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		dict := starlark.NewDict(len(val))
		for k, item := range val {
			sv, err := toStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type in condition input: %T", v)
	}
}
