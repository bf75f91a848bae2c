// Package modules defines the capability contract for task modules and a
// name-keyed registry for resolving them. A module is an opaque unit of
// task behavior with a declared parameter contract; dispatch is an explicit
// map lookup, never reflection.
package modules

import (
	"context"
)

// Result is the outcome of one module execution.
type Result struct {
	// Changed reports whether the module mutated host state.
	Changed bool `json:"changed"`

	// Failed reports whether the execution failed.
	Failed bool `json:"failed"`

	// Msg is a human-readable summary.
	Msg string `json:"msg,omitempty"`

	// Stdout is captured standard output, when the module runs a process.
	Stdout string `json:"stdout,omitempty"`

	// Stderr is captured standard error.
	Stderr string `json:"stderr,omitempty"`

	// RC is the process return code; 0 when no process ran.
	RC int `json:"rc"`

	// Results carries module-specific structured output.
	Results map[string]interface{} `json:"results,omitempty"`
}

// ExecContext is the per-run execution context the runtime loop owns and
// passes into each task step. It is never process-global.
type ExecContext struct {
	// Facts accumulates discovered and registered values across tasks.
	Facts map[string]interface{}

	// TaskResults maps completed task ids to their results.
	TaskResults map[string]*Result

	// Verbose enables extra module output.
	Verbose bool
}

// NewExecContext creates an empty execution context.
func NewExecContext() *ExecContext {
	return &ExecContext{
		Facts:       make(map[string]interface{}),
		TaskResults: make(map[string]*Result),
	}
}

// Module is the fixed capability interface every task module satisfies.
type Module interface {
	// Name returns the module's registry key.
	Name() string

	// Version returns the module version, part of the build fingerprint.
	Version() string

	// Execute runs the module with the given arguments.
	Execute(ctx context.Context, args map[string]interface{}, ec *ExecContext) (*Result, error)

	// RequiredParameters lists parameter names that must be present.
	RequiredParameters() []string

	// ParameterAliases maps alternative parameter names to canonical ones.
	ParameterAliases() map[string]string

	// Validate checks arguments before execution.
	Validate(args map[string]interface{}) error
}

// NormalizeArgs applies a module's parameter aliases and returns a copy of
// the arguments keyed by canonical names.
func NormalizeArgs(m Module, args map[string]interface{}) map[string]interface{} {
	aliases := m.ParameterAliases()
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		if canonical, ok := aliases[k]; ok {
			k = canonical
		}
		out[k] = v
	}
	return out
}

// CheckRequired verifies all required parameters are present after alias
// normalization.
func CheckRequired(m Module, args map[string]interface{}) []string {
	normalized := NormalizeArgs(m, args)
	var missing []string
	for _, p := range m.RequiredParameters() {
		if _, ok := normalized[p]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}
