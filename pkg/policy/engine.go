package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Engine is the deployment gate. It compiles built-in and operator-supplied
// Rego policies and evaluates every host deployment against them.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy is a policy with its parsed module.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	if err := e.loadBuiltins(); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return e, nil
}

// EvaluateDeployment runs every enabled policy against one host
// deployment. A policy that fails to evaluate is reported as a warning and
// never blocks on its own.
func (e *Engine) EvaluateDeployment(ctx context.Context, input *GateInput) (*Result, error) {
	start := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	if input.Context == nil {
		input.Context = &GateContext{}
	}
	if input.Context.Timestamp.IsZero() {
		input.Context.Timestamp = time.Now().UTC()
	}

	result := &Result{
		Allowed:     true,
		EvaluatedAt: time.Now().UTC(),
	}

	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", name).Msg("Policy evaluation failed")
			result.Warnings = append(result.Warnings, fmt.Sprintf("policy %s failed to evaluate: %v", name, err))
			continue
		}
		result.Violations = append(result.Violations, violations...)
	}

	for i := range result.Violations {
		if result.Violations[i].Severity == SeverityError || result.Violations[i].Severity == SeverityCritical {
			result.Allowed = false
			break
		}
	}

	result.Duration = time.Since(start)
	e.logger.Debug().
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Dur("duration", result.Duration).
		Msg("Deployment gate evaluated")
	return result, nil
}

// evaluatePolicy queries the policy's deny set for one input document.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *GateInput) ([]Violation, error) {
	query := fmt.Sprintf("data.%s.deny", packageName(cp.policy.Rego))

	r := rego.New(
		rego.Module(cp.policy.Name, cp.policy.Rego),
		rego.Query(query),
		rego.Input(input),
	)
	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("rego evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				violations = append(violations, toViolation(cp.policy, d, input))
			}
		}
	}
	return violations, nil
}

// packageName extracts the Rego package path, falling back to the
// planforge policy namespace.
func packageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "planforge.policies"
}

// toViolation converts one deny result into a typed violation.
func toViolation(p *Policy, result interface{}, input *GateInput) Violation {
	v := Violation{
		Policy:   p.Name,
		Severity: p.Severity,
	}
	if input.Host != nil {
		v.HostID = input.Host.ID
	}

	switch value := result.(type) {
	case string:
		v.Message = value
	case map[string]interface{}:
		if msg, ok := value["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := value["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if host, ok := value["host"].(string); ok {
			v.HostID = host
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// LoadPolicies loads operator policies from files or directories and adds
// them to the engine.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range policies {
		if err := e.compile(&policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// compile parses and stores one policy. Callers hold the write lock.
func (e *Engine) compile(p *Policy) error {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}
	e.policies[p.Name] = &compiledPolicy{
		policy:   p,
		module:   module,
		compiled: time.Now(),
	}
	return nil
}

func (e *Engine) loadBuiltins() error {
	builtins := Builtins()
	for i := range builtins {
		if err := e.compile(&builtins[i]); err != nil {
			return fmt.Errorf("built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, *cp.policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ReloadPolicies drops every loaded policy and restores the builtins.
func (e *Engine) ReloadPolicies() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies = make(map[string]*compiledPolicy)
	return e.loadBuiltins()
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
