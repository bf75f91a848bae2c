package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/planforge/planforge/pkg/plan"
)

func testPolicyEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngineLoadsBuiltins(t *testing.T) {
	eng := testPolicyEngine(t)

	policies := eng.ListPolicies()
	if len(policies) == 0 {
		t.Fatal("No built-in policies loaded")
	}

	expected := []string{"binary-size", "host-allowlist", "verified-production"}
	for _, name := range expected {
		if _, err := eng.GetPolicy(name); err != nil {
			t.Errorf("Expected built-in policy %s: %v", name, err)
		}
	}
}

func TestEvaluateDeployment_HostAllowlist(t *testing.T) {
	eng := testPolicyEngine(t)

	tests := []struct {
		name          string
		host          *plan.Host
		environment   string
		expectAllowed bool
	}{
		{
			name: "host labeled for the environment",
			host: &plan.Host{
				ID:      "web-1",
				Address: "10.0.0.1",
				Labels:  map[string]string{"env": "production"},
			},
			environment:   "production",
			expectAllowed: true,
		},
		{
			name: "host labeled for another environment",
			host: &plan.Host{
				ID:      "web-2",
				Address: "10.0.0.2",
				Labels:  map[string]string{"env": "staging"},
			},
			environment:   "production",
			expectAllowed: false,
		},
		{
			name: "blocked host",
			host: &plan.Host{
				ID:      "web-3",
				Address: "10.0.0.3",
				Labels:  map[string]string{"env": "staging", "deploy": "blocked"},
			},
			environment:   "staging",
			expectAllowed: false,
		},
		{
			name: "unlabeled host in production",
			host: &plan.Host{
				ID:      "web-4",
				Address: "10.0.0.4",
			},
			environment:   "production",
			expectAllowed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.EvaluateDeployment(context.Background(), &GateInput{
				Host:    tt.host,
				Context: &GateContext{Environment: tt.environment, Verify: true},
			})
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}
			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %+v)", tt.expectAllowed, result.Allowed, result.Violations)
			}
		})
	}
}

func TestEvaluateDeployment_UnverifiedProductionBlocked(t *testing.T) {
	eng := testPolicyEngine(t)

	host := &plan.Host{
		ID:      "web-1",
		Address: "10.0.0.1",
		Labels:  map[string]string{"env": "production"},
	}

	result, err := eng.EvaluateDeployment(context.Background(), &GateInput{
		Host:    host,
		Context: &GateContext{Environment: "production", Verify: false},
	})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("Expected unverified production deployment to be blocked")
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "verified-production" && v.Severity == SeverityCritical {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a critical verified-production violation, got: %+v", result.Violations)
	}

	// Dry runs are exempt.
	dryRun, err := eng.EvaluateDeployment(context.Background(), &GateInput{
		Host:    host,
		Context: &GateContext{Environment: "production", Verify: false, DryRun: true},
	})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !dryRun.Allowed {
		t.Errorf("Expected dry run to be allowed, got: %+v", dryRun.Violations)
	}
}

func TestEvaluateDeployment_BinarySizeCeiling(t *testing.T) {
	eng := testPolicyEngine(t)

	tests := []struct {
		name          string
		sizeBytes     int64
		expectAllowed bool
		expectFinding bool
	}{
		{name: "small binary", sizeBytes: 12 << 20, expectAllowed: true, expectFinding: false},
		{name: "large binary warns", sizeBytes: 60 << 20, expectAllowed: true, expectFinding: true},
		{name: "oversized binary blocked", sizeBytes: 120 << 20, expectAllowed: false, expectFinding: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.EvaluateDeployment(context.Background(), &GateInput{
				Artifact: &ArtifactInput{Triple: "linux/amd64/gnu", SizeBytes: tt.sizeBytes},
				Context:  &GateContext{Environment: "staging", Verify: true},
			})
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}
			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %+v)", tt.expectAllowed, result.Allowed, result.Violations)
			}
			hasFinding := false
			for _, v := range result.Violations {
				if v.Policy == "binary-size" {
					hasFinding = true
				}
			}
			if hasFinding != tt.expectFinding {
				t.Errorf("Expected finding=%v, got: %+v", tt.expectFinding, result.Violations)
			}
		})
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := testPolicyEngine(t)

	if err := eng.DisablePolicy("verified-production"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}

	result, err := eng.EvaluateDeployment(context.Background(), &GateInput{
		Host: &plan.Host{
			ID:      "web-1",
			Address: "10.0.0.1",
			Labels:  map[string]string{"env": "production"},
		},
		Context: &GateContext{Environment: "production", Verify: false},
	})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected disabled policy not to block, got: %+v", result.Violations)
	}

	if err := eng.EnablePolicy("verified-production"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	if err := eng.EnablePolicy("no-such-policy"); err == nil {
		t.Error("Expected error enabling unknown policy")
	}
}

func TestEvaluateDeployment_CustomPolicy(t *testing.T) {
	eng := testPolicyEngine(t)

	custom := &Policy{
		Name:     "forbid-root-user",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package planforge.policies.custom

import rego.v1

deny contains violation if {
	input.host.user == "root"
	violation := {
		"message": sprintf("Host %s deploys as root", [input.host.id]),
		"severity": "error",
		"host": input.host.id,
	}
}`,
	}

	eng.mu.Lock()
	err := eng.compile(custom)
	eng.mu.Unlock()
	if err != nil {
		t.Fatalf("Failed to compile custom policy: %v", err)
	}

	result, err := eng.EvaluateDeployment(context.Background(), &GateInput{
		Host: &plan.Host{
			ID:      "web-1",
			Address: "10.0.0.1",
			User:    "root",
			Labels:  map[string]string{"env": "staging"},
		},
		Context: &GateContext{Environment: "staging", Verify: true},
	})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("Expected custom policy to block root deployments")
	}

	found := false
	for _, v := range result.Violations {
		if v.Policy == "forbid-root-user" && v.HostID == "web-1" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected forbid-root-user violation for web-1, got: %+v", result.Violations)
	}
}
