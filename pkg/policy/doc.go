// Package policy provides the Open Policy Agent (OPA) deployment gate for
// planforge.
//
// Before a compiled runner is pushed to a host, every enabled Rego policy
// is evaluated against a GateInput describing the host, the artifact, the
// plan metadata, and the operational context. Violations at error or
// critical severity block the deployment; warnings are surfaced but do not.
//
// # Components
//
//  1. Engine - compiles Rego policies and evaluates deployments
//  2. Loader - loads operator policies from .rego/.json files, with
//     optional fsnotify-based reload on change
//  3. Built-in policies - host allowlisting, mandatory verification in
//     production, and a binary size ceiling
//
// # Usage
//
// Gating one host deployment:
//
//	engine, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//
//	result, err := engine.EvaluateDeployment(ctx, &policy.GateInput{
//	    Host:     host,
//	    Artifact: &policy.ArtifactInput{Triple: "linux/amd64/gnu", SizeBytes: size},
//	    Context:  &policy.GateContext{Environment: "production", Verify: true},
//	})
//	if err != nil {
//	    return err
//	}
//	if !result.Allowed {
//	    // refuse the deployment, surface result.Violations
//	}
//
// Operator policies follow the same deny-set convention as the builtins:
// rules named "deny" that yield {"message", "severity", "host"} objects.
package policy
