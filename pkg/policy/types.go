package policy

import (
	"time"

	"github.com/planforge/planforge/pkg/plan"
)

// Severity is the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational findings.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but do not
	// block a deployment.
	SeverityWarning Severity = "warning"

	// SeverityError is for violations that block a deployment.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that block a deployment and
	// demand immediate attention.
	SeverityCritical Severity = "critical"
)

// Policy is one Rego rule set evaluated against deployments.
type Policy struct {
	// Name is the unique policy name.
	Name string `json:"name"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// Rego contains the Rego source of the policy.
	Rego string `json:"rego"`

	// Severity is the default severity for violations the policy emits.
	Severity Severity `json:"severity"`

	// Enabled indicates whether the policy participates in evaluation.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata carries additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is one policy finding.
type Violation struct {
	// Policy is the name of the violated policy.
	Policy string `json:"policy"`

	// HostID is the host the finding applies to, when host-scoped.
	HostID string `json:"host_id,omitempty"`

	// Message is the human-readable finding.
	Message string `json:"message"`

	// Severity is the finding's severity.
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating all enabled policies against one
// deployment.
type Result struct {
	// Allowed reports whether the deployment may proceed. Violations at
	// error or critical severity block it.
	Allowed bool `json:"allowed"`

	// Violations lists every finding, blocking or not.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists evaluation problems that did not block (a policy
	// that failed to evaluate, for example).
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies names the policies that ran.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation happened.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// ArtifactInput describes the compiled binary under evaluation.
type ArtifactInput struct {
	// Triple is the artifact's target triple string.
	Triple string `json:"triple"`

	// SizeBytes is the binary size before compression.
	SizeBytes int64 `json:"size_bytes"`

	// Checksum is the artifact's hex sha256.
	Checksum string `json:"checksum,omitempty"`
}

// GateContext carries the operational context of the deployment.
type GateContext struct {
	// Environment is the target environment (e.g. "production").
	Environment string `json:"environment,omitempty"`

	// Verify reports whether post-transfer checksum verification is on.
	Verify bool `json:"verify"`

	// DryRun reports whether this is a dry-run evaluation.
	DryRun bool `json:"dry_run"`

	// User is the operator running the deployment, when known.
	User string `json:"user,omitempty"`

	// Timestamp is when the evaluation occurs.
	Timestamp time.Time `json:"timestamp"`
}

// GateInput is the input document handed to Rego for one host deployment.
type GateInput struct {
	// Host is the inventory entry being deployed to.
	Host *plan.Host `json:"host,omitempty"`

	// Artifact is the binary being deployed.
	Artifact *ArtifactInput `json:"artifact,omitempty"`

	// Plan carries the plan's free-form metadata.
	Plan map[string]string `json:"plan,omitempty"`

	// Context is the operational context.
	Context *GateContext `json:"context"`
}

// Bundle is a versioned collection of policies loaded as one unit.
type Bundle struct {
	// Name is the unique bundle name.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description is a human-readable summary.
	Description string `json:"description"`

	// Policies are the bundle's policies.
	Policies []Policy `json:"policies"`
}
