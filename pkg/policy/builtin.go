package policy

import (
	"time"
)

// Builtins returns the policies every engine starts with.
func Builtins() []Policy {
	return []Policy{
		hostAllowlistPolicy(),
		verifiedProductionPolicy(),
		binarySizePolicy(),
	}
}

// hostAllowlistPolicy keeps deployments on hosts labeled for the target
// environment and off hosts explicitly blocked.
func hostAllowlistPolicy() Policy {
	return Policy{
		Name:        "host-allowlist",
		Description: "Restricts deployments to hosts labeled for the target environment",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"hosts", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package planforge.policies.hosts

import rego.v1

deny contains violation if {
	input.host
	input.host.labels.deploy == "blocked"
	violation := {
		"message": sprintf("Host %s is blocked from deployments", [input.host.id]),
		"severity": "error",
		"host": input.host.id,
	}
}

deny contains violation if {
	input.host
	input.context.environment != ""
	env := input.host.labels.env
	env != input.context.environment
	violation := {
		"message": sprintf("Host %s is labeled for %s, not %s", [input.host.id, env, input.context.environment]),
		"severity": "error",
		"host": input.host.id,
	}
}

deny contains violation if {
	input.host
	input.context.environment == "production"
	not input.host.labels.env
	violation := {
		"message": sprintf("Host %s has no env label and cannot take production deployments", [input.host.id]),
		"severity": "error",
		"host": input.host.id,
	}
}`,
	}
}

// verifiedProductionPolicy forbids production deployments with checksum
// verification switched off.
func verifiedProductionPolicy() Policy {
	return Policy{
		Name:        "verified-production",
		Description: "Forbids unverified deployments to production",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"verification", "production", "safety"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package planforge.policies.verification

import rego.v1

deny contains violation if {
	input.context.environment == "production"
	not input.context.verify
	not input.context.dry_run
	violation := {
		"message": "Production deployments require checksum verification",
		"severity": "critical",
	}
}`,
	}
}

// binarySizePolicy caps deployable binary size: a hard ceiling at 100 MiB
// and a review warning at 50 MiB.
func binarySizePolicy() Policy {
	return Policy{
		Name:        "binary-size",
		Description: "Caps the size of deployable runner binaries",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"artifacts", "size"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package planforge.policies.size

import rego.v1

max_binary_bytes := 104857600

warn_binary_bytes := 52428800

deny contains violation if {
	input.artifact
	input.artifact.size_bytes > max_binary_bytes
	violation := {
		"message": sprintf("Binary for %s is %d bytes, above the %d byte ceiling", [input.artifact.triple, input.artifact.size_bytes, max_binary_bytes]),
		"severity": "error",
	}
}

deny contains violation if {
	input.artifact
	input.artifact.size_bytes > warn_binary_bytes
	input.artifact.size_bytes <= max_binary_bytes
	violation := {
		"message": sprintf("Binary for %s is %d bytes, large enough to review", [input.artifact.triple, input.artifact.size_bytes]),
		"severity": "warning",
	}
}`,
	}
}
