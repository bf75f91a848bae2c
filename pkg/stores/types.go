package stores

import "time"

// DeploymentStatus tracks a per-host deployment through its lifecycle.
type DeploymentStatus string

const (
	DeploymentPending      DeploymentStatus = "pending"
	DeploymentTransferring DeploymentStatus = "transferring"
	DeploymentVerifying    DeploymentStatus = "verifying"
	DeploymentActive       DeploymentStatus = "active"
	DeploymentSuperseded   DeploymentStatus = "superseded"
	DeploymentFailed       DeploymentStatus = "failed"
	DeploymentRolledBack   DeploymentStatus = "rolled_back"
	DeploymentCancelled    DeploymentStatus = "cancelled"
)

// DeploymentRecord is one host's deployment of one compiled runner. The
// PreviousID chain is what rollback walks to find the prior active binary.
type DeploymentRecord struct {
	ID          string           `json:"id"`
	HostID      string           `json:"host_id"`
	Fingerprint string           `json:"fingerprint"`
	Checksum    string           `json:"checksum"`
	RemotePath  string           `json:"remote_path"`
	PreviousID  *string          `json:"previous_id,omitempty"`
	Status      DeploymentStatus `json:"status"`
	Error       *string          `json:"error,omitempty"`
	Attempts    int              `json:"attempts"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}
