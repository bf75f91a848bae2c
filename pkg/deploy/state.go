// Package deploy pushes compiled runner binaries to hosts and tracks each
// host through a deployment state machine.
package deploy

import (
	"fmt"
	"time"

	"github.com/planforge/planforge/pkg/stores"
)

// validTransitions encodes the per-host state machine. Cancelled is only
// reachable from Pending; once transfer starts the host finishes in a
// terminal state of its own. Pending goes straight to Failed when setup
// breaks before any transfer (artifact decompression, record creation,
// transport construction).
var validTransitions = map[stores.DeploymentStatus][]stores.DeploymentStatus{
	stores.DeploymentPending:      {stores.DeploymentTransferring, stores.DeploymentFailed, stores.DeploymentCancelled},
	stores.DeploymentTransferring: {stores.DeploymentVerifying, stores.DeploymentFailed, stores.DeploymentRolledBack},
	stores.DeploymentVerifying:    {stores.DeploymentActive, stores.DeploymentFailed, stores.DeploymentRolledBack},
}

// canTransition reports whether moving from one status to another is legal.
func canTransition(from, to stores.DeploymentStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status ends the host's deployment.
func IsTerminal(s stores.DeploymentStatus) bool {
	switch s {
	case stores.DeploymentActive, stores.DeploymentFailed,
		stores.DeploymentRolledBack, stores.DeploymentCancelled:
		return true
	}
	return false
}

// HostStatus is one host's view in the aggregated report.
type HostStatus struct {
	HostID       string                  `json:"host_id"`
	DeploymentID string                  `json:"deployment_id,omitempty"`
	Status       stores.DeploymentStatus `json:"status"`
	Attempts     int                     `json:"attempts"`
	Error        string                  `json:"error,omitempty"`
	UpdatedAt    time.Time               `json:"updated_at"`
}

// transition validates and applies a status change on the host status.
func (h *HostStatus) transition(to stores.DeploymentStatus) error {
	if !canTransition(h.Status, to) {
		return fmt.Errorf("host %s: illegal transition %s -> %s", h.HostID, h.Status, to)
	}
	h.Status = to
	h.UpdatedAt = time.Now().UTC()
	return nil
}
