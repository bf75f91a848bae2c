package deploy

import (
	"sort"
	"sync"
	"time"

	"github.com/planforge/planforge/pkg/stores"
)

// SuccessPolicy decides what counts as an overall deployment success.
type SuccessPolicy string

const (
	// PolicyAllActive requires every host to end Active.
	PolicyAllActive SuccessPolicy = "all-active"
	// PolicyThreshold requires a configured fraction of hosts Active.
	PolicyThreshold SuccessPolicy = "threshold"
)

// Report aggregates per-host deployment outcomes. Host entries are
// append-only; later updates replace a host's status but never drop it.
type Report struct {
	mu        sync.Mutex
	hosts     map[string]*HostStatus
	policy    SuccessPolicy
	threshold float64
	StartedAt time.Time
	EndedAt   time.Time
}

// NewReport creates a report with the given success policy. The threshold
// is the required Active fraction and only applies to PolicyThreshold.
func NewReport(policy SuccessPolicy, threshold float64) *Report {
	return &Report{
		hosts:     make(map[string]*HostStatus),
		policy:    policy,
		threshold: threshold,
		StartedAt: time.Now().UTC(),
	}
}

// Set records a host's current status.
func (r *Report) Set(status *HostStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *status
	r.hosts[status.HostID] = &cp
}

// Get returns a copy of one host's status.
func (r *Report) Get(hostID string) (HostStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.hosts[hostID]
	if !ok {
		return HostStatus{}, false
	}
	return *s, true
}

// Hosts returns all host statuses sorted by host id.
func (r *Report) Hosts() []HostStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]HostStatus, 0, len(r.hosts))
	for _, s := range r.hosts {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostID < out[j].HostID })
	return out
}

// Counts returns the number of hosts in each status.
func (r *Report) Counts() map[stores.DeploymentStatus]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[stores.DeploymentStatus]int)
	for _, s := range r.hosts {
		counts[s.Status]++
	}
	return counts
}

// Success evaluates the configured policy against current host statuses.
func (r *Report) Success() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.hosts) == 0 {
		return false
	}

	active := 0
	for _, s := range r.hosts {
		if s.Status == stores.DeploymentActive {
			active++
		}
	}

	switch r.policy {
	case PolicyThreshold:
		return float64(active)/float64(len(r.hosts)) >= r.threshold
	default:
		return active == len(r.hosts)
	}
}
