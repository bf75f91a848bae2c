package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/planforge/planforge/pkg/compiler"
	"github.com/planforge/planforge/pkg/errdefs"
	"github.com/planforge/planforge/pkg/plan"
	"github.com/planforge/planforge/pkg/stores"
	"github.com/planforge/planforge/pkg/telemetry"
	sshtransport "github.com/planforge/planforge/pkg/transports/ssh"
)

// ErrNoPriorVersion is returned when rollback is requested for a host that
// has no earlier deployment to fall back to. The request mutates nothing.
var ErrNoPriorVersion = errors.New("no prior version to roll back to")

// Store is the persistence surface the manager needs.
type Store interface {
	CreateDeployment(ctx context.Context, d *stores.DeploymentRecord) error
	UpdateDeployment(ctx context.Context, id string, status stores.DeploymentStatus, errMsg *string, attempts int) error
	GetDeployment(ctx context.Context, id string) (*stores.DeploymentRecord, error)
	ActiveDeployment(ctx context.Context, hostID string) (*stores.DeploymentRecord, error)
	ListDeployments(ctx context.Context, hostID string, limit int) ([]*stores.DeploymentRecord, error)
}

// TransportFactory opens a transport for one host.
type TransportFactory func(h *plan.Host) (sshtransport.Transport, error)

// Job is one host's deployment work item.
type Job struct {
	Host        plan.Host
	Artifact    *compiler.BinaryArtifact
	Fingerprint string
}

// Config controls deployment behavior.
type Config struct {
	// Parallelism bounds concurrent host deployments.
	Parallelism int
	// MaxRetries bounds transfer retry attempts per host.
	MaxRetries int
	// BaseBackoff is the initial retry delay.
	BaseBackoff time.Duration
	// Verify enables remote checksum verification after transfer.
	Verify bool
	// PerHostTimeout bounds one host's deployment; 0 disables.
	PerHostTimeout time.Duration
	// RemoteDir is where runners live on hosts lacking an explicit path.
	RemoteDir string
	// Policy and Threshold configure overall success evaluation.
	Policy    SuccessPolicy
	Threshold float64
}

// DefaultConfig returns production deployment settings.
func DefaultConfig() Config {
	return Config{
		Parallelism:    10,
		MaxRetries:     3,
		BaseBackoff:    time.Second,
		Verify:         true,
		PerHostTimeout: 10 * time.Minute,
		RemoteDir:      "/opt/planforge",
		Policy:         PolicyAllActive,
	}
}

// Manager deploys runner binaries to hosts over a bounded worker pool.
type Manager struct {
	store        Store
	newTransport TransportFactory
	cfg          Config
}

// NewManager creates a deployment manager.
func NewManager(store Store, factory TransportFactory, cfg Config) *Manager {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 10
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.RemoteDir == "" {
		cfg.RemoteDir = "/opt/planforge"
	}
	return &Manager{store: store, newTransport: factory, cfg: cfg}
}

// Deploy runs every job on the worker pool and returns the aggregated
// report. One host's failure never affects its siblings; global
// cancellation marks hosts that have not started as Cancelled and lets
// in-flight hosts observe their context.
func (m *Manager) Deploy(ctx context.Context, jobs []Job) *Report {
	report := NewReport(m.cfg.Policy, m.cfg.Threshold)
	for _, job := range jobs {
		report.Set(&HostStatus{
			HostID:    job.Host.ID,
			Status:    stores.DeploymentPending,
			UpdatedAt: time.Now().UTC(),
		})
	}

	workers := m.cfg.Parallelism
	if len(jobs) < workers {
		workers = len(jobs)
	}

	queue := make(chan Job, len(jobs))
	for _, job := range jobs {
		queue <- job
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range queue {
				if ctx.Err() != nil {
					// Never started; Pending is the only state
					// Cancelled is reachable from.
					m.markCancelled(job, report)
					continue
				}
				jctx := telemetry.WithDeployContext(ctx, job.Host.ID, "")
				m.deployHost(jctx, job, report)
				s, _ := report.Get(job.Host.ID)
				var jobErr error
				if s.Error != "" {
					jobErr = errors.New(s.Error)
				}
				telemetry.EndDeployContext(jctx, job.Host.ID, s.DeploymentID, string(s.Status), jobErr)
			}
		}()
	}
	wg.Wait()

	report.EndedAt = time.Now().UTC()
	return report
}

func (m *Manager) markCancelled(job Job, report *Report) {
	status, _ := report.Get(job.Host.ID)
	if err := status.transition(stores.DeploymentCancelled); err != nil {
		return
	}
	report.Set(&status)
	log.Info().Str("host", job.Host.ID).Msg("Deployment cancelled before start")
}

// deployHost walks one host through the state machine.
func (m *Manager) deployHost(ctx context.Context, job Job, report *Report) {
	if m.cfg.PerHostTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.PerHostTimeout)
		defer cancel()
	}

	status, _ := report.Get(job.Host.ID)
	fail := func(err error) {
		msg := err.Error()
		_ = status.transition(stores.DeploymentFailed)
		status.Error = msg
		report.Set(&status)
		if status.DeploymentID != "" {
			_ = m.store.UpdateDeployment(ctx, status.DeploymentID, stores.DeploymentFailed, &msg, status.Attempts)
		}
		log.Error().Str("host", job.Host.ID).Err(err).Msg("Deployment failed")
	}

	localPath, checksum, cleanupLocal, err := m.prepareArtifact(job.Artifact)
	if err != nil {
		fail(err)
		return
	}
	defer cleanupLocal()

	prior, err := m.store.ActiveDeployment(ctx, job.Host.ID)
	if err != nil && !errors.Is(err, stores.ErrNotFound) {
		fail(fmt.Errorf("failed to look up prior deployment: %w", err))
		return
	}

	record := &stores.DeploymentRecord{
		ID:          uuid.New().String(),
		HostID:      job.Host.ID,
		Fingerprint: job.Fingerprint,
		Checksum:    checksum,
		Status:      stores.DeploymentPending,
		StartedAt:   time.Now().UTC(),
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if prior != nil {
		record.PreviousID = &prior.ID
	}
	record.RemotePath = path.Join(m.remoteDir(&job.Host), "releases", record.ID)
	if err := m.store.CreateDeployment(ctx, record); err != nil {
		fail(fmt.Errorf("failed to record deployment: %w", err))
		return
	}
	status.DeploymentID = record.ID

	transport, err := m.newTransport(&job.Host)
	if err != nil {
		fail(fmt.Errorf("failed to create transport: %w", err))
		return
	}
	defer func() { _ = transport.Disconnect() }()

	// Transferring
	if err := status.transition(stores.DeploymentTransferring); err != nil {
		fail(err)
		return
	}
	report.Set(&status)
	_ = m.store.UpdateDeployment(ctx, record.ID, stores.DeploymentTransferring, nil, status.Attempts)

	if err := m.transferWithRetry(ctx, transport, localPath, record.RemotePath, &status, report); err != nil {
		fail(err)
		return
	}

	// Verifying
	if err := status.transition(stores.DeploymentVerifying); err != nil {
		fail(err)
		return
	}
	report.Set(&status)
	_ = m.store.UpdateDeployment(ctx, record.ID, stores.DeploymentVerifying, nil, status.Attempts)

	if m.cfg.Verify {
		remote, err := transport.RemoteChecksum(ctx, record.RemotePath)
		if err != nil {
			fail(fmt.Errorf("verification failed: %w", err))
			return
		}
		if remote != checksum {
			m.handleVerifyMismatch(ctx, transport, job, record, prior, remote, &status, report)
			return
		}
	}

	// Activate by repointing the runner symlink.
	if err := transport.Symlink(ctx, record.RemotePath, m.linkPath(&job.Host)); err != nil {
		fail(fmt.Errorf("activation failed: %w", err))
		return
	}

	_ = status.transition(stores.DeploymentActive)
	report.Set(&status)
	_ = m.store.UpdateDeployment(ctx, record.ID, stores.DeploymentActive, nil, status.Attempts)
	if prior != nil {
		// Exactly one record per host stays active.
		_ = m.store.UpdateDeployment(ctx, prior.ID, stores.DeploymentSuperseded, nil, prior.Attempts)
	}
	log.Info().
		Str("host", job.Host.ID).
		Str("deployment", record.ID).
		Str("checksum", checksum[:12]).
		Msg("Deployment active")
}

// prepareArtifact returns the local path to upload and its checksum,
// decompressing cached artifacts stored with zstd.
func (m *Manager) prepareArtifact(artifact *compiler.BinaryArtifact) (string, string, func(), error) {
	if !artifact.Compressed {
		return artifact.Path, artifact.Checksum, func() {}, nil
	}

	tmp, err := os.CreateTemp("", "planforge-runner-*")
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()

	if err := compiler.DecompressArtifact(artifact.Path, tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return "", "", nil, fmt.Errorf("failed to decompress artifact: %w", err)
	}
	checksum, err := localChecksum(tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", "", nil, err
	}
	return tmpPath, checksum, func() { _ = os.Remove(tmpPath) }, nil
}

// transferWithRetry uploads with bounded exponential backoff and jitter,
// retrying only transient failures.
func (m *Manager) transferWithRetry(ctx context.Context, transport sshtransport.Transport, localPath, remotePath string, status *HostStatus, report *Report) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		status.Attempts = attempt + 1
		report.Set(status)

		if err := transport.Connect(ctx); err == nil {
			if err := transport.Upload(ctx, localPath, remotePath, 0o755); err == nil {
				return nil
			} else {
				lastErr = err
			}
		} else {
			lastErr = err
		}

		if !isTemporary(lastErr) {
			return lastErr
		}
		if attempt >= m.cfg.MaxRetries {
			return fmt.Errorf("transfer failed after %d attempts: %w", attempt+1, lastErr)
		}

		backoff := m.calculateBackoff(attempt)
		log.Warn().
			Str("host", status.HostID).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Err(lastErr).
			Msg("Transfer failed, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return errdefs.NewTransient("transfer cancelled", ctx.Err()).WithCode(errdefs.CodeCancelled)
		}
	}
}

// handleVerifyMismatch rolls back to the prior deployment when one exists,
// otherwise fails the host with nothing left active.
func (m *Manager) handleVerifyMismatch(ctx context.Context, transport sshtransport.Transport, job Job, record *stores.DeploymentRecord, prior *stores.DeploymentRecord, remote string, status *HostStatus, report *Report) {
	mismatch := fmt.Sprintf("checksum mismatch after transfer: want %s, got %s", record.Checksum, remote)
	_ = transport.Remove(ctx, record.RemotePath)

	if prior == nil {
		msg := mismatch
		_ = status.transition(stores.DeploymentFailed)
		status.Error = msg
		report.Set(status)
		_ = m.store.UpdateDeployment(ctx, record.ID, stores.DeploymentFailed, &msg, status.Attempts)
		log.Error().Str("host", job.Host.ID).Msg("Verification failed with no prior version")
		return
	}

	if err := transport.Symlink(ctx, prior.RemotePath, m.linkPath(&job.Host)); err != nil {
		msg := fmt.Sprintf("%s; rollback failed: %v", mismatch, err)
		_ = status.transition(stores.DeploymentFailed)
		status.Error = msg
		report.Set(status)
		_ = m.store.UpdateDeployment(ctx, record.ID, stores.DeploymentFailed, &msg, status.Attempts)
		return
	}

	msg := mismatch
	_ = status.transition(stores.DeploymentRolledBack)
	status.Error = msg
	report.Set(status)
	_ = m.store.UpdateDeployment(ctx, record.ID, stores.DeploymentRolledBack, &msg, status.Attempts)
	_ = m.store.UpdateDeployment(ctx, prior.ID, stores.DeploymentActive, nil, prior.Attempts)
	log.Warn().
		Str("host", job.Host.ID).
		Str("restored", prior.ID).
		Msg("Verification failed, rolled back to prior version")
}

// Rollback restores a host's previous deployment. ErrNoPriorVersion is
// returned, with no state mutated, when the active deployment has no
// predecessor.
func (m *Manager) Rollback(ctx context.Context, host *plan.Host) error {
	current, err := m.store.ActiveDeployment(ctx, host.ID)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			return ErrNoPriorVersion
		}
		return err
	}
	return m.rollbackRecord(ctx, host, current)
}

// RollbackDeployment rolls back a specific deployment by id.
func (m *Manager) RollbackDeployment(ctx context.Context, host *plan.Host, deploymentID string) error {
	record, err := m.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}
	if record.HostID != host.ID {
		return fmt.Errorf("deployment %s belongs to host %s, not %s", deploymentID, record.HostID, host.ID)
	}
	return m.rollbackRecord(ctx, host, record)
}

func (m *Manager) rollbackRecord(ctx context.Context, host *plan.Host, record *stores.DeploymentRecord) error {
	if record.PreviousID == nil {
		return ErrNoPriorVersion
	}
	prior, err := m.store.GetDeployment(ctx, *record.PreviousID)
	if err != nil {
		return fmt.Errorf("failed to load prior deployment: %w", err)
	}

	transport, err := m.newTransport(host)
	if err != nil {
		return fmt.Errorf("failed to create transport: %w", err)
	}
	defer func() { _ = transport.Disconnect() }()

	if err := transport.Connect(ctx); err != nil {
		return err
	}
	if err := transport.Symlink(ctx, prior.RemotePath, m.linkPath(host)); err != nil {
		return fmt.Errorf("failed to restore prior binary: %w", err)
	}

	msg := "rolled back by operator"
	if err := m.store.UpdateDeployment(ctx, record.ID, stores.DeploymentRolledBack, &msg, record.Attempts); err != nil {
		return err
	}
	if err := m.store.UpdateDeployment(ctx, prior.ID, stores.DeploymentActive, nil, prior.Attempts); err != nil {
		return err
	}

	log.Info().
		Str("host", host.ID).
		Str("rolled_back", record.ID).
		Str("restored", prior.ID).
		Msg("Rollback complete")
	return nil
}

// Cleanup removes a host's deployed binaries and the runner symlink.
// Removal failures are reported in the returned slice but never escalate.
func (m *Manager) Cleanup(ctx context.Context, host *plan.Host) []error {
	transport, err := m.newTransport(host)
	if err != nil {
		return []error{err}
	}
	defer func() { _ = transport.Disconnect() }()

	if err := transport.Connect(ctx); err != nil {
		return []error{err}
	}

	var errs []error
	if err := transport.Remove(ctx, m.linkPath(host)); err != nil {
		errs = append(errs, err)
		log.Warn().Str("host", host.ID).Err(err).Msg("Failed to remove runner symlink")
	}

	records, err := m.store.ListDeployments(ctx, host.ID, 0)
	if err != nil {
		return append(errs, err)
	}
	for _, record := range records {
		if err := transport.Remove(ctx, record.RemotePath); err != nil {
			errs = append(errs, err)
			log.Warn().
				Str("host", host.ID).
				Str("path", record.RemotePath).
				Err(err).
				Msg("Failed to remove deployed binary")
		}
	}
	return errs
}

// History returns a host's deployment records, newest first.
func (m *Manager) History(ctx context.Context, hostID string, limit int) ([]*stores.DeploymentRecord, error) {
	return m.store.ListDeployments(ctx, hostID, limit)
}

func (m *Manager) remoteDir(h *plan.Host) string {
	if h.ExecPath != "" {
		return path.Dir(h.ExecPath)
	}
	return m.cfg.RemoteDir
}

func (m *Manager) linkPath(h *plan.Host) string {
	if h.ExecPath != "" {
		return h.ExecPath
	}
	return path.Join(m.cfg.RemoteDir, "runner")
}

// calculateBackoff returns exponential backoff capped at one minute, with
// a random jitter of up to 25% so hosts retrying a shared outage do not
// reconnect in lockstep.
func (m *Manager) calculateBackoff(attempt int) time.Duration {
	delay := m.cfg.BaseBackoff * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}
	jitter := time.Duration(rand.Float64() * 0.25 * float64(delay))
	return delay + jitter
}

func isTemporary(err error) bool {
	var te *sshtransport.TransportError
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return errdefs.IsRetryable(err)
}

func localChecksum(p string) (string, error) {
	f, err := os.Open(filepath.Clean(p))
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
