// Package ssh provides the SSH/SFTP transport deployments ride on.
package ssh

import (
	"context"
	"time"

	"github.com/planforge/planforge/pkg/errdefs"
)

// Transport is the remote-host surface the deployment manager needs:
// binary upload, checksum verification, activation, and command execution.
type Transport interface {
	// Connect establishes the SSH connection.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and releases resources.
	Disconnect() error

	// IsConnected reports whether the connection is up.
	IsConnected() bool

	// HealthCheck verifies the connection is alive and responsive.
	HealthCheck(ctx context.Context) error

	// Exec runs a command on the remote host.
	Exec(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	// Upload transfers a local file to the remote path via SFTP, creating
	// parent directories and applying mode.
	Upload(ctx context.Context, localPath, remotePath string, mode uint32) error

	// RemoteChecksum returns the hex sha256 of a remote file.
	RemoteChecksum(ctx context.Context, remotePath string) (string, error)

	// Symlink atomically points linkPath at target, replacing any
	// existing link.
	Symlink(ctx context.Context, target, linkPath string) error

	// ReadLink returns the target of a remote symlink.
	ReadLink(ctx context.Context, linkPath string) (string, error)

	// Remove deletes a remote file, ignoring absence.
	Remove(ctx context.Context, remotePath string) error

	// Info describes the connection.
	Info() ConnectionInfo
}

// ConnectionInfo describes an active SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// TransportError wraps a transport failure with the operation that caused
// it and whether a retry can help.
type TransportError struct {
	Op          string
	Err         error
	IsTemporary bool
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// Classify maps the transport error into the shared taxonomy.
func (e *TransportError) Classify() error {
	if e.IsTemporary {
		return errdefs.NewTransient("transport operation failed", e.Err).
			WithCode(errdefs.CodeTransferFailed).WithOp(e.Op)
	}
	return errdefs.NewPermanent("transport operation failed", e.Err).
		WithCode(errdefs.CodeTransferFailed).WithOp(e.Op)
}
