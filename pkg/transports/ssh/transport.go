// Package ssh provides the SSH and SFTP transport used to drive a remote
// build host.
package ssh

import (
	"context"
	"time"
)

// Transport is a connection to a build host. Builds are started as
// detached commands and their results are fetched over SFTP.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	GetConnectionInfo() ConnectionInfo

	// Run executes cmd in a new session. A non-zero exit status is not an
	// error; it is reported in ExecResult.ExitCode.
	Run(ctx context.Context, cmd string) (*ExecResult, error)

	// UploadFile creates missing parent directories on the host.
	UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error
	DownloadFile(ctx context.Context, remotePath string, localPath string) error

	// ReadFile is meant for state and pid files, not for build artifacts.
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)

	// ListFiles skips directories.
	ListFiles(ctx context.Context, remoteDir string) ([]string, error)
}

// ConnectionInfo describes the open connection. LastActivity is updated by
// every command and transfer.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// ExecResult is the outcome of one remote command.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int

	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// TransportError wraps a failed transport operation. Op names the
// operation: connect, disconnect, exec, upload, download, read or list.
type TransportError struct {
	Op          string
	Err         error
	IsTemporary bool
	IsAuthError bool
}

func (e *TransportError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the operation may succeed.
func (e *TransportError) Temporary() bool { return e.IsTemporary }

// Auth reports whether the host rejected the credentials.
func (e *TransportError) Auth() bool { return e.IsAuthError }
