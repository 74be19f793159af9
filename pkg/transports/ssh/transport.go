// Package ssh provides the SSH transport behind the remote workflow actions.
package ssh

import (
	"context"
	"io"
	"os"
	"time"
)

// Transport is the set of remote operations used by workflow actions.
type Transport interface {
	// Run executes cmd on the remote host. A non-zero exit status is
	// reported in ExecResult.ExitCode, not as an error.
	Run(ctx context.Context, cmd string, opts RunOptions) (*ExecResult, error)

	// Upload writes r to remotePath, creating parent directories.
	Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) (*TransferResult, error)

	// HealthCheck verifies the connection is still alive and responsive.
	HealthCheck(ctx context.Context) error

	Close() error
}

// RunOptions adjust a single command execution.
type RunOptions struct {
	// Env is sent with setenv requests. Servers commonly ignore variables
	// not listed in their AcceptEnv setting.
	Env map[string]string

	// Stdin is written to the command's standard input.
	Stdin io.Reader
}

// ExecResult is the outcome of a command that ran to completion.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// TransferResult describes a finished upload. Checksum is the hex SHA-256
// of the bytes written.
type TransferResult struct {
	Bytes    int64
	Checksum string
	Duration time.Duration
}

// TransportError wraps a failure of operation Op ("connect", "handshake",
// "exec", "upload", ...) against Host.
type TransportError struct {
	Op   string
	Host string
	Err  error

	// IsTemporary marks failures worth retrying on a new attempt.
	IsTemporary bool
	IsAuthError bool
}

func (e *TransportError) Error() string {
	if e.Host != "" {
		return e.Op + " " + e.Host + ": " + e.Err.Error()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// Kind classifies the error for retry_on matching. Temporary failures are
// connection errors; anything else falls back to the default classification.
func (e *TransportError) Kind() string {
	if e.IsTemporary {
		return "ConnectionError"
	}
	return ""
}
