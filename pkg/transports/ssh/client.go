package ssh

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Client is a single SSH connection. It is safe for concurrent use; every
// Run and Upload opens its own session.
type Client struct {
	config *Config

	mu          sync.RWMutex
	client      *ssh.Client
	connectedAt time.Time
}

var _ Transport = (*Client)(nil)

// NewClient creates a new SSH transport client. It does not connect.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{config: config}, nil
}

// Dial creates a client and connects it.
func Dial(ctx context.Context, config *Config) (*Client, error) {
	c, err := NewClient(config)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Connect establishes the SSH connection. A live connection is kept; a
// dead one is replaced.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	address := c.config.Address()
	logger := zerolog.Ctx(ctx)

	if c.client != nil {
		if err := ping(c.client); err == nil {
			return nil
		}
		logger.Warn().Str("host", address).Msg("Existing connection is dead, reconnecting")
		_ = c.client.Close()
		c.client = nil
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Host: address, Err: err, IsAuthError: true}
	}

	logger.Debug().Str("host", address).Str("user", c.config.User).Msg("Establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &TransportError{Op: "connect", Host: address, Err: ctxErr}
		}
		return &TransportError{Op: "connect", Host: address, Err: err, IsTemporary: true}
	}

	// The handshake has no context of its own.
	deadline := time.Now().Add(c.config.ConnectionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	stop()
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &TransportError{Op: "connect", Host: address, Err: ctxErr}
		}
		auth := isAuthError(err)
		return &TransportError{Op: "handshake", Host: address, Err: err, IsAuthError: auth, IsTemporary: !auth}
	}
	_ = conn.SetDeadline(time.Time{})

	c.client = ssh.NewClient(ncc, chans, reqs)
	c.connectedAt = time.Now()

	logger.Debug().Str("host", address).Msg("SSH connection established")
	return nil
}

func isAuthError(err error) bool {
	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return true
	}
	var revoked *knownhosts.RevokedError
	if errors.As(err, &revoked) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "knownhosts:")
}

// Close closes the connection. Closing a closed client is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return &TransportError{Op: "disconnect", Host: c.config.Address(), Err: err}
	}
	return nil
}

// IsConnected returns true if the client holds a connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// ConnectedAt returns when the current connection was established.
func (c *Client) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *Client) HealthCheck(ctx context.Context) error {
	client, err := c.get("healthcheck")
	if err != nil {
		return err
	}
	if err := ping(client); err != nil {
		return &TransportError{Op: "healthcheck", Host: c.config.Address(), Err: err, IsTemporary: true}
	}
	return nil
}

func ping(client *ssh.Client) error {
	_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
	return err
}

func (c *Client) get(op string) (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return nil, &TransportError{Op: op, Host: c.config.Address(), Err: fmt.Errorf("not connected")}
	}
	return c.client, nil
}

// Run executes cmd in a new session. Cancelling ctx kills the remote command.
func (c *Client) Run(ctx context.Context, cmd string, opts RunOptions) (*ExecResult, error) {
	address := c.config.Address()

	client, err := c.get("exec")
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "exec", Host: address, Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := session.Setenv(k, opts.Env[k]); err != nil {
			zerolog.Ctx(ctx).Debug().Err(err).Str("host", address).Str("var", k).Msg("Server rejected environment variable")
		}
	}

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if opts.Stdin != nil {
		session.Stdin = opts.Stdin
	}

	zerolog.Ctx(ctx).Debug().Str("host", address).Str("command", cmd).Msg("Executing remote command")

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return nil, &TransportError{Op: "exec", Host: address, Err: ctx.Err()}
	case runErr = <-done:
	}

	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return nil, &TransportError{Op: "exec", Host: address, Err: runErr, IsTemporary: true}
	}

	return result, nil
}

// Upload writes r to remotePath over SFTP. Parent directories are created
// and mode is applied when non-zero.
func (c *Client) Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) (*TransferResult, error) {
	address := c.config.Address()
	start := time.Now()

	client, err := c.get("upload")
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, &TransportError{Op: "sftp-init", Host: address, Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	defer sftpClient.Close()

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sftpClient.MkdirAll(dir); err != nil {
			return nil, &TransportError{Op: "upload", Host: address, Err: fmt.Errorf("failed to create remote directory: %w", err)}
		}
	}

	remoteFile, err := sftpClient.Create(remotePath)
	if err != nil {
		return nil, &TransportError{Op: "upload", Host: address, Err: fmt.Errorf("failed to create remote file: %w", err)}
	}

	hash := sha256.New()
	n, err := io.Copy(remoteFile, io.TeeReader(&contextReader{ctx: ctx, r: r}, hash))
	if closeErr := remoteFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &TransportError{Op: "upload", Host: address, Err: ctxErr}
		}
		return nil, &TransportError{Op: "upload", Host: address, Err: fmt.Errorf("failed to copy file: %w", err), IsTemporary: true}
	}

	if mode != 0 {
		if err := sftpClient.Chmod(remotePath, mode); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("host", address).Str("path", remotePath).Msg("Failed to set file permissions")
		}
	}

	result := &TransferResult{
		Bytes:    n,
		Checksum: hex.EncodeToString(hash.Sum(nil)),
		Duration: time.Since(start),
	}

	zerolog.Ctx(ctx).Debug().
		Str("host", address).
		Str("path", remotePath).
		Int64("bytes", n).
		Dur("duration", result.Duration).
		Msg("File uploaded")

	return result, nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
