package actions

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/flowctl/pkg/transports/ssh"
)

// RemoteDefaults fill the connection settings a task leaves out.
type RemoteDefaults struct {
	User              string
	PrivateKeyPath    string
	KnownHostsPath    string
	Insecure          bool
	ConnectionTimeout time.Duration
}

// config builds the SSH configuration from the task arguments:
//
//	host             remote host (required)
//	port             SSH port (default 22)
//	user             login user (default from the runtime config, then $USER)
//	password         use password authentication
//	key              private key path; ~/.ssh/id_* when both are empty
//	passphrase       private key passphrase
//	known_hosts      known_hosts file (default ~/.ssh/known_hosts)
//	insecure         accept any host key
//	connect_timeout  dial and handshake timeout
func (d RemoteDefaults) config(args map[string]interface{}) (*ssh.Config, error) {
	host, ok := stringArg(args, "host")
	if !ok || host == "" {
		return nil, fmt.Errorf("requires argument: host")
	}

	user, _ := stringArg(args, "user")
	if user == "" {
		user = d.User
	}
	if user == "" {
		user = os.Getenv("USER")
	}

	cfg := ssh.DefaultConfig(host, user)

	port, err := intArg(args, "port", ssh.DefaultPort)
	if err != nil {
		return nil, err
	}
	cfg.Port = port

	if password, ok := stringArg(args, "password"); ok && password != "" {
		cfg.AuthMethod = ssh.AuthMethodPassword
		cfg.Password = password
	} else {
		cfg.PrivateKeyPath = d.PrivateKeyPath
		if key, ok := stringArg(args, "key"); ok && key != "" {
			cfg.PrivateKeyPath = key
		}
		cfg.PrivateKeyPassphrase, _ = stringArg(args, "passphrase")
	}

	if d.KnownHostsPath != "" {
		cfg.KnownHostsPath = d.KnownHostsPath
	}
	if kh, ok := stringArg(args, "known_hosts"); ok && kh != "" {
		cfg.KnownHostsPath = kh
	}
	insecure, err := boolArg(args, "insecure", d.Insecure)
	if err != nil {
		return nil, fmt.Errorf("argument insecure: %w", err)
	}
	cfg.StrictHostKeyChecking = !insecure

	if d.ConnectionTimeout > 0 {
		cfg.ConnectionTimeout = d.ConnectionTimeout
	}
	timeout, err := durationArg(args, "connect_timeout")
	if err != nil {
		return nil, err
	}
	if timeout > 0 {
		cfg.ConnectionTimeout = timeout
	}

	return cfg, nil
}

// connect returns a connected client and the function releasing it.
// Pooled clients stay open for later tasks.
func connect(ctx context.Context, pool *ssh.Pool, cfg *ssh.Config) (*ssh.Client, func(), error) {
	if pool != nil {
		client, err := pool.Get(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return client, func() {}, nil
	}

	client, err := ssh.Dial(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { _ = client.Close() }, nil
}

// Remote runs a command on a remote host over SSH.
//
// Arguments are the connection arguments of RemoteDefaults plus:
//
//	cmd    command line run by the remote shell (required)
//	env    map of environment variables sent to the server
//	stdin  text written to the command's standard input
//
// The result is a map with host, stdout, stderr, exit_code and duration
// (seconds). A non-zero exit status is returned as an *ExitError; transport
// failures are classified as ConnectionError for retry_on.
type Remote struct {
	// Pool shares connections between tasks. When nil every call dials
	// its own connection.
	Pool     *ssh.Pool
	Defaults RemoteDefaults
}

// Execute implements engine.Action.
func (r *Remote) Execute(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
	command, ok := stringArg(args, "cmd")
	if !ok || command == "" {
		return nil, fmt.Errorf("ssh requires argument: cmd")
	}
	cfg, err := r.Defaults.config(args)
	if err != nil {
		return nil, fmt.Errorf("ssh %w", err)
	}

	opts := ssh.RunOptions{}
	if env, ok := args["env"].(map[string]interface{}); ok && len(env) > 0 {
		opts.Env = make(map[string]string, len(env))
		for k, v := range env {
			opts.Env[k] = fmt.Sprint(v)
		}
	}
	if stdin, ok := stringArg(args, "stdin"); ok {
		opts.Stdin = strings.NewReader(stdin)
	}

	client, release, err := connect(ctx, r.Pool, cfg)
	if err != nil {
		return nil, err
	}
	defer release()

	zerolog.Ctx(ctx).Debug().Str("node", name).Str("host", cfg.Address()).Str("cmd", command).Msg("Running remote command")

	res, err := client.Run(ctx, command, opts)
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{
		"host":      cfg.Host,
		"stdout":    res.Stdout,
		"stderr":    res.Stderr,
		"exit_code": res.ExitCode,
		"duration":  res.Duration.Seconds(),
	}
	if res.ExitCode != 0 {
		return result, &ExitError{
			Command:  command,
			ExitCode: res.ExitCode,
			Stderr:   res.Stderr,
		}
	}
	return result, nil
}

// Upload copies a local file or inline content to a remote host over SFTP.
//
// Arguments are the connection arguments of RemoteDefaults plus:
//
//	dest     remote path (required)
//	src      local file to upload
//	content  inline content, used when src is empty
//	mode     octal permissions, e.g. "0644"
//
// The result is a map with host, dest, bytes, checksum and duration.
type Upload struct {
	Pool     *ssh.Pool
	Defaults RemoteDefaults
}

// Execute implements engine.Action.
func (u *Upload) Execute(ctx context.Context, name string, args, vars map[string]interface{}) (interface{}, error) {
	dest, ok := stringArg(args, "dest")
	if !ok || dest == "" {
		return nil, fmt.Errorf("upload requires argument: dest")
	}
	cfg, err := u.Defaults.config(args)
	if err != nil {
		return nil, fmt.Errorf("upload %w", err)
	}

	var mode os.FileMode
	if m, ok := stringArg(args, "mode"); ok {
		parsed, err := strconv.ParseUint(m, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid mode: %w", err)
		}
		mode = os.FileMode(parsed)
	}

	var src io.Reader
	if path, ok := stringArg(args, "src"); ok && path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open source: %w", err)
		}
		defer f.Close()
		src = f
	} else {
		content, _ := stringArg(args, "content")
		src = strings.NewReader(content)
	}

	client, release, err := connect(ctx, u.Pool, cfg)
	if err != nil {
		return nil, err
	}
	defer release()

	zerolog.Ctx(ctx).Debug().Str("node", name).Str("host", cfg.Address()).Str("dest", dest).Msg("Uploading file")

	res, err := client.Upload(ctx, src, dest, mode)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"host":     cfg.Host,
		"dest":     dest,
		"bytes":    res.Bytes,
		"checksum": res.Checksum,
		"duration": res.Duration.Seconds(),
	}, nil
}
