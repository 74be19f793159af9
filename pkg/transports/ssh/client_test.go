package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/flowctl/pkg/transports/ssh/sshtest"
)

func testConfig(server *sshtest.Server) *Config {
	config := DefaultConfig(server.Host, sshtest.User)
	config.Port = server.Port
	config.AuthMethod = AuthMethodPassword
	config.Password = sshtest.Password
	config.StrictHostKeyChecking = false
	config.ConnectionTimeout = 5 * time.Second
	return config
}

func dialTest(t *testing.T, server *sshtest.Server) *Client {
	t.Helper()
	client, err := Dial(context.Background(), testConfig(server))
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestClient_Run(t *testing.T) {
	server := sshtest.NewServer(t)
	client := dialTest(t, server)
	ctx := context.Background()

	result, err := client.Run(ctx, "echo test", RunOptions{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if result.Stdout != "test\n" {
		t.Errorf("expected stdout 'test\\n', got %q", result.Stdout)
	}
	if result.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", result.ExitCode)
	}

	result, err = client.Run(ctx, "exit 3", RunOptions{})
	if err != nil {
		t.Fatalf("expected exit status in result, got error: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("expected exit code 3, got %d", result.ExitCode)
	}

	result, err = client.Run(ctx, "nope", RunOptions{})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if result.ExitCode != 127 || !strings.Contains(result.Stderr, "command not found") {
		t.Errorf("unexpected result: %+v", result)
	}
}

func TestClient_RunEnvAndStdin(t *testing.T) {
	server := sshtest.NewServer(t)
	client := dialTest(t, server)
	ctx := context.Background()

	result, err := client.Run(ctx, "env", RunOptions{Env: map[string]string{"B": "2", "A": "1"}})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if result.Stdout != "A=1\nB=2\n" {
		t.Errorf("unexpected env output %q", result.Stdout)
	}

	result, err = client.Run(ctx, "cat", RunOptions{Stdin: strings.NewReader("hello")})
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if result.Stdout != "hello" {
		t.Errorf("expected stdin echoed back, got %q", result.Stdout)
	}
}

func TestClient_RunCancelled(t *testing.T) {
	server := sshtest.NewServer(t)
	client := dialTest(t, server)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.Run(ctx, "sleep", RunOptions{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("cancellation took too long: %v", elapsed)
	}

	// The connection stays usable.
	if _, err := client.Run(context.Background(), "echo again", RunOptions{}); err != nil {
		t.Errorf("expected connection to survive cancellation, got %v", err)
	}
}

func TestClient_Upload(t *testing.T) {
	server := sshtest.NewServer(t)
	client := dialTest(t, server)

	content := "server_name example.com;\n"
	dest := filepath.Join(t.TempDir(), "conf", "site.conf")

	result, err := client.Upload(context.Background(), strings.NewReader(content), dest, 0o600)
	if err != nil {
		t.Fatalf("Upload() failed: %v", err)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("failed to read uploaded file: %v", err)
	}
	if string(data) != content {
		t.Errorf("expected %q, got %q", content, data)
	}

	sum := sha256.Sum256([]byte(content))
	if result.Checksum != hex.EncodeToString(sum[:]) {
		t.Errorf("unexpected checksum %s", result.Checksum)
	}
	if result.Bytes != int64(len(content)) {
		t.Errorf("expected %d bytes, got %d", len(content), result.Bytes)
	}

	info, err := os.Stat(dest)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}
}

func TestClient_UploadCancelled(t *testing.T) {
	server := sshtest.NewServer(t)
	client := dialTest(t, server)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dest := filepath.Join(t.TempDir(), "cancelled.txt")
	if _, err := client.Upload(ctx, strings.NewReader("data"), dest, 0); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestClient_AuthFailure(t *testing.T) {
	server := sshtest.NewServer(t)
	config := testConfig(server)
	config.Password = "wrong"

	_, err := Dial(context.Background(), config)
	if err == nil {
		t.Fatal("expected authentication error, got nil")
	}

	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %T", err)
	}
	if !terr.IsAuthError {
		t.Errorf("expected auth error, got %+v", terr)
	}
	if terr.Kind() != "" {
		t.Errorf("expected auth errors to be unclassified, got %s", terr.Kind())
	}
}

func TestClient_ConnectionRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	config := DefaultConfig("127.0.0.1", sshtest.User)
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = sshtest.Password
	config.StrictHostKeyChecking = false

	_, err = Dial(context.Background(), config)
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if !terr.Temporary() || terr.Kind() != "ConnectionError" {
		t.Errorf("expected temporary connection error, got %+v", terr)
	}
}

func TestClient_KnownHosts(t *testing.T) {
	server := sshtest.NewServer(t)
	dir := t.TempDir()

	trusted := filepath.Join(dir, "known_hosts")
	line := knownhosts.Line([]string{server.Addr}, server.HostKey)
	if err := os.WriteFile(trusted, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("failed to write known_hosts: %v", err)
	}

	config := testConfig(server)
	config.StrictHostKeyChecking = true
	config.KnownHostsPath = trusted

	client, err := Dial(context.Background(), config)
	if err != nil {
		t.Fatalf("expected known host to connect, got %v", err)
	}
	client.Close()

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	otherKey, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("failed to convert key: %v", err)
	}
	mismatched := filepath.Join(dir, "known_hosts_other")
	line = knownhosts.Line([]string{server.Addr}, otherKey)
	if err := os.WriteFile(mismatched, []byte(line+"\n"), 0o600); err != nil {
		t.Fatalf("failed to write known_hosts: %v", err)
	}

	config.KnownHostsPath = mismatched
	_, err = Dial(context.Background(), config)
	var terr *TransportError
	if !errors.As(err, &terr) || !terr.IsAuthError {
		t.Errorf("expected host key rejection, got %v", err)
	}
}

func TestClient_NotConnected(t *testing.T) {
	server := sshtest.NewServer(t)
	client, err := NewClient(testConfig(server))
	if err != nil {
		t.Fatalf("NewClient() failed: %v", err)
	}

	if client.IsConnected() {
		t.Error("expected new client to be disconnected")
	}
	if _, err := client.Run(context.Background(), "echo test", RunOptions{}); err == nil {
		t.Error("expected error running on a disconnected client")
	}
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("expected health check to fail")
	}
	if err := client.Close(); err != nil {
		t.Errorf("expected closing a disconnected client to succeed, got %v", err)
	}
}

func TestClient_Reconnect(t *testing.T) {
	server := sshtest.NewServer(t)
	client := dialTest(t, server)
	ctx := context.Background()

	if err := client.HealthCheck(ctx); err != nil {
		t.Fatalf("HealthCheck() failed: %v", err)
	}
	first := client.ConnectedAt()

	// Connect on a live client keeps the connection.
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() failed: %v", err)
	}
	if !client.ConnectedAt().Equal(first) {
		t.Error("expected live connection to be reused")
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}
}

func TestPool(t *testing.T) {
	server := sshtest.NewServer(t)
	pool := NewPool()
	ctx := context.Background()

	a, err := pool.Get(ctx, testConfig(server))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	b, err := pool.Get(ctx, testConfig(server))
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if a != b {
		t.Error("expected the pooled client to be shared")
	}
	if pool.Len() != 1 {
		t.Errorf("expected 1 pooled connection, got %d", pool.Len())
	}

	// A closed client is reconnected on the next Get.
	a.Close()
	c, err := pool.Get(ctx, testConfig(server))
	if err != nil {
		t.Fatalf("Get() after close failed: %v", err)
	}
	if !c.IsConnected() {
		t.Error("expected pooled client to reconnect")
	}

	if err := pool.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if pool.Len() != 0 {
		t.Errorf("expected empty pool, got %d", pool.Len())
	}
}
