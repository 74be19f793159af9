// Package sshtest provides an in-process SSH server for tests.
//
// The server accepts password authentication for User/Password and any
// public key. It serves SFTP against the local filesystem and understands a
// handful of exec commands:
//
//	echo ARGS   writes ARGS and a newline to stdout
//	exit N      exits with status N
//	env         prints the variables sent with setenv, sorted
//	cat         copies stdin to stdout
//	sleep       blocks until signalled or the session closes
//
// Anything else writes to stderr and exits 127.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Credentials accepted by the password callback.
const (
	User     = "testuser"
	Password = "testpass"
)

// Server is a minimal SSH server listening on 127.0.0.1.
type Server struct {
	// Addr is host:port of the listener.
	Addr string
	Host string
	Port int

	// HostKey is the server's public host key.
	HostKey ssh.PublicKey

	listener net.Listener
	config   *ssh.ServerConfig
	done     chan struct{}
	once     sync.Once
}

// NewServer starts a server and registers its shutdown with tb.Cleanup.
func NewServer(tb testing.TB) *Server {
	tb.Helper()

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		tb.Fatalf("failed to generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(privateKey)
	if err != nil {
		tb.Fatalf("failed to create signer: %v", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == User && string(pass) == Password {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid credentials")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, pubKey ssh.PublicKey) (*ssh.Permissions, error) {
			return nil, nil
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("failed to listen: %v", err)
	}

	addr := listener.Addr().(*net.TCPAddr)
	s := &Server{
		Addr:     listener.Addr().String(),
		Host:     addr.IP.String(),
		Port:     addr.Port,
		HostKey:  signer.PublicKey(),
		listener: listener,
		config:   config,
		done:     make(chan struct{}),
	}

	go s.serve()
	tb.Cleanup(s.Close)

	return s
}

// Close stops accepting connections.
func (s *Server) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.listener.Close()
	})
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}

		go handleSession(channel, requests)
	}
}

func handleSession(channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	env := make(map[string]string)
	kill := make(chan struct{})
	var killOnce sync.Once
	stop := func() { killOnce.Do(func() { close(kill) }) }
	defer stop()

	for req := range requests {
		switch req.Type {
		case "env":
			var kv struct{ Name, Value string }
			if err := ssh.Unmarshal(req.Payload, &kv); err == nil {
				env[kv.Name] = kv.Value
			}
			reply(req, true)

		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				reply(req, false)
				continue
			}
			reply(req, true)

			vars := make(map[string]string, len(env))
			for k, v := range env {
				vars[k] = v
			}
			go func() {
				code := runCommand(channel, payload.Command, vars, kill)
				if code >= 0 {
					_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(code)}))
				}
				_ = channel.Close()
			}()

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				reply(req, false)
				continue
			}
			reply(req, true)

			go func() {
				server, err := sftp.NewServer(channel)
				if err != nil {
					_ = channel.Close()
					return
				}
				_ = server.Serve()
				_ = server.Close()
			}()

		case "signal":
			stop()

		default:
			reply(req, false)
		}
	}
}

// runCommand returns the exit status, or -1 when the command was killed.
func runCommand(channel ssh.Channel, command string, env map[string]string, kill <-chan struct{}) int {
	name, rest, _ := strings.Cut(strings.TrimSpace(command), " ")
	switch name {
	case "echo":
		_, _ = io.WriteString(channel, rest+"\n")
		return 0
	case "exit":
		code, err := strconv.Atoi(strings.TrimSpace(rest))
		if err != nil {
			return 2
		}
		return code
	case "env":
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			_, _ = fmt.Fprintf(channel, "%s=%s\n", k, env[k])
		}
		return 0
	case "cat":
		_, _ = io.Copy(channel, channel)
		return 0
	case "sleep":
		<-kill
		return -1
	default:
		_, _ = fmt.Fprintf(channel.Stderr(), "%s: command not found\n", name)
		return 127
	}
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		_ = req.Reply(ok, nil)
	}
}
