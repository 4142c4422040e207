// Package sshtest runs an in-process SSH server with exec and SFTP support
// to test the SSH based transports.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ServerConfig is the configuration of the test server.
type ServerConfig struct {
	// User is the only accepted user, empty accepts any.
	User string
	// Password is the accepted password, empty disables password auth.
	Password string
	// AuthorizedKey is the accepted public key, nil disables public key auth.
	AuthorizedKey ssh.PublicKey
	// SFTPRoot makes the SFTP subsystem work relative to this directory.
	SFTPRoot string
}

// Server is an in-process SSH server listening on localhost.
type Server struct {
	cfg      ServerConfig
	listener net.Listener
	config   *ssh.ServerConfig
	wg       sync.WaitGroup
	closeMu  sync.Once
}

// NewServer starts a new test server.
func NewServer(cfg ServerConfig) (*Server, error) {
	s := &Server{cfg: cfg}

	config := &ssh.ServerConfig{}
	if cfg.Password != "" {
		config.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if s.validUser(conn) && string(password) == cfg.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("invalid password for %s", conn.User())
		}
	}
	if cfg.AuthorizedKey != nil {
		config.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if s.validUser(conn) && string(key.Marshal()) == string(cfg.AuthorizedKey.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key for %s", conn.User())
		}
	}

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("could not generate host key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(hostKey)
	if err != nil {
		return nil, fmt.Errorf("could not create host key signer: %w", err)
	}
	config.AddHostKey(signer)
	s.config = config

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("could not listen: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.serve()

	return s, nil
}

func (s *Server) validUser(conn ssh.ConnMetadata) bool {
	return s.cfg.User == "" || conn.User() == s.cfg.User
}

// Host returns the host the server listens on.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.listener.Addr().String())
	return host
}

// Port returns the port the server listens on.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return p
}

// Close stops the server.
func (s *Server) Close() {
	s.closeMu.Do(func() {
		s.listener.Close()
		s.wg.Wait()
	})
}

func (s *Server) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// Listener was closed.
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		go s.handleSession(newChannel)
	}
}

func (s *Server) handleSession(newChannel ssh.NewChannel) {
	channel, requests, err := newChannel.Accept()
	if err != nil {
		return
	}
	defer channel.Close()

	for req := range requests {
		switch req.Type {
		case "exec":
			command, ok := payloadString(req.Payload)
			if !ok {
				reply(req, false)
				continue
			}
			reply(req, true)

			cmd := exec.Command("sh", "-c", command)
			cmd.Stdin = channel
			cmd.Stdout = channel
			cmd.Stderr = channel.Stderr()

			exitCode := 0
			if err := cmd.Run(); err != nil {
				exitCode = 1
				if exitErr, ok := err.(*exec.ExitError); ok {
					exitCode = exitErr.ExitCode()
				}
			}

			status := make([]byte, 4)
			binary.BigEndian.PutUint32(status, uint32(exitCode))
			_, _ = channel.SendRequest("exit-status", false, status)
			return

		case "subsystem":
			name, ok := payloadString(req.Payload)
			if !ok || name != "sftp" {
				reply(req, false)
				continue
			}
			reply(req, true)

			var opts []sftp.ServerOption
			if s.cfg.SFTPRoot != "" {
				opts = append(opts, sftp.WithServerWorkingDirectory(s.cfg.SFTPRoot))
			}
			server, err := sftp.NewServer(channel, opts...)
			if err != nil {
				return
			}
			_ = server.Serve()
			return

		default:
			reply(req, false)
		}
	}
}

// payloadString decodes an SSH string (uint32 length + bytes).
func payloadString(payload []byte) (string, bool) {
	if len(payload) < 4 {
		return "", false
	}
	n := binary.BigEndian.Uint32(payload[:4])
	if uint32(len(payload)-4) < n {
		return "", false
	}
	return string(payload[4 : 4+n]), true
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		_ = req.Reply(ok, nil)
	}
}

// GenerateKeyPair returns a PEM encoded private key and its public key.
func GenerateKeyPair() (privateKeyPEM []byte, publicKey ssh.PublicKey, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("could not generate ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "sshtest")
	if err != nil {
		return nil, nil, fmt.Errorf("could not marshal private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("could not convert public key: %w", err)
	}

	return pem.EncodeToMemory(block), sshPub, nil
}
