// Package ssh has the SSH transport connection.
package ssh

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/slok/conntask/internal/log"
	"github.com/slok/conntask/internal/model"
	"github.com/slok/conntask/internal/transport"
	"github.com/slok/conntask/internal/utils/env"
)

const (
	// ProtocolName is the protocol name reported by SSH connections.
	ProtocolName = "SSH"
	// DefaultConnectTimeout is the default SSH connection timeout.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultPort is the default SSH port.
	DefaultPort = 22
)

// ErrNotConnected is returned when an operation needs a session that is not there.
var ErrNotConnected = fmt.Errorf("session is not connected")

// ConnectionConfig is the configuration of an SSH connection.
type ConnectionConfig struct {
	// Host is the IP address or hostname of the target.
	Host string
	// Port is the SSH port (default: 22).
	Port int
	// User is the SSH user (e.g., "root").
	User string
	// PrivateKey is an optional PEM-encoded private key used along the credential.
	PrivateKey []byte
	// KnownHostsFile enables host key checking against an OpenSSH known_hosts file.
	KnownHostsFile string
	// HostKeyCallback overrides the host key checking, by default any host key is accepted.
	HostKeyCallback ssh.HostKeyCallback
	// ConnectTimeout is the dial and handshake timeout (default: 10s).
	ConnectTimeout time.Duration
	Logger         log.Logger
}

func (c *ConnectionConfig) defaults() error {
	if c.Host == "" {
		return fmt.Errorf("host is required: %w", model.ErrNotValid)
	}
	if c.Port < 0 {
		return fmt.Errorf("port must be positive: %w", model.ErrNotValid)
	}
	if c.User == "" {
		return fmt.Errorf("user is required: %w", model.ErrNotValid)
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}

	if c.HostKeyCallback == nil {
		if c.KnownHostsFile != "" {
			cb, err := knownhosts.New(c.KnownHostsFile)
			if err != nil {
				return fmt.Errorf("could not load known hosts: %w", err)
			}
			c.HostKeyCallback = cb
		} else {
			c.HostKeyCallback = ssh.InsecureIgnoreHostKey()
		}
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "transport.SSH", "host": c.Host})

	return nil
}

// Connection is an SSH transport connection.
//
// Connect only opens the TCP connection, the SSH handshake happens on Authenticate
// because that is where the credential is known.
type Connection struct {
	cfg     ConnectionConfig
	addr    string
	signer  ssh.Signer
	mu      sync.Mutex
	netConn net.Conn
	client  *ssh.Client
	logger  log.Logger
}

var _ transport.Executor = &Connection{}

// NewConnection returns a new disconnected SSH connection.
func NewConnection(cfg ConnectionConfig) (*Connection, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var signer ssh.Signer
	if len(cfg.PrivateKey) > 0 {
		s, err := ssh.ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("could not parse private key: %w", err)
		}
		signer = s
	}

	return &Connection{
		cfg:    cfg,
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		signer: signer,
		logger: cfg.Logger,
	}, nil
}

func (c *Connection) ProtocolName() string { return ProtocolName }

// Connect dials the remote endpoint.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.netConn != nil {
		return fmt.Errorf("already connected to %s", c.addr)
	}

	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	netConn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", c.addr, err)
	}
	c.netConn = netConn
	c.logger.Debugf("Connected to %s", c.addr)

	return nil
}

// Authenticate runs the SSH handshake using the credential as the password.
// An empty credential relies only on the configured private key.
func (c *Connection) Authenticate(ctx context.Context, credential string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.netConn == nil {
		return ErrNotConnected
	}
	if c.client != nil {
		return nil
	}

	var auth []ssh.AuthMethod
	if c.signer != nil {
		auth = append(auth, ssh.PublicKeys(c.signer))
	}
	if credential != "" {
		auth = append(auth, ssh.Password(credential))
	}
	if len(auth) == 0 {
		return fmt.Errorf("a password or a private key is required: %w", model.ErrNotValid)
	}

	sshCfg := &ssh.ClientConfig{
		User:            c.cfg.User,
		Auth:            auth,
		HostKeyCallback: c.cfg.HostKeyCallback,
		Timeout:         c.cfg.ConnectTimeout,
	}

	deadline := time.Now().Add(c.cfg.ConnectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.netConn.SetDeadline(deadline)

	sshConn, chans, reqs, err := ssh.NewClientConn(c.netConn, c.addr, sshCfg)
	if err != nil {
		// A failed handshake leaves the connection unusable.
		c.netConn.Close()
		c.netConn = nil
		return fmt.Errorf("ssh handshake failed with %s: %w", c.addr, err)
	}
	_ = c.netConn.SetDeadline(time.Time{})

	c.client = ssh.NewClient(sshConn, chans, reqs)
	c.logger.Debugf("Authenticated as %s", c.cfg.User)

	return nil
}

// Disconnect closes the session, it's safe to call it multiple times.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	switch {
	case c.client != nil:
		err = c.client.Close()
	case c.netConn != nil:
		err = c.netConn.Close()
	}
	c.client = nil
	c.netConn = nil

	if err != nil {
		return fmt.Errorf("could not close connection with %s: %w", c.addr, err)
	}
	return nil
}

// Client returns the authenticated SSH client.
func (c *Connection) Client() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		if c.netConn == nil {
			return nil, ErrNotConnected
		}
		return nil, fmt.Errorf("session is not authenticated")
	}
	return c.client, nil
}

// Exec runs a command on the remote host and returns the exit code.
// This does NOT support TTY.
func (c *Connection) Exec(ctx context.Context, command string, opts transport.ExecOpts) (int, error) {
	client, err := c.Client()
	if err != nil {
		return -1, err
	}

	session, err := client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("could not create ssh session: %w", err)
	}
	defer session.Close()

	if opts.Stdin != nil {
		session.Stdin = opts.Stdin
	}
	if opts.Stdout != nil {
		session.Stdout = opts.Stdout
	}
	if opts.Stderr != nil {
		session.Stderr = opts.Stderr
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Run(env.WrapCommand(command, opts.Env))
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return -1, ctx.Err()
	case err := <-done:
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				return exitErr.ExitStatus(), nil
			}
			return -1, fmt.Errorf("command execution failed: %w", err)
		}
		c.logger.Debugf("Executed %q", command)
		return 0, nil
	}
}
