// Package fake has an in-memory transport connection, used for tests and dry runs.
package fake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/slok/conntask/internal/log"
	"github.com/slok/conntask/internal/model"
	"github.com/slok/conntask/internal/pool"
	"github.com/slok/conntask/internal/transport"
	"github.com/slok/conntask/internal/utils/env"
)

// DefaultProtocol is the protocol name used when none is configured.
const DefaultProtocol = "FAKE"

// CommandResult is the programmed result of a remote command.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

// ConnectionConfig is the configuration of the fake connection.
type ConnectionConfig struct {
	// Protocol is the reported protocol name (default: FAKE).
	Protocol string
	// Password is the expected credential, empty accepts any.
	Password string
	// Files is the initial content of the remote filesystem.
	Files map[string][]byte
	// Commands are the programmed command results, unknown commands exit with 127.
	Commands map[string]CommandResult
	// ConnectErr makes Connect fail.
	ConnectErr error
	// Pool runs the async transfers, when missing they run on the calling goroutine.
	Pool   *pool.Pool
	Logger log.Logger
}

func (c *ConnectionConfig) defaults() error {
	if c.Protocol == "" {
		c.Protocol = DefaultProtocol
	}
	if c.Files == nil {
		c.Files = map[string][]byte{}
	}
	if c.Commands == nil {
		c.Commands = map[string]CommandResult{}
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "transport.Fake", "protocol": c.Protocol})
	return nil
}

// Connection is a fake transport with an in-memory remote filesystem.
type Connection struct {
	cfg           ConnectionConfig
	mu            sync.Mutex
	connected     bool
	authenticated bool
	files         map[string][]byte
	executed      []string
	logger        log.Logger
}

var (
	_ transport.Transferer = &Connection{}
	_ transport.Executor   = &Connection{}
)

// NewConnection returns a new fake connection.
func NewConnection(cfg ConnectionConfig) (*Connection, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	files := make(map[string][]byte, len(cfg.Files))
	for k, v := range cfg.Files {
		files[k] = append([]byte(nil), v...)
	}

	return &Connection{
		cfg:    cfg,
		files:  files,
		logger: cfg.Logger,
	}, nil
}

func (c *Connection) ProtocolName() string { return c.cfg.Protocol }

func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.ConnectErr != nil {
		return fmt.Errorf("could not connect: %w", c.cfg.ConnectErr)
	}
	c.connected = true
	c.logger.Debugf("Connected")
	return nil
}

func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected = false
	c.authenticated = false
	return nil
}

func (c *Connection) Authenticate(ctx context.Context, credential string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return fmt.Errorf("session is not connected")
	}
	if c.cfg.Password != "" && credential != c.cfg.Password {
		return fmt.Errorf("authentication failed: %w", model.ErrNotValid)
	}
	c.authenticated = true
	return nil
}

func (c *Connection) ready() error {
	if !c.connected {
		return fmt.Errorf("session is not connected")
	}
	if !c.authenticated {
		return fmt.Errorf("session is not authenticated")
	}
	return nil
}

func (c *Connection) Upload(ctx context.Context, localPath, remotePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(); err != nil {
		return err
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("could not read local file %s: %w", localPath, err)
	}
	c.files[remotePath] = data
	c.logger.Debugf("Uploaded %s to %s", localPath, remotePath)

	return nil
}

func (c *Connection) Download(ctx context.Context, remotePath, localPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(); err != nil {
		return err
	}

	data, ok := c.files[remotePath]
	if !ok {
		return fmt.Errorf("remote file %s: %w", remotePath, os.ErrNotExist)
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return fmt.Errorf("could not create local directory: %w", err)
	}
	if err := os.WriteFile(localPath, data, 0644); err != nil {
		return fmt.Errorf("could not write local file %s: %w", localPath, err)
	}
	c.logger.Debugf("Downloaded %s to %s", remotePath, localPath)

	return nil
}

func (c *Connection) UploadAsync(ctx context.Context, localPath, remotePath string) *pool.Future[struct{}] {
	return c.async(ctx, func(ctx context.Context) error { return c.Upload(ctx, localPath, remotePath) })
}

func (c *Connection) DownloadAsync(ctx context.Context, remotePath, localPath string) *pool.Future[struct{}] {
	return c.async(ctx, func(ctx context.Context) error { return c.Download(ctx, remotePath, localPath) })
}

func (c *Connection) async(ctx context.Context, f func(ctx context.Context) error) *pool.Future[struct{}] {
	if c.cfg.Pool == nil {
		return pool.Completed(struct{}{}, f(ctx))
	}
	return pool.Go(ctx, c.cfg.Pool, f)
}

func (c *Connection) Exec(ctx context.Context, command string, opts transport.ExecOpts) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ready(); err != nil {
		return -1, err
	}

	c.executed = append(c.executed, env.WrapCommand(command, opts.Env))
	res, ok := c.cfg.Commands[command]
	if !ok {
		return 127, nil
	}
	if res.Err != nil {
		return -1, fmt.Errorf("command execution failed: %w", res.Err)
	}
	if opts.Stdout != nil && res.Stdout != "" {
		_, _ = opts.Stdout.Write([]byte(res.Stdout))
	}
	if opts.Stderr != nil && res.Stderr != "" {
		_, _ = opts.Stderr.Write([]byte(res.Stderr))
	}

	return res.ExitCode, nil
}

// RemoteFile returns the content of a remote file.
func (c *Connection) RemoteFile(path string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.files[path]
	return data, ok
}

// Executed returns the commands executed so far.
func (c *Connection) Executed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.executed...)
}
