// Package sftp has the SFTP transport connection, it runs the SFTP subsystem
// over an SSH connection.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/pkg/sftp"

	"github.com/slok/conntask/internal/log"
	"github.com/slok/conntask/internal/pool"
	"github.com/slok/conntask/internal/transport"
	sshtransport "github.com/slok/conntask/internal/transport/ssh"
)

// ProtocolName is the protocol name reported by SFTP connections.
const ProtocolName = "SFTP"

// ConnectionConfig is the configuration of an SFTP connection.
type ConnectionConfig struct {
	// SSH is the configuration of the underlying SSH connection.
	SSH sshtransport.ConnectionConfig
	// Pool runs the async transfers, when missing they run on the calling goroutine.
	Pool   *pool.Pool
	Logger log.Logger
}

func (c *ConnectionConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	if c.SSH.Logger == nil {
		c.SSH.Logger = c.Logger
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "transport.SFTP", "host": c.SSH.Host})
	return nil
}

// Connection is an SFTP transport connection.
//
// The live session is shared, transfers take the write lock so at most one
// of them uses it at a time.
type Connection struct {
	cfg    ConnectionConfig
	ssh    *sshtransport.Connection
	mu     sync.Mutex
	client *sftp.Client
	logger log.Logger
}

var _ transport.Transferer = &Connection{}

// NewConnection returns a new disconnected SFTP connection.
func NewConnection(cfg ConnectionConfig) (*Connection, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	sshConn, err := sshtransport.NewConnection(cfg.SSH)
	if err != nil {
		return nil, fmt.Errorf("could not create ssh connection: %w", err)
	}

	return &Connection{
		cfg:    cfg,
		ssh:    sshConn,
		logger: cfg.Logger,
	}, nil
}

func (c *Connection) ProtocolName() string { return ProtocolName }

func (c *Connection) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ssh.Connect(ctx)
}

// Authenticate authenticates the SSH session and starts the SFTP subsystem on it.
func (c *Connection) Authenticate(ctx context.Context, credential string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		return nil
	}

	if err := c.ssh.Authenticate(ctx, credential); err != nil {
		return err
	}

	sshClient, err := c.ssh.Client()
	if err != nil {
		return err
	}

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return fmt.Errorf("could not create sftp client: %w", err)
	}
	c.client = client
	c.logger.Debugf("SFTP subsystem ready")

	return nil
}

func (c *Connection) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.client != nil {
		if err := c.client.Close(); err != nil && !errors.Is(err, io.EOF) {
			errs = append(errs, fmt.Errorf("could not close sftp client: %w", err))
		}
		c.client = nil
	}
	if err := c.ssh.Disconnect(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Upload copies a local file or directory to the remote host.
func (c *Connection) Upload(ctx context.Context, localPath, remotePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return sshtransport.ErrNotConnected
	}

	srcInfo, err := os.Stat(localPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("source path '%s' does not exist: %w", localPath, os.ErrNotExist)
		}
		return fmt.Errorf("could not stat source: %w", err)
	}

	if srcInfo.IsDir() {
		err = c.copyDirTo(ctx, localPath, remotePath)
	} else {
		err = c.copyFileTo(ctx, localPath, remotePath, srcInfo.Mode())
	}
	if err != nil {
		return err
	}

	c.logger.Debugf("Uploaded %s to %s", localPath, remotePath)
	return nil
}

// Download copies a remote file or directory to the local host.
func (c *Connection) Download(ctx context.Context, remotePath, localPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return sshtransport.ErrNotConnected
	}

	srcInfo, err := c.client.Stat(remotePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("source path '%s' does not exist on remote: %w", remotePath, os.ErrNotExist)
		}
		return fmt.Errorf("could not stat remote source: %w", err)
	}

	if srcInfo.IsDir() {
		err = c.copyDirFrom(ctx, remotePath, localPath)
	} else {
		err = c.copyFileFrom(ctx, remotePath, localPath, srcInfo.Mode())
	}
	if err != nil {
		return err
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

func (c *Connection) copyFileTo(ctx context.Context, srcLocal, dstRemote string, mode fs.FileMode) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	src, err := os.Open(srcLocal)
	if err != nil {
		return fmt.Errorf("could not open local file %s: %w", srcLocal, err)
	}
	defer src.Close()

	dst, err := c.client.Create(dstRemote)
	if err != nil {
		return fmt.Errorf("could not create remote file %s: %w", dstRemote, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("could not copy to remote file %s: %w", dstRemote, err)
	}

	if err := c.client.Chmod(dstRemote, mode); err != nil {
		c.logger.Debugf("Could not set permissions on %s: %v", dstRemote, err)
	}

	return nil
}

func (c *Connection) copyDirTo(ctx context.Context, srcLocal, dstRemote string) error {
	return filepath.WalkDir(srcLocal, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		relPath, err := filepath.Rel(srcLocal, p)
		if err != nil {
			return err
		}
		remotePath := path.Join(dstRemote, filepath.ToSlash(relPath))

		// Symlinks are not followed.
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		if d.IsDir() {
			return c.client.MkdirAll(remotePath)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		return c.copyFileTo(ctx, p, remotePath, info.Mode())
	})
}

func (c *Connection) copyFileFrom(ctx context.Context, srcRemote, dstLocal string, mode fs.FileMode) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	src, err := c.client.Open(srcRemote)
	if err != nil {
		return fmt.Errorf("could not open remote file %s: %w", srcRemote, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dstLocal), 0755); err != nil {
		return fmt.Errorf("could not create local directory: %w", err)
	}

	dst, err := os.OpenFile(dstLocal, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("could not create local file %s: %w", dstLocal, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("could not copy from remote file %s: %w", srcRemote, err)
	}

	return nil
}

func (c *Connection) copyDirFrom(ctx context.Context, srcRemote, dstLocal string) error {
	walker := c.client.Walk(srcRemote)
	for walker.Step() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := walker.Err(); err != nil {
			return err
		}

		remotePath := walker.Path()
		relPath, err := filepath.Rel(srcRemote, remotePath)
		if err != nil {
			return err
		}
		localPath := filepath.Join(dstLocal, relPath)

		info := walker.Stat()
		if info.Mode()&fs.ModeSymlink != 0 {
			continue
		}

		if info.IsDir() {
			if err := os.MkdirAll(localPath, info.Mode().Perm()|0700); err != nil {
				return fmt.Errorf("could not create local directory %s: %w", localPath, err)
			}
			continue
		}

		if err := c.copyFileFrom(ctx, remotePath, localPath, info.Mode()); err != nil {
			return err
		}
	}

	return nil
}
