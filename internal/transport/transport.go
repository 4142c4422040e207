// Package transport has the capabilities a network protocol connection can offer.
//
// The dispatcher only depends on Connection; transfer and command execution are
// optional capabilities that concrete transports (ssh, sftp, fake) add on top.
package transport

import (
	"context"
	"io"

	"github.com/slok/conntask/internal/pool"
)

// Connection is a network protocol endpoint.
type Connection interface {
	// Connect opens the session with the remote endpoint.
	Connect(ctx context.Context) error
	// Disconnect closes the session, it's safe to call on a closed connection.
	Disconnect() error
	// Authenticate authenticates the session with a credential (e.g. a password).
	Authenticate(ctx context.Context, credential string) error
	// ProtocolName is the short name of the protocol (e.g. "SSH", "SFTP").
	ProtocolName() string
}

// Transferer is a connection able to move files.
type Transferer interface {
	Connection
	Upload(ctx context.Context, localPath, remotePath string) error
	Download(ctx context.Context, remotePath, localPath string) error
	UploadAsync(ctx context.Context, localPath, remotePath string) *pool.Future[struct{}]
	DownloadAsync(ctx context.Context, remotePath, localPath string) *pool.Future[struct{}]
}

// ExecOpts are options for command execution (non-TTY only).
type ExecOpts struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// Env is exported to the remote command.
	Env map[string]string
}

// Executor is a connection able to run remote commands.
type Executor interface {
	Connection
	// Exec runs a command and returns its exit code.
	Exec(ctx context.Context, command string, opts ExecOpts) (int, error)
}
