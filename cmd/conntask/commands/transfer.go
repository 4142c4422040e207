package commands

import (
	"context"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/conntask/internal/jobfile"
)

type UploadCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	conn   connectionFlags
	local  string
	remote string
}

// NewUploadCommand returns the upload command.
func NewUploadCommand(rootCmd *RootCommand, app *kingpin.Application) *UploadCommand {
	c := &UploadCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("upload", "Upload a local file or directory over SFTP.")
	c.conn.register(c.Cmd)
	c.Cmd.Arg("local", "Local source path.").Required().StringVar(&c.local)
	c.Cmd.Arg("remote", "Remote destination path.").Required().StringVar(&c.remote)

	return c
}

func (c UploadCommand) Name() string { return c.Cmd.FullCommand() }

func (c UploadCommand) Run(ctx context.Context) error {
	conn, err := c.conn.connection(jobfile.ProtocolSFTP)
	if err != nil {
		return err
	}

	job := &jobfile.JobFile{
		Connections: []jobfile.Connection{conn},
		Operations: []jobfile.Operation{{
			Connection: conn.Name,
			Upload:     &jobfile.Transfer{Local: c.local, Remote: c.remote},
		}},
	}

	return runJob(ctx, *c.rootCmd, job, optionalEnvCredentials, c.conn.format)
}

type DownloadCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	conn   connectionFlags
	remote string
	local  string
}

// NewDownloadCommand returns the download command.
func NewDownloadCommand(rootCmd *RootCommand, app *kingpin.Application) *DownloadCommand {
	c := &DownloadCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("download", "Download a remote file or directory over SFTP.")
	c.conn.register(c.Cmd)
	c.Cmd.Arg("remote", "Remote source path.").Required().StringVar(&c.remote)
	c.Cmd.Arg("local", "Local destination path.").Required().StringVar(&c.local)

	return c
}

func (c DownloadCommand) Name() string { return c.Cmd.FullCommand() }

func (c DownloadCommand) Run(ctx context.Context) error {
	conn, err := c.conn.connection(jobfile.ProtocolSFTP)
	if err != nil {
		return err
	}

	job := &jobfile.JobFile{
		Connections: []jobfile.Connection{conn},
		Operations: []jobfile.Operation{{
			Connection: conn.Name,
			Download:   &jobfile.Transfer{Remote: c.remote, Local: c.local},
		}},
	}

	return runJob(ctx, *c.rootCmd, job, optionalEnvCredentials, c.conn.format)
}
