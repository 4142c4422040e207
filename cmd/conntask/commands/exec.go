package commands

import (
	"context"
	"strings"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/conntask/internal/jobfile"
)

type ExecCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	conn    connectionFlags
	command  []string
	envSpecs []string
}

// NewExecCommand returns the exec command.
func NewExecCommand(rootCmd *RootCommand, app *kingpin.Application) *ExecCommand {
	c := &ExecCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("exec", "Execute a command over SSH.")
	c.conn.register(c.Cmd)
	c.Cmd.Flag("env", "Environment variables (KEY=VALUE or KEY from current environment). Can be repeated.").Short('e').StringsVar(&c.envSpecs)
	c.Cmd.Arg("command", "Command and arguments.").Required().StringsVar(&c.command)

	return c
}

func (c ExecCommand) Name() string { return c.Cmd.FullCommand() }

func (c ExecCommand) Run(ctx context.Context) error {
	conn, err := c.conn.connection(jobfile.ProtocolSSH)
	if err != nil {
		return err
	}

	job := &jobfile.JobFile{
		Connections: []jobfile.Connection{conn},
		Operations: []jobfile.Operation{{
			Connection: conn.Name,
			Exec:       strings.Join(c.command, " "),
			Env:        c.envSpecs,
		}},
	}

	return runJob(ctx, *c.rootCmd, job, optionalEnvCredentials, c.conn.format)
}
