package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/conntask/internal/app/run"
	"github.com/slok/conntask/internal/jobfile"
	"github.com/slok/conntask/internal/printer"
	"github.com/slok/conntask/internal/transport/ssh"
)

type RunCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	file   string
	format string
}

// NewRunCommand returns the run command.
func NewRunCommand(rootCmd *RootCommand, app *kingpin.Application) *RunCommand {
	c := &RunCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("run", "Run the operations of a job file.")
	c.Cmd.Flag("file", "Job file path ('-' reads from stdin).").Short('f').Required().StringVar(&c.file)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c RunCommand) Name() string { return c.Cmd.FullCommand() }

func (c RunCommand) Run(ctx context.Context) error {
	job, err := jobfile.Load(c.file)
	if err != nil {
		return err
	}

	return runJob(ctx, *c.rootCmd, job, run.EnvCredentials, c.format)
}

// runJob runs a job and prints its results, it fails when any operation fails.
func runJob(ctx context.Context, rootCmd RootCommand, job *jobfile.JobFile, creds run.CredentialResolver, format string) error {
	logger := rootCmd.Logger

	bundle, err := rootCmd.newDispatcher(ctx)
	if err != nil {
		return err
	}
	defer bundle.Close()

	factory, err := run.NewConnectionFactory(run.FactoryConfig{
		DefaultPrivateKeyPath: ssh.NewKeyManager(rootCmd.KeyDir).PrivateKeyPath(),
		Logger:                logger,
	})
	if err != nil {
		return fmt.Errorf("could not create connection factory: %w", err)
	}

	svc, err := run.NewService(run.ServiceConfig{
		Dispatcher:  bundle.Dispatcher,
		Factory:     factory,
		Credentials: creds,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	resp, err := svc.Run(ctx, run.Request{Job: job})
	if err != nil {
		return err
	}

	results := make([]printer.OperationResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, printer.OperationResult{
			Operation: describeOperation(r.Operation),
			Task:      r.Task,
			Output:    r.Output,
		})
	}

	p := newPrinter(format, rootCmd.Stdout)
	if err := p.PrintResults(resp.RunID, results); err != nil {
		return fmt.Errorf("could not print results: %w", err)
	}

	if failed := resp.Failed(); failed > 0 {
		return fmt.Errorf("%d of %d operations failed", failed, len(resp.Results))
	}

	return nil
}

func describeOperation(op jobfile.Operation) string {
	switch {
	case op.Upload != nil:
		return fmt.Sprintf("%s: upload %s -> %s", op.Connection, op.Upload.Local, op.Upload.Remote)
	case op.Download != nil:
		return fmt.Sprintf("%s: download %s -> %s", op.Connection, op.Download.Remote, op.Download.Local)
	case op.Exec != "":
		cmd := op.Exec
		if len(cmd) > 40 {
			cmd = cmd[:37] + "..."
		}
		return fmt.Sprintf("%s: exec %s", op.Connection, strings.TrimSpace(cmd))
	}
	return op.Connection
}
