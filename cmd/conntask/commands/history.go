package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/alecthomas/kingpin/v2"

	"github.com/slok/conntask/internal/app/history"
	"github.com/slok/conntask/internal/model"
	"github.com/slok/conntask/internal/storage/sqlite"
)

type HistoryCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	runID        string
	taskID       uint64
	onlyFailed   bool
	protocol     string
	statusFilter string
	limit        int
	format       string
}

// NewHistoryCommand returns the history command.
func NewHistoryCommand(rootCmd *RootCommand, app *kingpin.Application) *HistoryCommand {
	c := &HistoryCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("history", "List the tasks of previous runs.")
	c.Cmd.Flag("run", "Only show the tasks of a run.").StringVar(&c.runID)
	c.Cmd.Flag("task", "Show a single task of the run (requires --run).").Uint64Var(&c.taskID)
	c.Cmd.Flag("failed", "Only show failed tasks.").BoolVar(&c.onlyFailed)
	c.Cmd.Flag("protocol", "Filter by protocol (ssh, sftp...).").StringVar(&c.protocol)
	c.Cmd.Flag("status", "Filter by status (queued, running, succeeded, failed).").StringVar(&c.statusFilter)
	c.Cmd.Flag("limit", "Max number of tasks (0 is unlimited).").Default("50").IntVar(&c.limit)
	c.Cmd.Flag("format", "Output format (table, json).").Default("table").EnumVar(&c.format, "table", "json")

	return c
}

func (c HistoryCommand) Name() string { return c.Cmd.FullCommand() }

func (c HistoryCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	var statusFilter *model.TaskStatus
	if c.statusFilter != "" {
		status := model.TaskStatus(strings.ToLower(c.statusFilter))
		switch status {
		case model.TaskStatusQueued, model.TaskStatusRunning, model.TaskStatusSucceeded, model.TaskStatusFailed:
			statusFilter = &status
		default:
			return fmt.Errorf("invalid status filter: %s (must be: queued, running, succeeded, failed)", c.statusFilter)
		}
	}

	db, err := sqlite.Open(ctx, c.rootCmd.DBPath, logger)
	if err != nil {
		return fmt.Errorf("could not open history database: %w", err)
	}
	defer db.Close()

	repo, err := sqlite.NewTaskRepository(sqlite.TaskRepositoryConfig{DB: db, Logger: logger})
	if err != nil {
		return fmt.Errorf("could not create repository: %w", err)
	}

	svc, err := history.NewService(history.ServiceConfig{
		Repository: repo,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("could not create service: %w", err)
	}

	p := newPrinter(c.format, c.rootCmd.Stdout)

	if c.taskID != 0 {
		task, err := svc.Get(ctx, c.runID, model.TaskID(c.taskID))
		if err != nil {
			return err
		}
		return p.PrintTask(*task)
	}

	tasks, err := svc.Run(ctx, history.Request{
		RunID:        c.runID,
		OnlyFailed:   c.onlyFailed,
		Protocol:     c.protocol,
		StatusFilter: statusFilter,
		Limit:        c.limit,
	})
	if err != nil {
		return fmt.Errorf("could not list tasks: %w", err)
	}

	if err := p.PrintTasks(tasks); err != nil {
		return fmt.Errorf("could not print tasks: %w", err)
	}

	return nil
}
