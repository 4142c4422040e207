package lib

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/slok/conntask/internal/app/history"
	"github.com/slok/conntask/internal/app/run"
	"github.com/slok/conntask/internal/conventions"
	"github.com/slok/conntask/internal/dispatch"
	"github.com/slok/conntask/internal/jobfile"
	"github.com/slok/conntask/internal/log"
	"github.com/slok/conntask/internal/model"
	"github.com/slok/conntask/internal/pool"
	"github.com/slok/conntask/internal/registry"
	"github.com/slok/conntask/internal/storage"
	"github.com/slok/conntask/internal/storage/memory"
	"github.com/slok/conntask/internal/storage/sqlite"
	"github.com/slok/conntask/internal/transport/ssh"
)

// Config configures the SDK client.
//
// All fields are optional. An empty Config{} stores the history on
// ~/.conntask/conntask.db and uses one worker per CPU.
type Config struct {
	// DataDir is the base directory for conntask data (history, SSH keys).
	// Default: ~/.conntask.
	DataDir string

	// DBPath is the SQLite history database path.
	// Default: <DataDir>/conntask.db.
	DBPath string

	// NoHistory disables the SQLite history, [Client.History] only
	// lists the tasks of this client.
	NoHistory bool

	// Workers is the number of concurrent operations.
	// Default: number of CPUs.
	Workers int

	// Registration selects when tasks are registered.
	// Default: [RegisterOnSubmit].
	Registration Registration

	// AbsorbVoidErrors makes failed uploads and downloads succeed on their
	// result, the failure is only visible on the task record.
	AbsorbVoidErrors bool

	// Credentials resolves the password of a connection.
	// Default: the value of the connection PasswordEnv environment variable.
	Credentials func(c Connection) (string, error)

	// Logger receives structured log output from the SDK.
	// Default: noop (silent). See the log sub-package for the interface.
	Logger log.Logger
}

func (c *Config) defaults() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("could not get user home dir: %w", err)
		}
		c.DataDir = filepath.Join(home, conventions.DefaultDataDir)
	}

	if c.DBPath == "" {
		c.DBPath = conventions.DBPath(c.DataDir)
	}

	switch c.Registration {
	case "":
		c.Registration = RegisterOnSubmit
	case RegisterOnSubmit, RegisterOnExecute:
	default:
		return fmt.Errorf("unknown registration %q: %w", c.Registration, ErrNotValid)
	}

	if c.Workers < 0 {
		return fmt.Errorf("workers can't be negative: %w", ErrNotValid)
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}

	return nil
}

// Client is the main SDK entry point.
//
// Create a Client with [New] and release its resources with [Client.Close].
// A Client is safe for concurrent use.
type Client struct {
	registry   *registry.Registry
	runSvc     *run.Service
	historySvc *history.Service
	logger     log.Logger
	closeFn    func() error
}

// New creates a new SDK client with its own worker pool and task registry.
//
// The caller must call [Client.Close] when done:
//
//	client, err := lib.New(ctx, lib.Config{})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, mapError(fmt.Errorf("invalid config: %w", err))
	}

	var db *sql.DB
	var repo storage.TaskRepository
	if cfg.NoHistory {
		var err error
		repo, err = memory.NewTaskRepository(memory.TaskRepositoryConfig{Logger: cfg.Logger})
		if err != nil {
			return nil, fmt.Errorf("could not create task repository: %w", err)
		}
	} else {
		var err error
		db, err = sqlite.Open(ctx, cfg.DBPath, cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("could not open history database: %w", err)
		}
		repo, err = sqlite.NewTaskRepository(sqlite.TaskRepositoryConfig{DB: db, Logger: cfg.Logger})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("could not create task repository: %w", err)
		}
	}

	closeDB := func() error {
		if db == nil {
			return nil
		}
		return db.Close()
	}

	p, err := pool.New(pool.Config{Workers: cfg.Workers, Logger: cfg.Logger})
	if err != nil {
		_ = closeDB()
		return nil, mapError(fmt.Errorf("could not create worker pool: %w", err))
	}

	reg, err := registry.New(registry.Config{Logger: cfg.Logger})
	if err != nil {
		p.Stop()
		_ = closeDB()
		return nil, fmt.Errorf("could not create registry: %w", err)
	}

	registration := dispatch.RegisterOnSubmit
	if cfg.Registration == RegisterOnExecute {
		registration = dispatch.RegisterOnExecute
	}

	d, err := dispatch.New(dispatch.Config{
		Pool:             p,
		Registry:         reg,
		History:          repo,
		Registration:     registration,
		AbsorbVoidErrors: cfg.AbsorbVoidErrors,
		Logger:           cfg.Logger,
	})
	if err != nil {
		p.Stop()
		_ = closeDB()
		return nil, fmt.Errorf("could not create dispatcher: %w", err)
	}

	factory, err := run.NewConnectionFactory(run.FactoryConfig{
		DefaultPrivateKeyPath: ssh.NewKeyManager(conventions.KeyDir(cfg.DataDir)).PrivateKeyPath(),
		Logger:                cfg.Logger,
	})
	if err != nil {
		p.Stop()
		_ = closeDB()
		return nil, fmt.Errorf("could not create connection factory: %w", err)
	}

	runSvc, err := run.NewService(run.ServiceConfig{
		Dispatcher:  d,
		Factory:     factory,
		Credentials: cfg.Credentials,
		Logger:      cfg.Logger,
	})
	if err != nil {
		p.Stop()
		_ = closeDB()
		return nil, fmt.Errorf("could not create run service: %w", err)
	}

	historySvc, err := history.NewService(history.ServiceConfig{Repository: repo, Logger: cfg.Logger})
	if err != nil {
		p.Stop()
		_ = closeDB()
		return nil, fmt.Errorf("could not create history service: %w", err)
	}

	return &Client{
		registry:   reg,
		runSvc:     runSvc,
		historySvc: historySvc,
		logger:     cfg.Logger,
		closeFn: func() error {
			p.Stop()
			return closeDB()
		},
	}, nil
}

// Close waits for the dispatched operations and releases the client resources.
// After Close returns, the client must not be used.
func (c *Client) Close() error {
	if c.closeFn != nil {
		return c.closeFn()
	}
	return nil
}

// RunID is the ID that groups the tasks of this client on the history.
func (c *Client) RunID() string { return c.registry.RunID() }

// Run runs all the operations of a job and waits for them.
//
// Operation failures don't fail the run, they are reported on the results.
func (c *Client) Run(ctx context.Context, job Job) (*RunResult, error) {
	resp, err := c.runSvc.Run(ctx, run.Request{Job: &job})
	if err != nil {
		return nil, mapError(err)
	}

	res := &RunResult{RunID: resp.RunID, Failed: resp.Failed()}
	for _, r := range resp.Results {
		res.Results = append(res.Results, OperationResult{
			Operation: r.Operation,
			Task:      fromInternalTaskInfo(r.Task),
			Output:    r.Output,
			Err:       r.Err,
		})
	}

	return res, nil
}

// RunFile loads a YAML job file and runs it.
func (c *Client) RunFile(ctx context.Context, path string) (*RunResult, error) {
	job, err := jobfile.Load(path)
	if err != nil {
		return nil, mapError(err)
	}
	return c.Run(ctx, *job)
}

// Task returns a snapshot of a task record.
func (c *Client) Task(id TaskID) (TaskInfo, error) {
	t, err := c.registry.Get(model.TaskID(id))
	if err != nil {
		return TaskInfo{}, mapError(err)
	}
	return fromInternalTaskInfo(t), nil
}

// IsCompleted returns true if the task finished, with or without error.
func (c *Client) IsCompleted(id TaskID) (bool, error) {
	done, err := c.registry.IsCompleted(model.TaskID(id))
	return done, mapError(err)
}

// ErrorMessage returns the error of a failed task, nil if it didn't fail.
func (c *Client) ErrorMessage(id TaskID) (*string, error) {
	msg, err := c.registry.ErrorMessage(model.TaskID(id))
	return msg, mapError(err)
}

// Tasks returns all the task records of this client ordered by ID.
func (c *Client) Tasks() []TaskInfo {
	return fromInternalTaskInfos(c.registry.List())
}

// History lists the stored tasks newest first, including previous runs
// unless the client was created with NoHistory.
func (c *Client) History(ctx context.Context, opts HistoryOpts) ([]TaskInfo, error) {
	ts, err := c.historySvc.Run(ctx, history.Request{
		RunID:      opts.RunID,
		OnlyFailed: opts.OnlyFailed,
		Protocol:   opts.Protocol,
		Limit:      opts.Limit,
	})
	if err != nil {
		return nil, mapError(err)
	}

	return fromInternalTaskInfos(ts), nil
}
