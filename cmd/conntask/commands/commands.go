package commands

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"path/filepath"

	"github.com/alecthomas/kingpin/v2"
	"k8s.io/client-go/util/homedir"

	"github.com/slok/conntask/internal/conventions"
	"github.com/slok/conntask/internal/dispatch"
	"github.com/slok/conntask/internal/log"
	"github.com/slok/conntask/internal/pool"
	"github.com/slok/conntask/internal/printer"
	"github.com/slok/conntask/internal/registry"
	"github.com/slok/conntask/internal/storage"
	"github.com/slok/conntask/internal/storage/sqlite"
)

const (
	// LoggerTypeDefault is the logger default type.
	LoggerTypeDefault = "default"
	// LoggerTypeJSON is the logger json type.
	LoggerTypeJSON = "json"
)

// Command represents an application command, all commands that want to be executed
// should implement and setup on main.
type Command interface {
	Name() string
	Run(ctx context.Context) error
}

// RootCommand represents the root command configuration and global configuration
// for all the commands.
type RootCommand struct {
	// Global flags.
	Debug            bool
	NoLog            bool
	NoColor          bool
	LoggerType       string
	DBPath           string
	NoHistory        bool
	KeyDir           string
	Workers          int
	Registration     string
	AbsorbVoidErrors bool

	// Global instances.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger log.Logger
}

// NewRootCommand initializes the main root configuration.
func NewRootCommand(app *kingpin.Application) *RootCommand {
	c := &RootCommand{}

	app.Flag("debug", "Enable debug mode.").BoolVar(&c.Debug)
	app.Flag("no-log", "Disable logger.").BoolVar(&c.NoLog)
	app.Flag("no-color", "Disable logger color.").BoolVar(&c.NoColor)
	app.Flag("logger", "Selects the logger type.").Default(LoggerTypeDefault).EnumVar(&c.LoggerType, LoggerTypeDefault, LoggerTypeJSON)

	dataDir := filepath.Join(homedir.HomeDir(), conventions.DefaultDataDir)
	app.Flag("db-path", "Path to the SQLite task history database file.").Envar("CONNTASK_DB_PATH").Default(conventions.DBPath(dataDir)).StringVar(&c.DBPath)
	app.Flag("no-history", "Don't store the tasks on the history database.").BoolVar(&c.NoHistory)
	app.Flag("key-dir", "Directory of the client SSH key pair.").Envar("CONNTASK_KEY_DIR").Default(conventions.KeyDir(dataDir)).StringVar(&c.KeyDir)
	app.Flag("workers", "Number of concurrent operations (0 uses the number of CPUs).").Default("0").IntVar(&c.Workers)
	app.Flag("registration", "When tasks are registered on the registry.").Default("submit").EnumVar(&c.Registration, "submit", "execute")
	app.Flag("absorb-void-errors", "Failed operations without result don't fail their handle, the failure is only on the registry.").BoolVar(&c.AbsorbVoidErrors)

	return c
}

// dispatcherBundle is a dispatcher with the resources it owns.
type dispatcherBundle struct {
	Dispatcher *dispatch.Dispatcher
	close      func()
}

func (b dispatcherBundle) Close() { b.close() }

// newDispatcher creates the worker pool, the registry, the optional history
// and the dispatcher that uses them.
func (r RootCommand) newDispatcher(ctx context.Context) (*dispatcherBundle, error) {
	var history storage.TaskRepository
	var db *sql.DB
	if !r.NoHistory {
		var err error
		db, err = sqlite.Open(ctx, r.DBPath, r.Logger)
		if err != nil {
			return nil, fmt.Errorf("could not open history database: %w", err)
		}
		history, err = sqlite.NewTaskRepository(sqlite.TaskRepositoryConfig{DB: db, Logger: r.Logger})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("could not create task repository: %w", err)
		}
	}

	p, err := pool.New(pool.Config{Workers: r.Workers, Logger: r.Logger})
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("could not create worker pool: %w", err)
	}

	registration := dispatch.RegisterOnSubmit
	if r.Registration == "execute" {
		registration = dispatch.RegisterOnExecute
	}

	d, err := dispatch.New(dispatch.Config{
		Pool:             p,
		Registry:         registry.Default(),
		History:          history,
		Registration:     registration,
		AbsorbVoidErrors: r.AbsorbVoidErrors,
		Logger:           r.Logger,
	})
	if err != nil {
		p.Stop()
		if db != nil {
			db.Close()
		}
		return nil, fmt.Errorf("could not create dispatcher: %w", err)
	}

	return &dispatcherBundle{
		Dispatcher: d,
		close: func() {
			p.Stop()
			if db != nil {
				db.Close()
			}
		},
	}, nil
}

func newPrinter(format string, w io.Writer) printer.Printer {
	switch format {
	case "json":
		return printer.NewJSONPrinter(w)
	default: // table
		return printer.NewTablePrinter(w)
	}
}
