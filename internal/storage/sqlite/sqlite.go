package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/slok/conntask/internal/log"
	"github.com/slok/conntask/internal/storage/sqlite/migrations"
)

// Open opens (creating it if required) the SQLite database at path and
// applies the schema migrations.
func Open(ctx context.Context, path string, logger log.Logger) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if logger == nil {
		logger = log.Noop
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("could not create db directory: %w", err)
	}

	// WAL and a busy timeout, history is written from many workers at the same time.
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	migrator, err := migrations.NewMigrator(db, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create migrator: %w", err)
	}
	if err := migrator.Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not run migrations: %w", err)
	}

	logger.Debugf("SQLite database initialized at %s", path)

	return db, nil
}

func timeFromUnixNano(n int64) time.Time { return time.Unix(0, n).UTC() }
