package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/slok/conntask/internal/log"
	"github.com/slok/conntask/internal/model"
	"github.com/slok/conntask/internal/storage"
)

// TaskRepositoryConfig is the configuration for the SQLite task repository.
type TaskRepositoryConfig struct {
	DB     *sql.DB
	Logger log.Logger
}

func (c *TaskRepositoryConfig) defaults() error {
	if c.DB == nil {
		return fmt.Errorf("db is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.TaskRepository"})
	return nil
}

// TaskRepository is a SQLite implementation of storage.TaskRepository.
type TaskRepository struct {
	db     *sql.DB
	logger log.Logger
}

var _ storage.TaskRepository = &TaskRepository{}

// NewTaskRepository creates a new SQLite task repository.
func NewTaskRepository(cfg TaskRepositoryConfig) (*TaskRepository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &TaskRepository{
		db:     cfg.DB,
		logger: cfg.Logger,
	}, nil
}

// SaveTask creates or replaces a task.
func (r *TaskRepository) SaveTask(ctx context.Context, t model.TaskInfo) error {
	if t.RunID == "" || t.ID == 0 {
		return fmt.Errorf("run id and task id are required: %w", model.ErrNotValid)
	}

	query := `
		INSERT INTO tasks (run_id, task_id, protocol, status, completed, error, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, task_id) DO UPDATE SET
			protocol = excluded.protocol,
			status = excluded.status,
			completed = excluded.completed,
			error = excluded.error,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`

	var errMsg sql.NullString
	if t.ErrorMessage != nil {
		errMsg = sql.NullString{String: *t.ErrorMessage, Valid: true}
	}
	var startedAt, finishedAt sql.NullInt64
	if t.StartedAt != nil {
		startedAt = sql.NullInt64{Int64: t.StartedAt.UnixNano(), Valid: true}
	}
	if t.FinishedAt != nil {
		finishedAt = sql.NullInt64{Int64: t.FinishedAt.UnixNano(), Valid: true}
	}

	_, err := r.db.ExecContext(ctx, query,
		t.RunID,
		int64(t.ID),
		t.Protocol,
		t.Status,
		t.Completed,
		errMsg,
		t.CreatedAt.UnixNano(),
		startedAt,
		finishedAt,
	)
	if err != nil {
		return fmt.Errorf("could not save task: %w", err)
	}

	r.logger.Debugf("Saved task %s/%d (status: %s)", t.RunID, t.ID, t.Status)
	return nil
}

const selectTasks = `
	SELECT run_id, task_id, protocol, status, completed, error, created_at, started_at, finished_at
	FROM tasks
`

// GetTask retrieves a task.
func (r *TaskRepository) GetTask(ctx context.Context, runID string, id model.TaskID) (*model.TaskInfo, error) {
	query := selectTasks + ` WHERE run_id = ? AND task_id = ?`

	t, err := scanTask(r.db.QueryRowContext(ctx, query, runID, int64(id)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %s/%d: %w", runID, id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("could not query task: %w", err)
	}

	return &t, nil
}

// ListTasks returns the tasks, newest first.
func (r *TaskRepository) ListTasks(ctx context.Context, opts storage.ListTasksOpts) ([]model.TaskInfo, error) {
	var conds []string
	var args []any
	if opts.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, opts.RunID)
	}
	if opts.OnlyFailed {
		conds = append(conds, "status = ?")
		args = append(args, model.TaskStatusFailed)
	}

	query := selectTasks
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, run_id DESC, task_id DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []model.TaskInfo{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}
		tasks = append(tasks, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return tasks, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (model.TaskInfo, error) {
	var t model.TaskInfo
	var id, createdAt int64
	var errMsg sql.NullString
	var startedAt, finishedAt sql.NullInt64

	err := s.Scan(
		&t.RunID,
		&id,
		&t.Protocol,
		&t.Status,
		&t.Completed,
		&errMsg,
		&createdAt,
		&startedAt,
		&finishedAt,
	)
	if err != nil {
		return model.TaskInfo{}, err
	}

	t.ID = model.TaskID(id)
	t.CreatedAt = timeFromUnixNano(createdAt)
	if errMsg.Valid {
		msg := errMsg.String
		t.ErrorMessage = &msg
	}
	if startedAt.Valid {
		ts := timeFromUnixNano(startedAt.Int64)
		t.StartedAt = &ts
	}
	if finishedAt.Valid {
		ts := timeFromUnixNano(finishedAt.Int64)
		t.FinishedAt = &ts
	}

	return t, nil
}
