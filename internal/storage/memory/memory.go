package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/slok/conntask/internal/log"
	"github.com/slok/conntask/internal/model"
	"github.com/slok/conntask/internal/storage"
)

// TaskRepositoryConfig is the configuration for the memory task repository.
type TaskRepositoryConfig struct {
	Logger log.Logger
}

func (c *TaskRepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "storage.Memory"})
	return nil
}

type taskKey struct {
	runID string
	id    model.TaskID
}

// TaskRepository is an in-memory implementation of storage.TaskRepository.
type TaskRepository struct {
	tasks  map[taskKey]model.TaskInfo
	mu     sync.RWMutex
	logger log.Logger
}

var _ storage.TaskRepository = &TaskRepository{}

// NewTaskRepository creates a new memory task repository.
func NewTaskRepository(cfg TaskRepositoryConfig) (*TaskRepository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &TaskRepository{
		tasks:  map[taskKey]model.TaskInfo{},
		logger: cfg.Logger,
	}, nil
}

// SaveTask creates or replaces a task.
func (r *TaskRepository) SaveTask(ctx context.Context, t model.TaskInfo) error {
	if t.RunID == "" || t.ID == 0 {
		return fmt.Errorf("run id and task id are required: %w", model.ErrNotValid)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.tasks[taskKey{runID: t.RunID, id: t.ID}] = copyTask(t)
	r.logger.Debugf("Saved task %s/%d", t.RunID, t.ID)

	return nil
}

// GetTask retrieves a task.
func (r *TaskRepository) GetTask(ctx context.Context, runID string, id model.TaskID) (*model.TaskInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[taskKey{runID: runID, id: id}]
	if !ok {
		return nil, fmt.Errorf("task %s/%d: %w", runID, id, model.ErrNotFound)
	}

	// Return a copy.
	tc := copyTask(t)
	return &tc, nil
}

// ListTasks returns the tasks, newest first.
func (r *TaskRepository) ListTasks(ctx context.Context, opts storage.ListTasksOpts) ([]model.TaskInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := []model.TaskInfo{}
	for _, t := range r.tasks {
		if opts.RunID != "" && t.RunID != opts.RunID {
			continue
		}
		if opts.OnlyFailed && t.Status != model.TaskStatusFailed {
			continue
		}
		tasks = append(tasks, copyTask(t))
	}

	sort.Slice(tasks, func(i, j int) bool {
		if !tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
		}
		if tasks[i].RunID != tasks[j].RunID {
			return tasks[i].RunID > tasks[j].RunID
		}
		return tasks[i].ID > tasks[j].ID
	})

	if opts.Limit > 0 && len(tasks) > opts.Limit {
		tasks = tasks[:opts.Limit]
	}

	return tasks, nil
}

func copyTask(t model.TaskInfo) model.TaskInfo {
	if t.ErrorMessage != nil {
		msg := *t.ErrorMessage
		t.ErrorMessage = &msg
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		t.StartedAt = &ts
	}
	if t.FinishedAt != nil {
		ts := *t.FinishedAt
		t.FinishedAt = &ts
	}
	return t
}
