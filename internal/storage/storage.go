package storage

import (
	"context"

	"github.com/slok/conntask/internal/model"
)

// ListTasksOpts filters the task history.
type ListTasksOpts struct {
	// RunID limits the tasks to a single process run, empty means all runs.
	RunID string
	// OnlyFailed returns only failed tasks.
	OnlyFailed bool
	// Limit is the max number of tasks returned, 0 means no limit.
	Limit int
}

// TaskRepository is the interface for task history persistence.
// Tasks are identified by their run ID and task ID.
type TaskRepository interface {
	// SaveTask creates or replaces a task.
	SaveTask(ctx context.Context, t model.TaskInfo) error
	GetTask(ctx context.Context, runID string, id model.TaskID) (*model.TaskInfo, error)
	// ListTasks returns the tasks, newest first.
	ListTasks(ctx context.Context, opts ListTasksOpts) ([]model.TaskInfo, error)
}
