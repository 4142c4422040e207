// Package registry keeps track of the tasks dispatched to the worker pool.
//
// The registry is a process wide map of task records protected by a single
// reader/writer lock: status polling takes the shared side, registrations and
// record updates take the exclusive side. Records are never evicted.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/slok/conntask/internal/log"
	"github.com/slok/conntask/internal/model"
)

// Config is the configuration for the task registry.
type Config struct {
	Logger log.Logger
	// Now returns the time used to stamp record transitions (default: time.Now).
	Now func() time.Time
}

func (c *Config) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "registry.Registry"})
	return nil
}

// Registry stores the task records of the current process run.
type Registry struct {
	runID  string
	lastID atomic.Uint64
	mu     sync.RWMutex
	tasks  map[model.TaskID]*model.TaskInfo
	now    func() time.Time
	logger log.Logger
}

// New returns a new empty registry with its own run ID.
func New(cfg Config) (*Registry, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Registry{
		runID:  ulid.Make().String(),
		tasks:  map[model.TaskID]*model.TaskInfo{},
		now:    cfg.Now,
		logger: cfg.Logger,
	}, nil
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process wide registry, created on first use.
func Default() *Registry {
	defaultOnce.Do(func() {
		r, err := New(Config{})
		if err != nil {
			panic(fmt.Errorf("could not create default registry: %w", err))
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

// RunID returns the unique ID of this registry, used to tell apart task IDs
// of different process runs.
func (r *Registry) RunID() string { return r.runID }

// AllocateID returns a task ID that has never been returned before by this registry.
// IDs start at 1.
func (r *Registry) AllocateID() model.TaskID {
	return model.TaskID(r.lastID.Add(1))
}

// Register inserts a new not completed task record.
func (r *Registry) Register(id model.TaskID, protocol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[id]; ok {
		return fmt.Errorf("task %d: %w", id, model.ErrDuplicateTask)
	}

	r.tasks[id] = &model.TaskInfo{
		ID:        id,
		RunID:     r.runID,
		Protocol:  protocol,
		Status:    model.TaskStatusQueued,
		CreatedAt: r.now().UTC(),
	}
	r.logger.Debugf("Registered %s task %d", protocol, id)

	return nil
}

// MarkRunning flags a queued task as running. Unknown or already finished tasks are ignored.
func (r *Registry) MarkRunning(id model.TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok || t.Completed || t.Status == model.TaskStatusRunning {
		return
	}

	now := r.now().UTC()
	t.StartedAt = &now
	t.Status = model.TaskStatusRunning
}

// MarkCompleted flags a task as completed, once completed it stays completed.
// Unknown task IDs are ignored.
func (r *Registry) MarkCompleted(id model.TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		r.logger.Warningf("Task %d is not registered, ignoring completion", id)
		return
	}
	if t.Completed {
		return
	}

	now := r.now().UTC()
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	t.FinishedAt = &now
	t.Completed = true
	t.Status = model.TaskStatusSucceeded
	if t.ErrorMessage != nil {
		t.Status = model.TaskStatusFailed
	}
}

// RecordError stores the error message of a task. Only the first message is kept,
// and completed tasks are not modified. Unknown task IDs are ignored.
func (r *Registry) RecordError(id model.TaskID, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		r.logger.Warningf("Task %d is not registered, ignoring error: %s", id, msg)
		return
	}
	if t.Completed || t.ErrorMessage != nil {
		return
	}

	t.ErrorMessage = &msg
}

// IsCompleted returns if the task has completed, successfully or not.
func (r *Registry) IsCompleted(id model.TaskID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return false, fmt.Errorf("task %d: %w", id, model.ErrTaskNotFound)
	}

	return t.Completed, nil
}

// ErrorMessage returns the error message of a failed task, nil if the task didn't fail.
func (r *Registry) ErrorMessage(id model.TaskID) (*string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %d: %w", id, model.ErrTaskNotFound)
	}
	if t.ErrorMessage == nil {
		return nil, nil
	}

	msg := *t.ErrorMessage
	return &msg, nil
}

// TaskInfo returns a snapshot of the task record, false if the task is unknown.
func (r *Registry) TaskInfo(id model.TaskID) (model.TaskInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return model.TaskInfo{}, false
	}

	return snapshot(t), true
}

// Get is the strict version of TaskInfo.
func (r *Registry) Get(id model.TaskID) (model.TaskInfo, error) {
	info, ok := r.TaskInfo(id)
	if !ok {
		return model.TaskInfo{}, fmt.Errorf("task %d: %w", id, model.ErrTaskNotFound)
	}
	return info, nil
}

// List returns a snapshot of all the registered tasks ordered by ID.
func (r *Registry) List() []model.TaskInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tasks := make([]model.TaskInfo, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, snapshot(t))
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })

	return tasks
}

// snapshot deep copies a record so callers can't mutate the registry.
func snapshot(t *model.TaskInfo) model.TaskInfo {
	s := *t
	if t.ErrorMessage != nil {
		msg := *t.ErrorMessage
		s.ErrorMessage = &msg
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		s.StartedAt = &ts
	}
	if t.FinishedAt != nil {
		ts := *t.FinishedAt
		s.FinishedAt = &ts
	}
	return s
}
