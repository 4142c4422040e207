package history

import (
	"context"
	"fmt"
	"strings"

	"github.com/slok/conntask/internal/log"
	"github.com/slok/conntask/internal/model"
	"github.com/slok/conntask/internal/storage"
)

// ServiceConfig is the configuration for the history service.
type ServiceConfig struct {
	Repository storage.TaskRepository
	Logger     log.Logger
}

func (c *ServiceConfig) defaults() error {
	if c.Repository == nil {
		return fmt.Errorf("repository is required")
	}

	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "app.History"})

	return nil
}

// Service lists the tasks of previous runs.
type Service struct {
	repo   storage.TaskRepository
	logger log.Logger
}

// NewService creates a new history service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Service{
		repo:   cfg.Repository,
		logger: cfg.Logger,
	}, nil
}

// Request represents the history request parameters.
type Request struct {
	// RunID only shows the tasks of a run.
	RunID string
	// OnlyFailed only shows failed tasks.
	OnlyFailed bool
	// Protocol only shows the tasks of a protocol (case insensitive).
	Protocol string
	// StatusFilter only shows the tasks with this status.
	StatusFilter *model.TaskStatus
	// Limit is the max number of tasks, 0 means no limit.
	Limit int
}

// Run lists the stored tasks, newest first.
func (s *Service) Run(ctx context.Context, req Request) ([]model.TaskInfo, error) {
	if req.Limit < 0 {
		return nil, fmt.Errorf("limit can't be negative: %w", model.ErrNotValid)
	}

	filtered := req.Protocol != "" || req.StatusFilter != nil
	opts := storage.ListTasksOpts{RunID: req.RunID, OnlyFailed: req.OnlyFailed}
	if !filtered {
		opts.Limit = req.Limit
	}

	tasks, err := s.repo.ListTasks(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("could not list tasks: %w", err)
	}

	if filtered {
		res := make([]model.TaskInfo, 0, len(tasks))
		for _, t := range tasks {
			if req.Protocol != "" && !strings.EqualFold(t.Protocol, req.Protocol) {
				continue
			}
			if req.StatusFilter != nil && t.Status != *req.StatusFilter {
				continue
			}
			res = append(res, t)
			if req.Limit > 0 && len(res) == req.Limit {
				break
			}
		}
		tasks = res
	}

	s.logger.Debugf("found %d tasks", len(tasks))
	return tasks, nil
}

// Get returns a single task of a run.
func (s *Service) Get(ctx context.Context, runID string, id model.TaskID) (*model.TaskInfo, error) {
	if runID == "" {
		return nil, fmt.Errorf("run ID is required: %w", model.ErrNotValid)
	}

	t, err := s.repo.GetTask(ctx, runID, id)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}

	return t, nil
}
