package lib

import (
	"errors"
	"time"

	"github.com/slok/conntask/internal/jobfile"
	"github.com/slok/conntask/internal/model"
)

// Job is a set of connections and the operations that run on them.
type Job = jobfile.JobFile

// Connection describes how to reach and authenticate a remote endpoint.
type Connection = jobfile.Connection

// Operation is a single upload, download or exec.
type Operation = jobfile.Operation

// Transfer is a file or directory copy between the local and the remote host.
type Transfer = jobfile.Transfer

// Registration is the moment a dispatched task is registered.
type Registration string

const (
	// RegisterOnSubmit registers tasks when they are dispatched, queued tasks are visible.
	RegisterOnSubmit Registration = "submit"
	// RegisterOnExecute registers tasks when a worker starts them.
	RegisterOnExecute Registration = "execute"
)

// TaskID identifies a task, IDs are never reused within a client.
type TaskID uint64

// TaskStatus represents the state of a task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// TaskInfo is a snapshot of a task record.
type TaskInfo struct {
	ID       TaskID
	RunID    string
	Protocol string
	// Completed is true once the operation finished, with or without error.
	Completed bool
	// ErrorMessage is nil unless the operation failed.
	ErrorMessage *string
	Status       TaskStatus
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// OperationResult is the outcome of one operation of a job.
type OperationResult struct {
	Operation Operation
	Task      TaskInfo
	// Output is the combined output of exec operations.
	Output string
	// Err is the error of the operation, nil on success.
	Err error
}

// RunResult is the outcome of a job, results keep the job operation order.
type RunResult struct {
	RunID   string
	Results []OperationResult
	// Failed is the number of failed operations.
	Failed int
}

// HistoryOpts filter the stored tasks.
type HistoryOpts struct {
	RunID      string
	OnlyFailed bool
	Protocol   string
	Limit      int
}

// Errors returned by the SDK, use errors.Is to check them.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrNotValid      = errors.New("not valid")
)

func mapError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, model.ErrNotFound):
		return joinErrors(err, ErrNotFound)
	case errors.Is(err, model.ErrAlreadyExists):
		return joinErrors(err, ErrAlreadyExists)
	case errors.Is(err, model.ErrNotValid):
		return joinErrors(err, ErrNotValid)
	default:
		return err
	}
}

func joinErrors(original, sentinel error) error {
	return &mappedError{original: original, sentinel: sentinel}
}

type mappedError struct {
	original error
	sentinel error
}

func (e *mappedError) Error() string { return e.original.Error() }

func (e *mappedError) Is(target error) bool {
	return target == e.sentinel
}

func (e *mappedError) Unwrap() error { return e.original }

func fromInternalTaskInfo(t model.TaskInfo) TaskInfo {
	return TaskInfo{
		ID:           TaskID(t.ID),
		RunID:        t.RunID,
		Protocol:     t.Protocol,
		Completed:    t.Completed,
		ErrorMessage: t.ErrorMessage,
		Status:       TaskStatus(t.Status),
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		FinishedAt:   t.FinishedAt,
	}
}

func fromInternalTaskInfos(ts []model.TaskInfo) []TaskInfo {
	res := make([]TaskInfo, 0, len(ts))
	for _, t := range ts {
		res = append(res, fromInternalTaskInfo(t))
	}
	return res
}
