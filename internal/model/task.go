package model

import (
	"time"
)

// TaskID identifies a dispatched task inside one process lifetime.
type TaskID uint64

// TaskStatus represents the state of a task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal returns true when no further transition can happen.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// TaskInfo is an immutable snapshot of a task record.
type TaskInfo struct {
	ID       TaskID
	RunID    string
	Protocol string
	// Completed is true once the operation returned, successfully or not.
	Completed bool
	// ErrorMessage is set only when the operation failed.
	ErrorMessage *string
	Status       TaskStatus
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// Failed returns true if the task completed with an error.
func (t TaskInfo) Failed() bool { return t.ErrorMessage != nil }

// Duration returns how long the operation ran, zero if it didn't finish.
func (t TaskInfo) Duration() time.Duration {
	if t.StartedAt == nil || t.FinishedAt == nil {
		return 0
	}
	return t.FinishedAt.Sub(*t.StartedAt)
}
