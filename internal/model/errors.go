package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a resource is not found.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a resource already exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when a resource is not valid.
	ErrNotValid = errors.New("not valid")

	// ErrTaskNotFound is returned by strict task lookups on an unknown id.
	ErrTaskNotFound = fmt.Errorf("task %w", ErrNotFound)
	// ErrDuplicateTask is returned when a task id is registered twice.
	ErrDuplicateTask = fmt.Errorf("task %w", ErrAlreadyExists)
)

// OperationError is the failure of a dispatched operation as seen through its handle.
// The registry only keeps the message, the original error stays reachable here.
type OperationError struct {
	TaskID   TaskID
	Protocol string
	Err      error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s task %d failed: %s", e.Protocol, e.TaskID, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }
