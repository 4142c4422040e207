package model_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/slok/conntask/internal/model"
)

func TestTaskInfoDuration(t *testing.T) {
	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(3 * time.Second)

	tests := map[string]struct {
		info   model.TaskInfo
		expDur time.Duration
	}{
		"A task that didn't start should have no duration.": {
			info:   model.TaskInfo{},
			expDur: 0,
		},

		"A running task should have no duration.": {
			info:   model.TaskInfo{StartedAt: &start},
			expDur: 0,
		},

		"A finished task should have the duration between start and finish.": {
			info:   model.TaskInfo{StartedAt: &start, FinishedAt: &end},
			expDur: 3 * time.Second,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.expDur, test.info.Duration())
		})
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.False(t, model.TaskStatusQueued.Terminal())
	assert.False(t, model.TaskStatusRunning.Terminal())
	assert.True(t, model.TaskStatusSucceeded.Terminal())
	assert.True(t, model.TaskStatusFailed.Terminal())
}

func TestOperationError(t *testing.T) {
	assert := assert.New(t)

	cause := errors.New("disk full")
	var err error = &model.OperationError{TaskID: 7, Protocol: "SFTP", Err: cause}
	wrapped := fmt.Errorf("upload: %w", err)

	assert.Equal("SFTP task 7 failed: disk full", err.Error())
	assert.ErrorIs(wrapped, cause)

	var opErr *model.OperationError
	assert.True(errors.As(wrapped, &opErr))
	assert.Equal(model.TaskID(7), opErr.TaskID)
}

func TestTaskErrorsWrapSentinels(t *testing.T) {
	assert.ErrorIs(t, model.ErrTaskNotFound, model.ErrNotFound)
	assert.ErrorIs(t, model.ErrDuplicateTask, model.ErrAlreadyExists)
}
