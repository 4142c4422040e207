package dispatch_test

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/slok/conntask/internal/dispatch"
	"github.com/slok/conntask/internal/log"
	"github.com/slok/conntask/internal/model"
	"github.com/slok/conntask/internal/pool"
	"github.com/slok/conntask/internal/registry"
	"github.com/slok/conntask/internal/storage/memory"
	"github.com/slok/conntask/internal/storage/storagemock"
	"github.com/slok/conntask/internal/transport/fake"
)

type testEnv struct {
	pool       *pool.Pool
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	conn       *fake.Connection
}

func newTestEnv(t *testing.T, workers int, cfg dispatch.Config) testEnv {
	t.Helper()

	p, err := pool.New(pool.Config{Workers: workers, QueueSize: 200})
	require.NoError(t, err)
	t.Cleanup(p.Stop)

	reg, err := registry.New(registry.Config{})
	require.NoError(t, err)

	cfg.Pool = p
	cfg.Registry = reg
	cfg.Logger = log.Noop
	d, err := dispatch.New(cfg)
	require.NoError(t, err)

	conn, err := fake.NewConnection(fake.ConnectionConfig{Protocol: "SFTP"})
	require.NoError(t, err)

	return testEnv{pool: p, registry: reg, dispatcher: d, conn: conn}
}

func TestNewInvalidConfig(t *testing.T) {
	tests := map[string]struct {
		cfg func(p *pool.Pool) dispatch.Config
	}{
		"Missing pool should fail.": {
			cfg: func(p *pool.Pool) dispatch.Config { return dispatch.Config{} },
		},

		"Unknown registration mode should fail.": {
			cfg: func(p *pool.Pool) dispatch.Config {
				return dispatch.Config{Pool: p, Registration: dispatch.Registration(99)}
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			p, err := pool.New(pool.Config{Workers: 1})
			require.NoError(t, err)
			defer p.Stop()

			_, err = dispatch.New(test.cfg(p))
			assert.Error(t, err)
		})
	}
}

func TestNewUsesDefaultRegistry(t *testing.T) {
	p, err := pool.New(pool.Config{Workers: 1})
	require.NoError(t, err)
	defer p.Stop()

	d, err := dispatch.New(dispatch.Config{Pool: p})
	require.NoError(t, err)
	assert.Same(t, registry.Default(), d.Registry())
}

var registrations = map[string]dispatch.Registration{
	"submit":  dispatch.RegisterOnSubmit,
	"execute": dispatch.RegisterOnExecute,
}

func TestSubmitWithResult(t *testing.T) {
	errDiskFull := errors.New("disk full")

	tests := map[string]struct {
		op        func(ctx context.Context) (int, error)
		expValue  int
		expErr    error
		expErrMsg *string
		expStatus model.TaskStatus
	}{
		"A successful operation should return its value and complete without error.": {
			op:        func(ctx context.Context) (int, error) { return 42, nil },
			expValue:  42,
			expStatus: model.TaskStatusSucceeded,
		},

		"A failed operation should record the error and surface it on the handle.": {
			op:        func(ctx context.Context) (int, error) { return 0, errDiskFull },
			expErr:    errDiskFull,
			expErrMsg: ptr("disk full"),
			expStatus: model.TaskStatusFailed,
		},

		"A panicking operation should be recorded as a failure.": {
			op:        func(ctx context.Context) (int, error) { panic("boom") },
			expErr:    pool.ErrPanic,
			expErrMsg: ptr("work panicked: boom"),
			expStatus: model.TaskStatusFailed,
		},
	}

	for regName, reg := range registrations {
		for name, test := range tests {
			t.Run(regName+"/"+name, func(t *testing.T) {
				assert := assert.New(t)
				require := require.New(t)

				env := newTestEnv(t, 2, dispatch.Config{Registration: reg})
				h := dispatch.Submit(context.Background(), env.dispatcher, env.conn, test.op)

				v, err := h.Wait(context.Background())
				id, idErr := h.TaskID(context.Background())
				require.NoError(idErr)

				if test.expErr != nil {
					assert.ErrorIs(err, test.expErr)
					var opErr *model.OperationError
					require.True(errors.As(err, &opErr))
					assert.Equal(id, opErr.TaskID)
					assert.Equal("SFTP", opErr.Protocol)
				} else if assert.NoError(err) {
					assert.Equal(test.expValue, v)
				}

				completed, err := env.registry.IsCompleted(id)
				require.NoError(err)
				assert.True(completed)

				msg, err := env.registry.ErrorMessage(id)
				require.NoError(err)
				assert.Equal(test.expErrMsg, msg)

				info, ok := env.registry.TaskInfo(id)
				require.True(ok)
				assert.Equal("SFTP", info.Protocol)
				assert.Equal(test.expStatus, info.Status)
			})
		}
	}
}

func TestSubmitVoidFailure(t *testing.T) {
	errDiskFull := errors.New("disk full")

	tests := map[string]struct {
		absorb    bool
		expHandle error
	}{
		"A failed void operation should surface the error on the handle by default.": {
			absorb:    false,
			expHandle: errDiskFull,
		},

		"A failed void operation should only be on the registry when errors are absorbed.": {
			absorb:    true,
			expHandle: nil,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			env := newTestEnv(t, 1, dispatch.Config{AbsorbVoidErrors: test.absorb})
			h := dispatch.SubmitVoid(context.Background(), env.dispatcher, env.conn, func(ctx context.Context) error {
				return errDiskFull
			})

			_, err := h.Wait(context.Background())
			if test.expHandle != nil {
				assert.ErrorIs(err, test.expHandle)
			} else {
				assert.NoError(err)
			}

			id, err := h.TaskID(context.Background())
			require.NoError(err)

			completed, err := env.registry.IsCompleted(id)
			require.NoError(err)
			assert.True(completed)

			msg, err := env.registry.ErrorMessage(id)
			require.NoError(err)
			require.NotNil(msg)
			assert.Equal("disk full", *msg)
		})
	}
}

func TestAbsorbVoidErrorsDoesNotAffectResultOperations(t *testing.T) {
	env := newTestEnv(t, 1, dispatch.Config{AbsorbVoidErrors: true})
	h := dispatch.Submit(context.Background(), env.dispatcher, env.conn, func(ctx context.Context) (string, error) {
		return "", errors.New("disk full")
	})

	_, err := h.Wait(context.Background())
	assert.Error(t, err)
}

func TestManyConcurrentOperations(t *testing.T) {
	for regName, reg := range registrations {
		t.Run(regName, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			env := newTestEnv(t, 8, dispatch.Config{Registration: reg})

			const n = 100
			handles := make([]*dispatch.Handle[struct{}], n)
			var mu sync.Mutex
			var wg sync.WaitGroup
			for i := range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					h := dispatch.SubmitVoid(context.Background(), env.dispatcher, env.conn, func(ctx context.Context) error {
						time.Sleep(time.Duration(rand.IntN(5)) * time.Millisecond)
						return nil
					})
					mu.Lock()
					handles[i] = h
					mu.Unlock()
				}()
			}
			wg.Wait()

			ids := map[model.TaskID]bool{}
			for _, h := range handles {
				_, err := h.Wait(context.Background())
				require.NoError(err)

				id, err := h.TaskID(context.Background())
				require.NoError(err)
				ids[id] = true
			}
			assert.Len(ids, n)

			for id := range ids {
				completed, err := env.registry.IsCompleted(id)
				require.NoError(err)
				assert.True(completed)

				msg, err := env.registry.ErrorMessage(id)
				require.NoError(err)
				assert.Nil(msg)
			}
		})
	}
}

func TestRegistrationOnSubmitIsVisibleBeforeExecution(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	env := newTestEnv(t, 1, dispatch.Config{Registration: dispatch.RegisterOnSubmit})

	release := make(chan struct{})
	blocker := dispatch.SubmitVoid(context.Background(), env.dispatcher, env.conn, func(ctx context.Context) error {
		<-release
		return nil
	})
	queued := dispatch.SubmitVoid(context.Background(), env.dispatcher, env.conn, func(ctx context.Context) error { return nil })

	id, err := queued.TaskID(context.Background())
	require.NoError(err)
	info, ok := env.registry.TaskInfo(id)
	require.True(ok)
	assert.False(info.Completed)
	assert.Equal(model.TaskStatusQueued, info.Status)

	close(release)
	_, err = blocker.Wait(context.Background())
	require.NoError(err)
	_, err = queued.Wait(context.Background())
	require.NoError(err)

	completed, err := env.registry.IsCompleted(id)
	require.NoError(err)
	assert.True(completed)
}

func TestRegistrationOnExecuteIsNotVisibleWhileQueued(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	env := newTestEnv(t, 1, dispatch.Config{Registration: dispatch.RegisterOnExecute})

	release := make(chan struct{})
	started := make(chan struct{})
	blocker := dispatch.SubmitVoid(context.Background(), env.dispatcher, env.conn, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	queued := dispatch.SubmitVoid(context.Background(), env.dispatcher, env.conn, func(ctx context.Context) error { return nil })

	blockerID, err := blocker.TaskID(context.Background())
	require.NoError(err)
	info, ok := env.registry.TaskInfo(blockerID)
	require.True(ok)
	assert.Equal(model.TaskStatusRunning, info.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = queued.TaskID(ctx)
	assert.ErrorIs(err, context.DeadlineExceeded)
	assert.Len(env.registry.List(), 1)

	close(release)
	_, err = queued.Wait(context.Background())
	require.NoError(err)
	id, err := queued.TaskID(context.Background())
	require.NoError(err)
	assert.NotEqual(blockerID, id)
}

func TestSubmitOnStoppedPool(t *testing.T) {
	tests := map[string]struct {
		registration dispatch.Registration
		expTaskIDErr error
	}{
		"With submit registration the task should be registered as failed.": {
			registration: dispatch.RegisterOnSubmit,
		},

		"With execute registration the task should never be registered.": {
			registration: dispatch.RegisterOnExecute,
			expTaskIDErr: model.ErrTaskNotFound,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			env := newTestEnv(t, 1, dispatch.Config{Registration: test.registration})
			env.pool.Stop()

			h := dispatch.SubmitVoid(context.Background(), env.dispatcher, env.conn, func(ctx context.Context) error { return nil })
			_, err := h.Wait(context.Background())
			assert.ErrorIs(err, pool.ErrPoolStopped)

			id, err := h.TaskID(context.Background())
			if test.expTaskIDErr != nil {
				assert.ErrorIs(err, test.expTaskIDErr)
				assert.Empty(env.registry.List())
				return
			}
			require.NoError(err)

			info, err := env.registry.Get(id)
			require.NoError(err)
			assert.True(info.Completed)
			assert.Equal(model.TaskStatusFailed, info.Status)
			require.NotNil(info.ErrorMessage)
			assert.Contains(*info.ErrorMessage, "stopped")
		})
	}
}

func TestHistoryMirrorsTransitions(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	history, err := memory.NewTaskRepository(memory.TaskRepositoryConfig{})
	require.NoError(err)
	env := newTestEnv(t, 1, dispatch.Config{History: history})

	h := dispatch.SubmitVoid(context.Background(), env.dispatcher, env.conn, func(ctx context.Context) error {
		return errors.New("disk full")
	})
	_, _ = h.Wait(context.Background())
	id, err := h.TaskID(context.Background())
	require.NoError(err)

	got, err := history.GetTask(context.Background(), env.registry.RunID(), id)
	require.NoError(err)
	exp, ok := env.registry.TaskInfo(id)
	require.True(ok)
	assert.Equal(exp, *got)
}

func TestHistoryErrorsDontAffectTasks(t *testing.T) {
	history := storagemock.NewTaskRepository(t)
	history.On("SaveTask", mock.Anything, mock.Anything).Return(errors.New("whatever"))

	env := newTestEnv(t, 1, dispatch.Config{History: history})
	h := dispatch.Submit(context.Background(), env.dispatcher, env.conn, func(ctx context.Context) (string, error) {
		return "ok", nil
	})

	v, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", v)

	id, err := h.TaskID(context.Background())
	require.NoError(t, err)
	completed, err := env.registry.IsCompleted(id)
	require.NoError(t, err)
	assert.True(t, completed)

	// Registered, running and completed.
	history.AssertNumberOfCalls(t, "SaveTask", 3)
}

func TestRegistrationString(t *testing.T) {
	assert.Equal(t, "submit", dispatch.RegisterOnSubmit.String())
	assert.Equal(t, "execute", dispatch.RegisterOnExecute.String())
}

func ptr(s string) *string { return &s }
