// Package dispatch runs connection operations on the worker pool as tracked tasks.
//
// Every submitted operation gets a task ID and a record in the task registry.
// Callers can either poll the registry with the ID or wait on the returned
// handle. Failures are always recorded in the registry and are surfaced
// through the handle too, except for void operations when the dispatcher is
// configured with AbsorbVoidErrors.
//
// Registration timing depends on Config.Registration:
//
//   - RegisterOnSubmit (default): the task is registered on the caller goroutine
//     before it is queued, so it is visible as soon as Submit returns.
//   - RegisterOnExecute: the task ID is assigned and the task registered when a
//     worker starts running it. A queued task is not visible until then, and a
//     task the pool never runs is never registered.
//
// In both modes registration happens before the operation starts. Running
// operations can't be cancelled by the dispatcher.
package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/slok/conntask/internal/log"
	"github.com/slok/conntask/internal/model"
	"github.com/slok/conntask/internal/pool"
	"github.com/slok/conntask/internal/registry"
	"github.com/slok/conntask/internal/storage"
	"github.com/slok/conntask/internal/transport"
)

// Registration is the moment a task is registered.
type Registration int

const (
	RegisterOnSubmit Registration = iota
	RegisterOnExecute
)

func (r Registration) String() string {
	switch r {
	case RegisterOnSubmit:
		return "submit"
	case RegisterOnExecute:
		return "execute"
	}
	return fmt.Sprintf("unknown(%d)", int(r))
}

// Config is the configuration of the dispatcher.
type Config struct {
	// Pool runs the operations.
	Pool *pool.Pool
	// Registry tracks the tasks (default: registry.Default()).
	Registry *registry.Registry
	// History is optional, when set every task transition is saved on it.
	History      storage.TaskRepository
	Registration Registration
	// AbsorbVoidErrors makes failures of operations without result visible
	// only on the registry, their handles complete without error.
	AbsorbVoidErrors bool
	Logger           log.Logger
}

func (c *Config) defaults() error {
	if c.Pool == nil {
		return fmt.Errorf("pool is required")
	}
	if c.Registry == nil {
		c.Registry = registry.Default()
	}
	if c.Registration != RegisterOnSubmit && c.Registration != RegisterOnExecute {
		return fmt.Errorf("unknown registration mode: %s", c.Registration)
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "dispatch.Dispatcher"})
	return nil
}

// Dispatcher submits connection operations to the worker pool as tasks.
type Dispatcher struct {
	pool             *pool.Pool
	registry         *registry.Registry
	history          storage.TaskRepository
	registration     Registration
	absorbVoidErrors bool
	logger           log.Logger
}

// New returns a new dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Dispatcher{
		pool:             cfg.Pool,
		registry:         cfg.Registry,
		history:          cfg.History,
		registration:     cfg.Registration,
		absorbVoidErrors: cfg.AbsorbVoidErrors,
		logger:           cfg.Logger,
	}, nil
}

// Registry returns the registry where the dispatched tasks are tracked.
func (d *Dispatcher) Registry() *registry.Registry { return d.registry }

// Handle is the future of a dispatched operation that also knows its task ID.
type Handle[T any] struct {
	*pool.Future[T]
	idReady chan struct{}
	id      model.TaskID
}

func (h *Handle[T]) setID(id model.TaskID) {
	h.id = id
	close(h.idReady)
}

// TaskID returns the ID of the task. With execution time registration it
// blocks until a worker picks the task. Tasks that finished without being
// registered return model.ErrTaskNotFound.
func (h *Handle[T]) TaskID(ctx context.Context) (model.TaskID, error) {
	select {
	case <-h.idReady:
		return h.id, nil
	case <-h.Done():
		select {
		case <-h.idReady:
			return h.id, nil
		default:
			return 0, fmt.Errorf("task was never registered: %w", model.ErrTaskNotFound)
		}
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Submit dispatches an operation with a result. If it fails, the handle
// returns a *model.OperationError wrapping the operation error.
func Submit[T any](ctx context.Context, d *Dispatcher, conn transport.Connection, op func(ctx context.Context) (T, error)) *Handle[T] {
	return submit(ctx, d, conn, op, true)
}

// SubmitVoid dispatches an operation without result.
func SubmitVoid(ctx context.Context, d *Dispatcher, conn transport.Connection, op func(ctx context.Context) error) *Handle[struct{}] {
	return submit(ctx, d, conn, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, false)
}

func submit[T any](ctx context.Context, d *Dispatcher, conn transport.Connection, op func(ctx context.Context) (T, error), hasResult bool) *Handle[T] {
	protocol := conn.ProtocolName()
	h := &Handle[T]{idReady: make(chan struct{})}

	if d.registration == RegisterOnSubmit {
		id, err := d.register(ctx, protocol)
		if err != nil {
			var zero T
			h.Future = pool.Completed(zero, err)
			return h
		}
		h.setID(id)
	}

	var started atomic.Bool
	h.Future = pool.Submit(ctx, d.pool, func(ctx context.Context) (T, error) {
		started.Store(true)

		id := h.id
		if d.registration == RegisterOnExecute {
			var err error
			id, err = d.register(ctx, protocol)
			if err != nil {
				var zero T
				return zero, err
			}
			h.setID(id)
		}

		return execute(ctx, d, id, protocol, op, hasResult)
	})

	// The pool rejected the task (e.g. stopped), it will never run so a
	// registered record needs to be finished here.
	if _, done, err := h.Future.TryGet(); done && !started.Load() && d.registration == RegisterOnSubmit {
		d.logger.Warningf("Task %d was rejected by the pool: %s", h.id, err)
		d.finish(ctx, h.id, err)
	}

	return h
}

func (d *Dispatcher) register(ctx context.Context, protocol string) (model.TaskID, error) {
	id := d.registry.AllocateID()
	if err := d.registry.Register(id, protocol); err != nil {
		d.logger.Errorf("Could not register task: %s", err)
		return 0, fmt.Errorf("could not register task: %w", err)
	}
	d.save(ctx, id)

	return id, nil
}

func execute[T any](ctx context.Context, d *Dispatcher, id model.TaskID, protocol string, op func(ctx context.Context) (T, error), hasResult bool) (T, error) {
	logger := d.logger.WithValues(log.Kv{"task-id": id, "protocol": protocol})

	d.registry.MarkRunning(id)
	d.save(ctx, id)
	logger.Debugf("Task started")

	v, err := runOp(ctx, op)
	d.finish(ctx, id, err)
	if err != nil {
		logger.Warningf("Task failed: %s", err)

		var zero T
		if !hasResult && d.absorbVoidErrors {
			return zero, nil
		}
		return zero, &model.OperationError{TaskID: id, Protocol: protocol, Err: err}
	}

	logger.Debugf("Task succeeded")
	return v, nil
}

// finish records the final state of a task, err is nil on success.
func (d *Dispatcher) finish(ctx context.Context, id model.TaskID, err error) {
	if err != nil {
		d.registry.RecordError(id, err.Error())
	}
	d.registry.MarkCompleted(id)
	d.save(ctx, id)
}

// runOp recovers operation panics so they end on the registry like any other failure.
func runOp[T any](ctx context.Context, op func(ctx context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v, err = zero, fmt.Errorf("%w: %v", pool.ErrPanic, r)
		}
	}()

	return op(ctx)
}

// save mirrors the task record on the history, errors are only logged.
func (d *Dispatcher) save(ctx context.Context, id model.TaskID) {
	if d.history == nil {
		return
	}

	info, ok := d.registry.TaskInfo(id)
	if !ok {
		return
	}

	if err := d.history.SaveTask(context.WithoutCancel(ctx), info); err != nil {
		d.logger.Errorf("Could not save task %d on history: %s", id, err)
	}
}
