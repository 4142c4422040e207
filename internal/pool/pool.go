// Package pool implements a fixed size worker pool that runs submitted work
// on its own goroutines and hands back a future for the result.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/slok/conntask/internal/log"
)

var (
	// ErrPoolStopped is returned by futures of work submitted to a stopped pool.
	ErrPoolStopped = errors.New("worker pool is stopped")
	// ErrPanic is returned by futures of work that panicked.
	ErrPanic = errors.New("work panicked")
)

// Config is the configuration of the worker pool.
type Config struct {
	// Workers is the number of concurrent workers (default: number of CPUs).
	Workers int
	// QueueSize is the number of queued works before Submit blocks (default: Workers*10).
	QueueSize int
	Logger    log.Logger
}

func (c *Config) defaults() error {
	if c.Workers < 0 {
		return fmt.Errorf("workers can't be negative")
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue size can't be negative")
	}
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.QueueSize == 0 {
		c.QueueSize = c.Workers * 10
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "pool.Pool"})
	return nil
}

// Pool runs works on a fixed set of worker goroutines.
type Pool struct {
	queue   chan func()
	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
	logger  log.Logger
}

// New creates a pool and starts its workers.
func New(cfg Config) (*Pool, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	p := &Pool{
		queue:  make(chan func(), cfg.QueueSize),
		logger: cfg.Logger,
	}

	for i := range cfg.Workers {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Debugf("Started %d workers", cfg.Workers)

	return p, nil
}

// Stop stops accepting work and waits until all the queued work has finished.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Debugf("Worker pool stopped")
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for job := range p.queue {
		job()
	}
	p.logger.Debugf("Worker %d stopped", id)
}

// enqueue blocks until there is room on the queue or the context is done.
func (p *Pool) enqueue(ctx context.Context, job func()) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.queue <- job:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("could not queue work: %w", ctx.Err())
	}
}

// Submit queues work on the pool and returns the future of its result.
// Work panics are recovered and returned as ErrPanic errors.
func Submit[T any](ctx context.Context, p *Pool, work func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()

	job := func() {
		v, err := run(ctx, work)
		f.complete(v, err)
	}

	if err := p.enqueue(ctx, job); err != nil {
		var zero T
		f.complete(zero, err)
	}

	return f
}

// Go is like Submit for work that doesn't return a value.
func Go(ctx context.Context, p *Pool, work func(ctx context.Context) error) *Future[struct{}] {
	return Submit(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, work(ctx)
	})
}

func run[T any](ctx context.Context, work func(ctx context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v, err = zero, fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	return work(ctx)
}
