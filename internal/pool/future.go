package pool

import "context"

// Future is the handle of a submitted work.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// complete must be called only once.
func (f *Future[T]) complete(v T, err error) {
	f.value = v
	f.err = err
	close(f.done)
}

// Done is closed when the work has finished.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Wait blocks until the work finishes or the context is done.
// A context error doesn't affect the work, it keeps running.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// TryGet returns the result without blocking, done is false while the work is still running.
func (f *Future[T]) TryGet() (value T, done bool, err error) {
	select {
	case <-f.done:
		return f.value, true, f.err
	default:
		var zero T
		return zero, false, nil
	}
}

// Completed returns an already finished future, useful when there is nothing to run.
func Completed[T any](v T, err error) *Future[T] {
	f := newFuture[T]()
	f.complete(v, err)
	return f
}
