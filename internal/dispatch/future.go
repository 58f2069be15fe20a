package dispatch

import (
	"context"
	"sync"
)

// Future is the result of an asynchronous operation. It completes exactly once.
type Future[T any] struct {
	done chan struct{}

	mu        sync.Mutex
	completed bool
	value     T
	err       error
	callbacks []func(T, error)
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns an already completed future.
func Resolved[T any](v T, err error) *Future[T] {
	f := newFuture[T]()
	f.complete(v, err)
	return f
}

// complete stores the result and runs the registered callbacks on the
// calling goroutine. Later calls are ignored.
func (f *Future[T]) complete(v T, err error) {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return
	}
	f.completed = true
	f.value = v
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(v, err)
	}
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the result is available or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers cb to receive the result. Each callback is invoked
// exactly once, from the completing goroutine, or from a new goroutine when
// the future has already completed.
func (f *Future[T]) OnComplete(cb func(T, error)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	v, err := f.value, f.err
	f.mu.Unlock()

	go cb(v, err)
}
