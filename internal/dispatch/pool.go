// Package dispatch runs engine operations off the caller's goroutine on a
// bounded pool and hands results back through futures.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultWorkers is the pool size used when NewPool is given zero.
const DefaultWorkers = 8

// ErrPoolClosed is returned by futures submitted after Close.
var ErrPoolClosed = errors.New("dispatch pool closed")

// Pool runs at most a fixed number of tasks concurrently. Submitting never
// blocks the caller; excess tasks wait for a free slot.
type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool with the given number of workers.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go schedules fn. It reports false when the pool is closed or is closed
// before fn gets a slot, in which case fn never runs.
func (p *Pool) Go(fn func(ctx context.Context)) bool {
	return p.goWithFallback(fn, nil)
}

func (p *Pool) goWithFallback(fn func(ctx context.Context), dropped func()) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			if dropped != nil {
				dropped()
			}
			return
		}
		defer p.sem.Release(1)
		if p.ctx.Err() != nil {
			if dropped != nil {
				dropped()
			}
			return
		}
		fn(p.ctx)
	}()
	return true
}

// Close rejects new tasks, cancels the context of running ones and waits
// for them to return.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// Submit runs fn on p and returns a future for its result. A panic in fn
// completes the future with an error instead of crashing the host.
func Submit[T any](p *Pool, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	var zero T

	run := func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Task panicked", "panic", r, "stack", string(debug.Stack()))
				f.complete(zero, fmt.Errorf("task panicked: %v", r))
			}
		}()
		v, err := fn(ctx)
		f.complete(v, err)
	}
	dropped := func() { f.complete(zero, ErrPoolClosed) }

	if !p.goWithFallback(run, dropped) {
		dropped()
	}
	return f
}
