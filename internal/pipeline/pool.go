package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

// pool is a fixed-size goroutine pool with a bounded input queue. Work
// handed to it has already been acknowledged upstream, so a failure can
// only be logged.
type pool[T any] struct {
	name    string
	queue   chan T
	process func(ctx context.Context, t T) error
	wg      sync.WaitGroup
	once    sync.Once
}

// newPool creates and starts a pool with n goroutines and queue capacity capacity.
func newPool[T any](ctx context.Context, name string, n, capacity int, fn func(context.Context, T) error) *pool[T] {
	if n < 1 {
		n = 1
	}
	if capacity < 1 {
		capacity = 1
	}
	p := &pool[T]{
		name:    name,
		queue:   make(chan T, capacity),
		process: fn,
	}
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
	return p
}

func (p *pool[T]) run(ctx context.Context) {
	for {
		select {
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			if err := p.safeProcess(ctx, t); err != nil {
				slog.Error("background job failed", "pool", p.name, "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *pool[T]) safeProcess(ctx context.Context, t T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return p.process(ctx, t)
}

// Submit enqueues a job without blocking (returns false if full).
func (p *pool[T]) Submit(t T) (ok bool) {
	defer func() {
		// Submit after Drain.
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case p.queue <- t:
		return true
	default:
		return false
	}
}

// Drain closes the queue and waits for all workers to finish.
func (p *pool[T]) Drain() {
	p.once.Do(func() { close(p.queue) })
	p.wg.Wait()
}

// QueueLen returns how many jobs are currently queued.
func (p *pool[T]) QueueLen() int {
	return len(p.queue)
}

// QueueCap returns the total queue capacity.
func (p *pool[T]) QueueCap() int {
	return cap(p.queue)
}
