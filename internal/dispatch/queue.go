// Package dispatch serializes every call to the external gamification
// service through one FIFO queue with a minimum spacing between call
// starts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/gyaneshwarpardhi/xpflow/internal/metrics"
)

// ErrClosed is returned when enqueueing on a closed queue.
var ErrClosed = errors.New("dispatch: queue closed")

// Task is one deferred external call.
type Task struct {
	Label string            // short description for logs
	Attrs map[string]string // recorded with failures
	Run   func(ctx context.Context) (any, error)
}

// Result is delivered on a Ticket once its task has finished.
type Result struct {
	Value     any
	Err       error
	Attempts  int
	StartedAt time.Time // start of the first attempt
}

// Ticket tracks one enqueued task.
type Ticket struct {
	Seq  uint64
	done chan Result
}

// Done is closed over exactly one Result.
func (t *Ticket) Done() <-chan Result { return t.done }

// Wait blocks until the task finished or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-t.done:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Options configures a Queue.
type Options struct {
	MinInterval time.Duration // between the starts of consecutive attempts
	Depth       int           // buffered tasks before Enqueue blocks
	MaxAttempts int           // attempts per task, at least 1
	DeadLetter  *DeadLetter   // optional sink for tasks that never succeeded
}

type item struct {
	ticket  *Ticket
	task    Task
	barrier chan struct{}
}

// Queue runs tasks one at a time in submission order.
type Queue struct {
	opts Options
	ctx  context.Context

	mu     sync.Mutex // orders Enqueue and guards seq and closed
	seq    uint64
	closed bool

	items   chan item
	done    chan struct{}
	abandon atomic.Bool
	limiter *rate.Limiter // one token per MinInterval, burst 1
}

type startKey struct{}

// StartedAt returns the start time the queue recorded for the attempt that
// ctx belongs to. Spacing is guaranteed between these timestamps.
func StartedAt(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(startKey{}).(time.Time)
	return t, ok
}

// New starts the worker.
func New(opts Options) *Queue {
	if opts.Depth <= 0 {
		opts.Depth = 1024
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	limit := rate.Inf
	if opts.MinInterval > 0 {
		limit = rate.Every(opts.MinInterval)
	}
	q := &Queue{
		opts:    opts,
		ctx:     context.Background(),
		items:   make(chan item, opts.Depth),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(limit, 1),
	}
	go q.run()
	return q
}

// Enqueue appends t to the tail. It blocks while the buffer is full.
func (q *Queue) Enqueue(ctx context.Context, t Task) (*Ticket, error) {
	if t.Run == nil {
		return nil, fmt.Errorf("dispatch: task %q has no Run func", t.Label)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrClosed
	}
	tk := &Ticket{Seq: q.seq + 1, done: make(chan Result, 1)}
	select {
	case q.items <- item{ticket: tk, task: t}:
		q.seq++
		metrics.DispatchQueueDepth.Set(float64(len(q.items)))
		return tk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit enqueues t without waiting for its result. Enqueue failures are
// logged and reported as a nil Ticket.
func (q *Queue) Submit(ctx context.Context, t Task) *Ticket {
	tk, err := q.Enqueue(ctx, t)
	if err != nil {
		slog.Error("dispatch enqueue failed", "task", t.Label, "err", err)
		return nil
	}
	return tk
}

// SafeDispatch enqueues t and waits for it. Any failure is logged and
// turned into a nil result so callers can carry on.
func (q *Queue) SafeDispatch(ctx context.Context, t Task) any {
	tk := q.Submit(ctx, t)
	if tk == nil {
		return nil
	}
	res, err := tk.Wait(ctx)
	if err != nil || res.Err != nil {
		return nil
	}
	return res.Value
}

// Flush waits until every task enqueued before the call has finished.
func (q *Queue) Flush(ctx context.Context) error {
	barrier := make(chan struct{})
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	select {
	case q.items <- item{barrier: barrier}:
	case <-ctx.Done():
		q.mu.Unlock()
		return ctx.Err()
	}
	q.mu.Unlock()

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Utilization returns queued tasks / capacity (0–1).
func (q *Queue) Utilization() float64 {
	return float64(len(q.items)) / float64(cap(q.items))
}

// Close stops accepting tasks and waits for the backlog to drain. If ctx
// ends first, tasks not yet started are dead-lettered instead of run.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.items)
	}
	q.mu.Unlock()

	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		q.abandon.Store(true)
		<-q.done
		return ctx.Err()
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for it := range q.items {
		metrics.DispatchQueueDepth.Set(float64(len(q.items)))
		if it.barrier != nil {
			close(it.barrier)
			continue
		}
		if q.abandon.Load() {
			err := fmt.Errorf("%w before task started", ErrClosed)
			q.deadLetter(it, 0, err)
			it.ticket.done <- Result{Err: err}
			continue
		}
		it.ticket.done <- q.execute(it)
	}
}

func (q *Queue) execute(it item) Result {
	var res Result
	for attempt := 1; ; attempt++ {
		start := q.pace()
		if attempt == 1 {
			res.StartedAt = start
		}
		v, err := q.call(context.WithValue(q.ctx, startKey{}, start), it.task)
		metrics.DispatchDuration.Observe(float64(time.Since(start).Milliseconds()))
		res.Attempts = attempt
		if err == nil {
			metrics.DispatchCalls.WithLabelValues("success").Inc()
			res.Value = v
			return res
		}
		if attempt >= q.opts.MaxAttempts {
			metrics.DispatchCalls.WithLabelValues("error").Inc()
			slog.Error("dispatch task failed",
				"seq", it.ticket.Seq, "task", it.task.Label, "attempts", attempt, "err", err)
			q.deadLetter(it, attempt, err)
			res.Err = err
			return res
		}
		metrics.DispatchCalls.WithLabelValues("retry").Inc()
		slog.Warn("dispatch task failed, retrying",
			"seq", it.ticket.Seq, "task", it.task.Label, "attempt", attempt, "err", err)
	}
}

// pace waits for the limiter and returns the attempt's start time.
func (q *Queue) pace() time.Time {
	if err := q.limiter.Wait(q.ctx); err != nil {
		slog.Warn("dispatch pacing wait failed", "err", err)
	}
	return time.Now()
}

func (q *Queue) call(ctx context.Context, t Task) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: task %q panicked: %v", t.Label, r)
		}
	}()
	return t.Run(ctx)
}

func (q *Queue) deadLetter(it item, attempts int, cause error) {
	if q.opts.DeadLetter == nil {
		return
	}
	err := q.opts.DeadLetter.Write(DeadLetterEntry{
		At:       time.Now(),
		Seq:      it.ticket.Seq,
		Label:    it.task.Label,
		Attrs:    it.task.Attrs,
		Attempts: attempts,
		Error:    cause.Error(),
	})
	if err != nil {
		slog.Error("dead letter write failed", "task", it.task.Label, "err", err)
	}
}
