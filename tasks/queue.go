// Package tasks runs fire-and-forget background work with bounded
// concurrency. Failed tasks are handed to a DeadLetter sink instead of
// being returned to the submitter.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shipitai/recall/metrics"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrClosed is returned by Submit after Close has been called.
	ErrClosed = errors.New("queue closed")
	// ErrFull is returned by Submit when MaxPending tasks are already
	// waiting or running.
	ErrFull = errors.New("queue full")
)

// Func is a unit of background work.
type Func func(ctx context.Context) error

// Queue runs submitted tasks on their own goroutines, at most Concurrency at
// a time and at most MaxPending admitted.
type Queue struct {
	sem        *semaphore.Weighted
	dead       DeadLetter
	logger     *slog.Logger
	timeout    time.Duration
	maxPending int

	base   context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	pending int
	wg      sync.WaitGroup
}

// Options configures a Queue.
type Options struct {
	Concurrency int64
	// TaskTimeout bounds a single task. Zero means no per-task limit.
	TaskTimeout time.Duration
	// MaxPending caps tasks waiting for a slot plus tasks running.
	// Defaults to 64 times Concurrency.
	MaxPending int
	DeadLetter DeadLetter
}

// NewQueue creates a queue. A nil DeadLetter logs failures only.
func NewQueue(opts Options, logger *slog.Logger) *Queue {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 64 * int(opts.Concurrency)
	}
	if opts.DeadLetter == nil {
		opts.DeadLetter = NewLogDeadLetter(logger)
	}
	base, cancel := context.WithCancel(context.Background())
	return &Queue{
		sem:        semaphore.NewWeighted(opts.Concurrency),
		dead:       opts.DeadLetter,
		logger:     logger,
		timeout:    opts.TaskTimeout,
		maxPending: opts.MaxPending,
		base:       base,
		cancel:     cancel,
	}
}

// Submit schedules fn under name and returns immediately. When the queue
// is full the task is dead-lettered and ErrFull is returned.
func (q *Queue) Submit(name string, fn Func) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if q.pending >= q.maxPending {
		q.mu.Unlock()
		q.fail(name, ErrFull)
		return ErrFull
	}
	q.pending++
	q.wg.Add(1)
	q.mu.Unlock()

	go q.run(name, fn)
	return nil
}

func (q *Queue) run(name string, fn Func) {
	defer q.wg.Done()
	defer func() {
		q.mu.Lock()
		q.pending--
		q.mu.Unlock()
	}()

	if err := q.sem.Acquire(q.base, 1); err != nil {
		q.fail(name, fmt.Errorf("not started: %w", err))
		return
	}
	defer q.sem.Release(1)

	ctx := q.base
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	if err := safeCall(ctx, fn); err != nil {
		q.fail(name, err)
	}
}

func safeCall(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (q *Queue) fail(name string, err error) {
	metrics.DeadLetteredTotal.WithLabelValues(name).Inc()
	letter := Letter{Task: name, Error: err.Error(), FailedAt: time.Now().UTC()}

	// The dead letter write must not depend on the (possibly cancelled) base context.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if derr := q.dead.Record(ctx, letter); derr != nil {
		q.logger.Error("failed to dead-letter task", "task", name, "task_error", err, "error", derr)
	}
}

// Close stops accepting tasks and waits for running ones. If ctx expires
// first, outstanding tasks are cancelled and ctx's error is returned.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
