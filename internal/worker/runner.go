// Package worker runs detached background tasks with bounded concurrency.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned by Submit after Shutdown has started.
var ErrClosed = errors.New("worker: runner closed")

// Runner executes tasks detached from the submitting request. At most
// concurrency tasks run at once; each gets its own timeout.
type Runner struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Runner)

func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

func New(concurrency int, timeout time.Duration, opts ...Option) *Runner {
	if concurrency <= 0 {
		concurrency = 1
	}
	base, cancel := context.WithCancel(context.Background())
	r := &Runner{
		sem:     semaphore.NewWeighted(int64(concurrency)),
		timeout: timeout,
		logger:  slog.Default(),
		base:    base,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Submit schedules task and returns immediately. name is used in logs. The
// task's error is logged, never returned to the submitter.
func (r *Runner) Submit(name string, task func(ctx context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.wg.Add(1)
	go r.run(name, task)
	return nil
}

func (r *Runner) run(name string, task func(ctx context.Context) error) {
	defer r.wg.Done()
	if err := r.sem.Acquire(r.base, 1); err != nil {
		r.logger.Warn("worker: task dropped", "task", name, "err", err)
		return
	}
	defer r.sem.Release(1)

	ctx := r.base
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("worker: task panicked", "task", name, "panic", p)
		}
	}()
	if err := task(ctx); err != nil {
		r.logger.Error("worker: task failed", "task", name, "elapsed", time.Since(start), "err", err)
		return
	}
	r.logger.Info("worker: task finished", "task", name, "elapsed", time.Since(start))
}

// Wait blocks until every submitted task has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Shutdown stops accepting tasks and waits for running ones. If ctx expires
// first, outstanding tasks are canceled and ctx's error is returned.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}
