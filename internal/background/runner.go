// Package background runs detached work that must complete after the
// request that scheduled it has returned.
package background

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vyrodovalexey/avakeys/internal/observability"
)

// Default runner settings.
const (
	DefaultMaxConcurrent = 256
	DefaultTaskTimeout   = 10 * time.Second
)

// Task results reported in metrics.
const (
	resultOK      = "ok"
	resultError   = "error"
	resultPanic   = "panic"
	resultTimeout = "timeout"
)

// ErrShutdownTimeout is returned by Shutdown when tasks are still running
// after the context expires.
var ErrShutdownTimeout = errors.New("background tasks did not finish before shutdown deadline")

// Task is a unit of detached work. The context it receives carries the
// values of the scheduling context but not its cancellation.
type Task func(ctx context.Context) error

// Scheduler is the interface consumed by components that schedule detached work.
type Scheduler interface {
	Go(ctx context.Context, name string, task Task)
}

// Runner executes tasks on their own goroutines with bounded parallelism.
// Tasks are never dropped: when the concurrency limit is reached they wait
// for a slot, and after Shutdown has begun they run inline on the caller.
type Runner struct {
	logger  observability.Logger
	sem     *semaphore.Weighted
	timeout time.Duration

	mu       sync.Mutex
	inflight int
	idle     chan struct{}
	closed   bool
}

var _ Scheduler = (*Runner)(nil)

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger used for task failures.
func WithLogger(logger observability.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithMaxConcurrent bounds the number of tasks executing at once.
func WithMaxConcurrent(n int64) Option {
	return func(r *Runner) {
		if n > 0 {
			r.sem = semaphore.NewWeighted(n)
		}
	}
}

// WithTaskTimeout bounds the run time of a single task.
func WithTaskTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// NewRunner creates a Runner.
func NewRunner(opts ...Option) *Runner {
	r := &Runner{
		logger:  observability.NopLogger(),
		sem:     semaphore.NewWeighted(DefaultMaxConcurrent),
		timeout: DefaultTaskTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Go schedules task. It returns immediately unless the runner is shutting
// down, in which case the task runs to completion before Go returns.
func (r *Runner) Go(ctx context.Context, name string, task Task) {
	if ctx == nil {
		ctx = context.Background()
	}
	detached := context.WithoutCancel(ctx)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.run(detached, name, task)
		return
	}
	if r.inflight == 0 {
		r.idle = make(chan struct{})
	}
	r.inflight++
	r.mu.Unlock()

	getMetrics().inflight.Inc()

	go func() {
		defer r.done()
		// acquiring with a context that is never cancelled cannot fail
		_ = r.sem.Acquire(context.Background(), 1)
		defer r.sem.Release(1)
		r.run(detached, name, task)
	}()
}

func (r *Runner) done() {
	getMetrics().inflight.Dec()

	r.mu.Lock()
	r.inflight--
	if r.inflight == 0 {
		close(r.idle)
	}
	r.mu.Unlock()
}

func (r *Runner) run(ctx context.Context, name string, task Task) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	result := resultOK

	defer func() {
		if rec := recover(); rec != nil {
			result = resultPanic
			r.logger.WithContext(ctx).Error("background task panicked",
				observability.String("task", name),
				observability.Any("panic", rec),
				observability.String("stack", string(debug.Stack())),
			)
		}
		getMetrics().observe(name, result, time.Since(start))
	}()

	if err := task(ctx); err != nil {
		result = resultError
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			result = resultTimeout
		}
		r.logger.WithContext(ctx).Error("background task failed",
			observability.String("task", name),
			observability.String("result", result),
			observability.Error(err),
		)
	}
}

// Wait blocks until no task is in flight or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	if r.inflight == 0 {
		r.mu.Unlock()
		return nil
	}
	idle := r.idle
	r.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inflight returns the number of scheduled tasks that have not finished.
func (r *Runner) Inflight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight
}

// Shutdown stops asynchronous intake and drains every in-flight task.
// Tasks scheduled after Shutdown begins run inline on the scheduling goroutine.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	if err := r.Wait(ctx); err != nil {
		remaining := r.Inflight()
		r.logger.Warn("background runner shutdown timed out",
			observability.Int("remaining", remaining),
		)
		return fmt.Errorf("%w: %d remaining", ErrShutdownTimeout, remaining)
	}

	r.logger.Info("background runner drained")
	return nil
}
