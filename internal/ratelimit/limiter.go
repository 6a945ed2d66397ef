package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/avakeys/internal/background"
	"github.com/vyrodovalexey/avakeys/internal/config"
	"github.com/vyrodovalexey/avakeys/internal/observability"
	"github.com/vyrodovalexey/avakeys/internal/ratelimit/counter"
)

const tracerName = "avakeys/ratelimit"

// Defaults.
const (
	DefaultActors           = 64
	DefaultTimeout          = time.Second
	DefaultEstimateInterval = 10 * time.Second
	actorQueueSize          = 256
)

// Mode labels.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

var (
	// ErrUnavailable is returned when the counter backend cannot answer.
	// Callers fail closed on it.
	ErrUnavailable = errors.New("rate limiter unavailable")

	// ErrInvalidRequest is returned for malformed requests.
	ErrInvalidRequest = errors.New("invalid rate limit request")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("rate limiter is closed")
)

// Request asks for cost units from the window of Identifier.
type Request struct {
	Identifier string
	Limit      int64
	Interval   time.Duration
	Cost       int64
	Async      bool
	Shard      string
}

// Validate reports whether r can be enforced.
func (r Request) Validate() error {
	switch {
	case r.Identifier == "":
		return fmt.Errorf("%w: identifier is required", ErrInvalidRequest)
	case r.Limit < 0:
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidRequest)
	case r.Interval < time.Millisecond:
		return fmt.Errorf("%w: interval must be at least 1ms", ErrInvalidRequest)
	case r.Cost < 0:
		return fmt.Errorf("%w: cost must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Response is the outcome of a Limit call. Reset is the end of the current
// window in unix milliseconds.
type Response struct {
	Pass      bool  `json:"pass"`
	Current   int64 `json:"current"`
	Limit     int64 `json:"limit"`
	Remaining int64 `json:"remaining"`
	Reset     int64 `json:"reset"`
}

// Limiter enforces fixed-window limits.
//
// Sync requests are answered by the actor that owns the identifier, so
// concurrent requests for one identifier are applied in order against the
// backend. Async requests are answered from a local estimate of the window
// and reconciled with the backend in the background.
type Limiter struct {
	backend   counter.Backend
	breaker   *gobreaker.CircuitBreaker
	actors    []*actor
	estimates sync.Map

	scheduler background.Scheduler
	logger    observability.Logger
	tracer    trace.Tracer
	metrics   *Metrics
	now       func() time.Time
	timeout   time.Duration

	numActors        int
	estimateInterval time.Duration

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithActors sets the number of actors that serialize sync requests.
func WithActors(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.numActors = n
		}
	}
}

// WithTimeout bounds a single backend call.
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithClock overrides the clock used to compute windows.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// WithScheduler sets the runner used for async reconciliation.
func WithScheduler(s background.Scheduler) Option {
	return func(l *Limiter) {
		l.scheduler = s
	}
}

// WithEstimateCleanupInterval sets how often estimates of past windows are dropped.
func WithEstimateCleanupInterval(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.estimateInterval = d
		}
	}
}

// WithBreaker puts a circuit breaker in front of the backend.
func WithBreaker(cfg config.BreakerConfig) Option {
	return func(l *Limiter) {
		if !cfg.Enabled {
			l.breaker = nil
			return
		}
		threshold := cfg.FailureThreshold
		if threshold == 0 {
			threshold = 5
		}
		l.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "ratelimit-backend",
			MaxRequests: max(cfg.MaxRequests, 1),
			Interval:    cfg.Interval.OrDefault(10 * time.Second),
			Timeout:     cfg.Timeout.OrDefault(5 * time.Second),
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				l.logger.Warn("rate limit circuit breaker state changed",
					observability.String("name", name),
					observability.String("from", from.String()),
					observability.String("to", to.String()))
				l.metrics.breakerState.Set(float64(to))
			},
		})
	}
}

// New creates a Limiter over backend and starts its actors.
func New(backend counter.Backend, opts ...Option) *Limiter {
	l := &Limiter{
		backend:          backend,
		logger:           observability.NopLogger(),
		tracer:           otel.Tracer(tracerName),
		metrics:          GetMetrics(),
		now:              time.Now,
		timeout:          DefaultTimeout,
		numActors:        DefaultActors,
		estimateInterval: DefaultEstimateInterval,
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.scheduler == nil {
		l.scheduler = background.NewRunner(background.WithLogger(l.logger))
	}

	l.actors = make([]*actor, l.numActors)
	for i := range l.actors {
		l.actors[i] = &actor{jobs: make(chan job, actorQueueSize)}
		l.wg.Add(1)
		go l.actors[i].run(l)
	}

	l.wg.Add(1)
	go l.sweepEstimates()

	return l
}

// Limit takes req.Cost units from the current window. A zero cost reports
// the window without consuming it. A cost above the limit never passes.
func (l *Limiter) Limit(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	select {
	case <-l.done:
		return Response{}, ErrClosed
	default:
	}

	mode := ModeSync
	if req.Async {
		mode = ModeAsync
	}

	ctx, span := l.tracer.Start(ctx, "ratelimit.Limit",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("ratelimit.mode", mode),
			attribute.Int64("ratelimit.limit", req.Limit),
			attribute.Int64("ratelimit.cost", req.Cost),
		),
	)
	defer span.End()

	start := time.Now()
	now := l.now().UnixMilli()
	interval := req.Interval.Milliseconds()
	windowStart := now - now%interval
	reset := windowStart + interval
	key := windowKey(req.Identifier, req.Shard, windowStart)

	var (
		out outcome
		err error
	)
	if req.Async {
		out, err = l.limitAsync(ctx, req, key, reset)
	} else {
		out, err = l.submit(ctx, req, key)
	}
	l.metrics.decisionDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	if err != nil {
		l.metrics.decisionsTotal.WithLabelValues(mode, "error").Inc()
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return Response{}, err
	}

	result := "rejected"
	if out.pass {
		result = "passed"
	}
	l.metrics.decisionsTotal.WithLabelValues(mode, result).Inc()
	span.SetAttributes(attribute.Bool("ratelimit.pass", out.pass))

	return Response{
		Pass:      out.pass,
		Current:   out.current,
		Limit:     req.Limit,
		Remaining: max(req.Limit-out.current, 0),
		Reset:     reset,
	}, nil
}

// Ping checks the counter backend when it talks to a remote store.
func (l *Limiter) Ping(ctx context.Context) error {
	if p, ok := l.backend.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Close stops the actors and closes the backend. Pending async
// reconciliations should be drained from the scheduler first.
func (l *Limiter) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
		err = l.backend.Close()
	})
	return err
}

type estimate struct {
	mu      sync.Mutex
	current int64
	reset   int64
}

func (e *estimate) raise(current int64) {
	e.mu.Lock()
	e.current = max(e.current, current)
	e.mu.Unlock()
}

func (l *Limiter) limitAsync(ctx context.Context, req Request, key string, reset int64) (outcome, error) {
	v, ok := l.estimates.Load(key)
	if !ok {
		// first sight of this window on this instance: ask the backend
		out, err := l.submit(ctx, req, key)
		if err != nil {
			return outcome{}, err
		}
		v, _ = l.estimates.LoadOrStore(key, &estimate{reset: reset})
		v.(*estimate).raise(out.current)
		return out, nil
	}

	est := v.(*estimate)
	est.mu.Lock()
	pass := est.current+req.Cost <= req.Limit
	if pass {
		est.current += req.Cost
	}
	current := est.current
	est.mu.Unlock()

	if pass && req.Cost > 0 {
		l.scheduler.Go(ctx, "ratelimit.reconcile", func(ctx context.Context) error {
			out, err := l.submit(ctx, req, key)
			if err != nil {
				l.metrics.reconcilesTotal.WithLabelValues("error").Inc()
				return err
			}
			est.raise(out.current)
			l.metrics.reconcilesTotal.WithLabelValues("ok").Inc()
			return nil
		})
	}

	return outcome{pass: pass, current: current}, nil
}

func (l *Limiter) sweepEstimates() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.estimateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := l.now().UnixMilli()
			l.estimates.Range(func(key, value any) bool {
				if value.(*estimate).reset <= now {
					l.estimates.Delete(key)
				}
				return true
			})
		case <-l.done:
			return
		}
	}
}

type outcome struct {
	pass    bool
	current int64
}

type job struct {
	ctx   context.Context
	key   string
	req   Request
	reply chan jobResult
}

type jobResult struct {
	out outcome
	err error
}

// actor applies the jobs of the identifiers it owns one at a time.
type actor struct {
	jobs chan job
}

func (a *actor) run(l *Limiter) {
	defer l.wg.Done()
	for {
		select {
		case j := <-a.jobs:
			out, err := l.take(j.ctx, j.key, j.req)
			j.reply <- jobResult{out: out, err: err}
		case <-l.done:
			return
		}
	}
}

// submit hands the request to the owning actor and waits for its answer.
func (l *Limiter) submit(ctx context.Context, req Request, key string) (outcome, error) {
	a := l.actors[actorIndex(req.Identifier, req.Shard, len(l.actors))]
	reply := make(chan jobResult, 1)

	select {
	case a.jobs <- job{ctx: ctx, key: key, req: req, reply: reply}:
	case <-ctx.Done():
		return outcome{}, ctx.Err()
	case <-l.done:
		return outcome{}, ErrClosed
	}

	select {
	case r := <-reply:
		return r.out, r.err
	case <-ctx.Done():
		return outcome{}, ctx.Err()
	case <-l.done:
		return outcome{}, ErrClosed
	}
}

func (l *Limiter) take(ctx context.Context, key string, req Request) (outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	call := func() (outcome, error) {
		pass, current, err := l.backend.Take(ctx, key, req.Cost, req.Limit, req.Interval)
		return outcome{pass: pass, current: current}, err
	}

	var (
		out outcome
		err error
	)
	if l.breaker != nil {
		var v interface{}
		v, err = l.breaker.Execute(func() (interface{}, error) {
			return call()
		})
		if err == nil {
			out = v.(outcome)
		}
	} else {
		out, err = call()
	}

	if err != nil {
		l.metrics.backendErrorsTotal.WithLabelValues("take").Inc()
		l.logger.Warn("rate limit backend call failed",
			observability.String("key", key),
			observability.Error(err))
		return outcome{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return out, nil
}

func windowKey(identifier, shard string, windowStart int64) string {
	key := identifier
	if shard != "" {
		key += ":" + shard
	}
	return key + ":" + strconv.FormatInt(windowStart, 10)
}

func actorIndex(identifier, shard string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identifier))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(shard))
	return int(h.Sum32() % uint32(n))
}
