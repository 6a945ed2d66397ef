package analytics

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/vyrodovalexey/avakeys/internal/background"
	"github.com/vyrodovalexey/avakeys/internal/observability"
)

// Emitter hands events to a sink without blocking the caller.
type Emitter struct {
	sink      Sink
	scheduler background.Scheduler
	logger    observability.Logger
	metrics   *Metrics
	now       func() time.Time
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithLogger sets the logger used for delivery failures.
func WithLogger(logger observability.Logger) EmitterOption {
	return func(e *Emitter) {
		e.logger = logger
	}
}

// WithClock overrides the clock used to stamp events.
func WithClock(now func() time.Time) EmitterOption {
	return func(e *Emitter) {
		e.now = now
	}
}

// NewEmitter creates an Emitter delivering to sink on scheduler.
func NewEmitter(sink Sink, scheduler background.Scheduler, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		sink:      sink,
		scheduler: scheduler,
		logger:    observability.NopLogger(),
		metrics:   GetMetrics(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Emit stamps ev with an id and time when missing and schedules delivery.
// Delivery failures are logged and counted, never returned.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	h := ev.header()
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.Time == 0 {
		h.Time = e.now().UnixMilli()
	}

	eventType := string(ev.Type())
	e.scheduler.Go(ctx, "analytics."+eventType, func(ctx context.Context) error {
		if err := e.sink.Emit(ctx, ev); err != nil {
			e.metrics.eventsTotal.WithLabelValues(eventType, "error").Inc()
			e.logger.Warn("failed to deliver analytics event",
				observability.String("type", eventType),
				observability.String("eventId", h.ID),
				observability.Error(err))
			return err
		}
		e.metrics.eventsTotal.WithLabelValues(eventType, "ok").Inc()
		return nil
	})
}

// Close closes the sink. Pending deliveries should be drained first.
func (e *Emitter) Close() error {
	return e.sink.Close()
}
