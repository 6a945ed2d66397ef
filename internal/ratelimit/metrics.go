package ratelimit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avakeys/internal/observability"
)

// Metrics holds Prometheus metrics for rate limit decisions.
type Metrics struct {
	decisionsTotal     *prometheus.CounterVec
	decisionDuration   *prometheus.HistogramVec
	backendErrorsTotal *prometheus.CounterVec
	reconcilesTotal    *prometheus.CounterVec
	breakerState       prometheus.Gauge
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton rate limit metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

// MustRegister registers the collectors with registry.
func (m *Metrics) MustRegister(registry prometheus.Registerer) {
	observability.RegisterCollectors(registry,
		m.decisionsTotal,
		m.decisionDuration,
		m.backendErrorsTotal,
		m.reconcilesTotal,
		m.breakerState,
	)
}

func newMetrics() *Metrics {
	const subsystem = "ratelimit"
	ns := observability.MetricsNamespace

	return &Metrics{
		decisionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: subsystem,
				Name:      "decisions_total",
				Help:      "Total number of rate limit decisions by mode and result",
			},
			[]string{"mode", "result"},
		),
		decisionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Subsystem: subsystem,
				Name:      "decision_duration_seconds",
				Help:      "Latency of rate limit decisions",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .5},
			},
			[]string{"mode"},
		),
		backendErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: subsystem,
				Name:      "backend_errors_total",
				Help:      "Total number of failed counter backend calls",
			},
			[]string{"op"},
		),
		reconcilesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: subsystem,
				Name:      "reconciles_total",
				Help:      "Total number of async window reconciliations by result",
			},
			[]string{"result"},
		),
		breakerState: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: subsystem,
				Name:      "breaker_state",
				Help:      "State of the backend circuit breaker (0 closed, 1 half-open, 2 open)",
			},
		),
	}
}
