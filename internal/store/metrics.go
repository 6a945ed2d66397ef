package store

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avakeys/internal/observability"
)

// Metrics holds Prometheus metrics for store queries.
type Metrics struct {
	queriesTotal  *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton store metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			queriesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: observability.MetricsNamespace,
					Subsystem: "store",
					Name:      "queries_total",
					Help:      "Total number of store queries by operation and result",
				},
				[]string{"op", "result"},
			),
			queryDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: observability.MetricsNamespace,
					Subsystem: "store",
					Name:      "query_duration_seconds",
					Help:      "Duration of store queries",
					Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
				},
				[]string{"op"},
			),
		}
	})
	return metricsInstance
}

// MustRegister bridges the promauto collectors into registry.
func (m *Metrics) MustRegister(registry prometheus.Registerer) {
	observability.RegisterCollectors(registry, m.queriesTotal, m.queryDuration)
}

func (m *Metrics) observe(op string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.queriesTotal.WithLabelValues(op, result).Inc()
	m.queryDuration.WithLabelValues(op).Observe(d.Seconds())
}
