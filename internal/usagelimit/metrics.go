package usagelimit

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avakeys/internal/observability"
)

// Metrics holds Prometheus metrics for usage limiting.
type Metrics struct {
	decisionsTotal *prometheus.CounterVec
	loadsTotal     *prometheus.CounterVec
	flushesTotal   *prometheus.CounterVec
	evictionsTotal prometheus.Counter
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton usage limit metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		ns := observability.MetricsNamespace
		metricsInstance = &Metrics{
			decisionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: ns,
					Subsystem: "usage",
					Name:      "decisions_total",
					Help:      "Total number of usage limit decisions by result",
				},
				[]string{"result"},
			),
			loadsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: ns,
					Subsystem: "usage",
					Name:      "loads_total",
					Help:      "Total number of remaining-credit loads from the store",
				},
				[]string{"result"},
			),
			flushesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: ns,
					Subsystem: "usage",
					Name:      "flushes_total",
					Help:      "Total number of credit write-backs to the store",
				},
				[]string{"result"},
			),
			evictionsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: ns,
					Subsystem: "usage",
					Name:      "evictions_total",
					Help:      "Total number of idle keys dropped from memory",
				},
			),
		}
	})
	return metricsInstance
}

// MustRegister registers the collectors with registry.
func (m *Metrics) MustRegister(registry prometheus.Registerer) {
	observability.RegisterCollectors(registry, m.decisionsTotal, m.loadsTotal, m.flushesTotal, m.evictionsTotal)
}
