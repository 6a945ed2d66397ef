package analytics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avakeys/internal/observability"
)

// Metrics holds Prometheus metrics for event delivery.
type Metrics struct {
	eventsTotal *prometheus.CounterVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton analytics metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			eventsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: observability.MetricsNamespace,
					Subsystem: "analytics",
					Name:      "events_total",
					Help:      "Total number of analytics events by type and delivery result",
				},
				[]string{"type", "result"},
			),
		}
	})
	return metricsInstance
}

// MustRegister registers the collectors with registry.
func (m *Metrics) MustRegister(registry prometheus.Registerer) {
	observability.RegisterCollectors(registry, m.eventsTotal)
}
