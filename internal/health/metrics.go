package health

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avakeys/internal/observability"
)

// Metrics holds Prometheus metrics for dependency checks.
type Metrics struct {
	checksTotal   *prometheus.CounterVec
	checkStatus   *prometheus.GaugeVec
	checkDuration *prometheus.HistogramVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton health metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			checksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: observability.MetricsNamespace,
					Subsystem: "health",
					Name:      "checks_total",
					Help:      "Total number of dependency checks by result",
				},
				[]string{"check", "result"},
			),
			checkStatus: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: observability.MetricsNamespace,
					Subsystem: "health",
					Name:      "dependency_up",
					Help:      "Last dependency check status (1=healthy, 0=unhealthy)",
				},
				[]string{"check", "type"},
			),
			checkDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: observability.MetricsNamespace,
					Subsystem: "health",
					Name:      "check_duration_seconds",
					Help:      "Duration of dependency checks",
					Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
				},
				[]string{"check"},
			),
		}
	})
	return metricsInstance
}

// MustRegister registers the collectors with registry.
func (m *Metrics) MustRegister(registry prometheus.Registerer) {
	observability.RegisterCollectors(registry, m.checksTotal, m.checkStatus, m.checkDuration)
}

func (m *Metrics) observe(check, depType string, healthy bool, d time.Duration) {
	result, up := "ok", 1.0
	if !healthy {
		result, up = "error", 0
	}
	m.checksTotal.WithLabelValues(check, result).Inc()
	m.checkStatus.WithLabelValues(check, depType).Set(up)
	m.checkDuration.WithLabelValues(check).Observe(d.Seconds())
}
