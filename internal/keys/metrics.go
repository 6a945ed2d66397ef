package keys

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avakeys/internal/observability"
)

// Metrics holds Prometheus metrics for key verification.
type Metrics struct {
	verificationsTotal   *prometheus.CounterVec
	verificationDuration *prometheus.HistogramVec
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton verification metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		ns := observability.MetricsNamespace
		metricsInstance = &Metrics{
			verificationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: ns,
					Subsystem: "keys",
					Name:      "verifications_total",
					Help:      "Total number of key verifications by outcome",
				},
				[]string{"outcome"},
			),
			verificationDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: ns,
					Subsystem: "keys",
					Name:      "verification_duration_seconds",
					Help:      "Duration of key verifications",
					Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, 1},
				},
				[]string{"outcome"},
			),
		}
	})
	return metricsInstance
}

// MustRegister registers the collectors with registry.
func (m *Metrics) MustRegister(registry prometheus.Registerer) {
	observability.RegisterCollectors(registry, m.verificationsTotal, m.verificationDuration)
}

func (m *Metrics) observe(outcome string, d time.Duration) {
	m.verificationsTotal.WithLabelValues(outcome).Inc()
	m.verificationDuration.WithLabelValues(outcome).Observe(d.Seconds())
}
