package background

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avakeys/internal/observability"
)

// Metrics holds Prometheus metrics for detached tasks.
type Metrics struct {
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	inflight     prometheus.Gauge
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// GetMetrics returns the singleton background metrics instance.
func GetMetrics() *Metrics {
	return getMetrics()
}

func getMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = &Metrics{
			tasksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: observability.MetricsNamespace,
					Subsystem: "background",
					Name:      "tasks_total",
					Help:      "Total number of detached tasks by result",
				},
				[]string{"task", "result"},
			),
			taskDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: observability.MetricsNamespace,
					Subsystem: "background",
					Name:      "task_duration_seconds",
					Help:      "Duration of detached tasks",
					Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
				},
				[]string{"task"},
			),
			inflight: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: observability.MetricsNamespace,
					Subsystem: "background",
					Name:      "tasks_inflight",
					Help:      "Number of detached tasks scheduled but not finished",
				},
			),
		}
	})
	return metricsInstance
}

// MustRegister registers the collectors with registry.
func (m *Metrics) MustRegister(registry prometheus.Registerer) {
	observability.RegisterCollectors(registry, m.tasksTotal, m.taskDuration, m.inflight)
}

func (m *Metrics) observe(task, result string, d time.Duration) {
	m.tasksTotal.WithLabelValues(task, result).Inc()
	m.taskDuration.WithLabelValues(task).Observe(d.Seconds())
}
