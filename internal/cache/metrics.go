package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/avakeys/internal/observability"
)

// CacheMetrics holds Prometheus metrics for cache operations.
type CacheMetrics struct {
	hitsTotal       *prometheus.CounterVec
	missesTotal     *prometheus.CounterVec
	loadsTotal      *prometheus.CounterVec
	refreshesTotal  *prometheus.CounterVec
	loadDuration    *prometheus.HistogramVec
	evictionsTotal  *prometheus.CounterVec
	sizeGauge       *prometheus.GaugeVec
	tierErrorsTotal *prometheus.CounterVec
}

var (
	cacheMetricsInstance *CacheMetrics
	cacheMetricsOnce     sync.Once
)

// GetCacheMetrics returns the singleton cache metrics instance.
func GetCacheMetrics() *CacheMetrics {
	cacheMetricsOnce.Do(func() {
		cacheMetricsInstance = newCacheMetrics()
	})
	return cacheMetricsInstance
}

// MustRegister bridges the promauto collectors into the registry served on /metrics.
func (m *CacheMetrics) MustRegister(registry prometheus.Registerer) {
	observability.RegisterCollectors(registry,
		m.hitsTotal,
		m.missesTotal,
		m.loadsTotal,
		m.refreshesTotal,
		m.loadDuration,
		m.evictionsTotal,
		m.sizeGauge,
		m.tierErrorsTotal,
	)
}

// Init pre-populates label combinations so series exist from startup.
func (m *CacheMetrics) Init() {
	for _, ns := range Namespaces() {
		m.hitsTotal.WithLabelValues(ns, Fresh.String())
		m.hitsTotal.WithLabelValues(ns, Stale.String())
		m.missesTotal.WithLabelValues(ns)
		for _, result := range []string{"ok", "error"} {
			m.loadsTotal.WithLabelValues(ns, result)
			m.refreshesTotal.WithLabelValues(ns, result)
		}
	}
	for _, tier := range []string{TierMemory, TierRedis} {
		for _, op := range []string{"get", "set", "remove"} {
			m.tierErrorsTotal.WithLabelValues(tier, op)
		}
	}
}

func newCacheMetrics() *CacheMetrics {
	const subsystem = "cache"
	ns := observability.MetricsNamespace

	return &CacheMetrics{
		hitsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: subsystem,
				Name:      "hits_total",
				Help:      "Total number of tiered cache hits by freshness",
			},
			[]string{"namespace", "freshness"},
		),
		missesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: subsystem,
				Name:      "misses_total",
				Help:      "Total number of tiered cache misses",
			},
			[]string{"namespace"},
		),
		loadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: subsystem,
				Name:      "origin_loads_total",
				Help:      "Total number of synchronous origin loads on miss",
			},
			[]string{"namespace", "result"},
		),
		refreshesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: subsystem,
				Name:      "refreshes_total",
				Help:      "Total number of background refreshes of stale entries",
			},
			[]string{"namespace", "result"},
		),
		loadDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Subsystem: subsystem,
				Name:      "origin_load_duration_seconds",
				Help:      "Duration of origin loads",
				Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"namespace"},
		),
		evictionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: subsystem,
				Name:      "evictions_total",
				Help:      "Total number of evicted entries",
			},
			[]string{"tier", "reason"},
		),
		sizeGauge: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: ns,
				Subsystem: subsystem,
				Name:      "entries",
				Help:      "Current number of entries held by a tier",
			},
			[]string{"tier"},
		),
		tierErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Subsystem: subsystem,
				Name:      "tier_errors_total",
				Help:      "Total number of failed tier operations",
			},
			[]string{"tier", "op"},
		),
	}
}
