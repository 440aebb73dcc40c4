package reconciliation

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks report cache efficiency and build latency.
type Metrics struct {
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	buildTime   *prometheus.HistogramVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers report collectors. A nil registerer uses the default
// Prometheus registerer once per process.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odyssey_report_cache_hits_total",
			Help: "Report cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odyssey_report_cache_misses_total",
			Help: "Report cache misses",
		}),
		buildTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odyssey_report_build_seconds",
			Help:    "Report build duration by report kind",
			Buckets: prometheus.DefBuckets,
		}, []string{"report"}),
	}
	registerer.MustRegister(m.cacheHits, m.cacheMisses, m.buildTime)
	return m
}

func (m *Metrics) recordHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

func (m *Metrics) recordMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

func (m *Metrics) observeBuild(report string, started time.Time) {
	if m == nil {
		return
	}
	m.buildTime.WithLabelValues(report).Observe(time.Since(started).Seconds())
}
