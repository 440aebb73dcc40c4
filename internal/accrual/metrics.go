package accrual

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts accrual lifecycle transitions.
type Metrics struct {
	created   *prometheus.CounterVec
	posted    *prometheus.CounterVec
	reversed  prometheus.Counter
	cancelled prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers accrual collectors. A nil registerer uses the default
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
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_accruals_created_total",
			Help: "Accrual records created by scenario",
		}, []string{"scenario"}),
		posted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_accruals_posted_total",
			Help: "Accrual journals posted by entry type",
		}, []string{"entry_type"}),
		reversed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odyssey_accruals_reversed_total",
			Help: "Accrual reversals posted",
		}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "odyssey_accruals_cancelled_total",
			Help: "Accrual records cancelled",
		}),
	}
	registerer.MustRegister(m.created, m.posted, m.reversed, m.cancelled)
	return m
}

func (m *Metrics) recordCreated(scenario Scenario) {
	if m == nil {
		return
	}
	m.created.WithLabelValues(string(scenario)).Inc()
}

func (m *Metrics) recordPosted(record Record) {
	if m == nil {
		return
	}
	m.posted.WithLabelValues(string(record.EntryType)).Inc()
}

func (m *Metrics) recordReversed() {
	if m == nil {
		return
	}
	m.reversed.Inc()
}

func (m *Metrics) recordCancelled() {
	if m == nil {
		return
	}
	m.cancelled.Inc()
}
