package jobmetrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes of a single order within an accrual sync.
const (
	OutcomeCreated = "created"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// Metrics holds the collectors shared by the accrual workers.
type Metrics struct {
	runs      *prometheus.CounterVec
	failures  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	orders    *prometheus.CounterVec
	reversals prometheus.Counter
	issues    *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the worker collectors on registerer, or once on the
// default registerer when it is nil.
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
	factory := promauto.With(registerer)
	return &Metrics{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_accrual_job_runs_total",
			Help: "Accrual worker runs by task type and status.",
		}, []string{"job", "status"}),
		failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_accrual_job_failures_total",
			Help: "Accrual worker runs that returned an error.",
		}, []string{"job"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "odyssey_accrual_job_duration_seconds",
			Help:    "Accrual worker run time by task type.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"job"}),
		orders: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_accrual_sync_orders_total",
			Help: "Orders handled by the scheduled accrual sync by company and outcome.",
		}, []string{"company", "outcome"}),
		reversals: factory.NewCounter(prometheus.CounterOpts{
			Name: "odyssey_accrual_reversals_posted_total",
			Help: "Draft accrual reversals posted once their date came due.",
		}),
		issues: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_accrual_ledger_issues_total",
			Help: "Accrual journal integrity issues by kind and company.",
		}, []string{"kind", "company"}),
	}
}

// Tracker times one worker run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track starts timing a run of job.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End records the run outcome and duration and returns err unchanged.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddSyncOutcome counts the orders a company sync created, skipped and failed.
func (m *Metrics) AddSyncOutcome(companyID int64, created, skipped, failed int) {
	if m == nil {
		return
	}
	company := strconv.FormatInt(companyID, 10)
	for outcome, n := range map[string]int{OutcomeCreated: created, OutcomeSkipped: skipped, OutcomeFailed: failed} {
		if n > 0 {
			m.orders.WithLabelValues(company, outcome).Add(float64(n))
		}
	}
}

// AddReversalsPosted counts reversals posted by the due-date worker.
func (m *Metrics) AddReversalsPosted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reversals.Add(float64(n))
}

// AddIntegrityIssues counts journal integrity issues of one kind for a company.
func (m *Metrics) AddIntegrityIssues(kind string, companyID int64, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.issues.WithLabelValues(kind, strconv.FormatInt(companyID, 10)).Add(float64(count))
}
