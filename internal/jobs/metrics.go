package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Observer receives a status per finished job, typically the application
// metrics that also serve /metrics.
type Observer interface {
	ObserveJob(task, status string)
}

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	violations *prometheus.CounterVec
	repaired   *prometheus.CounterVec
	observer   Observer
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// WithObserver forwards every finished run to o as well.
func (m *Metrics) WithObserver(o Observer) *Metrics {
	if m != nil {
		m.observer = o
	}
	return m
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
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
	if t.metrics.observer != nil {
		t.metrics.observer.ObserveJob(t.job, status)
	}
	return err
}

// AddViolations counts broken chains or ledgers found by a scan, kind being
// "chain" or "ledger".
func (m *Metrics) AddViolations(kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.violations.WithLabelValues(kind).Add(float64(count))
}

// AddRepaired counts rows rewritten by a rebuild task.
func (m *Metrics) AddRepaired(kind string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.repaired.WithLabelValues(kind).Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liquorledger_job_runs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liquorledger_job_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "liquorledger_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	violations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liquorledger_job_integrity_violations_total",
		Help: "Inconsistent chains or ledgers found by scheduled scans.",
	}, []string{"kind"})
	repaired := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liquorledger_job_rows_repaired_total",
		Help: "Rows rewritten by rebuild tasks.",
	}, []string{"kind"})
	registerer.MustRegister(runs, failures, duration, violations, repaired)
	return &Metrics{runs: runs, failures: failures, duration: duration, violations: violations, repaired: repaired}
}
