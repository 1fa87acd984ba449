package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics mengumpulkan metrik Prometheus untuk aplikasi.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	flowsTotal      *prometheus.CounterVec
	cascadeRows     *prometheus.CounterVec
	integrityFaults *prometheus.CounterVec
	jobsTotal       *prometheus.CounterVec
}

// NewMetrics menginisialisasi registry dan metrik dasar.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liquorledger_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "liquorledger_http_request_duration_seconds",
		Help:    "HTTP request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	flows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liquorledger_flows_total",
		Help: "Reconciliation flows by name and outcome kind.",
	}, []string{"flow", "outcome"})
	cascade := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liquorledger_cascade_rows_total",
		Help: "Rows rewritten by forward cascades.",
	}, []string{"kind"})
	integrity := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liquorledger_integrity_violations_total",
		Help: "Chains or ledgers found inconsistent by verification.",
	}, []string{"kind"})
	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "liquorledger_jobs_total",
		Help: "Background jobs by task type and status.",
	}, []string{"task", "status"})
	registry.MustRegister(requests, duration, flows, cascade, integrity, jobs)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		flowsTotal:      flows,
		cascadeRows:     cascade,
		integrityFaults: integrity,
		jobsTotal:       jobs,
	}
}

// Handler mengembalikan http.Handler untuk endpoint /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware mencatat metrik untuk setiap permintaan HTTP.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveFlow mencatat hasil satu alur rekonsiliasi.
func (m *Metrics) ObserveFlow(flow, outcome string) {
	if m == nil {
		return
	}
	m.flowsTotal.WithLabelValues(flow, outcome).Inc()
}

// AddCascadeRows menambah jumlah baris yang ditulis ulang oleh cascade.
func (m *Metrics) AddCascadeRows(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cascadeRows.WithLabelValues(kind).Add(float64(n))
}

// ObserveIntegrityViolation mencatat rantai atau ledger yang tidak konsisten.
func (m *Metrics) ObserveIntegrityViolation(kind string) {
	if m == nil {
		return
	}
	m.integrityFaults.WithLabelValues(kind).Inc()
}

// ObserveJob mencatat status eksekusi job.
func (m *Metrics) ObserveJob(task, status string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(task, status).Inc()
}

// Registerer mengekspos registry untuk pendaftaran metrik khusus.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
