// Package telemetry wires Prometheus metrics and OpenTelemetry tracing.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	viewDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
)

// Metrics holds the Prometheus instruments of the service.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ViewBuildsTotal   *prometheus.CounterVec
	ViewBuildDuration *prometheus.HistogramVec

	WorkflowMutationsTotal *prometheus.CounterVec

	StageCacheLookupsTotal *prometheus.CounterVec
}

// InitMetrics creates and registers every instrument on reg.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trellis_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "route"}),
		ViewBuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_view_builds_total",
			Help: "Total number of view projections built.",
		}, []string{"kind", "status"}),
		ViewBuildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trellis_view_build_duration_seconds",
			Help:    "View projection build duration in seconds.",
			Buckets: viewDurationBuckets,
		}, []string{"kind"}),
		WorkflowMutationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_workflow_mutations_total",
			Help: "Total number of workflow graph mutations.",
		}, []string{"operation", "status"}),
		StageCacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "trellis_stage_cache_lookups_total",
			Help: "Stage catalog cache lookups by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ViewBuildsTotal,
		m.ViewBuildDuration,
		m.WorkflowMutationsTotal,
		m.StageCacheLookupsTotal,
	)
	return m
}

// RecordViewBuild records one projection build. Nil receivers are ignored.
func (m *Metrics) RecordViewBuild(kind string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.ViewBuildsTotal.WithLabelValues(kind, status(err)).Inc()
	m.ViewBuildDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordWorkflowMutation records one workflow mutation.
func (m *Metrics) RecordWorkflowMutation(operation string, err error) {
	if m == nil {
		return
	}
	m.WorkflowMutationsTotal.WithLabelValues(operation, status(err)).Inc()
}

// RecordStageCacheLookup records a stage catalog cache hit or miss.
func (m *Metrics) RecordStageCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.StageCacheLookupsTotal.WithLabelValues(result).Inc()
}

// Middleware records request counts and durations by matched route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler returns the scrape handler for a gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// statusWriter captures the response status code.
type statusWriter struct {
	http.ResponseWriter
	status  int
	written bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}

// Flush forwards streaming flushes so wrapped MCP responses keep working.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
