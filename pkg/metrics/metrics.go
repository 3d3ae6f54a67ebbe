// Package metrics exposes the Prometheus collectors of both planes:
// request creations and state transitions on the worker side, request
// durations on the HTTP side.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TraceResponseWriter records the status code and body size a handler
// produced.
type TraceResponseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

// WriteHeader writes the header to the response.
func (w *TraceResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Write writes the body of the response.
func (w *TraceResponseWriter) Write(data []byte) (int, error) {
	size, err := w.ResponseWriter.Write(data)
	w.size += size
	return size, err
}

// Metrics holds the collectors. A nil *Metrics is valid and records
// nothing, so packages can run without a registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	requestsCreated     *prometheus.CounterVec
	stateTransitions    *prometheus.CounterVec
	buildDuration       *prometheus.HistogramVec
	httpRequestDuration *prometheus.HistogramVec
}

// New builds and registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "iib",
				Name:      "requests_created_total",
				Help:      "Number of build requests created, by request type.",
			},
			[]string{"type"},
		),
		stateTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "iib",
				Name:      "request_state_transitions_total",
				Help:      "Number of request state transitions, by request type and new state.",
			},
			[]string{"type", "state"},
		),
		buildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "iib",
				Name:      "build_duration_seconds",
				Help:      "End to end build duration in seconds, by request type and final state.",
				Buckets:   []float64{30, 60, 120, 300, 600, 1200, 2400, 4800, 9600},
			},
			[]string{"type", "state"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "iib",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds.",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"status", "path"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		m.requestsCreated,
		m.stateTransitions,
		m.buildDuration,
		m.httpRequestDuration,
	)
	return m
}

// Handler serves the registered collectors.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequestCreated counts one created request.
func (m *Metrics) RecordRequestCreated(requestType string) {
	if m == nil {
		return
	}
	m.requestsCreated.WithLabelValues(requestType).Inc()
}

// RecordStateTransition counts one state transition.
func (m *Metrics) RecordStateTransition(requestType, state string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(requestType, state).Inc()
}

// ObserveBuildDuration records how long one build ran before reaching
// its terminal state.
func (m *Metrics) ObserveBuildDuration(requestType, state string, duration time.Duration) {
	if m == nil {
		return
	}
	m.buildDuration.WithLabelValues(requestType, state).Observe(duration.Seconds())
}

// HandleWithMetrics wraps a handler with the HTTP duration histogram.
func (m *Metrics) HandleWithMetrics(h http.Handler) http.Handler {
	if m == nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t := time.Now()
		// Initialize the status to 200 in case WriteHeader is not called.
		trw := &TraceResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		h.ServeHTTP(trw, r)
		m.httpRequestDuration.With(prometheus.Labels{
			"status": strconv.Itoa(trw.statusCode),
			"path":   r.URL.EscapedPath(),
		}).Observe(time.Since(t).Seconds())
	})
}
