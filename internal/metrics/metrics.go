package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zombor/fleet-receipts/internal/capture"
)

const namespace = "fleet_receipts"

// Registry holds the service's Prometheus collectors
type Registry struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	stageTransitions *prometheus.CounterVec
	classifications  *prometheus.CounterVec
	failures         *prometheus.CounterVec
	recordsSaved     prometheus.Counter
	remoteDuration   *prometheus.HistogramVec
}

// New creates a registry with every collector registered, including the Go runtime collectors
func New() *Registry {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"method", "route", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
		},
	)
	stageTransitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "stage_transitions_total",
			Help:      "Capture stage changes by target stage.",
		},
		[]string{"to"},
	)
	classifications := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "classifications_total",
			Help:      "Completed classifications by source (remote or fallback).",
		},
		[]string{"source"},
	)
	failures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "failures_total",
			Help:      "Capture failures by kind.",
		},
		[]string{"kind"},
	)
	recordsSaved := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "capture",
			Name:      "records_saved_total",
			Help:      "Receipts persisted by the capture pipeline.",
		},
	)
	remoteDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "call_duration_seconds",
			Help:      "Duration of calls to the OCR and classification services.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 45, 60},
		},
		[]string{"service", "status"},
	)

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		requestTotal,
		requestDuration,
		requestInFlight,
		stageTransitions,
		classifications,
		failures,
		recordsSaved,
		remoteDuration,
	)

	return &Registry{
		registry:         registry,
		requestTotal:     requestTotal,
		requestDuration:  requestDuration,
		requestInFlight:  requestInFlight,
		stageTransitions: stageTransitions,
		classifications:  classifications,
		failures:         failures,
		recordsSaved:     recordsSaved,
		remoteDuration:   remoteDuration,
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests and custom handlers
func (m *Registry) Gatherer() prometheus.Gatherer {
	return m.registry
}

// StageChanged implements capture.Observer
func (m *Registry) StageChanged(e capture.Event) {
	m.stageTransitions.WithLabelValues(string(e.To)).Inc()

	switch e.To {
	case capture.StageClassified:
		m.classifications.WithLabelValues(e.Detail).Inc()
	case capture.StageFailed:
		m.failures.WithLabelValues(e.Detail).Inc()
	case capture.StageVerifying:
		if e.From == capture.StageSaving {
			m.failures.WithLabelValues(e.Detail).Inc()
		}
	case capture.StageSaved:
		m.recordsSaved.Inc()
	}
}

// ObserveRemoteCall records one call to an external service
func (m *Registry) ObserveRemoteCall(service string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.remoteDuration.WithLabelValues(service, status).Observe(duration.Seconds())
}

// Middleware counts and times requests by their matched route pattern
func (m *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.requestTotal.WithLabelValues(r.Method, route, strconv.Itoa(recorder.statusCode)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
