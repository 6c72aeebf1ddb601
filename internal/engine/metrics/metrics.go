// Package metrics exposes the engine's Prometheus collectors: HTTP
// request counters/histograms and tick/step/payment counters. Grounded on
// internal/app/metrics's Registry + InstrumentHandler shape, adapted from
// one shared global registry to the engine's own collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector this package registers.
var Registry = prometheus.NewRegistry()

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow_engine",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests handled by the Boundary.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workflow_engine",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of Boundary HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	TickSteps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow_engine",
		Subsystem: "scheduler",
		Name:      "steps_total",
		Help:      "Steps claimed by the Claim Scheduler, by outcome.",
	}, []string{"outcome"})

	PaymentAmount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workflow_engine",
		Subsystem: "payment",
		Name:      "amount_atomic_total",
		Help:      "Total atomic units settled via the 402 handshake, by status.",
	}, []string{"status"})
)

func init() {
	Registry.MustRegister(
		httpRequests,
		httpDuration,
		TickSteps,
		PaymentAmount,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler exposes the registry over /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an http.Handler with request-count and latency
// observation, grounded on internal/app/metrics.InstrumentHandler.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rw.status)).Inc()
		httpDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
