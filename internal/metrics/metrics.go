// Package metrics provides Prometheus instrumentation for the trading core.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersCreated counts orders accepted into PENDING, by side and mode.
	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_orders_created_total",
		Help: "Total orders created",
	}, []string{"side", "mode"})

	// OrdersFilled counts orders transitioned to FILLED.
	OrdersFilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_orders_filled_total",
		Help: "Total orders filled",
	}, []string{"side", "mode"})

	// OrdersCancelled counts orders transitioned to CANCELLED.
	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_orders_cancelled_total",
		Help: "Total orders cancelled",
	})

	// OrdersFailed counts real-mode broker rejections (terminal FAILED).
	OrdersFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_orders_failed_total",
		Help: "Total orders marked failed by broker rejection",
	})

	// FillReverted counts fills rolled back by commit-time re-validation.
	FillReverted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_fill_revalidation_failures_total",
		Help: "Fills aborted because funds or position changed since creation",
	})

	// SweepDuration tracks the duration of pending-order sweeps.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_pending_sweep_duration_seconds",
		Help:    "Duration of pending-order sweeps",
		Buckets: prometheus.DefBuckets,
	})

	// OracleCacheHits / OracleCacheMisses track reference-price cache use.
	OracleCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_oracle_cache_hits_total",
		Help: "Reference price lookups served from cache",
	})
	OracleCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_oracle_cache_misses_total",
		Help: "Reference price lookups that hit the feed",
	})

	// BrokerCalls counts calls to the external broker, by endpoint and outcome.
	BrokerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_broker_calls_total",
		Help: "Calls to the external broker gateway",
	}, []string{"endpoint", "outcome"})

	// WebSocketClients tracks connected snapshot subscribers.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_websocket_clients",
		Help: "Number of connected WebSocket subscribers",
	})

	// SnapshotJobs tracks accounts with an active periodic snapshot job.
	SnapshotJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_snapshot_jobs",
		Help: "Accounts with a running periodic snapshot job",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path; the API surface is small and low-cardinality.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes connection takeover through to the underlying writer so
// WebSocket upgrades work behind this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying ResponseWriter does not support hijacking")
	}
	return hj.Hijack()
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Flush passes streaming flushes through to the underlying writer.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
