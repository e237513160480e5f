package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	operationDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets          = []float64{100, 1024, 10240, 102400, 1048576, 10485760}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	TransitionsTotal        *prometheus.CounterVec
	TransitionDuration      *prometheus.HistogramVec
	ConflictsTotal          *prometheus.CounterVec
	DocumentOperationsTotal *prometheus.CounterVec
	ClaimsCreatedTotal      prometheus.Counter

	// Event gateway metrics
	DispatchesTotal      *prometheus.CounterVec
	DispatchDuration     *prometheus.HistogramVec
	DispatchRetriesTotal *prometheus.CounterVec
	EventsDroppedTotal   prometheus.Counter
	EventQueueDepth      prometheus.Gauge
	CircuitBreakerState  *prometheus.GaugeVec

	// Idempotency metrics
	IdempotentReplaysTotal prometheus.Counter

	// Maintenance metrics
	OrphanSweepsTotal  *prometheus.CounterVec
	OrphanBlobsRemoved prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflow
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimflow_transitions_total",
			Help: "Total number of claim transition attempts by action and outcome.",
		}, []string{"action", "outcome"}),
		TransitionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimflow_transition_duration_seconds",
			Help:    "Claim transition duration in seconds.",
			Buckets: operationDurationBuckets,
		}, []string{"action"}),
		ConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimflow_conflicts_total",
			Help: "Total number of optimistic concurrency conflicts.",
		}, []string{"action"}),
		DocumentOperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimflow_document_operations_total",
			Help: "Total number of document operations by action and outcome.",
		}, []string{"action", "outcome"}),
		ClaimsCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimflow_claims_created_total",
			Help: "Total number of claims created.",
		}),

		// Events
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimflow_event_dispatches_total",
			Help: "Total number of downstream event deliveries by sink and outcome.",
		}, []string{"sink", "outcome"}),
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "claimflow_event_dispatch_duration_seconds",
			Help:    "Downstream event delivery duration in seconds, retries included.",
			Buckets: operationDurationBuckets,
		}, []string{"sink"}),
		DispatchRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimflow_event_dispatch_retries_total",
			Help: "Total number of downstream delivery retries.",
		}, []string{"sink"}),
		EventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimflow_events_dropped_total",
			Help: "Total number of claim events dropped because the queue was full.",
		}),
		EventQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "claimflow_event_queue_depth",
			Help: "Number of claim events waiting for dispatch.",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "claimflow_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"sink"}),

		// Idempotency
		IdempotentReplaysTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimflow_idempotent_replays_total",
			Help: "Total number of action results served from the idempotency store.",
		}),

		// Maintenance
		OrphanSweepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "claimflow_orphan_sweeps_total",
			Help: "Total number of orphaned blob sweeps by outcome.",
		}, []string{"outcome"}),
		OrphanBlobsRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "claimflow_orphan_blobs_removed_total",
			Help: "Total number of orphaned blobs removed.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflow
		m.TransitionsTotal,
		m.TransitionDuration,
		m.ConflictsTotal,
		m.DocumentOperationsTotal,
		m.ClaimsCreatedTotal,
		// Events
		m.DispatchesTotal,
		m.DispatchDuration,
		m.DispatchRetriesTotal,
		m.EventsDroppedTotal,
		m.EventQueueDepth,
		m.CircuitBreakerState,
		// Idempotency
		m.IdempotentReplaysTotal,
		// Maintenance
		m.OrphanSweepsTotal,
		m.OrphanBlobsRemoved,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers are safe to call on a nil *Metrics so that components can run
// without instrumentation in tests.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordTransition records a claim transition attempt. outcome is "success"
// or the error code that stopped it.
func (m *Metrics) RecordTransition(action, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(action, outcome).Inc()
	m.TransitionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordConflict records an optimistic concurrency conflict.
func (m *Metrics) RecordConflict(action string) {
	if m == nil {
		return
	}
	m.ConflictsTotal.WithLabelValues(action).Inc()
}

// RecordDocumentOperation records a document operation.
func (m *Metrics) RecordDocumentOperation(action, outcome string) {
	if m == nil {
		return
	}
	m.DocumentOperationsTotal.WithLabelValues(action, outcome).Inc()
}

// RecordClaimCreated records a new claim.
func (m *Metrics) RecordClaimCreated() {
	if m == nil {
		return
	}
	m.ClaimsCreatedTotal.Inc()
}

// RecordDispatch records one downstream delivery, retries included.
func (m *Metrics) RecordDispatch(sink, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.DispatchesTotal.WithLabelValues(sink, outcome).Inc()
	m.DispatchDuration.WithLabelValues(sink).Observe(duration.Seconds())
}

// RecordDispatchRetry records a downstream delivery retry.
func (m *Metrics) RecordDispatchRetry(sink string) {
	if m == nil {
		return
	}
	m.DispatchRetriesTotal.WithLabelValues(sink).Inc()
}

// RecordEventDropped records an event dropped on a full queue.
func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.EventsDroppedTotal.Inc()
}

// SetEventQueueDepth sets the number of queued events.
func (m *Metrics) SetEventQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.EventQueueDepth.Set(float64(depth))
}

// SetCircuitBreakerState sets the circuit breaker state for a sink.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetCircuitBreakerState(sink string, state float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(sink).Set(state)
}

// RecordIdempotentReplay records an action result served from the
// idempotency store.
func (m *Metrics) RecordIdempotentReplay() {
	if m == nil {
		return
	}
	m.IdempotentReplaysTotal.Inc()
}

// RecordOrphanSweep records an orphan sweep run and the number of blobs it
// removed.
func (m *Metrics) RecordOrphanSweep(outcome string, removed int) {
	if m == nil {
		return
	}
	m.OrphanSweepsTotal.WithLabelValues(outcome).Inc()
	m.OrphanBlobsRemoved.Add(float64(removed))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
