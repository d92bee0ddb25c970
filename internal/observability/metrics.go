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
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	stepDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 30, 60}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the engine.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Dispatch metrics
	EventsReceivedTotal     *prometheus.CounterVec
	SubscriptionMatchesTotal *prometheus.CounterVec
	ExecutionsCreatedTotal  *prometheus.CounterVec
	RateLimitedTotal        *prometheus.CounterVec

	// Execution metrics
	ExecutionStartsTotal      *prometheus.CounterVec
	ExecutionCompletionsTotal *prometheus.CounterVec
	ExecutionsActive          prometheus.Gauge
	StepDuration              *prometheus.HistogramVec
	StepFailuresTotal         *prometheus.CounterVec
	ActionExecutionsTotal     *prometheus.CounterVec

	// Sweep metrics
	SweepRunsTotal        *prometheus.CounterVec
	StaleRequeuesTotal    prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kazi_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kazi_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kazi_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Dispatch
		EventsReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_events_received_total",
			Help: "Total number of platform events ingested.",
		}, []string{"event_type"}),
		SubscriptionMatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_subscription_matches_total",
			Help: "Total number of subscription filter matches.",
		}, []string{"event_type"}),
		ExecutionsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_executions_created_total",
			Help: "Total number of executions created.",
		}, []string{"trigger_type"}),
		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_rate_limited_total",
			Help: "Total number of executions rejected by the hourly ceiling.",
		}, []string{"workflow_id"}),

		// Execution
		ExecutionStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_execution_starts_total",
			Help: "Total number of execution claims.",
		}, []string{"workflow_id"}),
		ExecutionCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_execution_completions_total",
			Help: "Total number of executions reaching a terminal status.",
		}, []string{"workflow_id", "final_status"}),
		ExecutionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kazi_executions_active",
			Help: "Number of executions currently running.",
		}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kazi_step_duration_seconds",
			Help:    "Workflow step duration in seconds.",
			Buckets: stepDurationBuckets,
		}, []string{"workflow_id", "step_kind"}),
		StepFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_step_failures_total",
			Help: "Total number of failed step attempts.",
		}, []string{"workflow_id", "step_kind"}),
		ActionExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_action_executions_total",
			Help: "Total number of action invocations.",
		}, []string{"action_type", "status"}),

		// Sweeps
		SweepRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kazi_sweep_runs_total",
			Help: "Total number of background sweep passes.",
		}, []string{"kind"}),
		StaleRequeuesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kazi_stale_requeues_total",
			Help: "Total number of stale running executions requeued.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Dispatch
		m.EventsReceivedTotal,
		m.SubscriptionMatchesTotal,
		m.ExecutionsCreatedTotal,
		m.RateLimitedTotal,
		// Execution
		m.ExecutionStartsTotal,
		m.ExecutionCompletionsTotal,
		m.ExecutionsActive,
		m.StepDuration,
		m.StepFailuresTotal,
		m.ActionExecutionsTotal,
		// Sweeps
		m.SweepRunsTotal,
		m.StaleRequeuesTotal,
	)

	return m
}

// --- Recording helpers ---
//
// All helpers tolerate a nil receiver so callers can carry an optional
// *Metrics without guarding every call site.

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

// RecordEventReceived records an ingested platform event.
func (m *Metrics) RecordEventReceived(eventType string) {
	if m == nil {
		return
	}
	m.EventsReceivedTotal.WithLabelValues(eventType).Inc()
}

// RecordSubscriptionMatch records a subscription filter match.
func (m *Metrics) RecordSubscriptionMatch(eventType string) {
	if m == nil {
		return
	}
	m.SubscriptionMatchesTotal.WithLabelValues(eventType).Inc()
}

// RecordExecutionCreated records a created execution.
func (m *Metrics) RecordExecutionCreated(triggerType string) {
	if m == nil {
		return
	}
	m.ExecutionsCreatedTotal.WithLabelValues(triggerType).Inc()
}

// RecordRateLimited records an execution rejected by the hourly ceiling.
func (m *Metrics) RecordRateLimited(workflowID string) {
	if m == nil {
		return
	}
	m.RateLimitedTotal.WithLabelValues(workflowID).Inc()
}

// RecordExecutionStart records a successful execution claim.
func (m *Metrics) RecordExecutionStart(workflowID string) {
	if m == nil {
		return
	}
	m.ExecutionStartsTotal.WithLabelValues(workflowID).Inc()
	m.ExecutionsActive.Inc()
}

// RecordExecutionEnd records an execution leaving the running state.
// finalStatus is empty when the run paused rather than terminated.
func (m *Metrics) RecordExecutionEnd(workflowID, finalStatus string) {
	if m == nil {
		return
	}
	m.ExecutionsActive.Dec()
	if finalStatus != "" {
		m.ExecutionCompletionsTotal.WithLabelValues(workflowID, finalStatus).Inc()
	}
}

// RecordStep records one step attempt.
func (m *Metrics) RecordStep(workflowID, stepKind string, failed bool, duration time.Duration) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(workflowID, stepKind).Observe(duration.Seconds())
	if failed {
		m.StepFailuresTotal.WithLabelValues(workflowID, stepKind).Inc()
	}
}

// RecordAction records one action invocation.
func (m *Metrics) RecordAction(actionType, status string) {
	if m == nil {
		return
	}
	m.ActionExecutionsTotal.WithLabelValues(actionType, status).Inc()
}

// RecordSweep records one background sweep pass.
func (m *Metrics) RecordSweep(kind string) {
	if m == nil {
		return
	}
	m.SweepRunsTotal.WithLabelValues(kind).Inc()
}

// RecordStaleRequeue records a stale running execution put back on the
// queue.
func (m *Metrics) RecordStaleRequeue() {
	if m == nil {
		return
	}
	m.StaleRequeuesTotal.Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics
// using chi's route pattern (not the actual URL path) to avoid label
// cardinality explosion.
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

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
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
