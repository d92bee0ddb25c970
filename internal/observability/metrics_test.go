package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordEventReceived("deal.won")
	m.RecordSubscriptionMatch("deal.won")
	m.RecordExecutionCreated("event")
	m.RecordRateLimited("wf-1")
	m.RecordExecutionStart("wf-1")
	m.RecordExecutionEnd("wf-1", "completed")
	m.RecordStep("wf-1", "action", false, time.Millisecond)
	m.RecordStep("wf-1", "action", true, time.Millisecond)
	m.RecordAction("crm.create_contact", "completed")
	m.RecordSweep("pending")
	m.RecordStaleRequeue()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"kazi_http_requests_total",
		"kazi_http_request_duration_seconds",
		"kazi_http_request_size_bytes",
		"kazi_http_response_size_bytes",
		"kazi_events_received_total",
		"kazi_subscription_matches_total",
		"kazi_executions_created_total",
		"kazi_rate_limited_total",
		"kazi_execution_starts_total",
		"kazi_execution_completions_total",
		"kazi_executions_active",
		"kazi_step_duration_seconds",
		"kazi_step_failures_total",
		"kazi_action_executions_total",
		"kazi_sweep_runs_total",
		"kazi_stale_requeues_total",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/api/workflows/{workflowId}", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/api/workflows/{workflowId}", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/api/events", 500, 200*time.Millisecond, 512, 256)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/workflows/{workflowId}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/events", "500"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordExecutionLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordExecutionStart("wf-1")
	active := testutil.ToFloat64(m.ExecutionsActive)
	if active != 1 {
		t.Errorf("active executions = %v, want 1", active)
	}

	m.RecordExecutionEnd("wf-1", "completed")
	active = testutil.ToFloat64(m.ExecutionsActive)
	if active != 0 {
		t.Errorf("active executions after completion = %v, want 0", active)
	}

	completions := testutil.ToFloat64(m.ExecutionCompletionsTotal.WithLabelValues("wf-1", "completed"))
	if completions != 1 {
		t.Errorf("completions = %v, want 1", completions)
	}
}

func TestRecordExecutionEnd_pausedHasNoTerminalStatus(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordExecutionStart("wf-1")
	m.RecordExecutionEnd("wf-1", "")

	active := testutil.ToFloat64(m.ExecutionsActive)
	if active != 0 {
		t.Errorf("active executions = %v, want 0", active)
	}
	count := testutil.CollectAndCount(m.ExecutionCompletionsTotal)
	if count != 0 {
		t.Errorf("completions recorded for a pause = %d, want 0", count)
	}
}

func TestRecordStep(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordStep("wf-1", "action", false, 500*time.Millisecond)
	m.RecordStep("wf-1", "action", true, 100*time.Millisecond)

	if count := testutil.CollectAndCount(m.StepDuration); count == 0 {
		t.Error("expected step duration histogram to have observations")
	}
	failures := testutil.ToFloat64(m.StepFailuresTotal.WithLabelValues("wf-1", "action"))
	if failures != 1 {
		t.Errorf("step failures = %v, want 1", failures)
	}
}

func TestRecordAction(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordAction("webhook.send", "completed")
	m.RecordAction("webhook.send", "failed")

	completed := testutil.ToFloat64(m.ActionExecutionsTotal.WithLabelValues("webhook.send", "completed"))
	if completed != 1 {
		t.Errorf("completed actions = %v, want 1", completed)
	}
	failed := testutil.ToFloat64(m.ActionExecutionsTotal.WithLabelValues("webhook.send", "failed"))
	if failed != 1 {
		t.Errorf("failed actions = %v, want 1", failed)
	}
}

func TestRecordDispatch(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordEventReceived("deal.won")
	m.RecordSubscriptionMatch("deal.won")
	m.RecordExecutionCreated("event")
	m.RecordRateLimited("wf-1")

	if v := testutil.ToFloat64(m.EventsReceivedTotal.WithLabelValues("deal.won")); v != 1 {
		t.Errorf("events received = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.ExecutionsCreatedTotal.WithLabelValues("event")); v != 1 {
		t.Errorf("executions created = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.RateLimitedTotal.WithLabelValues("wf-1")); v != 1 {
		t.Errorf("rate limited = %v, want 1", v)
	}
}

func TestRecordSweep(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordSweep("pending")
	m.RecordSweep("pending")
	m.RecordStaleRequeue()

	if v := testutil.ToFloat64(m.SweepRunsTotal.WithLabelValues("pending")); v != 2 {
		t.Errorf("sweep runs = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.StaleRequeuesTotal); v != 1 {
		t.Errorf("stale requeues = %v, want 1", v)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Build a chi router so route patterns are captured.
	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/api/workflows/{workflowId}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/workflows/wf-1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Verify metrics were recorded with the route pattern, not the actual path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/workflows/{workflowId}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/api/events", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/events", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/events", "400"))
	if val != 1 {
		t.Errorf("400 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Use middleware directly without chi router.
	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Without chi, should fall back to raw path.
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	handler := Handler()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	// Prometheus handler should return at least go runtime metrics.
	if !strings.Contains(body, "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHistogramBuckets(t *testing.T) {
	for i := 1; i < len(httpDurationBuckets); i++ {
		if httpDurationBuckets[i] <= httpDurationBuckets[i-1] {
			t.Errorf("httpDurationBuckets not sorted at index %d", i)
		}
	}
	for i := 1; i < len(stepDurationBuckets); i++ {
		if stepDurationBuckets[i] <= stepDurationBuckets[i-1] {
			t.Errorf("stepDurationBuckets not sorted at index %d", i)
		}
	}
}
