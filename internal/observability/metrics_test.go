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

	expected := []string{
		"drop_http_requests_total",
		"drop_http_request_duration_seconds",
		"drop_http_request_size_bytes",
		"drop_http_response_size_bytes",
		"drop_wizard_sessions_started_total",
		"drop_wizard_transitions_total",
		"drop_wizard_validation_failures_total",
		"drop_wizard_resets_total",
		"drop_submissions_total",
		"drop_submission_duration_seconds",
		"drop_submissions_in_flight",
		"drop_submissions_suppressed_total",
		"drop_backend_requests_total",
		"drop_backend_request_duration_seconds",
		"drop_backend_circuit_breaker_state",
		"drop_idempotency_hits_total",
		"drop_idempotency_misses_total",
		"drop_upload_size_bytes",
		"drop_notifications_received_total",
		"drop_definition_reload_total",
		"drop_definitions_loaded",
		"drop_openapi_operations_indexed",
	}

	// Record a value for each metric so they appear in Gather.
	m.RecordHTTPRequest("GET", "/test", 200, time.Millisecond, 0, 100)
	m.RecordSessionStart("vendor_onboarding")
	m.RecordTransition("vendor_onboarding", "email", "step_completed")
	m.RecordValidationFailure("vendor_onboarding", "details", "avgCost")
	m.RecordReset("vendor_onboarding")
	m.RecordSubmissionStart("vendor_onboarding")
	m.RecordSubmissionEnd("vendor_onboarding", "succeeded", time.Millisecond)
	m.RecordSubmissionSuppressed("vendor_onboarding", "in_flight")
	m.RecordBackendRequest("create", 200, time.Millisecond)
	m.SetBackendCircuitBreakerState("create", 0)
	m.RecordIdempotencyHit()
	m.RecordIdempotencyMiss()
	m.RecordUpload(1024)
	m.RecordNotification("new_order")
	m.RecordDefinitionReload("success")
	m.SetDefinitionsLoaded(1)
	m.SetOpenAPIOperationsIndexed(2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/sessions/{sessionId}", 200, 50*time.Millisecond, 0, 1024)
	m.RecordHTTPRequest("GET", "/sessions/{sessionId}", 200, 100*time.Millisecond, 0, 2048)
	m.RecordHTTPRequest("POST", "/sessions/{sessionId}/submit", 502, 200*time.Millisecond, 512, 256)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/sessions/{sessionId}", "200"))
	if val != 2 {
		t.Errorf("GET requests = %v, want 2", val)
	}
	val = testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/sessions/{sessionId}/submit", "502"))
	if val != 1 {
		t.Errorf("POST requests = %v, want 1", val)
	}
}

func TestRecordSubmissionLifecycle(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordSubmissionStart("vendor_onboarding")
	inFlight := testutil.ToFloat64(m.SubmissionsInFlight.WithLabelValues("vendor_onboarding"))
	if inFlight != 1 {
		t.Errorf("in flight = %v, want 1", inFlight)
	}

	m.RecordSubmissionEnd("vendor_onboarding", "failed", 300*time.Millisecond)
	inFlight = testutil.ToFloat64(m.SubmissionsInFlight.WithLabelValues("vendor_onboarding"))
	if inFlight != 0 {
		t.Errorf("in flight after completion = %v, want 0", inFlight)
	}
	failed := testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues("vendor_onboarding", "failed"))
	if failed != 1 {
		t.Errorf("failed submissions = %v, want 1", failed)
	}
	if testutil.CollectAndCount(m.SubmissionDuration) == 0 {
		t.Error("expected submission duration histogram to have observations")
	}
}

func TestRecordSubmissionSuppressed(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordSubmissionSuppressed("vendor_onboarding", "in_flight")
	m.RecordSubmissionSuppressed("vendor_onboarding", "in_flight")

	val := testutil.ToFloat64(m.SubmissionsSuppressed.WithLabelValues("vendor_onboarding", "in_flight"))
	if val != 2 {
		t.Errorf("suppressed = %v, want 2", val)
	}
}

func TestRecordTransitionAndValidationFailure(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordTransition("vendor_onboarding", "verify", "verified")
	m.RecordValidationFailure("vendor_onboarding", "details", "avgCost")
	m.RecordValidationFailure("vendor_onboarding", "details", "avgCost")

	if v := testutil.ToFloat64(m.WizardTransitionsTotal.WithLabelValues("vendor_onboarding", "verify", "verified")); v != 1 {
		t.Errorf("transitions = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.WizardValidationErrors.WithLabelValues("vendor_onboarding", "details", "avgCost")); v != 2 {
		t.Errorf("validation failures = %v, want 2", v)
	}
}

func TestRecordBackendRequest(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordBackendRequest("create", 201, 100*time.Millisecond)

	val := testutil.ToFloat64(m.BackendRequestsTotal.WithLabelValues("create", "201"))
	if val != 1 {
		t.Errorf("backend requests = %v, want 1", val)
	}
}

func TestSetBackendCircuitBreakerState(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetBackendCircuitBreakerState("create", 0)
	val := testutil.ToFloat64(m.BackendCircuitBreakerState.WithLabelValues("create"))
	if val != 0 {
		t.Errorf("circuit breaker state = %v, want 0 (closed)", val)
	}

	m.SetBackendCircuitBreakerState("create", 2)
	val = testutil.ToFloat64(m.BackendCircuitBreakerState.WithLabelValues("create"))
	if val != 2 {
		t.Errorf("circuit breaker state = %v, want 2 (open)", val)
	}
}

func TestRecordIdempotencyCache(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordIdempotencyHit()
	m.RecordIdempotencyHit()
	m.RecordIdempotencyMiss()

	if hits := testutil.ToFloat64(m.IdempotencyHitsTotal); hits != 2 {
		t.Errorf("cache hits = %v, want 2", hits)
	}
	if misses := testutil.ToFloat64(m.IdempotencyMissesTotal); misses != 1 {
		t.Errorf("cache misses = %v, want 1", misses)
	}
}

func TestRecordNotification(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordNotification("new_order")
	if v := testutil.ToFloat64(m.NotificationsReceived.WithLabelValues("new_order")); v != 1 {
		t.Errorf("notifications = %v, want 1", v)
	}
}

func TestRecordDefinitionReload(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordDefinitionReload("success")
	m.RecordDefinitionReload("failure")

	success := testutil.ToFloat64(m.DefinitionReloadTotal.WithLabelValues("success"))
	if success != 1 {
		t.Errorf("reload success = %v, want 1", success)
	}
	failure := testutil.ToFloat64(m.DefinitionReloadTotal.WithLabelValues("failure"))
	if failure != 1 {
		t.Errorf("reload failure = %v, want 1", failure)
	}
}

func TestSetDefinitionsLoaded(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.SetDefinitionsLoaded(5)
	if val := testutil.ToFloat64(m.DefinitionsLoaded); val != 5 {
		t.Errorf("definitions loaded = %v, want 5", val)
	}
	m.SetOpenAPIOperationsIndexed(2)
	if val := testutil.ToFloat64(m.OpenAPIOperationsIndexed); val != 2 {
		t.Errorf("operations indexed = %v, want 2", val)
	}
}

func TestMetricsMiddleware_recordsRequestMetrics(t *testing.T) {
	m, _ := newTestMetrics(t)

	// Build a chi router so route patterns are captured.
	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/wizards/{wizardId}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/wizards/vendor_onboarding", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/wizards/{wizardId}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/sessions/{sessionId}/next", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	req := httptest.NewRequest(http.MethodPost, "/sessions/3f1c/next", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/sessions/{sessionId}/next", "422"))
	if val != 1 {
		t.Errorf("422 requests = %v, want 1", val)
	}
	if testutil.CollectAndCount(m.HTTPResponseSizeBytes) == 0 {
		t.Error("expected response size histogram to have observations")
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/raw/path", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

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
	if !strings.Contains(rec.Body.String(), "go_") {
		t.Error("metrics response should contain go runtime metrics")
	}
}

func TestHistogramBuckets(t *testing.T) {
	for i := 1; i < len(httpDurationBuckets); i++ {
		if httpDurationBuckets[i] <= httpDurationBuckets[i-1] {
			t.Errorf("httpDurationBuckets not sorted at index %d", i)
		}
	}
	for i := 1; i < len(backendDurationBuckets); i++ {
		if backendDurationBuckets[i] <= backendDurationBuckets[i-1] {
			t.Errorf("backendDurationBuckets not sorted at index %d", i)
		}
	}
}
