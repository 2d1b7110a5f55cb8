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
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the onboarding service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Wizard metrics
	WizardSessionsStarted  *prometheus.CounterVec
	WizardTransitionsTotal *prometheus.CounterVec
	WizardValidationErrors *prometheus.CounterVec
	WizardResetsTotal      *prometheus.CounterVec
	SubmissionsTotal       *prometheus.CounterVec
	SubmissionDuration     *prometheus.HistogramVec
	SubmissionsInFlight    *prometheus.GaugeVec
	SubmissionsSuppressed  *prometheus.CounterVec

	// Backend invocation metrics
	BackendRequestsTotal       *prometheus.CounterVec
	BackendRequestDuration     *prometheus.HistogramVec
	BackendCircuitBreakerState *prometheus.GaugeVec

	// Cache metrics
	IdempotencyHitsTotal   prometheus.Counter
	IdempotencyMissesTotal prometheus.Counter

	// Uploads and notifications
	UploadBytes           prometheus.Histogram
	NotificationsReceived *prometheus.CounterVec

	// System metrics
	DefinitionReloadTotal    *prometheus.CounterVec
	DefinitionsLoaded        prometheus.Gauge
	OpenAPIOperationsIndexed prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drop_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "drop_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "drop_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "drop_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Wizard
		WizardSessionsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drop_wizard_sessions_started_total",
			Help: "Total number of wizard sessions started.",
		}, []string{"wizard_id"}),
		WizardTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drop_wizard_transitions_total",
			Help: "Total number of wizard step transitions.",
		}, []string{"wizard_id", "step_id", "event"}),
		WizardValidationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drop_wizard_validation_failures_total",
			Help: "Total number of rejected step advances.",
		}, []string{"wizard_id", "step_id", "field"}),
		WizardResetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drop_wizard_resets_total",
			Help: "Total number of wizard resets.",
		}, []string{"wizard_id"}),
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drop_submissions_total",
			Help: "Total number of dispatched submissions by outcome.",
		}, []string{"wizard_id", "outcome"}),
		SubmissionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "drop_submission_duration_seconds",
			Help:    "Submission round-trip duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"wizard_id"}),
		SubmissionsInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "drop_submissions_in_flight",
			Help: "Number of submissions awaiting a backend response.",
		}, []string{"wizard_id"}),
		SubmissionsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drop_submissions_suppressed_total",
			Help: "Total number of submit requests that did not dispatch a request.",
		}, []string{"wizard_id", "reason"}),

		// Backend
		BackendRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drop_backend_requests_total",
			Help: "Total number of backend service requests.",
		}, []string{"endpoint", "status"}),
		BackendRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "drop_backend_request_duration_seconds",
			Help:    "Backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"endpoint"}),
		BackendCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "drop_backend_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"endpoint"}),

		// Cache
		IdempotencyHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drop_idempotency_hits_total",
			Help: "Total submit requests answered from the idempotency cache.",
		}),
		IdempotencyMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "drop_idempotency_misses_total",
			Help: "Total idempotency cache misses.",
		}),

		// Uploads and notifications
		UploadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "drop_upload_size_bytes",
			Help:    "Size of stored document uploads in bytes.",
			Buckets: []float64{10240, 102400, 524288, 1048576, 2097152, 5242880},
		}),
		NotificationsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drop_notifications_received_total",
			Help: "Total order notifications received.",
		}, []string{"type"}),

		// System
		DefinitionReloadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "drop_definition_reload_total",
			Help: "Total definition reloads.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drop_definitions_loaded",
			Help: "Number of loaded wizard definitions.",
		}),
		OpenAPIOperationsIndexed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "drop_openapi_operations_indexed",
			Help: "Number of indexed OpenAPI operations.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Wizard
		m.WizardSessionsStarted,
		m.WizardTransitionsTotal,
		m.WizardValidationErrors,
		m.WizardResetsTotal,
		m.SubmissionsTotal,
		m.SubmissionDuration,
		m.SubmissionsInFlight,
		m.SubmissionsSuppressed,
		// Backend
		m.BackendRequestsTotal,
		m.BackendRequestDuration,
		m.BackendCircuitBreakerState,
		// Cache
		m.IdempotencyHitsTotal,
		m.IdempotencyMissesTotal,
		// Uploads and notifications
		m.UploadBytes,
		m.NotificationsReceived,
		// System
		m.DefinitionReloadTotal,
		m.DefinitionsLoaded,
		m.OpenAPIOperationsIndexed,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordSessionStart records a new wizard session.
func (m *Metrics) RecordSessionStart(wizardID string) {
	m.WizardSessionsStarted.WithLabelValues(wizardID).Inc()
}

// RecordTransition records a wizard event such as step_completed or verified.
func (m *Metrics) RecordTransition(wizardID, stepID, event string) {
	m.WizardTransitionsTotal.WithLabelValues(wizardID, stepID, event).Inc()
}

// RecordValidationFailure records the field that blocked an advance.
func (m *Metrics) RecordValidationFailure(wizardID, stepID, field string) {
	m.WizardValidationErrors.WithLabelValues(wizardID, stepID, field).Inc()
}

// RecordReset records a wizard reset.
func (m *Metrics) RecordReset(wizardID string) {
	m.WizardResetsTotal.WithLabelValues(wizardID).Inc()
}

// RecordSubmissionStart marks a submission as dispatched.
func (m *Metrics) RecordSubmissionStart(wizardID string) {
	m.SubmissionsInFlight.WithLabelValues(wizardID).Inc()
}

// RecordSubmissionEnd records the outcome of a dispatched submission.
func (m *Metrics) RecordSubmissionEnd(wizardID, outcome string, duration time.Duration) {
	m.SubmissionsInFlight.WithLabelValues(wizardID).Dec()
	m.SubmissionsTotal.WithLabelValues(wizardID, outcome).Inc()
	m.SubmissionDuration.WithLabelValues(wizardID).Observe(duration.Seconds())
}

// RecordSubmissionSuppressed records a submit request that did not reach the
// backend, e.g. because another attempt is in flight.
func (m *Metrics) RecordSubmissionSuppressed(wizardID, reason string) {
	m.SubmissionsSuppressed.WithLabelValues(wizardID, reason).Inc()
}

// RecordBackendRequest records a backend service request.
func (m *Metrics) RecordBackendRequest(endpoint string, status int, duration time.Duration) {
	m.BackendRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	m.BackendRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// SetBackendCircuitBreakerState sets the circuit breaker state for an endpoint.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetBackendCircuitBreakerState(endpoint string, state float64) {
	m.BackendCircuitBreakerState.WithLabelValues(endpoint).Set(state)
}

// RecordIdempotencyHit records a cached submission receipt being replayed.
func (m *Metrics) RecordIdempotencyHit() {
	m.IdempotencyHitsTotal.Inc()
}

// RecordIdempotencyMiss records an idempotency cache miss.
func (m *Metrics) RecordIdempotencyMiss() {
	m.IdempotencyMissesTotal.Inc()
}

// RecordUpload records the size of a stored document.
func (m *Metrics) RecordUpload(size int64) {
	m.UploadBytes.Observe(float64(size))
}

// RecordNotification records an order notification frame.
func (m *Metrics) RecordNotification(eventType string) {
	m.NotificationsReceived.WithLabelValues(eventType).Inc()
}

// RecordDefinitionReload records a definition reload.
func (m *Metrics) RecordDefinitionReload(status string) {
	m.DefinitionReloadTotal.WithLabelValues(status).Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	m.DefinitionsLoaded.Set(count)
}

// SetOpenAPIOperationsIndexed sets the number of indexed OpenAPI operations.
func (m *Metrics) SetOpenAPIOperationsIndexed(count float64) {
	m.OpenAPIOperationsIndexed.Set(count)
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
