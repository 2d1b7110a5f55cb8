// Package integration provides a reusable test harness for end-to-end
// integration testing of the onboarding server. It starts a full HTTP server
// wired the way cmd/onboard wires it, against a mock vendor backend,
// in-memory stores and a mem:// upload bucket.
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pitabwire/droponboard/internal/backend"
	"github.com/pitabwire/droponboard/internal/config"
	"github.com/pitabwire/droponboard/internal/definition"
	"github.com/pitabwire/droponboard/internal/identity"
	"github.com/pitabwire/droponboard/internal/metadata"
	"github.com/pitabwire/droponboard/internal/observability"
	"github.com/pitabwire/droponboard/internal/openapi"
	"github.com/pitabwire/droponboard/internal/session"
	"github.com/pitabwire/droponboard/internal/submission"
	"github.com/pitabwire/droponboard/internal/transport"
	"github.com/pitabwire/droponboard/internal/upload"
	"github.com/pitabwire/droponboard/internal/validation"
	"github.com/pitabwire/droponboard/internal/wizard"
	"github.com/pitabwire/droponboard/model"
)

// WizardID is the wizard defined in definitions/vendor_onboarding.yaml.
const WizardID = "vendor_onboarding"

// TestHarness encapsulates a fully wired onboarding server with a mock
// backend for integration testing.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server

	// Internal components exposed for advanced test scenarios.
	Registry     *definition.Registry
	Contract     *openapi.Index
	Controller   *wizard.Controller
	SessionStore wizard.Store
	Receipts     *submission.MemoryReceiptStore
	Uploads      *upload.Store
	Metrics      *observability.Metrics
	Backend      *MockBackend
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	store            wizard.Store
	handlerTimeout   time.Duration
	backendTimeout   time.Duration
	breakerFailures  int
	breakerTimeout   time.Duration
	staleSubmitAfter time.Duration
}

// WithSessionStore replaces the in-memory session store.
func WithSessionStore(s wizard.Store) HarnessOption {
	return func(c *harnessConfig) { c.store = s }
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// WithBackendTimeout sets the outbound request timeout.
func WithBackendTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.backendTimeout = d }
}

// WithCircuitBreaker sets the breaker failure threshold and open timeout.
func WithCircuitBreaker(failures int, timeout time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.breakerFailures = failures
		c.breakerTimeout = timeout
	}
}

// WithStaleSubmitAfter sets how long an in-flight submission may run
// before another attempt can take it over.
func WithStaleSubmitAfter(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.staleSubmitAfter = d }
}

// NewTestHarness creates and starts a full onboarding server. The server is
// automatically cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout:   10 * time.Second,
		backendTimeout:   5 * time.Second,
		breakerFailures:  5,
		breakerTimeout:   30 * time.Second,
		staleSubmitAfter: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(hc)
	}

	h := &TestHarness{t: t}
	ctx := context.Background()

	// Step 1: Mock backend.
	h.Backend = newMockBackend(t)

	// Step 2: Backend contract, served from the mock.
	h.Contract = openapi.NewIndex()
	if err := h.Contract.Load(filepath.Join(repoRoot(), "specs", "vendor_backend.yaml"), h.Backend.URL()); err != nil {
		t.Fatalf("load backend contract: %v", err)
	}

	// Step 3: Definitions.
	defs, err := definition.NewLoader().LoadAll([]string{filepath.Join(repoRoot(), "definitions")})
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if errs := definition.NewValidator().Validate(defs, h.Contract); len(errs) > 0 {
		t.Fatalf("invalid definitions: %v", errs)
	}
	validators, err := validation.CompileAll(defs)
	if err != nil {
		t.Fatalf("compile validators: %v", err)
	}
	h.Registry = definition.NewRegistry(defs)

	// Step 4: Stores.
	h.SessionStore = hc.store
	if h.SessionStore == nil {
		h.SessionStore = wizard.NewMemoryStore()
	}
	h.Receipts = submission.NewMemoryReceiptStore()

	bucket, err := upload.OpenBucket(ctx, "mem://")
	if err != nil {
		t.Fatalf("open upload bucket: %v", err)
	}
	h.Metrics = observability.InitMetrics(prometheus.NewRegistry())
	h.Uploads = upload.NewStore(bucket, 5<<20, upload.WithMetrics(h.Metrics))
	t.Cleanup(func() { h.Uploads.Close() })

	// Step 5: Backend clients.
	newClient := func(name, path string) *backend.Client {
		return backend.NewClient(name, h.Backend.URL()+path,
			backend.WithTimeout(hc.backendTimeout),
			backend.WithCircuitBreaker(backend.NewCircuitBreaker(hc.breakerFailures, 1, hc.breakerTimeout)),
			backend.WithMetrics(h.Metrics),
		)
	}
	identityBackend := newClient("identity", "/vendor/verify")
	createBackend := newClient("create", "/vendor/create")
	verifier := identity.NewClient(identityBackend)
	gateway := submission.NewGateway(createBackend,
		submission.WithFileSource(h.Uploads),
		submission.WithContract(h.Contract),
	)

	// Step 6: Controller.
	h.Controller = wizard.NewController(h.Registry, validators, h.SessionStore, gateway,
		wizard.WithIdentityVerifier(verifier),
		wizard.WithIdempotencyStore(h.Receipts, time.Hour),
		wizard.WithMetrics(h.Metrics),
		wizard.WithSessionTTL(time.Hour),
		wizard.WithStaleSubmitAfter(hc.staleSubmitAfter),
	)

	// Step 7: Config and session cookies. Cookies are not Secure so that the
	// cookie jar sends them over the plain-HTTP test server.
	cfg := config.Defaults()
	cfg.Server.HandlerTimeout = hc.handlerTimeout
	cfg.Server.CORS.AllowedOrigins = []string{"http://localhost:3000"}
	cfg.Session.SigningKey = "integration-signing-key-0123456789abcdef"
	cfg.Session.Secure = false
	sessions, err := session.NewManager(cfg.Session)
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}

	// Step 8: Router with the full middleware chain.
	sessionCheck := observability.Check{}
	if checker, ok := h.SessionStore.(observability.HealthChecker); ok {
		sessionCheck = observability.Depends("session_store", checker)
	}
	router := transport.NewRouter(transport.Dependencies{
		Config:      cfg,
		Registry:    h.Registry,
		Controller:  h.Controller,
		Descriptors: metadata.NewSessionProvider(h.Registry),
		Sessions:    sessions,
		Uploads:     h.Uploads,
		Metrics:     h.Metrics,
		Readiness: observability.NewReadiness(
			observability.Loaded("definitions", func() bool { return len(h.Registry.AllWizards()) > 0 }, "no wizard definitions loaded"),
			observability.Loaded("openapi_index", func() bool { return len(h.Contract.AllOperationIDs()) > 0 }, "backend contract has no operations"),
			sessionCheck,
			observability.Depends("upload_store", h.Uploads),
			observability.Depends("idempotency_store", h.Receipts),
			observability.Check{Name: "create_backend", Soft: true, Run: createBackend.HealthCheck},
		),
	})

	// Step 9: Start test server.
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Vendor is one browser: an HTTP client with its own cookie jar.
type Vendor struct {
	h         *TestHarness
	client    *http.Client
	SessionID string
}

// NewVendor returns a client with an empty cookie jar.
func (h *TestHarness) NewVendor() *Vendor {
	jar, _ := cookiejar.New(nil)
	return &Vendor{
		h: h,
		client: &http.Client{
			Jar:     jar,
			Timeout: 10 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Start opens a session and remembers its ID.
func (v *Vendor) Start(t *testing.T) model.SessionDescriptor {
	t.Helper()
	resp := v.Do(t, "POST", "/wizards/"+WizardID+"/sessions", nil, nil)
	var desc model.SessionDescriptor
	AssertJSON(t, resp, http.StatusCreated, &desc)
	v.SessionID = desc.SessionID
	return desc
}

// SetFields merges values into the session.
func (v *Vendor) SetFields(t *testing.T, fields map[string]any) *http.Response {
	t.Helper()
	return v.Do(t, "PUT", v.path("/fields"), map[string]any{"fields": fields}, nil)
}

// Next advances one step.
func (v *Vendor) Next(t *testing.T) *http.Response {
	t.Helper()
	return v.Do(t, "POST", v.path("/next"), nil, nil)
}

// Back retreats one step.
func (v *Vendor) Back(t *testing.T) *http.Response {
	t.Helper()
	return v.Do(t, "POST", v.path("/back"), nil, nil)
}

// Submit submits the session, optionally with an idempotency key.
func (v *Vendor) Submit(t *testing.T, key string) *http.Response {
	t.Helper()
	var headers map[string]string
	if key != "" {
		headers = map[string]string{"X-Idempotency-Key": key}
	}
	return v.Do(t, "POST", v.path("/submit"), nil, headers)
}

// Reset clears the session.
func (v *Vendor) Reset(t *testing.T) *http.Response {
	t.Helper()
	return v.Do(t, "POST", v.path("/reset"), nil, nil)
}

// Get fetches the session descriptor.
func (v *Vendor) Get(t *testing.T) *http.Response {
	t.Helper()
	return v.Do(t, "GET", v.path(""), nil, nil)
}

// Events fetches the session audit trail.
func (v *Vendor) Events(t *testing.T) []model.WizardEvent {
	t.Helper()
	var out struct {
		Data []model.WizardEvent `json:"data"`
	}
	AssertJSON(t, v.Do(t, "GET", v.path("/events"), nil, nil), http.StatusOK, &out)
	return out.Data
}

// Upload sends one file for field as multipart/form-data.
func (v *Vendor) Upload(t *testing.T, field, filename string, content []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	fw.Write(content)
	mw.Close()

	req, err := http.NewRequest("POST", v.h.server.URL+v.path("/files/"+field), &buf)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := v.client.Do(req)
	if err != nil {
		t.Fatalf("upload %s: %v", field, err)
	}
	return resp
}

// Do performs a request with the vendor's cookies.
func (v *Vendor) Do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(context.Background(), method, v.h.server.URL+path, bodyReader)
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, val := range headers {
		req.Header.Set(k, val)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

func (v *Vendor) path(suffix string) string {
	return "/sessions/" + v.SessionID + suffix
}

// --- Response helpers ---

// ParseJSON reads the response body and unmarshals it into the target.
func ParseJSON(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code and
// drains the body.
func AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != expected {
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses
// the body.
func AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	ParseJSON(t, resp, target)
}

// ErrorResponse is the error body, with the session attached on failed
// submissions.
type ErrorResponse struct {
	Error   model.ErrorEnvelope      `json:"error"`
	Session *model.SessionDescriptor `json:"session"`
}

// AssertError checks status and error code and returns the parsed body.
func AssertError(t *testing.T, resp *http.Response, status int, code string) ErrorResponse {
	t.Helper()
	var out ErrorResponse
	AssertJSON(t, resp, status, &out)
	if out.Error.Code != code {
		t.Errorf("error code = %q, want %q (message %q)", out.Error.Code, code, out.Error.Message)
	}
	return out
}

// --- Fixtures ---

// PDF is a minimal document that sniffs as application/pdf.
var PDF = []byte("%PDF-1.4\n1 0 obj << /Type /Catalog >> endobj\n%%EOF\n")

// StepFields returns valid values for each step of the vendor wizard, keyed
// by step ID. The documents step also needs a fssaiProof upload.
func StepFields() map[string]map[string]any {
	return map[string]map[string]any{
		"email":  {"email": "owner@spiceroute.in"},
		"verify": {"otp": ValidOTP},
		"owner": {
			"owner_name":      "Asha Rao",
			"phone":           "9876543210",
			"restaurant_name": "Spice Route",
		},
		"details": {
			"avgCost":    "450",
			"cuisines":   []string{"South Indian", "Chinese"},
			"days_open":  []string{"Monday", "Friday"},
			"open_time":  "09:30",
			"close_time": "22:00",
			"address":    "12 MG Road, Bengaluru",
			"pincode":    "560001",
			"map_link":   "https://maps.google.com/?q=12.97,77.59",
		},
		"documents": {
			"gst_number":     "29ABCDE1234F1Z5",
			"pan":            "ABCDE1234F",
			"account_number": "123456789012",
			"ifsc":           "HDFC0001234",
		},
		"review": {"accept_terms": true},
	}
}

var stepOrder = []string{"email", "verify", "owner", "details", "documents", "review"}

// CompleteToReview starts a session and walks it to the final step with
// valid data.
func CompleteToReview(t *testing.T, v *Vendor) {
	t.Helper()
	v.Start(t)
	fields := StepFields()
	for _, step := range stepOrder {
		AssertStatus(t, v.SetFields(t, fields[step]), http.StatusOK)
		if step == "documents" {
			AssertStatus(t, v.Upload(t, "fssaiProof", "fssai-licence.pdf", PDF), http.StatusOK)
		}
		if step == "review" {
			return
		}
		AssertStatus(t, v.Next(t), http.StatusOK)
	}
}

// repoRoot returns the module root.
func repoRoot() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..")
}
