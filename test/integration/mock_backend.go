package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// Operation IDs served by the mock backend.
const (
	OpVerify = "verifyVendorIdentity"
	OpCreate = "createVendor"
)

// ValidOTP is the one-time password the default verify handler accepts.
const ValidOTP = "123456"

// MockBackend is a configurable HTTP test server that simulates the DROP
// vendor backend. It allows configuring per-operation responses and records
// all received requests for later assertion.
type MockBackend struct {
	t      *testing.T
	server *httptest.Server

	mu           sync.RWMutex
	operations   map[string]*operationConfig
	receivedByOp map[string][]*RecordedRequest
}

// RecordedRequest captures the details of a request received by the mock
// backend. JSON bodies land in Body; multipart bodies in Form and Files.
type RecordedRequest struct {
	Method      string
	Path        string
	ContentType string
	Headers     http.Header
	Body        map[string]any
	Form        map[string][]string
	Files       map[string]RecordedFile
	RawBody     []byte
	ReceivedAt  time.Time
}

// RecordedFile is one multipart file part.
type RecordedFile struct {
	Filename    string
	ContentType string
	Content     []byte
}

// operationConfig holds the configured responses for a single operation.
type operationConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	raw       string
	delay     time.Duration
	connError bool
	gate      <-chan struct{}
}

// OperationMock is a builder for configuring mock responses for a specific
// operation.
type OperationMock struct {
	backend *MockBackend
	opID    string
}

func newMockBackend(t *testing.T) *MockBackend {
	t.Helper()

	mb := &MockBackend{
		t:            t,
		operations:   make(map[string]*operationConfig),
		receivedByOp: make(map[string][]*RecordedRequest),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /vendor/verify", mb.handleOperation(OpVerify, defaultVerify))
	mux.HandleFunc("POST /vendor/create", mb.handleOperation(OpCreate, defaultCreate))

	mb.server = httptest.NewServer(mux)
	t.Cleanup(mb.server.Close)
	return mb
}

// URL returns the base URL of the mock backend server.
func (mb *MockBackend) URL() string {
	return mb.server.URL
}

// OnOperation returns a builder for configuring responses for the named
// operation.
func (mb *MockBackend) OnOperation(operationID string) *OperationMock {
	return &OperationMock{backend: mb, opID: operationID}
}

// RespondWith configures the operation to respond with status and a JSON body.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{status: status, body: body})
	return om
}

// RespondWithRaw configures a non-JSON response body.
func (om *OperationMock) RespondWithRaw(status int, raw string) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{status: status, raw: raw})
	return om
}

// RespondWithDelay configures a delayed response to simulate slow backends.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{status: status, body: body, delay: delay})
	return om
}

// RespondAfter holds the response until gate is closed.
func (om *OperationMock) RespondAfter(gate <-chan struct{}, status int, body any) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{status: status, body: body, gate: gate})
	return om
}

// RespondWithConnectionError configures the operation to close the
// connection to simulate a backend failure.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{connError: true})
	return om
}

func (mb *MockBackend) addResponse(opID string, resp *mockResponse) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	cfg, ok := mb.operations[opID]
	if !ok {
		cfg = &operationConfig{}
		mb.operations[opID] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (mb *MockBackend) handleOperation(opID string, fallback func(*RecordedRequest) (int, any)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := record(r)

		mb.mu.Lock()
		mb.receivedByOp[opID] = append(mb.receivedByOp[opID], rec)
		mb.mu.Unlock()

		resp := mb.getNextResponse(opID)
		if resp == nil {
			status, body := fallback(rec)
			writeJSON(w, status, body)
			return
		}

		if resp.connError {
			if hj, ok := w.(http.Hijacker); ok {
				conn, _, _ := hj.Hijack()
				if conn != nil {
					conn.Close()
				}
			}
			return
		}
		if resp.gate != nil {
			<-resp.gate
		}
		if resp.delay > 0 {
			time.Sleep(resp.delay)
		}
		if resp.raw != "" {
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(resp.status)
			io.WriteString(w, resp.raw)
			return
		}
		writeJSON(w, resp.status, resp.body)
	}
}

func record(r *http.Request) *RecordedRequest {
	rec := &RecordedRequest{
		Method:      r.Method,
		Path:        r.URL.Path,
		ContentType: r.Header.Get("Content-Type"),
		Headers:     r.Header.Clone(),
		ReceivedAt:  time.Now(),
	}

	mediaType, params, _ := mime.ParseMediaType(rec.ContentType)
	if mediaType == "multipart/form-data" {
		rec.Form = make(map[string][]string)
		rec.Files = make(map[string]RecordedFile)
		mr := multipart.NewReader(r.Body, params["boundary"])
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			data, _ := io.ReadAll(part)
			if part.FileName() != "" {
				rec.Files[part.FormName()] = RecordedFile{
					Filename:    part.FileName(),
					ContentType: part.Header.Get("Content-Type"),
					Content:     data,
				}
			} else {
				rec.Form[part.FormName()] = append(rec.Form[part.FormName()], string(data))
			}
		}
		return rec
	}

	body, _ := io.ReadAll(r.Body)
	rec.RawBody = body
	if len(body) > 0 {
		var parsed map[string]any
		if err := json.Unmarshal(body, &parsed); err == nil {
			rec.Body = parsed
		}
	}
	return rec
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func defaultVerify(rec *RecordedRequest) (int, any) {
	switch {
	case rec.Body["send_otp"] == true:
		return http.StatusOK, Reply(true, "OTP sent", nil)
	case rec.Body["verify_otp"] == true && rec.Body["otp"] == ValidOTP:
		return http.StatusOK, Reply(true, "Verified", map[string]any{"email": rec.Body["identifier"]})
	default:
		return http.StatusOK, Reply(false, "Invalid OTP", nil)
	}
}

func defaultCreate(*RecordedRequest) (int, any) {
	return http.StatusOK, Reply(true, "Vendor registered", map[string]any{"vendor_id": "V-1001"})
}

func (mb *MockBackend) getNextResponse(opID string) *mockResponse {
	mb.mu.RLock()
	cfg, ok := mb.operations[opID]
	mb.mu.RUnlock()
	if !ok || cfg == nil {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if len(cfg.responses) == 0 {
		return nil
	}

	idx := cfg.current
	if idx >= len(cfg.responses) {
		// Repeat the last response for subsequent calls.
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// AssertCalled verifies that the operation was called the expected number
// of times.
func (mb *MockBackend) AssertCalled(t *testing.T, operationID string, expectedCount int) {
	t.Helper()
	if actual := mb.CallCount(operationID); actual != expectedCount {
		t.Errorf("mock: operation %q called %d times, want %d", operationID, actual, expectedCount)
	}
}

// AssertNotCalled verifies that the operation was never called.
func (mb *MockBackend) AssertNotCalled(t *testing.T, operationID string) {
	t.Helper()
	mb.AssertCalled(t, operationID, 0)
}

// CallCount returns how many requests the operation received.
func (mb *MockBackend) CallCount(operationID string) int {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return len(mb.receivedByOp[operationID])
}

// LastRequest returns the last request received for the given operation.
// Returns nil if no requests were recorded.
func (mb *MockBackend) LastRequest(operationID string) *RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.receivedByOp[operationID]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// Reset clears all recorded requests and configured responses.
func (mb *MockBackend) Reset() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.operations = make(map[string]*operationConfig)
	mb.receivedByOp = make(map[string][]*RecordedRequest)
}

// Reply builds a backend reply envelope.
func Reply(success bool, message string, data map[string]any) map[string]any {
	out := map[string]any{"success": success}
	if message != "" {
		out["message"] = message
	}
	if data != nil {
		out["data"] = data
	}
	return out
}

// FormatJSON converts a value to indented JSON for test output.
func FormatJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
