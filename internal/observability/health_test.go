package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type stubChecker struct{ err error }

func (s stubChecker) HealthCheck(context.Context) error { return s.err }

func serveReady(t *testing.T, r *Readiness) (int, ReadinessReport) {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var report ReadinessReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode readiness: %v", err)
	}
	return rec.Code, report
}

func TestHandleHealth(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version, Commit = "1.4.0", "9f2c1e0"
	t.Cleanup(func() { Version, Commit = origVersion, origCommit })

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	json.NewDecoder(rec.Body).Decode(&body)
	if body["status"] != "ok" || body["version"] != "1.4.0" || body["commit"] != "9f2c1e0" {
		t.Errorf("body = %v", body)
	}
}

func TestReadiness(t *testing.T) {
	down := errors.New("connection refused")

	tests := []struct {
		name       string
		checks     []Check
		wantCode   int
		wantStatus string
		wantFailed string
	}{
		{
			name: "all dependencies up",
			checks: []Check{
				Loaded("definitions", func() bool { return true }, "no wizard definitions loaded"),
				Depends("session_store", stubChecker{}),
				Depends("upload_store", stubChecker{}),
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusReady,
		},
		{
			name: "no wizard definitions",
			checks: []Check{
				Loaded("definitions", func() bool { return false }, "no wizard definitions loaded"),
				Depends("session_store", stubChecker{}),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusNotReady,
			wantFailed: "definitions",
		},
		{
			name: "session store down",
			checks: []Check{
				Depends("session_store", stubChecker{err: down}),
				Depends("upload_store", stubChecker{}),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusNotReady,
			wantFailed: "session_store",
		},
		{
			name: "upload bucket down",
			checks: []Check{
				Depends("session_store", stubChecker{}),
				Depends("upload_store", stubChecker{err: errors.New("upload bucket is not accessible")}),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusNotReady,
			wantFailed: "upload_store",
		},
		{
			name: "backend circuit open only degrades",
			checks: []Check{
				Depends("session_store", stubChecker{}),
				{Name: "create_backend", Soft: true, Run: stubChecker{err: errors.New("create backend: circuit open")}.HealthCheck},
			},
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
			wantFailed: "create_backend",
		},
		{
			name: "hard failure wins over soft",
			checks: []Check{
				{Name: "create_backend", Soft: true, Run: stubChecker{err: down}.HealthCheck},
				Depends("session_store", stubChecker{err: down}),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusNotReady,
			wantFailed: "session_store",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, report := serveReady(t, NewReadiness(tt.checks...))
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if report.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", report.Status, tt.wantStatus)
			}
			if len(report.Checks) != len(tt.checks) {
				t.Errorf("checks = %v, want %d entries", report.Checks, len(tt.checks))
			}
			if tt.wantFailed != "" {
				res := report.Checks[tt.wantFailed]
				if res.Status != "error" || res.Error == "" {
					t.Errorf("%s = %+v, want an error result", tt.wantFailed, res)
				}
			}
		})
	}
}

func TestDepends_nilCheckerIsSkipped(t *testing.T) {
	r := NewReadiness(
		Depends("idempotency_store", nil),
		Loaded("definitions", func() bool { return true }, "no wizard definitions loaded"),
	)
	_, report := serveReady(t, r)
	if _, ok := report.Checks["idempotency_store"]; ok {
		t.Error("a nil checker must not be reported")
	}
	if report.Status != StatusReady {
		t.Errorf("status = %q, want ready", report.Status)
	}
}

func TestReadiness_checkTimeout(t *testing.T) {
	slow := Check{Name: "session_store", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	r := NewReadiness(slow).WithTimeout(20 * time.Millisecond)

	start := time.Now()
	report := r.Evaluate(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Evaluate took %v, want it bounded by the check timeout", elapsed)
	}
	if report.Status != StatusNotReady {
		t.Errorf("status = %q, want not_ready", report.Status)
	}
}
