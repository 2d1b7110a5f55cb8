package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// Readiness states reported by /readyz.
const (
	StatusReady    = "ready"
	StatusDegraded = "degraded"
	StatusNotReady = "not_ready"
)

const defaultCheckTimeout = 2 * time.Second

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Check is one named readiness check. A failing Check marks the service not
// ready unless it is Soft, in which case the service is only degraded: the
// wizard can still be filled in even if, say, the vendor backend is down.
type Check struct {
	Name string
	Soft bool
	Run  func(ctx context.Context) error
}

// Depends adapts a HealthChecker into a Check. A nil checker yields a zero
// Check, which Readiness ignores.
func Depends(name string, hc HealthChecker) Check {
	if hc == nil {
		return Check{}
	}
	return Check{Name: name, Run: hc.HealthCheck}
}

// Loaded reports an error with msg whenever ok returns false.
func Loaded(name string, ok func() bool, msg string) Check {
	return Check{Name: name, Run: func(context.Context) error {
		if ok == nil || !ok() {
			return errors.New(msg)
		}
		return nil
	}}
}

// CheckResult is the outcome of one Check.
type CheckResult struct {
	Status    string `json:"status"`
	Soft      bool   `json:"soft,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// ReadinessReport is the /readyz body.
type ReadinessReport struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// Readiness runs a fixed set of checks concurrently, each under its own
// timeout.
type Readiness struct {
	checks  []Check
	timeout time.Duration
}

// NewReadiness collects checks. Zero-valued checks are dropped so optional
// dependencies can be passed through Depends unconditionally.
func NewReadiness(checks ...Check) *Readiness {
	r := &Readiness{timeout: defaultCheckTimeout}
	for _, c := range checks {
		if c.Run != nil {
			r.checks = append(r.checks, c)
		}
	}
	return r
}

// WithTimeout sets the per-check timeout.
func (r *Readiness) WithTimeout(d time.Duration) *Readiness {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Evaluate runs every check and folds the results into a report.
func (r *Readiness) Evaluate(ctx context.Context) ReadinessReport {
	results := make([]CheckResult, len(r.checks))

	var g errgroup.Group
	for i, c := range r.checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			start := time.Now()
			err := c.Run(cctx)
			res := CheckResult{Status: "ok", Soft: c.Soft, LatencyMs: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "error"
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	report := ReadinessReport{Status: StatusReady, Checks: make(map[string]CheckResult, len(results))}
	for i, res := range results {
		report.Checks[r.checks[i].Name] = res
		if res.Status == "ok" {
			continue
		}
		if !res.Soft {
			report.Status = StatusNotReady
		} else if report.Status == StatusReady {
			report.Status = StatusDegraded
		}
	}
	return report
}

// Handler serves /readyz: 200 when ready or degraded, 503 otherwise.
func (r *Readiness) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		report := r.Evaluate(req.Context())
		status := http.StatusOK
		if report.Status == StatusNotReady {
			status = http.StatusServiceUnavailable
		}
		writeHealthJSON(w, status, report)
	}
}

// HandleHealth serves /healthz. It never touches a dependency.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": Version,
			"commit":  Commit,
		})
	}
}

func writeHealthJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
