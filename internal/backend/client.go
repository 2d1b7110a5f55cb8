// Package backend is the HTTP client for the registration backend. It issues
// exactly one request per call, never retries, and classifies every outcome
// into a success envelope or one of the submission error codes.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/droponboard/internal/observability"
	"github.com/pitabwire/droponboard/model"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 1 << 20

// Response is the backend's JSON envelope: {success, message?, data?}.
type Response struct {
	Success *bool           `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// DataMap decodes Data as an object. A missing or non-object payload yields
// an empty map.
func (r Response) DataMap() map[string]any {
	out := map[string]any{}
	if len(r.Data) == 0 {
		return out
	}
	_ = json.Unmarshal(r.Data, &out)
	return out
}

// Client posts to a single backend endpoint.
type Client struct {
	name     string
	endpoint string
	http     *http.Client
	breaker  *CircuitBreaker
	metrics  *observability.Metrics
	logger   *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithCircuitBreaker guards the endpoint with cb.
func WithCircuitBreaker(cb *CircuitBreaker) ClientOption {
	return func(c *Client) { c.breaker = cb }
}

// WithMetrics records backend request metrics.
func WithMetrics(m *observability.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a client for endpoint. name labels metrics and spans,
// e.g. "identity" or "create".
func NewClient(name, endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		name:     name,
		endpoint: endpoint,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the metrics label of the client.
func (c *Client) Name() string { return c.name }

// Endpoint returns the URL the client posts to.
func (c *Client) Endpoint() string { return c.endpoint }

// BreakerState returns the breaker state, or BreakerClosed without one.
func (c *Client) BreakerState() BreakerState {
	if c.breaker == nil {
		return BreakerClosed
	}
	return c.breaker.State()
}

// HealthCheck fails while the breaker is open. It never calls the backend.
func (c *Client) HealthCheck(context.Context) error {
	if c.BreakerState() == BreakerOpen {
		return fmt.Errorf("%s backend: circuit open", c.name)
	}
	return nil
}

// PostJSON marshals body and posts it as application/json.
func (c *Client) PostJSON(ctx context.Context, body any) (Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("marshal request body: %w", err)
	}
	return c.Post(ctx, "application/json", data)
}

// Post sends one request and classifies the outcome:
//   - transport failure or open breaker: BACKEND_UNAVAILABLE
//   - 2xx body that is not the JSON envelope: MALFORMED_RESPONSE
//   - non-2xx, or success:false: SUBMISSION_REJECTED carrying the backend's
//     message verbatim
func (c *Client) Post(ctx context.Context, contentType string, body []byte) (Response, error) {
	ctx, span := observability.StartBackendSpan(ctx, c.name)
	var spanErr error
	defer func() { observability.Finish(span, spanErr) }()

	log := observability.RequestLogger(ctx, c.logger).With(zap.String("backend", c.name))

	if c.breaker != nil {
		if err := c.breaker.Allow(); err != nil {
			c.reportBreaker()
			log.Warn("backend circuit breaker open, request not sent")
			spanErr = err
			return Response{}, model.NewBackendUnavailableError()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		spanErr = err
		return Response{}, fmt.Errorf("build %s request: %w", c.name, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if rc := model.RequestContextFrom(ctx); rc != nil && rc.CorrelationID != "" {
		req.Header.Set("X-Correlation-Id", rc.CorrelationID)
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.recordFailure()
		c.recordRequest(0, time.Since(start))
		log.Warn("backend unreachable",
			zap.Duration("duration", time.Since(start)),
			zap.Bool("timeout", isTimeout(err)),
			zap.Error(err),
		)
		spanErr = err
		return Response{}, model.NewBackendUnavailableError()
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	c.recordRequest(resp.StatusCode, time.Since(start))
	if err != nil {
		c.recordFailure()
		spanErr = err
		log.Warn("backend response truncated", zap.Error(err))
		return Response{}, model.NewBackendUnavailableError()
	}
	c.recordSuccess()

	out, err := Classify(resp.StatusCode, raw)
	if err != nil {
		spanErr = err
		log.Warn("backend call failed",
			zap.Int("status", resp.StatusCode),
			zap.Error(err),
		)
		return out, err
	}

	log.Debug("backend call succeeded",
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)
	return out, nil
}

// Classify maps a status code and body onto the backend envelope or an
// error envelope.
func Classify(status int, body []byte) (Response, error) {
	ok2xx := status >= 200 && status < 300

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		if !ok2xx {
			return Response{}, model.NewRejectedError(statusMessage(status))
		}
		return Response{}, model.NewMalformedResponseError(
			fmt.Sprintf("response is not JSON: %v", err),
		)
	}

	if !ok2xx {
		msg := strings.TrimSpace(out.Message)
		if msg == "" {
			msg = statusMessage(status)
		}
		return out, model.NewRejectedError(msg)
	}

	if out.Success == nil {
		return out, model.NewMalformedResponseError("response has no success flag")
	}
	if !*out.Success {
		msg := out.Message
		if strings.TrimSpace(msg) == "" {
			msg = "The request was not accepted."
		}
		return out, model.NewRejectedError(msg)
	}
	return out, nil
}

func statusMessage(status int) string {
	if text := http.StatusText(status); text != "" {
		return fmt.Sprintf("The server responded with %d %s.", status, text)
	}
	return fmt.Sprintf("The server responded with status %d.", status)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (c *Client) recordRequest(status int, d time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordBackendRequest(c.name, status, d)
	}
}

func (c *Client) recordSuccess() {
	if c.breaker != nil {
		c.breaker.RecordSuccess()
		c.reportBreaker()
	}
}

func (c *Client) recordFailure() {
	if c.breaker != nil {
		c.breaker.RecordFailure()
		c.reportBreaker()
	}
}

func (c *Client) reportBreaker() {
	if c.metrics != nil && c.breaker != nil {
		var v float64
		switch c.breaker.State() {
		case BreakerHalfOpen:
			v = 1
		case BreakerOpen:
			v = 2
		}
		c.metrics.SetBackendCircuitBreakerState(c.name, v)
	}
}
