package model

import "context"

// RequestContext is what the middleware learned about a request: the session
// named by the cookie (empty when there is none) and the IDs used to
// correlate logs and traces. It is not modified after construction.
type RequestContext struct {
	SessionID     string
	WizardID      string
	Verified      bool
	CorrelationID string
	TraceID       string
	SpanID        string
	RemoteAddr    string
}

// OwnsSession reports whether the request's session cookie names sessionID.
func (rc *RequestContext) OwnsSession(sessionID string) bool {
	return rc != nil && rc.SessionID != "" && rc.SessionID == sessionID
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}

// MustRequestContext extracts the RequestContext from the context, panicking if
// it is not present. This is safe to call in handlers that are guaranteed to run
// behind the session middleware.
func MustRequestContext(ctx context.Context) *RequestContext {
	rctx := RequestContextFrom(ctx)
	if rctx == nil {
		panic("model: RequestContext not found in context")
	}
	return rctx
}
