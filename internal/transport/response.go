// Package transport contains the HTTP router, middleware chain, and request
// handlers for the onboarding wizard API.
package transport

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/pitabwire/droponboard/internal/observability"
	"github.com/pitabwire/droponboard/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrPreconditionFailed: http.StatusConflict,
	model.ErrConfiguration:      http.StatusBadRequest,
	model.ErrSubmissionRejected: http.StatusUnprocessableEntity,
	model.ErrMalformedResponse:  http.StatusBadGateway,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
}

type errorResponse struct {
	Error   *model.ErrorEnvelope     `json:"error"`
	Session *model.SessionDescriptor `json:"session,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes err as {"error": envelope} with the status for its
// code. Errors that are not envelopes become a logged INTERNAL_ERROR.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, err, nil)
}

// writeError optionally attaches the session descriptor, so that a failed
// submission returns both the verbatim reason and the retryable state.
func writeError(w http.ResponseWriter, r *http.Request, err error, session *model.SessionDescriptor) {
	ee, ok := model.AsEnvelope(err)
	if !ok {
		observability.RequestLogger(r.Context(), zap.L()).Error("unhandled error",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		ee = model.NewInternalError()
	}

	out := *ee
	if out.TraceID == "" {
		out.TraceID, _ = observability.TraceContext(r.Context())
	}

	status := statusForCode[out.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, errorResponse{Error: &out, Session: session})
}
