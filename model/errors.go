package model

import (
	"errors"
	"fmt"
)

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
)

// Wizard-specific error codes.
const (
	ErrValidationError    = "VALIDATION_ERROR"
	ErrPreconditionFailed = "PRECONDITION_FAILED"
	ErrConfiguration      = "CONFIGURATION_ERROR"
	ErrSubmissionRejected = "SUBMISSION_REJECTED"
	ErrMalformedResponse  = "MALFORMED_RESPONSE"
)

// ErrorEnvelope is the standard error value returned across package
// boundaries and rendered by the transport layer. It implements the error
// interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AsEnvelope extracts an *ErrorEnvelope from err, if any.
func AsEnvelope(err error) (*ErrorEnvelope, bool) {
	var ee *ErrorEnvelope
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// HasCode reports whether err carries an ErrorEnvelope with the given code.
func HasCode(err error, code string) bool {
	ee, ok := AsEnvelope(err)
	return ok && ee.Code == code
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR whose message is the first
// field error. Only the first error is ever surfaced to the user.
func NewValidationError(first FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: first.Message,
		Details: []FieldError{first},
	}
}

// NewPreconditionError returns a PRECONDITION_FAILED error for navigation
// gates and out-of-order operations.
func NewPreconditionError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrPreconditionFailed, Message: msg}
}

// NewConfigurationError returns a CONFIGURATION_ERROR. These are programmer
// errors (unknown field names, wrong value kinds), not user mistakes.
func NewConfigurationError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConfiguration, Message: msg}
}

// NewRejectedError returns a SUBMISSION_REJECTED error carrying the backend's
// message verbatim.
func NewRejectedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrSubmissionRejected, Message: msg}
}

// NewMalformedResponseError returns a MALFORMED_RESPONSE error.
func NewMalformedResponseError(detail string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrMalformedResponse,
		Message: "The server returned an unexpected response. Please try again.",
		Details: []FieldError{{Code: ErrMalformedResponse, Message: detail}},
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewBackendUnavailableError returns a BACKEND_UNAVAILABLE error. It is the
// Unreachable outcome: no server response was received at all.
func NewBackendUnavailableError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrBackendUnavailable,
		Message: "Could not reach the server. Please check your connection and try again.",
	}
}
