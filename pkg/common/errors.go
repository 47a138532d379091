package common

import (
	"errors"
	"net/http"
)

// Common sentinel errors
var (
	ErrNotFound       = errors.New("resource not found")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrBadRequest     = errors.New("bad request")
	ErrConflict       = errors.New("resource conflict")
	ErrInternalServer = errors.New("internal server error")
)

// Machine-readable error codes exposed in API responses. These mirror the
// verification engine's error taxonomy so callers can branch without string
// matching messages.
const (
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeUnauthenticated     = "UNAUTHENTICATED"
	CodeValidation          = "VALIDATION"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeUpstreamRejected    = "UPSTREAM_REJECTED"
	CodeInternal            = "INTERNAL"
)

// AppError is an application error carrying an HTTP status code and a
// machine error code.
type AppError struct {
	Code      int    `json:"code"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message"`
	Err       error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewNotFoundError reports an unknown case or verification id.
func NewNotFoundError(message string, err error) *AppError {
	return &AppError{Code: http.StatusNotFound, ErrorCode: CodeNotFound, Message: message, Err: err}
}

// NewConflictError reports a duplicate in-progress or already-verified case.
func NewConflictError(message string) *AppError {
	return &AppError{Code: http.StatusConflict, ErrorCode: CodeConflict, Message: message, Err: ErrConflict}
}

// NewInvalidTransitionError reports an action not allowed in the case's
// current status (wrong status, max attempts, update on approved case,
// review without the review flag).
func NewInvalidTransitionError(message string) *AppError {
	return &AppError{Code: http.StatusBadRequest, ErrorCode: CodeInvalidTransition, Message: message, Err: ErrBadRequest}
}

// NewUnauthenticatedError reports a bad or missing webhook signature.
func NewUnauthenticatedError(message string) *AppError {
	return &AppError{Code: http.StatusUnauthorized, ErrorCode: CodeUnauthenticated, Message: message, Err: ErrUnauthorized}
}

// NewValidationError reports malformed caller input.
func NewValidationError(message string) *AppError {
	return &AppError{Code: http.StatusBadRequest, ErrorCode: CodeValidation, Message: message, Err: ErrBadRequest}
}

// NewUpstreamUnavailableError reports a provider transport failure.
func NewUpstreamUnavailableError(message string, err error) *AppError {
	return &AppError{Code: http.StatusServiceUnavailable, ErrorCode: CodeUpstreamUnavailable, Message: message, Err: err}
}

// NewUpstreamRejectedError reports a provider application-level error.
func NewUpstreamRejectedError(message string, err error) *AppError {
	return &AppError{Code: http.StatusBadGateway, ErrorCode: CodeUpstreamRejected, Message: message, Err: err}
}

// NewInternalServerError reports an unexpected failure.
func NewInternalServerError(message string) *AppError {
	return &AppError{Code: http.StatusInternalServerError, ErrorCode: CodeInternal, Message: message, Err: ErrInternalServer}
}
