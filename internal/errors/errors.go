// Package errors provides the structured error taxonomy shared across Rise's
// HTTP handlers, store, reconciler, and broker layers.
//
// Errors carry a code rather than a distinct Go type, and map to an HTTP
// status and a {error, error_description} JSON body. Intermediate layers
// wrap with Wrap to add context without losing the code.
package errors

import (
	"fmt"
	"net/http"
)

// AppError is a structured error with an HTTP-mappable kind.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	StatusCode int    `json:"-"`
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s - %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ErrorResponse is the JSON body returned to API clients.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Details          string `json:"details,omitempty"`
}

// Error kinds.
const (
	ErrCodeValidation       = "VALIDATION"
	ErrCodeUnauthenticated  = "UNAUTHENTICATED"
	ErrCodeForbidden        = "FORBIDDEN"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeTransientExternal = "TRANSIENT_EXTERNAL"
	ErrCodePermanentExternal = "PERMANENT_EXTERNAL"
	ErrCodeFatalInternal    = "FATAL_INTERNAL"
)

func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message, StatusCode: statusForCode(code)}
}

func NewWithDetails(code, message, details string) *AppError {
	return &AppError{Code: code, Message: message, Details: details, StatusCode: statusForCode(code)}
}

// Wrap attaches a Kind to an underlying error, preserving its text as Details.
func Wrap(code, message string, err error) *AppError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	return NewWithDetails(code, message, details)
}

func statusForCode(code string) int {
	switch code {
	case ErrCodeValidation:
		return http.StatusBadRequest
	case ErrCodeUnauthenticated:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodePermanentExternal:
		return http.StatusBadGateway
	case ErrCodeTransientExternal:
		return http.StatusServiceUnavailable
	case ErrCodeFatalInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// ToResponse renders the error as the API's JSON error body. Never echoes
// internal identifiers or credentials — Details is only populated by callers
// that already scrub upstream error text.
func (e *AppError) ToResponse() ErrorResponse {
	return ErrorResponse{Error: e.Code, ErrorDescription: e.Message, Details: e.Details}
}

// IsTransient reports whether the reconciler's retry budget applies to err.
func IsTransient(err error) bool {
	ae, ok := err.(*AppError)
	return ok && ae.Code == ErrCodeTransientExternal
}

// IsConflict reports whether err represents a CAS/optimistic-concurrency
// failure the caller should resolve by re-reading state.
func IsConflict(err error) bool {
	ae, ok := err.(*AppError)
	return ok && ae.Code == ErrCodeConflict
}

func Validation(message string) *AppError      { return New(ErrCodeValidation, message) }
func Unauthenticated(message string) *AppError { return New(ErrCodeUnauthenticated, message) }
func Forbidden(message string) *AppError       { return New(ErrCodeForbidden, message) }
func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}
func Conflict(message string) *AppError { return New(ErrCodeConflict, message) }

// TransientExternal wraps a retryable failure from the runtime adapter,
// registry broker, or an upstream OIDC provider.
func TransientExternal(source string, err error) *AppError {
	return Wrap(ErrCodeTransientExternal, fmt.Sprintf("%s temporarily unavailable", source), err)
}

// PermanentExternal wraps an unrecoverable failure (IAM denial, invalid OIDC
// config, namespace forbidden) that should fail the operation outright.
func PermanentExternal(source, reason string) *AppError {
	return New(ErrCodePermanentExternal, fmt.Sprintf("%s: %s", source, reason))
}

// FatalInternal reports an invariant violation. The caller aborts the
// current operation; it does not crash the process unless the invariant
// pertains to boot.
func FatalInternal(message string) *AppError { return New(ErrCodeFatalInternal, message) }
