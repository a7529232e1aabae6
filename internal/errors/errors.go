// Package errors provides typed errors for the sync engine.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for the engine's error taxonomy.
var (
	// ErrNotFound indicates a resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrAuthentication indicates an authentication failure (state mismatch,
	// expired or invalid refresh token, 401 from any broker call). Fatal to a
	// running sync.
	ErrAuthentication = errors.New("authentication failed")

	// ErrValidation indicates malformed request input or a malformed
	// response shape.
	ErrValidation = errors.New("validation error")

	// ErrRateLimit indicates the broker rejected a request for exceeding a
	// rate budget. Recovered transparently by the transport.
	ErrRateLimit = errors.New("rate limit exceeded")

	// ErrTransport indicates a network failure that survived all retries.
	ErrTransport = errors.New("transport failure")

	// ErrConflict indicates a conflicting operation (e.g. a sync already
	// running).
	ErrConflict = errors.New("resource conflict")

	// ErrInternal indicates an internal error.
	ErrInternal = errors.New("internal error")
)

// AppError is a structured application error.
type AppError struct {
	// Type is the error type (sentinel error).
	Type error
	// Message is the user-facing error message.
	Message string
	// Details contains additional error details.
	Details map[string]any
	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes the underlying cause so sentinel checks on the wrapped
// error survive. Matching against Type happens in Is.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target.
func (e *AppError) Is(target error) bool {
	return errors.Is(e.Type, target)
}

// New creates a new AppError.
func New(errType error, message string) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
	}
}

// Wrap wraps an error with additional context.
func Wrap(errType error, message string, cause error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Cause:   cause,
	}
}

// WithDetails adds details to an AppError.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	e.Details = details
	return e
}

// Authentication creates an authentication error.
func Authentication(message string, cause error) *AppError {
	if message == "" {
		message = "authentication required"
	}
	return &AppError{
		Type:    ErrAuthentication,
		Message: message,
		Cause:   cause,
	}
}

// Validation creates a validation error.
func Validation(message string) *AppError {
	return &AppError{
		Type:    ErrValidation,
		Message: message,
	}
}

// ValidationField creates a validation error for a specific field.
func ValidationField(field, message string) *AppError {
	return &AppError{
		Type:    ErrValidation,
		Message: message,
		Details: map[string]any{"field": field},
	}
}

// Transport creates a transport error.
func Transport(message string, cause error) *AppError {
	return &AppError{
		Type:    ErrTransport,
		Message: message,
		Cause:   cause,
	}
}

// RateLimit creates a rate limit error.
func RateLimit(message string) *AppError {
	return &AppError{
		Type:    ErrRateLimit,
		Message: message,
	}
}

// Conflict creates a conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Type:    ErrConflict,
		Message: message,
	}
}

// NotFound creates a not found error.
func NotFound(resource string) *AppError {
	return &AppError{
		Type:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// Internal creates an internal error.
func Internal(message string, cause error) *AppError {
	return &AppError{
		Type:    ErrInternal,
		Message: message,
		Cause:   cause,
	}
}

// IsAuthentication checks if an error is an authentication error.
func IsAuthentication(err error) bool {
	return errors.Is(err, ErrAuthentication)
}

// IsValidation checks if an error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsRateLimit checks if an error is a rate limit error.
func IsRateLimit(err error) bool {
	return errors.Is(err, ErrRateLimit)
}

// IsTransport checks if an error is a transport error.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransport)
}

// IsConflict checks if an error is a conflict error.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound checks if an error is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// HTTPStatus returns the appropriate HTTP status code for an error.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return 404
	case errors.Is(err, ErrAuthentication):
		return 401
	case errors.Is(err, ErrValidation):
		return 400
	case errors.Is(err, ErrConflict):
		return 409
	case errors.Is(err, ErrRateLimit):
		return 429
	case errors.Is(err, ErrTransport):
		return 502
	default:
		return 500
	}
}
