package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Base error types
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("unavailable")
	ErrIntegrity    = errors.New("data integrity")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeAuth        ErrorType = "auth"
	ErrorTypeForbidden   ErrorType = "forbidden"
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeUnavailable ErrorType = "unavailable"
	ErrorTypeIntegrity   ErrorType = "integrity"
	ErrorTypeInternal    ErrorType = "internal"
)

// PortalError is a structured error for entitlement and billing operations.
type PortalError struct {
	Type      ErrorType
	Op        string // Operation that failed (e.g., "checkout.session.completed", "grant_trial")
	TenantID  string // Tenant the operation targeted, if known
	Err       error
	Timestamp time.Time
	Retryable bool
}

func (e *PortalError) Error() string {
	if e.TenantID != "" {
		return fmt.Sprintf("%s failed for tenant %s: %v", e.Op, e.TenantID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PortalError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *PortalError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrUnauthorized:
		return e.Type == ErrorTypeAuth
	case ErrForbidden:
		return e.Type == ErrorTypeForbidden
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation
	case ErrUnavailable:
		return e.Type == ErrorTypeUnavailable
	case ErrIntegrity:
		return e.Type == ErrorTypeIntegrity
	}

	return errors.Is(e.Err, target)
}

// New creates a new PortalError
func New(errorType ErrorType, op string, err error) *PortalError {
	return &PortalError{
		Type:      errorType,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType),
	}
}

// WithTenant adds tenant information to the error
func (e *PortalError) WithTenant(tenantID string) *PortalError {
	e.TenantID = tenantID
	return e
}

// Authentication and authorization failures, as well as bad input, are never
// worth a retry. Missing correlation data is treated like an outage: a later
// delivery is expected to observe consistent state.
func isRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeUnavailable, ErrorTypeIntegrity, ErrorTypeInternal:
		return true
	default:
		return false
	}
}

// Validation wraps a validation failure.
func Validation(op string, format string, args ...any) error {
	return New(ErrorTypeValidation, op, fmt.Errorf(format, args...))
}

// Integrity wraps a data-integrity anomaly.
func Integrity(op string, err error) *PortalError {
	return New(ErrorTypeIntegrity, op, err)
}

// Unavailable wraps a transient infrastructure failure.
func Unavailable(op string, err error) *PortalError {
	return New(ErrorTypeUnavailable, op, err)
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var portalErr *PortalError
	if errors.As(err, &portalErr) {
		return portalErr.Retryable
	}
	return !errors.Is(err, ErrInvalidInput) && !errors.Is(err, ErrUnauthorized) && !errors.Is(err, ErrForbidden)
}

// HTTPStatus maps an error onto the response code surfaced to callers.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
