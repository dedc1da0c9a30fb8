package meshbind

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Registry-related errors
	ErrServerNotFound    = errors.New("capability server not found")
	ErrNameReserved      = errors.New("name reserved for internal server")
	ErrInternalProtected = errors.New("internal servers cannot be removed")

	// Binder-related errors
	ErrBindingNotFound  = errors.New("binding not found")
	ErrPolicyDenied     = errors.New("capability denied by binding policy")
	ErrCapacityExceeded = errors.New("maximum concurrent servers reached")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")

	// HTTP/Network errors
	ErrConnectionFailed  = errors.New("connection failed")
	ErrHealthCheckFailed = errors.New("health check failed")
)

// ControlError provides structured error information with context.
// It implements the error interface and supports error wrapping.
type ControlError struct {
	Op      string // Operation that failed (e.g., "registry.Register")
	Kind    string // Error kind (e.g., "registry", "binder", "mesh")
	Name    string // Optional server name or instance ID involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *ControlError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.Name != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.Name, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *ControlError) Unwrap() error {
	return e.Err
}

// NewControlError creates a new ControlError
func NewControlError(op, kind string, err error) *ControlError {
	return &ControlError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrServerNotFound) ||
		errors.Is(err, ErrBindingNotFound)
}

// IsPolicyViolation checks if an error was caused by policy enforcement
func IsPolicyViolation(err error) bool {
	return errors.Is(err, ErrPolicyDenied) ||
		errors.Is(err, ErrCapacityExceeded)
}

// IsProtected checks if an error was caused by an attempt to mutate an
// internal registry entry
func IsProtected(err error) bool {
	return errors.Is(err, ErrNameReserved) ||
		errors.Is(err, ErrInternalProtected)
}

// IsRetryable checks if an error is retryable.
// Retryable errors are typically transient network or availability issues.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrHealthCheckFailed)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
