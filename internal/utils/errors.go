package utils

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies an error for callers that must branch on its origin
// (HTTP status mapping, worker bookkeeping) without matching on messages.
type ErrorKind string

const (
	// KindInput marks bad caller data: wrong shape, too few samples, NaNs.
	KindInput ErrorKind = "input"
	// KindPrecondition marks calls made in the wrong order, such as forecast before fit.
	KindPrecondition ErrorKind = "precondition"
	// KindUnavailable marks an optional model or artifact that is not deployed,
	// and work cut short by a deadline or cancellation.
	KindUnavailable ErrorKind = "unavailable"
	// KindInternal marks everything else.
	KindInternal ErrorKind = "internal"
)

// ValidationError represents an error occurring during data validation.
type ValidationError struct {
	Message string
}

// Error returns the error message string.
func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a new ValidationError with a specific message.
//
// Parameters:
//   - message: The validation error message.
//
// Returns:
//   - An error interface wrapping the ValidationError.
func NewValidationError(message string) error {
	return &ValidationError{
		Message: message,
	}
}

// NewValidationErrorf creates a new ValidationError with a formatted message.
//
// Parameters:
//   - format: The format string.
//   - args: Arguments for the format string.
//
// Returns:
//   - An error interface wrapping the ValidationError.
func NewValidationErrorf(format string, args ...interface{}) error {
	return &ValidationError{
		Message: fmt.Sprintf(format, args...),
	}
}

// PreconditionError is returned when an operation runs before its prerequisite.
type PreconditionError struct {
	Message string
}

func (e *PreconditionError) Error() string {
	return e.Message
}

// NewPreconditionError creates a new PreconditionError.
func NewPreconditionError(message string) error {
	return &PreconditionError{Message: message}
}

// UnavailableError reports that an optional dependency (a model pipeline,
// an artifact file) cannot be used in this deployment.
type UnavailableError struct {
	Dependency string
	Err        error
}

func (e *UnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s is unavailable", e.Dependency)
	}
	return fmt.Sprintf("%s is unavailable: %v", e.Dependency, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// NewUnavailableError creates a new UnavailableError for the named dependency.
func NewUnavailableError(dependency string, err error) error {
	return &UnavailableError{Dependency: dependency, Err: err}
}

// ShortfallError is returned when a series is too short for a backtest.
type ShortfallError struct {
	Required  int
	Available int
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("need at least %d points (have %d)", e.Required, e.Available)
}

// NewShortfallError creates a new ShortfallError.
func NewShortfallError(required, available int) error {
	return &ShortfallError{Required: required, Available: available}
}

// KindOf walks the wrap chain of err and reports its classification.
// Unknown errors are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var validationErr *ValidationError
	var shortfallErr *ShortfallError
	var preconditionErr *PreconditionError
	var unavailableErr *UnavailableError

	switch {
	case errors.As(err, &validationErr), errors.As(err, &shortfallErr):
		return KindInput
	case errors.As(err, &preconditionErr):
		return KindPrecondition
	case errors.As(err, &unavailableErr),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return KindUnavailable
	default:
		return KindInternal
	}
}

// IsUnavailable reports whether err is a dependency-unavailable error. A
// deadline or cancellation is not one.
func IsUnavailable(err error) bool {
	var unavailableErr *UnavailableError
	return errors.As(err, &unavailableErr)
}
