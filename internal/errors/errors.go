// Package errors provides the error taxonomy shared by the storage and
// alerting packages.
//
// This file provides:
// - Sentinel errors for every error class
// - Category checking functions
// - Error to HTTP status mapping
// - Constructors that wrap sentinels with context
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// ErrValidation marks a malformed record or request. An ingested record
	// failing validation is rejected; the rest of the batch continues.
	ErrValidation = errors.New("validation failed")

	// ErrMissingField marks a missing required field. It is a validation error.
	ErrMissingField = errors.New("missing required field")

	// ErrPartitionImmutable marks an upsert into a sealed, compressed or
	// dropped partition. Callers treat it as "too old to amend".
	ErrPartitionImmutable = errors.New("partition is immutable")

	// ErrTransient marks a retryable storage failure. Engines retry the
	// affected unit on their next scheduled run, never in-line.
	ErrTransient = errors.New("transient storage error")

	// ErrConfiguration marks downstream misconfiguration, e.g. an alert rule
	// referencing a channel that does not exist. Surfaced at dispatch time.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound marks a missing entity.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition marks an alert state change that is not allowed
	// from the current state.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrLeaseHeld is returned when a unit of work is leased by another holder.
	ErrLeaseHeld = errors.New("lease held by another holder")

	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("closed")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// New is a convenience wrapper for errors.New
var New = errors.New

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrMissingField)
}

// IsConflict returns true if err is a write into an immutable partition.
func IsConflict(err error) bool {
	return errors.Is(err, ErrPartitionImmutable)
}

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConfiguration returns true if err is a configuration error.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsRetriable returns true if the error is potentially retriable.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrLeaseHeld)
}

// ============================================================================
// Error to HTTP status mapping
// ============================================================================

// HTTPStatus maps an error to the status code returned by the API.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case IsNotFound(err):
		return http.StatusNotFound
	case IsConflict(err), errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrLeaseHeld):
		return http.StatusLocked
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewNotFound creates a not-found error with context.
func NewNotFound(entityType string, identifier interface{}) error {
	return fmt.Errorf("%s '%v': %w", entityType, identifier, ErrNotFound)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrValidation)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrValidation)
}

// NewImmutable creates a conflict error for a partition that no longer
// accepts upserts.
func NewImmutable(partition, state string) error {
	return fmt.Errorf("partition %s is %s: %w", partition, state, ErrPartitionImmutable)
}

// NewTransient wraps a storage failure as retryable.
func NewTransient(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

// NewConfiguration creates a configuration error with context.
func NewConfiguration(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConfiguration)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the collected errors for errors.Is/As support.
func (v *ValidationErrors) Unwrap() []error {
	return v.Errors
}
