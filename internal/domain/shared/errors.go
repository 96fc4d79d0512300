// Package shared contains common domain types, errors, and events
// that are used across all domain packages. This package has zero external dependencies.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrValueOutOfRange = errors.New("value out of range")

	// State errors
	ErrInvalidState    = errors.New("invalid state")
	ErrStateTransition = errors.New("invalid state transition")

	// Authorization errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")

	// Infrastructure errors
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "student", "lesson", "ledger"
	Op      string // Operation that failed, e.g., "ApplyXPDelta"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message, safe to show to callers
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// Validation creates a validation error whose message is shown to the caller as is.
func Validation(domain, op, message string) *DomainError {
	return NewDomainError(domain, op, ErrValidation, message)
}

// Student domain errors
var (
	ErrStudentNotFound  = NewDomainError("student", "Find", ErrNotFound, "User not found.")
	ErrStudentNotActive = NewDomainError("student", "CheckStatus", ErrForbidden, "student account is not active")
	ErrInvalidStudentID = NewDomainError("student", "Validate", ErrInvalidID, "invalid student ID")
)

// Lesson domain errors
var (
	ErrLessonNotFound       = NewDomainError("lesson", "Find", ErrNotFound, "lesson not found")
	ErrInvalidLessonID      = NewDomainError("lesson", "Validate", ErrInvalidID, "invalid lesson ID")
	ErrIllegalTransition    = NewDomainError("lesson", "Transition", ErrStateTransition, "progress cannot move backward")
	ErrInvalidProgressState = NewDomainError("lesson", "ParseStatus", ErrInvalidState, "unknown progress status")
)

// Ledger domain errors
var (
	ErrZeroAdjustment    = NewDomainError("ledger", "Validate", ErrValidation, "XP amount cannot be zero.")
	ErrAmountOutOfRange  = NewDomainError("ledger", "Validate", ErrValueOutOfRange, "XP amount must be between -1000000 and 1000000.")
	ErrInvalidReason     = NewDomainError("ledger", "Validate", ErrInvalidInput, "unknown XP adjustment reason")
	ErrReasonSign        = NewDomainError("ledger", "Validate", ErrInvalidInput, "XP amount sign does not match the adjustment reason")
	ErrResetNotConfirmed = NewDomainError("ledger", "ResetXP", ErrValidation, "XP reset must be confirmed")
	ErrRewardGranted     = NewDomainError("ledger", "ApplyXPDelta", ErrAlreadyExists, "lesson reward already granted")
)

// Store errors
var (
	// ErrStoreUnavailable is the only store failure callers ever see.
	// The underlying cause is logged, never returned.
	ErrStoreUnavailable = NewDomainError("store", "Connect", ErrServiceUnavailable, "The service is temporarily unavailable. Please try again later.")
)

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists checks if the error is an "already exists" error.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrValueOutOfRange)
}

// IsStateConflict checks if the error reports an illegal state change.
func IsStateConflict(err error) bool {
	return errors.Is(err, ErrStateTransition) || errors.Is(err, ErrInvalidState)
}

// IsForbidden checks if the error is an authorization failure.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden) || errors.Is(err, ErrUnauthorized)
}

// IsUnavailable checks if the store or another dependency is unavailable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrTimeout)
}

// UserMessage returns the caller-safe message carried by a DomainError,
// or fallback when err carries none.
func UserMessage(err error, fallback string) string {
	var de *DomainError
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	return fallback
}
