package errors

import (
	"fmt"
)

// ErrorCode represents the category of a failure.
type ErrorCode string

const (
	// ErrCodeValidation indicates a malformed or incomplete request envelope
	ErrCodeValidation ErrorCode = "VALIDATION"

	// ErrCodeDependency indicates a transient failure of the classifier, datastore or ledger
	ErrCodeDependency ErrorCode = "DEPENDENCY"

	// ErrCodeTimeout indicates a dependency call exceeded its deadline
	ErrCodeTimeout ErrorCode = "TIMEOUT"

	// ErrCodeConflict indicates an illegal chain status transition
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeFormat indicates an unrecognized content hash encoding
	ErrCodeFormat ErrorCode = "FORMAT"

	// ErrCodeConfig indicates the ledger integration is not configured
	ErrCodeConfig ErrorCode = "CONFIG"

	// ErrCodeNotFound indicates the requested incident does not exist
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeInternal indicates a bug or invariant violation
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// Dependency names the external system a failure came from.
const (
	DependencyClassifier = "classifier"
	DependencyDatastore  = "datastore"
	DependencyLedger     = "ledger"
)

// Severity represents how urgently an error needs attention
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// Error is the single error type carried across component boundaries.
// The Code decides propagation; Dependency names the failing collaborator.
type Error struct {
	Code       ErrorCode      `json:"code"`
	Message    string         `json:"message"`
	Dependency string         `json:"dependency,omitempty"`
	Severity   Severity       `json:"severity"`
	Cause      error          `json:"-"`
	Context    map[string]any `json:"context,omitempty"`
}

// New creates a new Error
func New(code ErrorCode, dependency, message string, cause error) *Error {
	return &Error{
		Code:       code,
		Message:    message,
		Dependency: dependency,
		Severity:   determineSeverity(code),
		Cause:      cause,
		Context:    make(map[string]any),
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	if e.Dependency != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Dependency, e.Code, msg)
	}
	return fmt.Sprintf("[%s] %s", e.Code, msg)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// IsRetryable returns true if the error is worth retrying at the transport level
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeDependency, ErrCodeTimeout:
		return e.Severity != SeverityCritical
	default:
		return false
	}
}

func determineSeverity(code ErrorCode) Severity {
	switch code {
	case ErrCodeInternal:
		return SeverityCritical
	case ErrCodeDependency, ErrCodeTimeout:
		return SeverityHigh
	case ErrCodeConfig:
		return SeverityMedium
	case ErrCodeValidation, ErrCodeFormat, ErrCodeNotFound:
		return SeverityLow
	case ErrCodeConflict:
		return SeverityInfo
	default:
		return SeverityInfo
	}
}

// NewValidationError creates a validation error
func NewValidationError(message string) *Error {
	return New(ErrCodeValidation, "", message, nil)
}

// NewDependencyError creates a dependency error for the named collaborator
func NewDependencyError(dependency, message string, cause error) *Error {
	return New(ErrCodeDependency, dependency, message, cause)
}

// NewTimeoutError creates a timeout error for the named collaborator
func NewTimeoutError(dependency, message string, cause error) *Error {
	return New(ErrCodeTimeout, dependency, message, cause)
}

// NewConflictError creates a state transition conflict error
func NewConflictError(message string) *Error {
	return New(ErrCodeConflict, DependencyDatastore, message, nil)
}

// NewFormatError creates a hash encoding error
func NewFormatError(message string) *Error {
	return New(ErrCodeFormat, "", message, nil)
}

// NewConfigError creates a configuration error
func NewConfigError(dependency, message string) *Error {
	return New(ErrCodeConfig, dependency, message, nil)
}

// NewNotFoundError creates a not-found error
func NewNotFoundError(message string) *Error {
	return New(ErrCodeNotFound, DependencyDatastore, message, nil)
}

// NewInternalError creates an internal error
func NewInternalError(message string, cause error) *Error {
	return New(ErrCodeInternal, "", message, cause)
}
