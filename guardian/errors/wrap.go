package errors

import (
	"context"
	"errors"
	"strings"
)

// WrapError wraps err as an *Error unless it already is one, in which case
// the message is recorded in its context and the original code is kept.
func WrapError(err error, code ErrorCode, dependency, message string) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		e.WithContext("wrapped_message", message)
		if dependency != "" && e.Dependency == "" {
			e.Dependency = dependency
		}
		return e
	}

	// deadline errors from context are reported as timeouts regardless of requested code
	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, dependency, message, err)
	}
	return New(code, dependency, message, err)
}

// HasCode checks if an error is an *Error with the given code
func HasCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool { return HasCode(err, ErrCodeValidation) }

// IsDependency reports whether err is a DependencyError. Timeouts count.
func IsDependency(err error) bool {
	return HasCode(err, ErrCodeDependency) || HasCode(err, ErrCodeTimeout)
}

// IsTimeout reports whether err is a dependency timeout
func IsTimeout(err error) bool {
	return HasCode(err, ErrCodeTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsConflict reports whether err is a ConflictError
func IsConflict(err error) bool { return HasCode(err, ErrCodeConflict) }

// IsFormat reports whether err is a FormatError
func IsFormat(err error) bool { return HasCode(err, ErrCodeFormat) }

// IsConfig reports whether err is a ConfigError
func IsConfig(err error) bool { return HasCode(err, ErrCodeConfig) }

// IsNotFound reports whether err is a NotFound error
func IsNotFound(err error) bool { return HasCode(err, ErrCodeNotFound) }

var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"too many requests",
	"rate limit",
	"eof",
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var e *Error
	if errors.As(err, &e) {
		return e.IsRetryable()
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

// CodeOf returns the code of an *Error, or ErrCodeInternal for foreign errors
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}
