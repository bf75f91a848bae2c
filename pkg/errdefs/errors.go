// Package errdefs provides the classified error type shared by the
// planforge build and deployment pipeline. Classification drives retry
// behavior: transient and throttled errors may be retried, permanent
// errors may not.
package errdefs

import (
	"errors"
	"fmt"
)

// Class represents the classification of an error for retry and recovery logic.
type Class string

const (
	// ClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, SSH session churn, busy toolchains.
	ClassTransient Class = "transient"

	// ClassThrottled indicates rate limiting or resource exhaustion.
	// Retried with a longer backoff than transient failures.
	ClassThrottled Class = "throttled"

	// ClassPermanent indicates a non-recoverable error.
	// Examples: invalid plan content, compile errors, unsupported targets.
	ClassPermanent Class = "permanent"
)

// Error represents a classified error with context.
type Error struct {
	// Class is the error classification for retry logic.
	Class Class `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Unit identifies the compilation unit or host the error belongs to.
	Unit string `json:"unit,omitempty"`

	// Op is the operation being performed when the error occurred.
	Op string `json:"op,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}
	if e.Unit != "" && e.Op != "" {
		return fmt.Sprintf("[%s] %s (unit=%s, op=%s)", e.Class, msg, e.Unit, e.Op)
	}
	if e.Unit != "" {
		return fmt.Sprintf("[%s] %s (unit=%s)", e.Class, msg, e.Unit)
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransient creates a new transient error, optionally wrapping a cause.
func NewTransient(message string, cause ...error) *Error {
	return &Error{Class: ClassTransient, Message: message, Err: firstCause(cause)}
}

// NewThrottled creates a new throttled error, optionally wrapping a cause.
func NewThrottled(message string, cause ...error) *Error {
	return &Error{Class: ClassThrottled, Message: message, Err: firstCause(cause)}
}

// NewPermanent creates a new permanent error, optionally wrapping a cause.
func NewPermanent(message string, cause ...error) *Error {
	return &Error{Class: ClassPermanent, Message: message, Err: firstCause(cause)}
}

func firstCause(cause []error) error {
	if len(cause) > 0 {
		return cause[0]
	}
	return nil
}

// WithCode adds an error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithUnit adds unit or host context.
func (e *Error) WithUnit(unit string) *Error {
	e.Unit = unit
	return e
}

// WithOp adds operation context.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ClassTransient
	}
	return false
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ClassThrottled
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// Common error codes.
const (
	CodePlanInvalid       = "PLAN_INVALID"
	CodeModuleMissing     = "MODULE_MISSING"
	CodeUnsupportedTarget = "UNSUPPORTED_TARGET"
	CodeToolchainMissing  = "TOOLCHAIN_MISSING"
	CodeCompileFailed     = "COMPILE_FAILED"
	CodeSizeLimit         = "SIZE_LIMIT_EXCEEDED"
	CodeCacheCorruption   = "CACHE_CORRUPTION"
	CodeTransferFailed    = "TRANSFER_FAILED"
	CodeVerifyMismatch    = "VERIFY_MISMATCH"
	CodeNoPriorVersion    = "NO_PRIOR_VERSION"
	CodeReportFailed      = "REPORT_FAILED"
	CodeCancelled         = "CANCELLED"
	CodeInternal          = "INTERNAL_ERROR"
)
