// Package engine provides the core types and interfaces for the OpenTundra
// provisioning engine: config evaluation, diffing, DAG construction, and
// dependency-ordered apply against cloud provider APIs.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a provisioning failure for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient marks temporary failures that may succeed on retry,
	// such as network timeouts or an eventual-consistency race after a create.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled marks cloud API rate limiting or quota exhaustion.
	// Retried with a longer backoff than transient failures.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict marks resource state conflicts: concurrent
	// modification, duplicate names, optimistic locking failures.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent marks non-recoverable failures: invalid
	// configuration, access denied, unsupported attribute values.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Common error codes attached to EngineError values.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeConflict         = "CONFLICT"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeProviderFailed   = "PROVIDER_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeStateLocked      = "STATE_LOCKED"
)

// EngineError is a classified error with resource and operation context.
type EngineError struct {
	Class     ErrorClass             `json:"class"`
	Message   string                 `json:"message"`
	Code      string                 `json:"code,omitempty"`
	Resource  string                 `json:"resource,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Err       error                  `json:"-"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" {
		msg += fmt.Sprintf(" (resource=%s", e.Resource)
		if e.Operation != "" {
			msg += fmt.Sprintf(", operation=%s", e.Operation)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches on class and code so sentinel comparisons via errors.Is work.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewError creates a classified error.
func NewError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// NewTransientError creates a transient error.
func NewTransientError(message string, err error) *EngineError {
	return NewError(ErrorClassTransient, message, err)
}

// NewThrottledError creates a throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return NewError(ErrorClassThrottled, message, err)
}

// NewConflictError creates a conflict error.
func NewConflictError(message string, err error) *EngineError {
	return NewError(ErrorClassConflict, message, err)
}

// NewPermanentError creates a permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return NewError(ErrorClassPermanent, message, err)
}

// WithResource adds resource context.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a context-specific detail field.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of err, or ErrorClassPermanent if err carries
// no classification.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassPermanent
}

// HasClass reports whether err is classified with the given class.
func HasClass(err error, class ErrorClass) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsTransient reports whether err is classified as transient.
func IsTransient(err error) bool { return HasClass(err, ErrorClassTransient) }

// IsThrottled reports whether err is classified as throttled.
func IsThrottled(err error) bool { return HasClass(err, ErrorClassThrottled) }

// IsConflict reports whether err is classified as a conflict.
func IsConflict(err error) bool { return HasClass(err, ErrorClassConflict) }

// IsPermanent reports whether err is classified as permanent.
func IsPermanent(err error) bool { return HasClass(err, ErrorClassPermanent) }

// IsRetryable reports whether the failed operation can be retried.
// Transient, throttled, and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err) || IsConflict(err)
}
