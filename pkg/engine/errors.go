package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: interface busy, netlink socket temporarily unavailable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid graph, permission denied, unknown interface.
	ErrorClassPermanent ErrorClass = "permanent"
)

// TaskError represents a classified error with context.
type TaskError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Unit is the id of the unit that failed, if applicable.
	Unit string `json:"unit,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Unit != "" {
		msg += fmt.Sprintf(" (unit=%s)", e.Unit)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *TaskError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *TaskError) Is(target error) bool {
	t, ok := target.(*TaskError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *TaskError {
	return &TaskError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *TaskError {
	return &TaskError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithUnit adds unit context to an error.
func (e *TaskError) WithUnit(unitID string) *TaskError {
	e.Unit = unitID
	return e
}

// WithCode adds an error code to an error.
func (e *TaskError) WithCode(code string) *TaskError {
	e.Code = code
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *TaskError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is permanent. Unclassified errors are permanent.
func IsPermanent(err error) bool {
	return err != nil && !IsTransient(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeTaskFailed       = "TASK_FAILED"
	ErrCodeDependencyFailed = "DEPENDENCY_FAILED"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
