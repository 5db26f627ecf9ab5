package clamav

import (
	"errors"
	"fmt"
)

// Error codes for machine-readable error classification.
const (
	CodeConnection = "connection_error"
	CodeTimeout    = "timeout"
	CodeValidation = "validation_error"
	CodeService    = "service_error"
	CodeProtocol   = "protocol_error"
	CodeQuarantine = "quarantine_error"
)

// Error is the base error type for all gateway errors.
type Error struct {
	// Code is a machine-readable error code.
	Code string
	// Message is a human-readable error description.
	Message string
	// Cause is the underlying error, if any.
	Cause error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause for use with errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewConnectionError creates an error indicating a connection failure
// (refused, reset, unreachable socket).
func NewConnectionError(msg string, cause error) *Error {
	return &Error{
		Code:    CodeConnection,
		Message: msg,
		Cause:   cause,
	}
}

// NewTimeoutError creates an error indicating a timeout.
func NewTimeoutError(msg string, cause error) *Error {
	return &Error{
		Code:    CodeTimeout,
		Message: msg,
		Cause:   cause,
	}
}

// NewValidationError creates an error indicating invalid input.
func NewValidationError(msg string, cause error) *Error {
	return &Error{
		Code:    CodeValidation,
		Message: msg,
		Cause:   cause,
	}
}

// NewServiceError creates an error indicating the daemon reported a failure.
func NewServiceError(msg string, cause error) *Error {
	return &Error{
		Code:    CodeService,
		Message: msg,
		Cause:   cause,
	}
}

// NewProtocolError creates an error indicating an unusable daemon response.
func NewProtocolError(msg string, cause error) *Error {
	return &Error{
		Code:    CodeProtocol,
		Message: msg,
		Cause:   cause,
	}
}

// NewQuarantineError creates an error indicating a failed quarantine side effect.
func NewQuarantineError(msg string, cause error) *Error {
	return &Error{
		Code:    CodeQuarantine,
		Message: msg,
		Cause:   cause,
	}
}

// IsConnectionError reports whether err is or wraps a connection error.
func IsConnectionError(err error) bool {
	return hasCode(err, CodeConnection)
}

// IsTimeoutError reports whether err is or wraps a timeout error.
func IsTimeoutError(err error) bool {
	return hasCode(err, CodeTimeout)
}

// IsValidationError reports whether err is or wraps a validation error.
func IsValidationError(err error) bool {
	return hasCode(err, CodeValidation)
}

// IsServiceError reports whether err is or wraps a service error.
func IsServiceError(err error) bool {
	return hasCode(err, CodeService)
}

// IsProtocolError reports whether err is or wraps a protocol error.
func IsProtocolError(err error) bool {
	return hasCode(err, CodeProtocol)
}

// IsQuarantineError reports whether err is or wraps a quarantine error.
func IsQuarantineError(err error) bool {
	return hasCode(err, CodeQuarantine)
}

func hasCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
