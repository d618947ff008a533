package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a structured error code
type ErrorCode string

const (
	// Resource pool errors
	ErrCodeResourceNotFound    ErrorCode = "RESOURCE_NOT_FOUND"
	ErrCodeResourceBusy        ErrorCode = "RESOURCE_BUSY"
	ErrCodeResourceNotLoaded   ErrorCode = "RESOURCE_NOT_LOADED"
	ErrCodeResourceUnavailable ErrorCode = "RESOURCE_UNAVAILABLE"

	// Page driver errors
	ErrCodeNavigation  ErrorCode = "NAVIGATION"
	ErrCodeInteraction ErrorCode = "INTERACTION"
	ErrCodeExtraction  ErrorCode = "EXTRACTION"

	// Queue errors
	ErrCodeQueueBroker ErrorCode = "QUEUE_BROKER"

	// Job lifecycle errors
	ErrCodeJobNotFound            ErrorCode = "JOB_NOT_FOUND"
	ErrCodeInvalidStateTransition ErrorCode = "INVALID_STATE_TRANSITION"

	// Generic errors
	ErrCodeValidation ErrorCode = "VALIDATION"
	ErrCodeStorage    ErrorCode = "STORAGE"
	ErrCodeInternal   ErrorCode = "INTERNAL"
)

// Error represents a structured Courier error
type Error struct {
	Code       ErrorCode
	Message    string
	Underlying error
	Context    map[string]any
	Retryable  bool
}

// New creates a new structured error
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Context: make(map[string]any),
	}
}

// Newf creates a new structured error with a formatted message
func Newf(code ErrorCode, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with Courier error context
func Wrap(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:       code,
		Message:    message,
		Underlying: err,
		Context:    make(map[string]any),
	}
}

// WithContext adds context key-value pairs to the error
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// WithRetryable marks the error as retryable
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// Error implements the error interface
func (e *Error) Error() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		sb.WriteString(" {")
		first := true
		for k, v := range e.Context {
			if !first {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s: %v", k, v))
			first = false
		}
		sb.WriteString("}")
	}

	if e.Underlying != nil {
		sb.WriteString(fmt.Sprintf(": %v", e.Underlying))
	}

	return sb.String()
}

// Unwrap returns the underlying error for errors.Is/As
func (e *Error) Unwrap() error {
	return e.Underlying
}

// IsCode checks if an error (or any error it wraps) has a specific error code
func IsCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	var courierErr *Error
	if !stderrors.As(err, &courierErr) {
		return false
	}

	return courierErr.Code == code
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ""
	}

	var courierErr *Error
	if !stderrors.As(err, &courierErr) {
		return ErrCodeInternal
	}

	return courierErr.Code
}

// IsRetryable checks if an error is retryable. Errors that do not carry the
// structured type are treated as permanent.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var courierErr *Error
	if !stderrors.As(err, &courierErr) {
		return false
	}

	return courierErr.Retryable
}
