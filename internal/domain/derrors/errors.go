// Package derrors holds the typed error shared by the engine's domain packages.
package derrors

import (
	"errors"
	"fmt"
)

// ErrorCode identifies well-known error categories used across the engine.
type ErrorCode string

const (
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeState           ErrorCode = "INVALID_STATE"
	ErrCodeConflict        ErrorCode = "CONFLICT"
	ErrCodeExecution       ErrorCode = "EXECUTION_ERROR"
	ErrCodeTimeout         ErrorCode = "TIMEOUT"
	ErrCodeCancelled       ErrorCode = "CANCELLED"
	ErrCodeInternal        ErrorCode = "INTERNAL_ERROR"
	ErrCodeGroupNotFound   ErrorCode = "GROUP_NOT_FOUND"
	ErrCodeOutputNotFound  ErrorCode = "SWEEPING_OUTPUT_NOT_FOUND"
	ErrCodeLockUnavailable ErrorCode = "LOCK_UNAVAILABLE"
	ErrCodeTransition      ErrorCode = "TRANSITION_FAILED"
	ErrCodeGovernance      ErrorCode = "GOVERNANCE_DENIED"
	ErrCodeAdviser         ErrorCode = "ADVISER_ERROR"
)

// DomainError represents a typed error enriched with contextual data while
// remaining free from infrastructure dependencies.
type DomainError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]interface{}
}

// New constructs a DomainError without a cause.
func New(code ErrorCode, message string, context map[string]interface{}) *DomainError {
	return &DomainError{Code: code, Message: message, Context: context}
}

// Wrap constructs a DomainError around cause.
func Wrap(code ErrorCode, message string, cause error, context map[string]interface{}) *DomainError {
	return &DomainError{Code: code, Message: message, Cause: cause, Context: context}
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is / errors.As usage.
func (e *DomainError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches other DomainError values carrying the same code and message,
// so sentinels survive WithContext and wrapping.
func (e *DomainError) Is(target error) bool {
	var domainErr *DomainError
	if !errors.As(target, &domainErr) {
		return false
	}
	return e.Code == domainErr.Code && e.Message == domainErr.Message
}

// WithContext clones the error with additional contextual metadata.
func (e *DomainError) WithContext(ctx map[string]interface{}) *DomainError {
	if e == nil {
		return nil
	}
	merged := make(map[string]interface{}, len(e.Context)+len(ctx))
	for k, v := range e.Context {
		merged[k] = v
	}
	for k, v := range ctx {
		merged[k] = v
	}
	return &DomainError{
		Code:    e.Code,
		Message: e.Message,
		Cause:   e.Cause,
		Context: merged,
	}
}

// WithCause clones the error and attaches cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	if e == nil {
		return nil
	}
	clone := *e
	clone.Cause = cause
	return &clone
}

// CodeOf returns the code of the first DomainError in err's chain, or the
// empty code when there is none.
func CodeOf(err error) ErrorCode {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// HasCode reports whether err carries a DomainError with the given code.
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}
