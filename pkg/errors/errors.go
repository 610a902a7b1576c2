// Package errors holds the file-level error types shared by the plan loader,
// the config loader and the executors.
package errors

import (
	"fmt"
)

// ParseError represents a YAML parsing failure with optional line metadata.
type ParseError struct {
	Path    string
	Line    int
	Message string
	Err     error
}

// NewParseError constructs a ParseError.
func NewParseError(path string, line int, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	return &ParseError{Path: path, Line: line, Message: message, Err: err}
}

func (e *ParseError) Error() string {
	if e == nil {
		return ""
	}

	if e.Line > 0 {
		return fmt.Sprintf("parse error: %s:%d: %s", e.Path, e.Line, e.Message)
	}
	return fmt.Sprintf("parse error: %s: %s", e.Path, e.Message)
}

// Unwrap exposes the underlying error.
func (e *ParseError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ValidationError captures configuration validation issues.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

// NewValidationError constructs a ValidationError.
func NewValidationError(field, message string, err error) error {
	return &ValidationError{Field: field, Message: message, Err: err}
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// Unwrap exposes the underlying error.
func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ExecutionError represents a runtime failure while executing a node.
type ExecutionError struct {
	NodeID string
	Err    error
}

// NewExecutionError constructs an ExecutionError.
func NewExecutionError(nodeID string, err error) error {
	return &ExecutionError{NodeID: nodeID, Err: err}
}

func (e *ExecutionError) Error() string {
	if e == nil {
		return ""
	}
	if e.NodeID != "" {
		return fmt.Sprintf("execution error on node %s: %v", e.NodeID, e.Err)
	}
	return fmt.Sprintf("execution error: %v", e.Err)
}

// Unwrap exposes the root error.
func (e *ExecutionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ExecutorError indicates issues within executor registration or parameter
// decoding for a step type.
type ExecutorError struct {
	StepType string
	Message  string
	Err      error
}

// NewExecutorError constructs an ExecutorError for the given step type.
func NewExecutorError(stepType string, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	return &ExecutorError{StepType: stepType, Message: message, Err: err}
}

func (e *ExecutorError) Error() string {
	if e == nil {
		return ""
	}
	if e.StepType != "" {
		return fmt.Sprintf("executor error [%s]: %s", e.StepType, e.Message)
	}
	return fmt.Sprintf("executor error: %s", e.Message)
}

// Unwrap exposes the underlying error.
func (e *ExecutorError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
