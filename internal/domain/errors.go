// Package domain defines the error taxonomy shared across the pipeline.
package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an error for the pipeline's failure policy.
type ErrorKind string

const (
	// ErrorKindTransient marks rate limits, timeouts, and temporary network
	// failures. Retried by the stage executor; never escapes it uncaught.
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindPermanent marks a terminal capability failure for one unit.
	ErrorKindPermanent ErrorKind = "permanent"
	// ErrorKindFatal marks an unrecoverable input or a failure in a stage
	// whose policy requires full success. Stops the orchestrator.
	ErrorKindFatal ErrorKind = "fatal"
	// ErrorKindValidation marks a rejected request or malformed input.
	ErrorKindValidation ErrorKind = "validation"
	// ErrorKindConfig marks missing or invalid configuration. Never retried.
	ErrorKindConfig ErrorKind = "config"
	// ErrorKindIO marks storage and filesystem failures.
	ErrorKindIO ErrorKind = "io"
)

// PipelineError carries the kind alongside the message and cause.
type PipelineError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// NewError creates a new pipeline error.
func NewError(kind ErrorKind, message string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Message: message, Err: err}
}

// TransientError wraps a retryable failure.
func TransientError(message string, err error) *PipelineError {
	return NewError(ErrorKindTransient, message, err)
}

// PermanentError wraps a terminal per-unit failure.
func PermanentError(message string, err error) *PipelineError {
	return NewError(ErrorKindPermanent, message, err)
}

// FatalError wraps a job-stopping failure.
func FatalError(message string, err error) *PipelineError {
	return NewError(ErrorKindFatal, message, err)
}

// ValidationError wraps a rejected input.
func ValidationError(message string, err error) *PipelineError {
	return NewError(ErrorKindValidation, message, err)
}

// ConfigError wraps missing or invalid configuration.
func ConfigError(message string, err error) *PipelineError {
	return NewError(ErrorKindConfig, message, err)
}

// IOError wraps a storage or filesystem failure.
func IOError(message string, err error) *PipelineError {
	return NewError(ErrorKindIO, message, err)
}

// KindOf reports the kind of err, or ErrorKindPermanent when untyped.
func KindOf(err error) ErrorKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrorKindPermanent
}

// IsTransient reports whether err should be retried by a stage executor.
func IsTransient(err error) bool {
	return KindOf(err) == ErrorKindTransient
}

// IsFatal reports whether err must stop the orchestrator regardless of the
// stage's failure policy.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case ErrorKindFatal, ErrorKindConfig:
		return true
	}
	return false
}
