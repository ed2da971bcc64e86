package models

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a pipeline failure. The code decides whether the job
// is retried and is recorded on the job's error field, so downstream tooling
// can group failures without parsing messages.
type ErrorCode string

const (
	CodeValidation        = ErrorCode("VALIDATION")
	CodeTemplateNotFound  = ErrorCode("TEMPLATE_NOT_FOUND")
	CodeConversionTimeout = ErrorCode("CONVERSION_TIMEOUT")
	CodeConversionFailed  = ErrorCode("CONVERSION_FAILED")
	CodeUploadFailed      = ErrorCode("UPLOAD_FAILED")
	CodeLinkFailed        = ErrorCode("LINK_FAILED")
	CodeAuthFailed        = ErrorCode("AUTH_FAILED")
	CodeConflict          = ErrorCode("CONFLICT")
	CodeUnknown           = ErrorCode("UNKNOWN")
)

// Retryable reports whether a job failing with this code should get another
// attempt. UNKNOWN is retryable on purpose; transient network and platform
// errors land there.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeValidation, CodeTemplateNotFound, CodeConflict:
		return false
	case CodeLinkFailed:
		// Link failures never fail the job at all; treat as non-retryable
		// if one is ever classified at the job level.
		return false
	default:
		return true
	}
}

// A PipelineError records which pipeline phase failed and how. It is
// created exactly once, at the point of failure, and carried unwrapped to
// the job's error field.
type PipelineError struct {
	Phase string
	Code  ErrorCode
	Err   error

	// Permanent forces a normally-retryable code to fail the job on the
	// first attempt. Used for uploads rejected with a 4xx other than 401.
	Permanent bool
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Phase, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Phase, e.Code, e.Err.Error())
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

func (e *PipelineError) Retryable() bool {
	return !e.Permanent && e.Code.Retryable()
}

// NewPipelineError builds a classified error for the named phase.
func NewPipelineError(phase string, code ErrorCode, err error) *PipelineError {
	return &PipelineError{Phase: phase, Code: code, Err: err}
}

// Classify wraps err for the named phase. An error that is already a
// PipelineError keeps its original phase and code; anything else becomes
// UNKNOWN, the conservative retryable default.
func Classify(phase string, err error) *PipelineError {
	if err == nil {
		return nil
	}
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr
	}
	return &PipelineError{Phase: phase, Code: CodeUnknown, Err: err}
}
