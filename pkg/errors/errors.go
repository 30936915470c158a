// Package errors provides the insight engine's error taxonomy.
// Every error raised by a component carries a Kind that decides whether it is retried,
// degraded around, or fatal to the run.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Kind classifies an error by how the pipeline reacts to it.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindPermanent
	KindDataQuality
	KindConfiguration
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindDataQuality:
		return "data_quality"
	case KindConfiguration:
		return "configuration"
	default:
		return "unknown"
	}
}

// InsightError is a structured error with component context.
type InsightError struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Kind        Kind   `json:"kind"`
	Component   string `json:"component,omitempty"`
	Recoverable bool   `json:"recoverable"`
	Err         error  `json:"-"`
}

func (e *InsightError) Error() string {
	msg := fmt.Sprintf("[%s] %s: %s", e.Kind, e.Code, e.Message)
	if e.Component != "" {
		msg = fmt.Sprintf("[%s] %s/%s: %s", e.Kind, e.Component, e.Code, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InsightError) Unwrap() error {
	return e.Err
}

// WithComponent returns a copy of the error tagged with the originating component.
func (e *InsightError) WithComponent(component string) *InsightError {
	cp := *e
	cp.Component = component
	return &cp
}

// Error codes
const (
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeUnavailable         = "UNAVAILABLE"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeAuthFailed          = "AUTH_FAILED"
	ErrCodeInvalidRequest      = "INVALID_REQUEST"
	ErrCodeUnparseableResponse = "UNPARSEABLE_RESPONSE"
	ErrCodeInsufficientHistory = "INSUFFICIENT_HISTORY"
	ErrCodeZeroSeries          = "ZERO_SERIES"
	ErrCodeMissingCategory     = "MISSING_CATEGORY"
	ErrCodeDetectorFailed      = "DETECTOR_FAILED"
	ErrCodeModelFailed         = "MODEL_FAILED"
	ErrCodeInvalidConfig       = "INVALID_CONFIG"
	ErrCodeInvalidPreferences  = "INVALID_PREFERENCES"
)

// NewTransientError creates a retryable external error (throttling, temporary unavailability).
func NewTransientError(code, message string, cause error) *InsightError {
	return &InsightError{
		Code:        code,
		Message:     message,
		Kind:        KindTransient,
		Recoverable: true,
		Err:         cause,
	}
}

// NewPermanentError creates a non-retryable external error (authentication, validation).
func NewPermanentError(code, message string, cause error) *InsightError {
	return &InsightError{
		Code:        code,
		Message:     message,
		Kind:        KindPermanent,
		Recoverable: false,
		Err:         cause,
	}
}

// NewDataQualityError creates an error for input the component cannot work with.
func NewDataQualityError(code, message string) *InsightError {
	return &InsightError{
		Code:        code,
		Message:     message,
		Kind:        KindDataQuality,
		Recoverable: true,
	}
}

// NewInsufficientHistoryError reports a series shorter than a component's minimum.
func NewInsufficientHistoryError(have, need int) *InsightError {
	return NewDataQualityError(ErrCodeInsufficientHistory,
		fmt.Sprintf("series has %d points, need at least %d", have, need))
}

// NewConfigurationError creates a fatal validation error.
func NewConfigurationError(code, message string) *InsightError {
	return &InsightError{
		Code:        code,
		Message:     message,
		Kind:        KindConfiguration,
		Recoverable: false,
	}
}

// KindOf returns the Kind of the first InsightError in err's chain.
func KindOf(err error) Kind {
	var ie *InsightError
	if stderrors.As(err, &ie) {
		return ie.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is a transient external error.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

// IsFatal reports whether err must abort an orchestration run.
func IsFatal(err error) bool {
	return KindOf(err) == KindConfiguration
}
