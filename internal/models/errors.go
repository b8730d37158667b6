package models

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType is the category reported in the error envelope
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation_error"
	ErrorTypeRateLimited    ErrorType = "rate_limited"
	ErrorTypeGeneration     ErrorType = "generation_failed"
	ErrorTypeAuthentication ErrorType = "authentication_error"
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
)

// GenerationFailedMessage is the only message clients see for engine
// failures. The cause is logged, never returned.
const GenerationFailedMessage = "generation failed"

// APIError is a client-facing error with its HTTP status
type APIError struct {
	Type       ErrorType
	Message    string
	Status     int
	RetryAfter int // seconds, rate_limited only
	Cause      error
}

func (e *APIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Cause
}

// ErrorEnvelope is the body of every error response
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message           string `json:"message"`
	Type              string `json:"type"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

func (e *APIError) Envelope() ErrorEnvelope {
	return ErrorEnvelope{Error: ErrorDetail{
		Message:           e.Message,
		Type:              string(e.Type),
		RetryAfterSeconds: e.RetryAfter,
	}}
}

// NewValidationError creates a 400 for malformed caller input
func NewValidationError(format string, args ...interface{}) *APIError {
	return &APIError{
		Type:    ErrorTypeValidation,
		Message: fmt.Sprintf(format, args...),
		Status:  http.StatusBadRequest,
	}
}

// NewRateLimitError creates a 429 carrying the retry delay
func NewRateLimitError(retryAfterSeconds int) *APIError {
	return &APIError{
		Type:       ErrorTypeRateLimited,
		Message:    "rate limit exceeded, retry later",
		Status:     http.StatusTooManyRequests,
		RetryAfter: retryAfterSeconds,
	}
}

// NewGenerationError wraps an engine failure behind a sanitized message
func NewGenerationError(cause error) *APIError {
	return &APIError{
		Type:    ErrorTypeGeneration,
		Message: GenerationFailedMessage,
		Status:  http.StatusInternalServerError,
		Cause:   cause,
	}
}

func NewAuthError() *APIError {
	return &APIError{
		Type:    ErrorTypeAuthentication,
		Message: "invalid or missing API key",
		Status:  http.StatusUnauthorized,
	}
}

func NewNotFoundError(path string) *APIError {
	return &APIError{
		Type:    ErrorTypeInvalidRequest,
		Message: fmt.Sprintf("unknown path %s", path),
		Status:  http.StatusNotFound,
	}
}

func NewMethodError(method, path string) *APIError {
	return &APIError{
		Type:    ErrorTypeInvalidRequest,
		Message: fmt.Sprintf("method %s not allowed on %s", method, path),
		Status:  http.StatusMethodNotAllowed,
	}
}

// AsAPIError returns err as an *APIError. Anything else is an engine-side
// failure and is sanitized as generation_failed.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return NewGenerationError(err)
}
