package client

import (
	"errors"
	"fmt"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrNotConfigured is returned when no API key has been set.
	ErrNotConfigured = errors.New("api key not configured")

	// ErrCancelled is returned when the context is cancelled mid-call.
	ErrCancelled = errors.New("call cancelled")
)

// ErrorClass represents a classification of fetch errors.
type ErrorClass string

const (
	// ErrorClassNetwork represents timeout, DNS and connection errors (retryable).
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassThrottled represents 429 / upstream code 5 responses.
	// Throttling is paced through the limiter's penalty window rather than
	// counted as a failed attempt.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassServer represents 5xx upstream errors (retryable with backoff).
	ErrorClassServer ErrorClass = "server"

	// ErrorClassClient represents terminal errors: other 4xx responses,
	// malformed payloads and terminal upstream error codes.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassNotConfigured represents calls attempted without an API key.
	ErrorClassNotConfigured ErrorClass = "not_configured"

	// ErrorClassCancelled represents cooperative cancellation.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// Upstream error codes embedded in 200 responses. The Torn API reports most
// failures this way rather than through HTTP status codes.
const (
	CodeKeyEmpty        = 1
	CodeIncorrectKey    = 2
	CodeTooManyRequests = 5
	CodeIncorrectID     = 6
	CodeIPBlock         = 8
	CodeAPIDisabled     = 9
	CodeKeyOwnerInactive = 18
)

// APIError represents an upstream error with classification context.
type APIError struct {
	StatusCode int
	Code       int // upstream error code from the JSON body, 0 when absent
	ErrorClass ErrorClass
	Message    string
	RetryAfter time.Duration // from the Retry-After header, 0 when absent
	Err        error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("torn %s error (status %d, code %d): %s: %v",
			e.ErrorClass, e.StatusCode, e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("torn %s error (status %d, code %d): %s",
		e.ErrorClass, e.StatusCode, e.Code, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyCode maps an embedded upstream error code to an error class.
func classifyCode(code int) ErrorClass {
	switch code {
	case CodeTooManyRequests, CodeIPBlock:
		// Backpressure: pace through the penalty window.
		return ErrorClassThrottled
	case CodeAPIDisabled:
		// Maintenance window, worth retrying.
		return ErrorClassServer
	default:
		// Incorrect key, unknown id, everything else: terminal per call.
		return ErrorClassClient
	}
}

// classifyStatus maps an HTTP status code to an error class.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == 429:
		return ErrorClassThrottled
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// shouldRetry determines if an error class is worth another attempt.
// Throttling is handled separately: it is paced, not retried with backoff.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassNetwork:
		return true
	default:
		return false
	}
}
