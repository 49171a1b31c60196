// Package llmerrors provides structured error classification and retry configuration for agent backend calls.
package llmerrors

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorType represents different categories of backend errors.
type ErrorType int8

const (
	// Retryable error types.

	// ErrorTypeRateLimit represents rate limiting errors (HTTP 429).
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient represents transient errors (5xx, EOF, connection reset, timeout).
	ErrorTypeTransient

	// Non-retryable error types.

	// ErrorTypeQuota represents exhausted quota or credit (429 with quota wording,
	// provider billing errors). Distinct from rate limiting: waiting does not help,
	// so the scheduler pauses immediately instead of retrying.
	ErrorTypeQuota
	// ErrorTypeAuth represents authentication errors (401/403, bad API key).
	ErrorTypeAuth
	// ErrorTypeBadRequest represents malformed request errors (too long, violates policy).
	ErrorTypeBadRequest
	// ErrorTypeCanceled represents a user-initiated cancellation surfaced by the backend.
	ErrorTypeCanceled
	// ErrorTypeUnknown is the default for unclassified errors.
	ErrorTypeUnknown
)

// String returns the string representation of the error type.
func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeQuota:
		return "quota"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadRequest:
		return "bad_request"
	case ErrorTypeCanceled:
		return "canceled"
	case ErrorTypeUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Default retry constants - eventually overridable via config.
const (
	DefaultRateLimitRetries = 6
	DefaultTransientRetries = 4
	DefaultUnknownRetries   = 1
)

// RetryConfig defines exponential backoff configuration for each error type.
type RetryConfig struct {
	MaxRetries    int           // Maximum number of retry attempts
	InitialDelay  time.Duration // Initial delay for exponential backoff
	MaxDelay      time.Duration // Maximum delay between retries
	BackoffFactor float64       // Multiplier for exponential backoff
	Jitter        bool          // Add random jitter to prevent thundering herd
}

// DefaultRetryConfigs provides default retry configurations for each error type.
//
//nolint:gochecknoglobals // Configuration map - acceptable for package defaults
var DefaultRetryConfigs = map[ErrorType]RetryConfig{
	ErrorTypeRateLimit: {
		MaxRetries:    DefaultRateLimitRetries,
		InitialDelay:  1 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeTransient: {
		MaxRetries:    DefaultTransientRetries,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeQuota: {
		MaxRetries:    0, // Waiting does not restore quota
		InitialDelay:  0,
		MaxDelay:      0,
		BackoffFactor: 1.0,
		Jitter:        false,
	},
	ErrorTypeAuth: {
		MaxRetries:    0,
		InitialDelay:  0,
		MaxDelay:      0,
		BackoffFactor: 1.0,
		Jitter:        false,
	},
	ErrorTypeBadRequest: {
		MaxRetries:    0,
		InitialDelay:  0,
		MaxDelay:      0,
		BackoffFactor: 1.0,
		Jitter:        false,
	},
	ErrorTypeCanceled: {
		MaxRetries:    0,
		InitialDelay:  0,
		MaxDelay:      0,
		BackoffFactor: 1.0,
		Jitter:        false,
	},
	ErrorTypeUnknown: {
		MaxRetries:    DefaultUnknownRetries,
		InitialDelay:  1 * time.Second,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
}

// Error represents a classified backend error with retry metadata.
type Error struct {
	Err        error     // Wrapped underlying error
	Message    string    // Human-readable error message
	Provider   string    // Backend that produced the error
	Type       ErrorType // Classified error type
	StatusCode int       // HTTP status code if applicable
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("agent error (%s): %s", e.Type.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("agent error (%s): %v", e.Type.String(), e.Err)
	}
	return fmt.Sprintf("agent error (%s): status %d", e.Type.String(), e.StatusCode)
}

// Unwrap returns the underlying error for error unwrapping.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable returns whether this error type should be retried.
// Uses blocklist approach: everything is retryable UNLESS explicitly non-retryable.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeQuota, ErrorTypeAuth, ErrorTypeBadRequest, ErrorTypeCanceled:
		return false
	default:
		return true
	}
}

// GetRetryConfig returns the retry configuration for this error type.
func (e *Error) GetRetryConfig() RetryConfig {
	if config, exists := DefaultRetryConfigs[e.Type]; exists {
		return config
	}
	return DefaultRetryConfigs[ErrorTypeUnknown]
}

// Helper functions for error classification and checking

// Is checks if an error is of a specific type.
func Is(err error, errorType ErrorType) bool {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.Type == errorType
	}
	return false
}

// TypeOf returns the error type of an error, or ErrorTypeUnknown if not classified.
func TypeOf(err error) ErrorType {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr.Type
	}
	return ErrorTypeUnknown
}

// IsCancellation reports whether err represents a user-initiated stop:
// either a classified cancellation or a bare context.Canceled anywhere
// in the chain. Cancellations are neutral outcomes, never failures.
func IsCancellation(err error) bool {
	if err == nil {
		return false
	}
	if Is(err, ErrorTypeCanceled) {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// TripsBreakerFast reports whether err should pause scheduling immediately,
// bypassing the failure-count threshold (quota exhausted or rate limited).
func TripsBreakerFast(err error) bool {
	t := TypeOf(err)
	return t == ErrorTypeQuota || t == ErrorTypeRateLimit
}

// NewError creates a new classified backend error.
func NewError(errorType ErrorType, message string) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
	}
}

// NewErrorWithStatus creates a new classified backend error with HTTP status.
func NewErrorWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{
		Type:       errorType,
		StatusCode: statusCode,
		Message:    message,
	}
}

// NewErrorWithCause creates a new classified backend error wrapping another error.
func NewErrorWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{
		Type:    errorType,
		Err:     cause,
		Message: message,
	}
}

// ClassifyStatus maps an HTTP status code to a classified error. The message
// is inspected for quota wording because several providers return 429 for
// both throttling and exhausted credit.
func ClassifyStatus(statusCode int, message string) *Error {
	errorType := ErrorTypeUnknown
	switch {
	case statusCode == 429:
		if looksLikeQuota(message) {
			errorType = ErrorTypeQuota
		} else {
			errorType = ErrorTypeRateLimit
		}
	case statusCode == 401 || statusCode == 403:
		errorType = ErrorTypeAuth
	case statusCode == 400 || statusCode == 413 || statusCode == 422:
		errorType = ErrorTypeBadRequest
	case statusCode == 402:
		errorType = ErrorTypeQuota
	case statusCode >= 500:
		errorType = ErrorTypeTransient
	}
	return NewErrorWithStatus(errorType, statusCode, message)
}

func looksLikeQuota(message string) bool {
	lowered := strings.ToLower(message)
	for _, marker := range []string{"quota", "credit", "insufficient", "billing", "exceeded your current"} {
		if strings.Contains(lowered, marker) {
			return true
		}
	}
	return false
}

// SanitizePrompt creates a safe representation of a prompt for logging.
// For large prompts, it returns first/last portions plus a hash of the full content.
func SanitizePrompt(prompt string, maxChars int) string {
	if len(prompt) <= maxChars {
		return prompt
	}

	// For large prompts, show first/last portions plus hash
	halfMax := maxChars / 2
	if halfMax < 100 {
		halfMax = 100
	}

	first := prompt[:halfMax]
	last := prompt[len(prompt)-halfMax:]

	// Create hash of full prompt for correlation
	hash := sha256.Sum256([]byte(prompt))
	hashStr := fmt.Sprintf("%x", hash)[:16] // First 16 chars of hash

	return fmt.Sprintf("%s...[%d chars, hash:%s]...%s",
		first, len(prompt), hashStr, last)
}
