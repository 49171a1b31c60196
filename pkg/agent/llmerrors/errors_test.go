package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTypeString(t *testing.T) {
	assert.Equal(t, "rate_limit", ErrorTypeRateLimit.String())
	assert.Equal(t, "quota", ErrorTypeQuota.String())
	assert.Equal(t, "transient", ErrorTypeTransient.String())
	assert.Equal(t, "auth", ErrorTypeAuth.String())
	assert.Equal(t, "bad_request", ErrorTypeBadRequest.String())
	assert.Equal(t, "canceled", ErrorTypeCanceled.String())
	assert.Equal(t, "unknown", ErrorTypeUnknown.String())
	assert.Equal(t, "invalid", ErrorType(99).String())
}

func TestErrorMessageForms(t *testing.T) {
	withMessage := NewError(ErrorTypeAuth, "bad API key")
	assert.Equal(t, "agent error (auth): bad API key", withMessage.Error())

	withCause := NewErrorWithCause(ErrorTypeTransient, errors.New("connection reset"), "")
	assert.Equal(t, "agent error (transient): connection reset", withCause.Error())

	withStatus := &Error{Type: ErrorTypeRateLimit, StatusCode: 429}
	assert.Equal(t, "agent error (rate_limit): status 429", withStatus.Error())
}

func TestIsRetryable(t *testing.T) {
	retryable := []ErrorType{ErrorTypeRateLimit, ErrorTypeTransient, ErrorTypeUnknown}
	for _, et := range retryable {
		assert.True(t, NewError(et, "x").IsRetryable(), et.String())
	}

	terminal := []ErrorType{ErrorTypeQuota, ErrorTypeAuth, ErrorTypeBadRequest, ErrorTypeCanceled}
	for _, et := range terminal {
		assert.False(t, NewError(et, "x").IsRetryable(), et.String())
	}
}

func TestGetRetryConfig(t *testing.T) {
	assert.Equal(t, DefaultRateLimitRetries, NewError(ErrorTypeRateLimit, "x").GetRetryConfig().MaxRetries)
	assert.Equal(t, 0, NewError(ErrorTypeQuota, "x").GetRetryConfig().MaxRetries)

	// Unmapped types fall back to the unknown config.
	odd := &Error{Type: ErrorType(99)}
	assert.Equal(t, DefaultUnknownRetries, odd.GetRetryConfig().MaxRetries)
}

func TestIsAndTypeOfUnwrapChains(t *testing.T) {
	classified := NewError(ErrorTypeQuota, "credit exhausted")
	wrapped := fmt.Errorf("feature run: %w", classified)

	assert.True(t, Is(wrapped, ErrorTypeQuota))
	assert.False(t, Is(wrapped, ErrorTypeRateLimit))
	assert.Equal(t, ErrorTypeQuota, TypeOf(wrapped))

	assert.False(t, Is(errors.New("plain"), ErrorTypeQuota))
	assert.Equal(t, ErrorTypeUnknown, TypeOf(errors.New("plain")))
}

func TestIsCancellation(t *testing.T) {
	assert.False(t, IsCancellation(nil))
	assert.True(t, IsCancellation(NewError(ErrorTypeCanceled, "stopped")))
	assert.True(t, IsCancellation(fmt.Errorf("run: %w", context.Canceled)))
	assert.False(t, IsCancellation(context.DeadlineExceeded))
	assert.False(t, IsCancellation(errors.New("boom")))
}

func TestTripsBreakerFast(t *testing.T) {
	assert.True(t, TripsBreakerFast(NewError(ErrorTypeQuota, "out of credit")))
	assert.True(t, TripsBreakerFast(NewError(ErrorTypeRateLimit, "slow down")))
	assert.False(t, TripsBreakerFast(NewError(ErrorTypeTransient, "blip")))
	assert.False(t, TripsBreakerFast(NewError(ErrorTypeAuth, "bad key")))
	assert.False(t, TripsBreakerFast(errors.New("plain")))
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		message string
		want    ErrorType
	}{
		{"429 throttle", 429, "Too Many Requests", ErrorTypeRateLimit},
		{"429 quota wording", 429, "You exceeded your current quota", ErrorTypeQuota},
		{"429 billing wording", 429, "billing hard limit reached", ErrorTypeQuota},
		{"401", 401, "Unauthorized", ErrorTypeAuth},
		{"403", 403, "Forbidden", ErrorTypeAuth},
		{"400", 400, "Bad Request", ErrorTypeBadRequest},
		{"413", 413, "Payload Too Large", ErrorTypeBadRequest},
		{"422", 422, "Unprocessable Entity", ErrorTypeBadRequest},
		{"402", 402, "Payment Required", ErrorTypeQuota},
		{"500", 500, "Internal Server Error", ErrorTypeTransient},
		{"503", 503, "Service Unavailable", ErrorTypeTransient},
		{"418 unmapped", 418, "I'm a teapot", ErrorTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyStatus(tt.status, tt.message)
			require.NotNil(t, err)
			assert.Equal(t, tt.want, err.Type)
			assert.Equal(t, tt.status, err.StatusCode)
		})
	}
}

func TestSanitizePromptShortPassesThrough(t *testing.T) {
	assert.Equal(t, "short prompt", SanitizePrompt("short prompt", 100))
}

func TestSanitizePromptLargeIsElided(t *testing.T) {
	prompt := strings.Repeat("a", 400) + strings.Repeat("z", 400)
	out := SanitizePrompt(prompt, 300)

	assert.True(t, strings.HasPrefix(out, strings.Repeat("a", 150)))
	assert.True(t, strings.HasSuffix(out, strings.Repeat("z", 150)))
	assert.Contains(t, out, "[800 chars, hash:")
	assert.Less(t, len(out), len(prompt))
}
