package llmerrors

import (
	"context"
	"errors"
	"strings"
)

// ClassifyProviderError maps an arbitrary backend SDK error into a classified
// *Error. SDKs in use here embed HTTP status codes in error strings rather
// than exposing typed errors uniformly, so classification is string-driven:
// status code extraction first, wording patterns second.
func ClassifyProviderError(provider string, err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	if errors.Is(err, context.Canceled) {
		e := NewErrorWithCause(ErrorTypeCanceled, err, "request canceled")
		e.Provider = provider
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		e := NewErrorWithCause(ErrorTypeTransient, err, "request timeout")
		e.Provider = provider
		return e
	}

	errStr := err.Error()

	if code := StatusCodeFromMessage(errStr); code != 0 {
		e := ClassifyStatus(code, errStr)
		e.Err = err
		e.Provider = provider
		return e
	}

	lowered := strings.ToLower(errStr)
	var errorType ErrorType
	switch {
	case strings.Contains(lowered, "timeout"),
		strings.Contains(lowered, "connection"),
		strings.Contains(lowered, "network"),
		strings.Contains(lowered, "temporary"),
		strings.Contains(lowered, "eof"),
		strings.Contains(lowered, "reset"):
		errorType = ErrorTypeTransient
	case looksLikeQuota(lowered):
		errorType = ErrorTypeQuota
	case strings.Contains(lowered, "rate"), strings.Contains(lowered, "throttl"):
		errorType = ErrorTypeRateLimit
	case strings.Contains(lowered, "unauthorized"),
		strings.Contains(lowered, "api key"),
		strings.Contains(lowered, "auth"):
		errorType = ErrorTypeAuth
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "malformed"),
		strings.Contains(lowered, "too large"),
		strings.Contains(lowered, "too long"):
		errorType = ErrorTypeBadRequest
	default:
		errorType = ErrorTypeUnknown
	}

	e := NewErrorWithCause(errorType, err, provider+" error")
	e.Provider = provider
	return e
}

// StatusCodeFromMessage attempts to extract an HTTP status code from an error
// string. The SDKs commonly embed codes as "status code: 429", "status: 429",
// or "429 Too Many Requests".
func StatusCodeFromMessage(errStr string) int {
	lowered := strings.ToLower(errStr)
	patterns := []string{
		"status code: ",
		"status code ",
		"status: ",
		"status ",
		"http ",
		"code ",
		"\": ",
	}

	known := []struct {
		prefix string
		code   int
	}{
		{"400", 400}, {"401", 401}, {"402", 402}, {"403", 403},
		{"404", 404}, {"413", 413}, {"422", 422}, {"429", 429},
		{"500", 500}, {"502", 502}, {"503", 503}, {"504", 504},
	}

	for _, k := range known {
		// Bare leading code, as in "429 Too Many Requests".
		if strings.HasPrefix(lowered, k.prefix+" ") {
			return k.code
		}
	}

	for _, pattern := range patterns {
		idx := strings.Index(lowered, pattern)
		if idx == -1 {
			continue
		}
		rest := lowered[idx+len(pattern):]
		for _, k := range known {
			if strings.HasPrefix(rest, k.prefix) {
				return k.code
			}
		}
	}

	return 0
}
