// Package utils provides identifier, token-counting, and project-layout helpers.
package utils

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter provides token counting for prompt budgeting.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a token counter. All supported backends are
// approximated with the GPT-4 encoding; exact per-provider tokenizers are not
// worth the dependency spread for budgeting purposes.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in the given text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc.codec == nil {
		// Fallback to character-based estimation (4 chars ≈ 1 token)
		return len(text) / 4
	}

	count, err := tc.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}

	return count
}

// TruncateToTokens returns text cut down to at most maxTokens tokens,
// dropping from the front so the most recent content survives. Used when
// folding transcripts and memory into prompts.
func (tc *TokenCounter) TruncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 || text == "" {
		return ""
	}
	if tc.CountTokens(text) <= maxTokens {
		return text
	}

	if tc.codec != nil {
		ids, _, err := tc.codec.Encode(text)
		if err == nil && len(ids) > maxTokens {
			truncated, err := tc.codec.Decode(ids[len(ids)-maxTokens:])
			if err == nil {
				return truncated
			}
		}
	}

	// Character fallback.
	maxChars := maxTokens * 4
	if len(text) > maxChars {
		return text[len(text)-maxChars:]
	}
	return text
}

// CountTokensSimple counts tokens without constructing a TokenCounter.
// Falls back to estimation if the codec cannot be created.
func CountTokensSimple(text string) int {
	tc, err := NewTokenCounter()
	if err != nil {
		return len(text) / 4
	}
	return tc.CountTokens(text)
}
