package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/llmerrors"
	"conductor/pkg/logx"
)

// RetryableClient wraps an LLMClient with classified-error retry logic.
// Retry counts and backoff come from the per-type defaults in llmerrors;
// unclassified errors get the unknown-type policy.
type RetryableClient struct {
	client llm.LLMClient
	logger *logx.Logger
}

// NewRetryableClient creates a retrying wrapper around client.
func NewRetryableClient(client llm.LLMClient) *RetryableClient {
	return &RetryableClient{
		client: client,
		logger: logx.NewLogger("agent-retry"),
	}
}

// Complete implements LLMClient with retry logic.
func (r *RetryableClient) Complete(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	var resp llm.CompletionResponse
	err := r.withRetries(ctx, func() error {
		var callErr error
		resp, callErr = r.client.Complete(ctx, req)
		return callErr
	})
	return resp, err
}

// Stream implements LLMClient with retry logic for establishing the stream.
// Errors that arrive mid-stream are the caller's to handle; replaying a
// half-consumed stream would duplicate output.
func (r *RetryableClient) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	var ch <-chan llm.StreamChunk
	err := r.withRetries(ctx, func() error {
		var callErr error
		ch, callErr = r.client.Stream(ctx, req)
		return callErr
	})
	return ch, err
}

func (r *RetryableClient) withRetries(ctx context.Context, call func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			cfg := retryConfigFor(lastErr)
			if attempt > cfg.MaxRetries {
				return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
			}

			delay := backoffDelay(cfg, attempt)
			r.logger.Debug("retry %d/%d in %v after: %v", attempt, cfg.MaxRetries, delay, lastErr)

			select {
			case <-ctx.Done():
				return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeCanceled, ctx.Err(), "retry wait canceled")
			case <-time.After(delay):
			}
		}

		err := call()
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) {
			return err
		}
	}
}

func retryConfigFor(err error) llmerrors.RetryConfig {
	if cfg, ok := llmerrors.DefaultRetryConfigs[llmerrors.TypeOf(err)]; ok {
		return cfg
	}
	return llmerrors.DefaultRetryConfigs[llmerrors.ErrorTypeUnknown]
}

func shouldRetry(err error) bool {
	var agentErr *llmerrors.Error
	if errors.As(err, &agentErr) {
		return agentErr.IsRetryable() && agentErr.GetRetryConfig().MaxRetries > 0
	}
	// Unclassified errors get one retry via the unknown policy.
	return llmerrors.DefaultRetryConfigs[llmerrors.ErrorTypeUnknown].MaxRetries > 0
}

func backoffDelay(cfg llmerrors.RetryConfig, attempt int) time.Duration {
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(cfg.BackoffFactor, float64(attempt-1)))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.Jitter && delay > 0 {
		// ±10% jitter
		jitter := time.Duration(rand.Int63n(int64(delay)/5+1)) - delay/10
		delay += jitter
	}
	if delay < 0 {
		delay = cfg.InitialDelay
	}
	return delay
}
