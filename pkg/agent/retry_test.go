package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/llmerrors"
)

// scriptedLLM fails a fixed number of calls with err, then succeeds.
type scriptedLLM struct {
	err      error
	mu       sync.Mutex
	calls    int
	failures int
}

func (s *scriptedLLM) Complete(_ context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return llm.CompletionResponse{}, s.err
	}
	return llm.CompletionResponse{Content: "ok"}, nil
}

func (s *scriptedLLM) Stream(_ context.Context, _ llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return nil, s.err
	}
	return llm.CompletionToStream(llm.CompletionResponse{Content: "ok"}), nil
}

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestRetryableClientRetriesTransient(t *testing.T) {
	inner := &scriptedLLM{failures: 1, err: llmerrors.NewError(llmerrors.ErrorTypeTransient, "blip")}
	client := NewRetryableClient(inner)

	resp, err := client.Complete(context.Background(), llm.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 2, inner.callCount())
}

func TestRetryableClientDoesNotRetryAuth(t *testing.T) {
	inner := &scriptedLLM{failures: 5, err: llmerrors.NewError(llmerrors.ErrorTypeAuth, "bad key")}
	client := NewRetryableClient(inner)

	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeAuth))
	assert.Equal(t, 1, inner.callCount())
}

func TestRetryableClientQuotaFailsFast(t *testing.T) {
	inner := &scriptedLLM{failures: 5, err: llmerrors.NewError(llmerrors.ErrorTypeQuota, "out of credit")}
	client := NewRetryableClient(inner)

	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeQuota))
	assert.Equal(t, 1, inner.callCount())
}

func TestRetryableClientGivesUpAfterBudget(t *testing.T) {
	// Unclassified errors get the unknown policy: one retry.
	inner := &scriptedLLM{failures: 10, err: errors.New("boom")}
	client := NewRetryableClient(inner)

	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 1 retries")
	assert.Equal(t, 2, inner.callCount())
}

func TestRetryableClientCancelDuringBackoff(t *testing.T) {
	inner := &scriptedLLM{failures: 10, err: llmerrors.NewError(llmerrors.ErrorTypeTransient, "blip")}
	client := NewRetryableClient(inner)

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(20*time.Millisecond, cancel)
	defer timer.Stop()

	_, err := client.Complete(ctx, llm.CompletionRequest{})
	require.Error(t, err)
	assert.True(t, llmerrors.IsCancellation(err))
	assert.Equal(t, 1, inner.callCount())
}

func TestRetryableClientStreamRetries(t *testing.T) {
	inner := &scriptedLLM{failures: 1, err: llmerrors.NewError(llmerrors.ErrorTypeTransient, "blip")}
	client := NewRetryableClient(inner)

	ch, err := client.Stream(context.Background(), llm.CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.callCount())

	var content string
	for chunk := range ch {
		content += chunk.Content
	}
	assert.Equal(t, "ok", content)
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	cfg := llmerrors.RetryConfig{
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
	}

	assert.Equal(t, 100*time.Millisecond, backoffDelay(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, backoffDelay(cfg, 2))
	assert.Equal(t, 400*time.Millisecond, backoffDelay(cfg, 3))
	assert.Equal(t, time.Second, backoffDelay(cfg, 5))
}

func TestBackoffDelayJitterStaysBounded(t *testing.T) {
	cfg := llmerrors.RetryConfig{
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}

	for i := 0; i < 50; i++ {
		d := backoffDelay(cfg, 2)
		assert.GreaterOrEqual(t, d, 180*time.Millisecond)
		assert.LessOrEqual(t, d, 220*time.Millisecond)
	}
}
