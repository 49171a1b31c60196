package agent

import (
	"context"
	"sync"
	"time"

	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/llmerrors"
)

// MockResponse is one scripted provider outcome for tests.
type MockResponse struct {
	// Err terminates the query with an error event instead of a result.
	Err error
	// Output is the aggregated result text.
	Output string
	// Events are emitted before the terminal event, for tests that care
	// about intermediate text or tool-use events.
	Events []QueryEvent
	// Usage is attached to the result event.
	Usage llm.Usage
	// Delay is slept (cancellably) before any event is emitted.
	Delay time.Duration
}

// MockProvider replays scripted responses in call order. Tests that need
// call-dependent behavior set Respond instead of a fixed script. Safe for
// concurrent queries.
type MockProvider struct {
	// Respond, when set, overrides the scripted responses. It receives the
	// zero-based call index and the query options.
	Respond func(call int, opts QueryOptions) MockResponse

	script []MockResponse
	calls  []QueryOptions
	mu     sync.Mutex
}

// NewMockProvider creates a provider that replays the given responses in
// order. Queries beyond the script fail with an unknown-classified error.
func NewMockProvider(responses ...MockResponse) *MockProvider {
	return &MockProvider{script: responses}
}

// Name implements Provider.
func (m *MockProvider) Name() string { return "mock" }

// Calls returns a copy of the query options received so far.
func (m *MockProvider) Calls() []QueryOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]QueryOptions, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of queries received so far.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// ExecuteQuery implements Provider.
func (m *MockProvider) ExecuteQuery(ctx context.Context, opts QueryOptions) (<-chan QueryEvent, error) {
	m.mu.Lock()
	call := len(m.calls)
	m.calls = append(m.calls, opts)
	var resp MockResponse
	switch {
	case m.Respond != nil:
		resp = m.Respond(call, opts)
	case call < len(m.script):
		resp = m.script[call]
	default:
		resp = MockResponse{Err: llmerrors.NewError(llmerrors.ErrorTypeUnknown, "mock script exhausted")}
	}
	m.mu.Unlock()

	ch := make(chan QueryEvent, len(resp.Events)+1)
	go func() {
		defer close(ch)

		if resp.Delay > 0 {
			timer := time.NewTimer(resp.Delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
				ch <- QueryEvent{Type: QueryEventError, Err: llmerrors.NewErrorWithCause(llmerrors.ErrorTypeCanceled, ctx.Err(), "query canceled")}
				return
			}
		}

		for i := range resp.Events {
			select {
			case ch <- resp.Events[i]:
			case <-ctx.Done():
				return
			}
		}

		if err := ctx.Err(); err != nil {
			ch <- QueryEvent{Type: QueryEventError, Err: llmerrors.NewErrorWithCause(llmerrors.ErrorTypeCanceled, err, "query canceled")}
			return
		}
		if resp.Err != nil {
			ch <- QueryEvent{Type: QueryEventError, Err: resp.Err}
			return
		}
		ch <- QueryEvent{
			Type: QueryEventResult,
			Result: &QueryResult{
				Output: resp.Output,
				Model:  opts.Model,
				Usage:  resp.Usage,
			},
		}
	}()
	return ch, nil
}
