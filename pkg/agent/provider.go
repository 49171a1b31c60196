// Package agent defines the provider-neutral surface for AI code-generation
// backends: the streaming query interface consumed by the execution engine,
// retry wrapping, and the model-to-provider factory.
package agent

import (
	"context"
	"time"

	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/llmerrors"
	"conductor/pkg/logx"
)

// QueryEventType tags the variants of a provider's streamed output.
type QueryEventType string

const (
	// QueryEventText carries a chunk of assistant text.
	QueryEventText QueryEventType = "assistant_text"
	// QueryEventToolUse reports a tool invocation by the model.
	QueryEventToolUse QueryEventType = "tool_use"
	// QueryEventError terminates the stream with a classified error.
	QueryEventError QueryEventType = "error"
	// QueryEventResult terminates the stream with the aggregated outcome.
	QueryEventResult QueryEventType = "result"
)

// ImageRef points at an image attachment to surface to the backend.
type ImageRef struct {
	Path        string
	Description string
}

// MCPServer describes an MCP server a backend may be configured with.
// API-backed providers carry it opaquely; subprocess-style backends consume it.
type MCPServer struct {
	Env     map[string]string `json:"env,omitempty"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
}

// QueryOptions parameterizes a single agent invocation. FeatureID and Phase
// are metric labels only; they do not affect the request.
type QueryOptions struct {
	MCPServers   map[string]MCPServer
	Model        string
	WorkDir      string
	Prompt       string
	SystemPrompt string
	FeatureID    string
	Phase        string
	AllowedTools []string
	Images       []ImageRef
	MaxTokens    int
	Temperature  float32
}

// QueryResult is the aggregated outcome of a finished query.
type QueryResult struct {
	Output   string
	Model    string
	Usage    llm.Usage
	Duration time.Duration
}

// QueryEvent is one element of a provider's streamed output sequence.
// Exactly one of Text / Tool / Result / Err is meaningful, selected by Type.
type QueryEvent struct {
	Err    error
	Tool   *llm.ToolUse
	Result *QueryResult
	Type   QueryEventType
	Text   string
}

// Provider executes agent queries as a stream of events. The returned channel
// is closed after a terminal event (result or error). Cancellation of ctx must
// be observed between events.
type Provider interface {
	// Name identifies the backend family (anthropic, openai, ollama, google).
	Name() string

	// ExecuteQuery starts a streaming agent invocation.
	ExecuteQuery(ctx context.Context, opts QueryOptions) (<-chan QueryEvent, error)
}

// Recorder receives metrics for completed queries. Implemented by the
// Prometheus recorder; a nil Recorder disables recording.
type Recorder interface {
	ObserveRequest(model, featureID, phase string, promptTokens, completionTokens int, success bool, errorType string, duration time.Duration)
}

// llmProvider adapts an llm.LLMClient into the Provider interface: it converts
// query options into a completion request, relays stream chunks as events,
// and closes with a single result or error event.
type llmProvider struct {
	client   llm.LLMClient
	recorder Recorder
	logger   *logx.Logger
	name     string
}

// NewProvider wraps an LLMClient as a Provider. The recorder may be nil.
func NewProvider(name string, client llm.LLMClient, recorder Recorder) Provider {
	return &llmProvider{
		name:     name,
		client:   client,
		recorder: recorder,
		logger:   logx.NewLogger("agent-" + name),
	}
}

func (p *llmProvider) Name() string {
	return p.name
}

func (p *llmProvider) ExecuteQuery(ctx context.Context, opts QueryOptions) (<-chan QueryEvent, error) {
	req := buildCompletionRequest(opts)

	p.logger.Debug("query model=%s workdir=%s prompt=%s", opts.Model, opts.WorkDir,
		llmerrors.SanitizePrompt(opts.Prompt, 400))

	chunks, err := p.client.Stream(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan QueryEvent, 16)
	start := time.Now()

	go func() {
		defer close(out)

		var output string
		var usage llm.Usage

		for chunk := range chunks {
			if chunk.Error != nil {
				p.observe(opts, usage, false, chunk.Error, time.Since(start))
				p.send(ctx, out, QueryEvent{Type: QueryEventError, Err: chunk.Error})
				return
			}
			if chunk.ToolUse != nil {
				p.send(ctx, out, QueryEvent{Type: QueryEventToolUse, Tool: chunk.ToolUse})
			}
			if chunk.Content != "" {
				output += chunk.Content
				p.send(ctx, out, QueryEvent{Type: QueryEventText, Text: chunk.Content})
			}
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			if chunk.Done {
				break
			}
		}

		if err := ctx.Err(); err != nil {
			canceled := llmerrors.NewErrorWithCause(llmerrors.ErrorTypeCanceled, err, "query canceled")
			p.observe(opts, usage, false, canceled, time.Since(start))
			p.send(ctx, out, QueryEvent{Type: QueryEventError, Err: canceled})
			return
		}

		duration := time.Since(start)
		p.observe(opts, usage, true, nil, duration)
		p.send(ctx, out, QueryEvent{Type: QueryEventResult, Result: &QueryResult{
			Output:   output,
			Usage:    usage,
			Model:    opts.Model,
			Duration: duration,
		}})
	}()

	return out, nil
}

// send delivers an event unless the consumer is gone.
func (p *llmProvider) send(ctx context.Context, out chan<- QueryEvent, ev QueryEvent) {
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}

func (p *llmProvider) observe(opts QueryOptions, usage llm.Usage, success bool, err error, duration time.Duration) {
	if p.recorder == nil {
		return
	}
	errorType := ""
	if err != nil {
		errorType = llmerrors.TypeOf(err).String()
	}
	p.recorder.ObserveRequest(opts.Model, opts.FeatureID, opts.Phase, usage.PromptTokens, usage.CompletionTokens, success, errorType, duration)
}

func buildCompletionRequest(opts QueryOptions) llm.CompletionRequest {
	prompt := opts.Prompt
	for _, img := range opts.Images {
		prompt += "\n\n[attached image: " + img.Path
		if img.Description != "" {
			prompt += " (" + img.Description + ")"
		}
		prompt += "]"
	}

	messages := make([]llm.CompletionMessage, 0, 2)
	if opts.SystemPrompt != "" {
		messages = append(messages, llm.NewSystemMessage(opts.SystemPrompt))
	}
	messages = append(messages, llm.NewUserMessage(prompt))

	req := llm.NewCompletionRequest(messages)
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature > 0 {
		req.Temperature = opts.Temperature
	}
	return req
}
