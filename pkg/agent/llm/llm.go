// Package llm provides interfaces and types for language model client implementations.
package llm

import (
	"context"
	"strings"
)

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	// RoleSystem indicates a system message that provides instructions or context.
	RoleSystem CompletionRole = "system"
	// RoleUser indicates a message from the human user.
	RoleUser CompletionRole = "user"
	// RoleAssistant indicates a message from the AI assistant.
	RoleAssistant CompletionRole = "assistant"
)

const (
	// TemperatureDefault is the default temperature for implementation work.
	TemperatureDefault = 0.7

	// TemperaturePlanning is the temperature for plan generation, where some
	// exploration helps but drift is costly.
	TemperaturePlanning = 0.3

	// DefaultMaxTokens is the default output ceiling when the caller sets none.
	DefaultMaxTokens = 8192
)

// CompletionMessage represents a message in a completion request.
type CompletionMessage struct {
	Content string
	Role    CompletionRole
}

// Usage reports token consumption for a completed request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// ToolUse represents a tool invocation surfaced by the model.
type ToolUse struct {
	Input map[string]any `json:"input"`
	ID    string         `json:"id"`
	Name  string         `json:"name"`
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Messages    []CompletionMessage
	MaxTokens   int
	Temperature float32
}

// CompletionResponse represents a response from a completion request.
type CompletionResponse struct {
	ToolUses   []ToolUse
	Content    string // Main response text
	StopReason string // Why the response stopped: "end_turn", "max_tokens", etc.
	Usage      Usage
}

// StreamChunk represents a chunk of streamed completion response.
// Usage is populated on the final chunk when the backend reports it.
type StreamChunk struct {
	Error   error
	ToolUse *ToolUse
	Usage   *Usage
	Content string
	Done    bool
}

// LLMClient defines the interface for language model interactions.
type LLMClient interface {
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// Stream generates a completion as a stream of chunks.
	Stream(ctx context.Context, in CompletionRequest) (<-chan StreamChunk, error)
}

// NewCompletionRequest creates a new completion request with default values.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{
		Role:    RoleSystem,
		Content: content,
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{
		Role:    RoleUser,
		Content: content,
	}
}

// SplitSystemMessages separates system messages from the conversational
// messages. Several backends take the system prompt as a dedicated parameter
// rather than a message role.
func SplitSystemMessages(messages []CompletionMessage) (system string, rest []CompletionMessage) {
	var systemParts []string
	rest = make([]CompletionMessage, 0, len(messages))
	for i := range messages {
		if messages[i].Role == RoleSystem {
			systemParts = append(systemParts, messages[i].Content)
			continue
		}
		rest = append(rest, messages[i])
	}
	return strings.Join(systemParts, "\n\n"), rest
}

// CompletionToStream relays a single completed response as a stream. Backends
// without chunked streaming wired up use this so callers see one interface.
func CompletionToStream(resp CompletionResponse) <-chan StreamChunk {
	ch := make(chan StreamChunk, len(resp.ToolUses)+2)
	for i := range resp.ToolUses {
		tool := resp.ToolUses[i]
		ch <- StreamChunk{ToolUse: &tool}
	}
	usage := resp.Usage
	ch <- StreamChunk{Content: resp.Content}
	ch <- StreamChunk{Done: true, Usage: &usage}
	close(ch)
	return ch
}
