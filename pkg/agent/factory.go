package agent

import (
	"fmt"

	"conductor/pkg/agent/internal/llmimpl/anthropic"
	"conductor/pkg/agent/internal/llmimpl/google"
	"conductor/pkg/agent/internal/llmimpl/ollama"
	"conductor/pkg/agent/internal/llmimpl/openai"
	"conductor/pkg/agent/llm"
	"conductor/pkg/config"
)

// Factory creates agent providers for configured models. Raw clients are
// wrapped with retry handling and reported to a shared metrics recorder.
type Factory struct {
	recorder   Recorder
	ollamaHost string
	cache      map[string]Provider
}

// NewFactory creates a provider factory. The recorder may be nil to disable
// metrics; ollamaHost may be empty to use the local default.
func NewFactory(recorder Recorder, ollamaHost string) *Factory {
	return &Factory{
		recorder:   recorder,
		ollamaHost: ollamaHost,
		cache:      make(map[string]Provider),
	}
}

// ProviderForModel resolves a model name to a ready-to-use Provider. The API
// key is retrieved from the secrets store or environment based on the
// model's provider. Providers are cached per model name.
//
// Not safe for concurrent use; the conductor resolves providers from the
// scheduler goroutine only.
func (f *Factory) ProviderForModel(model string) (Provider, error) {
	if p, ok := f.cache[model]; ok {
		return p, nil
	}

	providerName, err := config.GetModelProvider(model)
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider for model %s: %w", model, err)
	}

	apiKey, err := config.GetAPIKey(providerName)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", providerName, err)
	}

	var rawClient llm.LLMClient
	switch providerName {
	case config.ProviderAnthropic:
		rawClient = anthropic.NewClaudeClient(apiKey, model)
	case config.ProviderOpenAI:
		rawClient = openai.NewClient(apiKey, model)
	case config.ProviderGoogle:
		rawClient = google.NewGeminiClient(apiKey, model)
	case config.ProviderOllama:
		rawClient, err = ollama.NewClient(f.ollamaHost, config.StripOllamaPrefix(model))
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerName)
	}

	p := NewProvider(providerName, NewRetryableClient(rawClient), f.recorder)
	f.cache[model] = p
	return p, nil
}
