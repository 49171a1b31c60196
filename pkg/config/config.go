// Package config provides configuration loading, validation, and management
// for the conductor.
//
// Configuration is per project: each project carries its own
// .conductor/config.yaml, read once at loop start and passed around by
// value. State (run history, feature status, timestamps) never lives here;
// it belongs to the feature store and the run database.
//
// Secrets follow a separate path (secrets.go): an encrypted
// .conductor/secrets.json.enc with environment-variable fallback, decrypted
// once at startup and held in memory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"conductor/pkg/utils"
)

// Provider identifiers for agent backends.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// ConfigFileName is the per-project config file under .conductor/.
const ConfigFileName = "config.yaml"

// ModelInfo contains static information about a known LLM model.
// This data is hardcoded in the application, not user-configurable.
type ModelInfo struct {
	Provider         string  // API provider (anthropic, openai, google, ollama)
	InputCPM         float64 // Cost per million input tokens (USD)
	OutputCPM        float64 // Cost per million output tokens (USD)
	MaxContextTokens int     // Maximum context window size in tokens
	MaxOutputTokens  int     // Maximum output tokens per request
}

// KnownModels registry contains pricing and provider information for common
// models. This is optional - unknown models are inferred via ProviderPatterns.
//
//nolint:gochecknoglobals // Intentional global for static model registry
var KnownModels = map[string]ModelInfo{
	// Claude models (Anthropic)
	"claude-3-7-sonnet-20250219": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-sonnet-4-20250514": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-opus-4-1": {
		Provider:         ProviderAnthropic,
		InputCPM:         15.0,
		OutputCPM:        75.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  16384,
	},

	// OpenAI models
	"gpt-4o": {
		Provider:         ProviderOpenAI,
		InputCPM:         2.5,
		OutputCPM:        10.0,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
	},
	"o3-mini": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},
	"gpt-5": {
		Provider:         ProviderOpenAI,
		InputCPM:         20.0,
		OutputCPM:        60.0,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
	},

	// Google Gemini models
	"gemini-2.0-flash": {
		Provider:         ProviderGoogle,
		InputCPM:         0.10,
		OutputCPM:        0.40,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  8192,
	},
	"gemini-2.5-flash": {
		Provider:         ProviderGoogle,
		InputCPM:         0.30,
		OutputCPM:        2.50,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},
}

// ProviderPattern represents a pattern for inferring provider from model name.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns defines rules for inferring providers from unknown model
// names. Allows using new models without code changes.
//
//nolint:gochecknoglobals // Intentional global for inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	// Common open-source model prefixes served by a local Ollama.
	{"phi", ProviderOllama},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"codellama", ProviderOllama},
	{"deepseek", ProviderOllama},
	{"ollama:", ProviderOllama}, // Explicit prefix like "ollama:phi4"
}

// GetModelProvider returns the API provider for a given model.
// First checks KnownModels, then tries pattern matching.
func GetModelProvider(modelName string) (string, error) {
	if info, exists := KnownModels[modelName]; exists {
		return info.Provider, nil
	}

	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}

	return "", fmt.Errorf("unknown model '%s': no known provider mapping or pattern match - cannot determine API provider", modelName)
}

// GetModelInfo returns the ModelInfo for a given model name.
// Returns the info and true if found in KnownModels, or a default info with
// inferred provider and false if not found.
func GetModelInfo(modelName string) (ModelInfo, bool) {
	if info, exists := KnownModels[modelName]; exists {
		return info, true
	}

	provider := ""
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			provider = ProviderPatterns[i].Provider
			break
		}
	}

	// Conservative defaults for unknown models; no cost tracking.
	return ModelInfo{
		Provider:         provider,
		InputCPM:         0.0,
		OutputCPM:        0.0,
		MaxContextTokens: 32000,
		MaxOutputTokens:  4096,
	}, false
}

// StripOllamaPrefix removes the explicit "ollama:" prefix from a model name,
// returning the bare model identifier the Ollama server expects.
func StripOllamaPrefix(modelName string) string {
	return strings.TrimPrefix(modelName, "ollama:")
}

// AgentConfig holds model selection and prompt budgeting for agent calls.
type AgentConfig struct {
	// PlanningModel generates implementation plans. Lower temperature,
	// usually the same model as implementation.
	PlanningModel string `yaml:"planning_model"`
	// ImplementationModel executes tasks and pipeline steps.
	ImplementationModel string `yaml:"implementation_model"`
	// MaxTokens caps output tokens per request (0 = model default).
	MaxTokens int `yaml:"max_tokens"`
	// PromptTokenBudget caps the assembled prompt size; older context is
	// truncated from the front when exceeded.
	PromptTokenBudget int `yaml:"prompt_token_budget"`
	// OllamaHost overrides the local Ollama server address.
	OllamaHost string `yaml:"ollama_host"`
}

// LoopConfig holds scheduler loop settings.
type LoopConfig struct {
	// MaxConcurrency is the default per-project ceiling on simultaneously
	// running features. StartLoop callers may override it.
	MaxConcurrency int `yaml:"max_concurrency"`
	// PollInterval is the sleep between scheduler iterations when work
	// exists or the ceiling is reached.
	PollInterval time.Duration `yaml:"poll_interval"`
	// IdleInterval is the longer sleep when no eligible features exist.
	IdleInterval time.Duration `yaml:"idle_interval"`
}

// BreakerConfig holds failure circuit breaker settings.
type BreakerConfig struct {
	// Window is the sliding window within which failures are counted.
	Window time.Duration `yaml:"window"`
	// Threshold is the number of failures within Window that pauses the
	// project's scheduling.
	Threshold int `yaml:"threshold"`
}

// ApprovalConfig holds plan approval gate settings.
type ApprovalConfig struct {
	// Required gates implementation on human plan approval.
	Required bool `yaml:"required"`
	// Timeout auto-rejects an unanswered approval request.
	Timeout time.Duration `yaml:"timeout"`
	// MaxRevisions bounds the plan revision loop.
	MaxRevisions int `yaml:"max_revisions"`
}

// GitConfig holds workspace isolation settings.
type GitConfig struct {
	// UseWorktrees runs each feature in a dedicated git worktree under
	// .conductor/worktrees/ instead of the project root.
	UseWorktrees bool `yaml:"use_worktrees"`
	// BaseBranch is the branch worktrees fork from (empty = current).
	BaseBranch string `yaml:"base_branch"`
}

// MetricsConfig holds the kernel metrics endpoint settings.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	// PrometheusURL points the rollup query service at a scraping
	// Prometheus; empty disables rollups.
	PrometheusURL string `yaml:"prometheus_url"`
}

// NotifyConfig holds desktop/webhook notification settings.
type NotifyConfig struct {
	Enabled bool `yaml:"enabled"`
	// Command is an external notifier invoked as `command <title> <body>`;
	// empty selects the platform default.
	Command string `yaml:"command"`
	// Webhook, when set, receives each notification as a JSON POST.
	Webhook string `yaml:"webhook,omitempty"`
}

// Config is the per-project conductor configuration, loaded from
// .conductor/config.yaml. Access is by value; mutate a copy and rewrite the
// file to change settings.
type Config struct {
	Agents        AgentConfig    `yaml:"agents"`
	ApprovalGate  ApprovalConfig `yaml:"approval"`
	Git           GitConfig      `yaml:"git"`
	Loop          LoopConfig     `yaml:"loop"`
	Metrics       MetricsConfig  `yaml:"metrics"`
	Notifications NotifyConfig   `yaml:"notifications"`
	Breaker       BreakerConfig  `yaml:"breaker"`
	SchemaVersion int            `yaml:"schema_version"`
}

// Current config schema version. Bump on any breaking field change.
const SchemaVersion = 1

// Default values applied when fields are absent from config.yaml.
const (
	DefaultModel             = "claude-sonnet-4-20250514"
	DefaultMaxConcurrency    = 2
	DefaultPollInterval      = 2 * time.Second
	DefaultIdleInterval      = 10 * time.Second
	DefaultBreakerWindow     = 60 * time.Second
	DefaultBreakerThreshold  = 3
	DefaultApprovalTimeout   = 30 * time.Minute
	DefaultMaxRevisions      = 10
	DefaultPromptTokenBudget = 100000
)

// Default returns a Config populated with default values.
func Default() Config {
	cfg := Config{SchemaVersion: SchemaVersion}
	cfg.applyDefaults()
	return cfg
}

// Load reads <projectDir>/.conductor/config.yaml, applies defaults for
// absent fields, and validates the result. A missing file yields the default
// configuration without error.
func Load(projectDir string) (Config, error) {
	path := filepath.Join(utils.ProjectStateDir(projectDir), ConfigFileName)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the config back to <projectDir>/.conductor/config.yaml.
func Save(projectDir string, cfg *Config) error {
	dir := utils.ProjectStateDir(projectDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}

// applyDefaults fills zero-valued fields with defaults.
func (c *Config) applyDefaults() {
	if c.SchemaVersion == 0 {
		c.SchemaVersion = SchemaVersion
	}
	if c.Agents.PlanningModel == "" {
		c.Agents.PlanningModel = DefaultModel
	}
	if c.Agents.ImplementationModel == "" {
		c.Agents.ImplementationModel = DefaultModel
	}
	if c.Agents.PromptTokenBudget == 0 {
		c.Agents.PromptTokenBudget = DefaultPromptTokenBudget
	}
	if c.Loop.MaxConcurrency == 0 {
		c.Loop.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.Loop.PollInterval == 0 {
		c.Loop.PollInterval = DefaultPollInterval
	}
	if c.Loop.IdleInterval == 0 {
		c.Loop.IdleInterval = DefaultIdleInterval
	}
	if c.Breaker.Window == 0 {
		c.Breaker.Window = DefaultBreakerWindow
	}
	if c.Breaker.Threshold == 0 {
		c.Breaker.Threshold = DefaultBreakerThreshold
	}
	if c.ApprovalGate.Timeout == 0 {
		c.ApprovalGate.Timeout = DefaultApprovalTimeout
	}
	if c.ApprovalGate.MaxRevisions == 0 {
		c.ApprovalGate.MaxRevisions = DefaultMaxRevisions
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.SchemaVersion > SchemaVersion {
		return fmt.Errorf("config schema version %d is newer than supported version %d", c.SchemaVersion, SchemaVersion)
	}
	if _, err := GetModelProvider(c.Agents.PlanningModel); err != nil {
		return fmt.Errorf("planning model: %w", err)
	}
	if _, err := GetModelProvider(c.Agents.ImplementationModel); err != nil {
		return fmt.Errorf("implementation model: %w", err)
	}
	if c.Loop.MaxConcurrency < 1 {
		return fmt.Errorf("loop.max_concurrency must be at least 1, got %d", c.Loop.MaxConcurrency)
	}
	if c.Loop.PollInterval < 0 || c.Loop.IdleInterval < 0 {
		return fmt.Errorf("loop intervals must be non-negative")
	}
	if c.Breaker.Threshold < 1 {
		return fmt.Errorf("breaker.threshold must be at least 1, got %d", c.Breaker.Threshold)
	}
	if c.Breaker.Window <= 0 {
		return fmt.Errorf("breaker.window must be positive, got %s", c.Breaker.Window)
	}
	if c.ApprovalGate.Timeout <= 0 {
		return fmt.Errorf("approval.timeout must be positive, got %s", c.ApprovalGate.Timeout)
	}
	if c.ApprovalGate.MaxRevisions < 1 {
		return fmt.Errorf("approval.max_revisions must be at least 1, got %d", c.ApprovalGate.MaxRevisions)
	}
	return nil
}

// APIKeyEnvVars maps each provider to the secret/environment variable name
// holding its API key.
//
//nolint:gochecknoglobals // Intentional global lookup table
var APIKeyEnvVars = map[string]string{
	ProviderAnthropic: "ANTHROPIC_API_KEY",
	ProviderOpenAI:    "OPENAI_API_KEY",
	ProviderGoogle:    "GEMINI_API_KEY",
}

// GetAPIKey returns the API key for the given provider, consulting the
// decrypted secrets file first and environment variables second. Ollama
// needs no key and always succeeds with an empty string.
func GetAPIKey(provider string) (string, error) {
	if provider == ProviderOllama {
		return "", nil
	}
	name, ok := APIKeyEnvVars[provider]
	if !ok {
		return "", fmt.Errorf("unsupported provider: %s", provider)
	}
	key, err := GetSecret(name)
	if err != nil {
		return "", fmt.Errorf("no API key for provider %s: %w", provider, err)
	}
	return key, nil
}

// ResolveOllamaHost resolves the Ollama server address: config value, then
// OLLAMA_HOST environment variable, then empty (client default).
func (c *Config) ResolveOllamaHost() string {
	if c.Agents.OllamaHost != "" {
		return c.Agents.OllamaHost
	}
	return os.Getenv("OLLAMA_HOST")
}
