// Package resolve creates providers from provider-agnostic configuration,
// keeping provider selection out of application wiring code.
package resolve

import (
	"fmt"

	arbor "github.com/ossian/arbor"
	"github.com/ossian/arbor/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a chat Provider.
type Config struct {
	Provider string // "openai", "groq", "deepseek", "together", "mistral", "ollama"
	APIKey   string
	Model    string
	BaseURL  string // auto-filled for known providers

	// Common cross-provider options (nil = use provider default).
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// EmbeddingConfig holds provider-agnostic configuration for creating an
// EmbeddingProvider.
type EmbeddingConfig struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int
}

// Provider creates an arbor.Provider from a provider-agnostic Config.
func Provider(cfg Config) (arbor.Provider, error) {
	switch cfg.Provider {
	case "openai", "groq", "deepseek", "together", "mistral", "ollama", "openrouter":
		return openaiCompatProvider(cfg), nil
	case "":
		return nil, fmt.Errorf("resolve: provider not set")
	default:
		if cfg.BaseURL != "" {
			// Unknown name with explicit base URL: assume OpenAI-compatible.
			return openaiCompatProvider(cfg), nil
		}
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

// EmbeddingProvider creates an arbor.EmbeddingProvider from a
// provider-agnostic EmbeddingConfig.
func EmbeddingProvider(cfg EmbeddingConfig) (arbor.EmbeddingProvider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("resolve: embedding provider %q needs a base URL", cfg.Provider)
	}
	var opts []openaicompat.EmbeddingOption
	opts = append(opts, openaicompat.WithEmbeddingName(cfg.Provider))
	if cfg.Dimensions > 0 {
		opts = append(opts, openaicompat.WithDimensions(cfg.Dimensions))
	}
	return openaicompat.NewEmbedding(cfg.APIKey, cfg.Model, baseURL, opts...), nil
}

func openaiCompatProvider(cfg Config) arbor.Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	var provOpts []openaicompat.ProviderOption
	provOpts = append(provOpts, openaicompat.WithName(cfg.Provider))

	var reqOpts []openaicompat.Option
	if cfg.Temperature != nil {
		reqOpts = append(reqOpts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		reqOpts = append(reqOpts, openaicompat.WithTopP(*cfg.TopP))
	}
	if cfg.MaxTokens != nil {
		reqOpts = append(reqOpts, openaicompat.WithMaxTokens(*cfg.MaxTokens))
	}
	if len(reqOpts) > 0 {
		provOpts = append(provOpts, openaicompat.WithOptions(reqOpts...))
	}
	return openaicompat.NewProvider(cfg.APIKey, cfg.Model, baseURL, provOpts...)
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
