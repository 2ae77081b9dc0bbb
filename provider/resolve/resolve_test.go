package resolve

import (
	"testing"
)

func TestDefaultBaseURL(t *testing.T) {
	tests := []struct {
		provider string
		want     string
	}{
		{"openai", "https://api.openai.com/v1"},
		{"openrouter", "https://openrouter.ai/api/v1"},
		{"groq", "https://api.groq.com/openai/v1"},
		{"deepseek", "https://api.deepseek.com/v1"},
		{"together", "https://api.together.xyz/v1"},
		{"mistral", "https://api.mistral.ai/v1"},
		{"ollama", "http://localhost:11434/v1"},
		{"unknown", ""},
	}
	for _, tt := range tests {
		if got := defaultBaseURL(tt.provider); got != tt.want {
			t.Errorf("defaultBaseURL(%q) = %q, want %q", tt.provider, got, tt.want)
		}
	}
}

func TestProvider_OpenAICompat(t *testing.T) {
	providers := []string{"openai", "groq", "deepseek", "together", "mistral", "ollama"}
	for _, name := range providers {
		t.Run(name, func(t *testing.T) {
			p, err := Provider(Config{
				Provider: name,
				APIKey:   "test-key",
				Model:    "test-model",
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p == nil {
				t.Fatal("provider is nil")
			}
			if p.Name() != name {
				t.Errorf("Name() = %q, want %q", p.Name(), name)
			}
		})
	}
}

func TestProvider_WithOptions(t *testing.T) {
	temp := 0.5
	topP := 0.9
	maxTokens := 4096
	p, err := Provider(Config{
		Provider:    "openai",
		APIKey:      "test-key",
		Model:       "gpt-4o",
		Temperature: &temp,
		TopP:        &topP,
		MaxTokens:   &maxTokens,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("provider is nil")
	}
}

func TestProvider_CustomBaseURL(t *testing.T) {
	p, err := Provider(Config{
		Provider: "openai",
		APIKey:   "test-key",
		Model:    "custom-model",
		BaseURL:  "https://custom.api.com/v1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("provider is nil")
	}
}

func TestProvider_UnknownNameWithBaseURL(t *testing.T) {
	// An unknown name with an explicit base URL is treated as OpenAI-compatible.
	p, err := Provider(Config{
		Provider: "vllm",
		Model:    "test-model",
		BaseURL:  "http://localhost:8000/v1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "vllm" {
		t.Errorf("Name() = %q, want %q", p.Name(), "vllm")
	}
}

func TestProvider_UnknownProvider(t *testing.T) {
	_, err := Provider(Config{
		Provider: "unknown-llm",
		APIKey:   "test-key",
		Model:    "test-model",
	})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestProvider_EmptyProvider(t *testing.T) {
	_, err := Provider(Config{
		APIKey: "test-key",
		Model:  "test-model",
	})
	if err == nil {
		t.Fatal("expected error for empty provider")
	}
}

func TestEmbeddingProvider(t *testing.T) {
	ep, err := EmbeddingProvider(EmbeddingConfig{
		Provider:   "openai",
		APIKey:     "test-key",
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.Dimensions() != 1536 {
		t.Errorf("Dimensions() = %d, want 1536", ep.Dimensions())
	}
}

func TestEmbeddingProvider_NoBaseURL(t *testing.T) {
	_, err := EmbeddingProvider(EmbeddingConfig{
		Provider: "custom",
		Model:    "embed-model",
	})
	if err == nil {
		t.Fatal("expected error for embedding provider without base URL")
	}
}
