package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("expected sqlite, got %s", cfg.Database.Driver)
	}
	if cfg.Embedding.Dimensions != 1536 {
		t.Errorf("expected 1536, got %d", cfg.Embedding.Dimensions)
	}
	if cfg.Budget.CEO.Tokens != 400_000 {
		t.Errorf("expected 400000 CEO tokens, got %d", cfg.Budget.CEO.Tokens)
	}
	if cfg.Governor.MaxAgents != 8 {
		t.Errorf("expected 8 max agents, got %d", cfg.Governor.MaxAgents)
	}
	if cfg.Engine.MaxDepth != 4 {
		t.Errorf("expected max depth 4, got %d", cfg.Engine.MaxDepth)
	}
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.toml")
	os.WriteFile(path, []byte(`
[llm]
model = "gpt-4o"

[budget.staff]
tokens = 10000
time_seconds = 60

[governor]
max_agents = 2
`), 0644)

	cfg := Load(path)
	if cfg.LLM.Model != "gpt-4o" {
		t.Errorf("expected gpt-4o, got %s", cfg.LLM.Model)
	}
	if cfg.Budget.Staff.Tokens != 10000 {
		t.Errorf("expected 10000, got %d", cfg.Budget.Staff.Tokens)
	}
	if cfg.Governor.MaxAgents != 2 {
		t.Errorf("expected 2, got %d", cfg.Governor.MaxAgents)
	}
	// Defaults preserved
	if cfg.Budget.CEO.Tokens != 400_000 {
		t.Errorf("default should be preserved, got %d", cfg.Budget.CEO.Tokens)
	}
	if cfg.Dispatcher.Workers != 4 {
		t.Errorf("default should be preserved, got %d", cfg.Dispatcher.Workers)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ARBOR_LLM_API_KEY", "env-key")
	t.Setenv("ARBOR_DATABASE_URL", "postgres://localhost/arbor")

	cfg := Load("/nonexistent/path.toml")
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("expected env-key, got %s", cfg.LLM.APIKey)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("expected postgres driver, got %s", cfg.Database.Driver)
	}
	if cfg.Database.URL != "postgres://localhost/arbor" {
		t.Errorf("expected env url, got %s", cfg.Database.URL)
	}
}

func TestEmbeddingKeyFallsBackToLLMKey(t *testing.T) {
	t.Setenv("ARBOR_LLM_API_KEY", "shared-key")

	cfg := Load("/nonexistent/path.toml")
	if cfg.Embedding.APIKey != "shared-key" {
		t.Errorf("expected shared-key, got %s", cfg.Embedding.APIKey)
	}
}
