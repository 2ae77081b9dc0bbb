package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

type Config struct {
	LLM        LLMConfig        `toml:"llm"`
	Embedding  EmbeddingConfig  `toml:"embedding"`
	Database   DatabaseConfig   `toml:"database"`
	Engine     EngineConfig     `toml:"engine"`
	Budget     BudgetConfig     `toml:"budget"`
	Executor   ExecutorConfig   `toml:"executor"`
	Planner    PlannerConfig    `toml:"planner"`
	Governor   GovernorConfig   `toml:"governor"`
	Dispatcher DispatcherConfig `toml:"dispatcher"`
	Tools      ToolsConfig      `toml:"tools"`
	Code       CodeConfig       `toml:"code"`
	Audit      AuditConfig      `toml:"audit"`
	Observer   ObserverConfig   `toml:"observer"`
	Search     SearchConfig     `toml:"search"`
}

type LLMConfig struct {
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
}

type EmbeddingConfig struct {
	BaseURL    string `toml:"base_url"`
	Model      string `toml:"model"`
	Dimensions int    `toml:"dimensions"`
	APIKey     string `toml:"api_key"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `toml:"driver"`
	// Path is the SQLite database file.
	Path string `toml:"path"`
	// URL is the PostgreSQL connection string (postgres driver only).
	URL string `toml:"url"`
}

type EngineConfig struct {
	MaxDepth int `toml:"max_depth"`
}

// RoleBudget is one role's token and wall-clock allotment.
type RoleBudget struct {
	Tokens      int64 `toml:"tokens"`
	TimeSeconds int   `toml:"time_seconds"`
}

type BudgetConfig struct {
	CEO         RoleBudget `toml:"ceo"`
	VP          RoleBudget `toml:"vp"`
	Director    RoleBudget `toml:"director"`
	Manager     RoleBudget `toml:"manager"`
	Staff       RoleBudget `toml:"staff"`
	ReallocCap  float64    `toml:"realloc_cap"`
	FloorTokens int64      `toml:"floor_tokens"`
}

type ExecutorConfig struct {
	MaxParallel           int `toml:"max_parallel"`
	MinParallel           int `toml:"min_parallel"`
	ToolTimeoutSeconds    int `toml:"tool_timeout_seconds"`
	CodeTimeoutSeconds    int `toml:"code_timeout_seconds"`
	LLMTimeoutSeconds     int `toml:"llm_timeout_seconds"`
	AgenticTimeoutSeconds int `toml:"agentic_timeout_seconds"`
}

type PlannerConfig struct {
	MaxReplans      int    `toml:"max_replans"`
	MinUsefulOutput int    `toml:"min_useful_output"`
	SummaryWindow   int    `toml:"summary_window"`
	FallbackTool    string `toml:"fallback_tool"`
}

type GovernorConfig struct {
	MaxAgents             int     `toml:"max_agents"`
	CPUCritical           float64 `toml:"cpu_critical"`
	MemCritical           float64 `toml:"mem_critical"`
	TickMillis            int     `toml:"tick_ms"`
	RecoveryWindowSeconds int     `toml:"recovery_window_seconds"`
}

type DispatcherConfig struct {
	Workers            int `toml:"workers"`
	LeaseTTLSeconds    int `toml:"lease_ttl_seconds"`
	TickMillis         int `toml:"tick_ms"`
	TaskTimeoutSeconds int `toml:"task_timeout_seconds"`
	SummaryLimit       int `toml:"summary_limit"`
	// ArtifactDir stores full task outputs on disk; rows keep only the
	// truncated summary. Empty disables the sink.
	ArtifactDir string `toml:"artifact_dir"`
}

type ToolsConfig struct {
	// ManifestDirs are scanned for <dir>/<server>/manifest.json.
	ManifestDirs        []string `toml:"manifest_dirs"`
	IdleTTLSeconds      int      `toml:"idle_ttl_seconds"`
	SpawnTimeoutSeconds int      `toml:"spawn_timeout_seconds"`
}

type CodeConfig struct {
	// Runner is "subprocess" or "docker".
	Runner         string `toml:"runner"`
	DockerImage    string `toml:"docker_image"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type AuditConfig struct {
	URL    string `toml:"url"`
	Buffer int    `toml:"buffer"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

type SearchConfig struct {
	BraveAPIKey string `toml:"brave_api_key"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		LLM:       LLMConfig{BaseURL: "https://api.openai.com/v1", Model: "gpt-4o-mini"},
		Embedding: EmbeddingConfig{BaseURL: "https://api.openai.com/v1", Model: "text-embedding-3-small", Dimensions: 1536},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "arbor.db"},
		Engine:    EngineConfig{MaxDepth: 4},
		Budget: BudgetConfig{
			CEO:         RoleBudget{Tokens: 400_000, TimeSeconds: 1200},
			VP:          RoleBudget{Tokens: 200_000, TimeSeconds: 720},
			Director:    RoleBudget{Tokens: 100_000, TimeSeconds: 480},
			Manager:     RoleBudget{Tokens: 50_000, TimeSeconds: 300},
			Staff:       RoleBudget{Tokens: 20_000, TimeSeconds: 180},
			ReallocCap:  2.0,
			FloorTokens: 2_000,
		},
		Executor: ExecutorConfig{
			MaxParallel:           4,
			MinParallel:           1,
			ToolTimeoutSeconds:    60,
			CodeTimeoutSeconds:    120,
			LLMTimeoutSeconds:     90,
			AgenticTimeoutSeconds: 300,
		},
		Planner: PlannerConfig{
			MaxReplans:      3,
			MinUsefulOutput: 32,
			SummaryWindow:   5,
			FallbackTool:    "web_search",
		},
		Governor: GovernorConfig{
			MaxAgents:             8,
			CPUCritical:           80,
			MemCritical:           80,
			TickMillis:            1000,
			RecoveryWindowSeconds: 10,
		},
		Dispatcher: DispatcherConfig{
			Workers:            4,
			LeaseTTLSeconds:    120,
			TickMillis:         500,
			TaskTimeoutSeconds: 60,
			SummaryLimit:       500,
		},
		Tools: ToolsConfig{
			ManifestDirs:        []string{"./toolservers"},
			IdleTTLSeconds:      300,
			SpawnTimeoutSeconds: 20,
		},
		Code:  CodeConfig{Runner: "subprocess", DockerImage: "python:3.12-slim", TimeoutSeconds: 120},
		Audit: AuditConfig{Buffer: 256},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "arbor.toml"
	}

	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("ARBOR_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("ARBOR_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("ARBOR_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("ARBOR_EMBEDDING_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("ARBOR_DATABASE_URL"); v != "" {
		cfg.Database.Driver = "postgres"
		cfg.Database.URL = v
	}
	if v := os.Getenv("ARBOR_AUDIT_URL"); v != "" {
		cfg.Audit.URL = v
	}
	if v := os.Getenv("ARBOR_BRAVE_API_KEY"); v != "" {
		cfg.Search.BraveAPIKey = v
	}
	if os.Getenv("ARBOR_OBSERVER_ENABLED") == "true" || os.Getenv("ARBOR_OBSERVER_ENABLED") == "1" {
		cfg.Observer.Enabled = true
	}

	// Fallbacks
	if cfg.Embedding.APIKey == "" {
		cfg.Embedding.APIKey = cfg.LLM.APIKey
	}
	if cfg.Embedding.BaseURL == "" {
		cfg.Embedding.BaseURL = cfg.LLM.BaseURL
	}

	return cfg
}
