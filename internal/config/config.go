package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config is SimpleMem's complete process configuration, populated
// exclusively from environment variables.
type Config struct {
	// Auth & tenancy 
	JWTSecretKey Secret
	EncryptionKey string // base64, decoded by auth.DecodeEncryptionKey
	JWTExpirationDays int

	// Persisted state layout 
	UserDBPath string
	VectorDBPath string

	// Provider gateway 
	LLMProvider string // litellm | openrouter | ollama
	LLMBaseURL string
	LLMModel string
	EmbeddingModel string
	EmbeddingDim int

	// Compressor / planner tunables 
	WindowSize int
	TopK int

	// Transport 
	Host string
	Port int
	BaseURL string

	// Consolidator (open questions)
	ConsolidatorCronSpec string

	// Context injector budget 
	ContextBudgetTokens int
}

// Default values for tunables not set via the environment.
const (
	DefaultJWTExpirationDays = 30
	DefaultWindowSize = 10
	DefaultTopK = 10
	DefaultHost = "0.0.0.0"
	DefaultPort = 8080
	DefaultEmbeddingDim = 1536
	DefaultConsolidatorCron = "@daily"
	DefaultContextBudget = 2000
)

// Load reads configuration from the process environment. It applies
// defaults for every optional variable and returns an error only when
// a required variable (JWT_SECRET_KEY, ENCRYPTION_KEY) is missing.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("config: loading environment: %w", err)
	}

	cfg := &Config{
		JWTSecretKey: Secret(k.String("JWT_SECRET_KEY")),
		EncryptionKey: k.String("ENCRYPTION_KEY"),
		JWTExpirationDays: intOr(k, "JWT_EXPIRATION_DAYS", DefaultJWTExpirationDays),
		UserDBPath: stringOr(k, "USER_DB_PATH", "./data/simplemem.db"),
		VectorDBPath: stringOr(k, "VECTOR_DB_PATH", "./data/vectors"),
		LLMProvider: stringOr(k, "LLM_PROVIDER", "litellm"),
		LLMBaseURL: k.String(providerBaseURLKey(k.String("LLM_PROVIDER"))),
		LLMModel: stringOr(k, "LLM_MODEL", "gpt-4o-mini"),
		EmbeddingModel: stringOr(k, "EMBEDDING_MODEL", "text-embedding-3-small"),
		EmbeddingDim: intOr(k, "EMBEDDING_DIMENSION", DefaultEmbeddingDim),
		WindowSize: intOr(k, "WINDOW_SIZE", DefaultWindowSize),
		TopK: intOr(k, "TOP_K", DefaultTopK),
		Host: stringOr(k, "HOST", DefaultHost),
		Port: intOr(k, "PORT", DefaultPort),
		BaseURL: k.String("BASE_URL"),
		ConsolidatorCronSpec: stringOr(k, "CONSOLIDATOR_CRON", DefaultConsolidatorCron),
		ContextBudgetTokens: intOr(k, "CONTEXT_BUDGET_TOKENS", DefaultContextBudget),
	}

	if !cfg.JWTSecretKey.IsSet() {
		return nil, fmt.Errorf("config: JWT_SECRET_KEY is required")
	}
	if cfg.EncryptionKey == "" {
		return nil, fmt.Errorf("config: ENCRYPTION_KEY is required")
	}

	return cfg, nil
}

// JWTExpiration returns JWTExpirationDays as a time.Duration.
func (c *Config) JWTExpiration() time.Duration {
	return time.Duration(c.JWTExpirationDays) * 24 * time.Hour
}

// providerBaseURLKey picks the *_BASE_URL env var matching the
// configured LLM_PROVIDER.
func providerBaseURLKey(provider string) string {
	switch strings.ToLower(provider) {
	case "openrouter":
		return "OPENROUTER_BASE_URL"
	case "ollama":
		return "OLLAMA_BASE_URL"
	default:
		return "LITELLM_BASE_URL"
	}
}

func stringOr(k *koanf.Koanf, key, def string) string {
	if v := k.String(key); v != "" {
		return v
	}
	return def
}

func intOr(k *koanf.Koanf, key string, def int) int {
	if k.Exists(key) {
		return k.Int(key)
	}
	return def
}
