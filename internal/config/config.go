// Package config provides application configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.mindframe/config.yaml or ./config.yaml)
//  3. Default values (sensible defaults for quick start)
//
// Main configuration categories:
//   - AI: Provider, model selection, temperature, max tokens, embedder
//   - Storage: PostgreSQL connection (see storage.go)
//   - Retrieval: per-source caps, similarity threshold, fan-out deadline
//   - Chunking: document chunk sizing for ingestion
//   - WebSearch: Tavily API key, forced-search trigger substrings
//   - Observability: OTLP trace export
//
// Security: Sensitive data (passwords, API keys) are never logged; config
// directory uses 0750 permissions.
//
// Error Handling:
//   - Uses sentinel errors for Go-idiomatic error checking with errors.Is()
//   - Wrap with context using fmt.Errorf("%w: details", ErrXxx)
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTemperature indicates the temperature value is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidMaxTokens indicates the max tokens value is out of range.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidEmbeddingDim indicates the embedder produces incompatible vector dimensions.
	ErrInvalidEmbeddingDim = errors.New("incompatible embedding dimension")

	// ErrInvalidRetrieval indicates a retrieval knob is out of range.
	ErrInvalidRetrieval = errors.New("invalid retrieval configuration")

	// ErrInvalidChunking indicates a chunking knob is out of range.
	ErrInvalidChunking = errors.New("invalid chunking configuration")

	// ErrInvalidContext indicates the context ceiling is out of range.
	ErrInvalidContext = errors.New("invalid context configuration")

	// ErrInvalidGeneration indicates a generation knob is out of range.
	ErrInvalidGeneration = errors.New("invalid generation configuration")

	// ErrInvalidExpansionRules indicates the query-expansion rule set is malformed.
	ErrInvalidExpansionRules = errors.New("invalid expansion rules")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidProvider indicates the AI provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")
)

const (
	// RequiredEmbeddingDim is the vector dimension the pgvector schema is
	// built for. Startup fails if embedding_dim differs; the alternative
	// is silent dimension mismatches at insert time.
	RequiredEmbeddingDim = 1536

	// DefaultEmbedderModel is the default OpenAI-compatible embedder model.
	// text-embedding-3-small outputs 1536 dimensions, matching the schema.
	DefaultEmbedderModel = "text-embedding-3-small"

	// DefaultMaxHistoryMessages is the default number of history messages
	// accepted per turn before token-budget trimming.
	DefaultMaxHistoryMessages int32 = 100
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini   = "gemini"
	ProviderOpenAI   = "openai"
	ProviderGoogleAI = "googleai"
)

// RetrievalConfig holds the retrieval fan-out knobs.
type RetrievalConfig struct {
	DocK             int     `mapstructure:"doc_k" json:"doc_k"`
	MsgK             int     `mapstructure:"msg_k" json:"msg_k"`
	GlobalK          int     `mapstructure:"global_k" json:"global_k"`
	Threshold        float64 `mapstructure:"threshold" json:"threshold"`
	GlobalMinQuality float64 `mapstructure:"global_min_quality" json:"global_min_quality"`
	DeadlineMS       int     `mapstructure:"deadline_ms" json:"deadline_ms"`
}

// ContextConfig bounds the formatted context block.
type ContextConfig struct {
	MaxChars int `mapstructure:"max_chars" json:"max_chars"`
}

// ChunkingConfig controls document splitting during ingestion.
type ChunkingConfig struct {
	TargetChars     int `mapstructure:"target_chars" json:"target_chars"`
	OverlapChars    int `mapstructure:"overlap_chars" json:"overlap_chars"`
	MaxChunksPerDoc int `mapstructure:"max_chunks_per_doc" json:"max_chunks_per_doc"`
}

// GenerationConfig controls the chat completion call.
type GenerationConfig struct {
	StreamDeadlineMS    int `mapstructure:"stream_deadline_ms" json:"stream_deadline_ms"`
	ToolRoundDeadlineMS int `mapstructure:"tool_round_deadline_ms" json:"tool_round_deadline_ms"`
	MaxTokens           int `mapstructure:"max_tokens" json:"max_tokens"`
}

// WebSearchConfig controls the Tavily web-search tool.
// The tool is enabled iff APIKey is non-empty.
type WebSearchConfig struct {
	APIKey        string   `mapstructure:"api_key" json:"api_key"` // SENSITIVE: masked in MarshalJSON
	ForceTriggers []string `mapstructure:"force_triggers" json:"force_triggers"`
	DeadlineMS    int      `mapstructure:"deadline_ms" json:"deadline_ms"`
	MaxResults    int      `mapstructure:"max_results" json:"max_results"`
}

// Enabled reports whether web search can be advertised to the model.
func (w WebSearchConfig) Enabled() bool {
	return w.APIKey != ""
}

// MarshalJSON masks the API key.
func (w WebSearchConfig) MarshalJSON() ([]byte, error) {
	type alias WebSearchConfig
	a := alias(w)
	a.APIKey = maskSecret(a.APIKey)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal web search config: %w", err)
	}
	return data, nil
}

// SessionConfig controls session-scoping behavior.
type SessionConfig struct {
	EnforceIsolation bool `mapstructure:"enforce_isolation" json:"enforce_isolation"`
}

// EmbeddingConfig controls the embedding client.
type EmbeddingConfig struct {
	Dim int `mapstructure:"dim" json:"dim"`

	// Token-bucket limiter on the embedding provider, the only
	// per-user contention point.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" json:"requests_per_second"`
	Burst             int     `mapstructure:"burst" json:"burst"`
}

// OTLPConfig controls trace export. Traces are exported only when
// Enabled is true; the endpoint speaks OTLP/HTTP.
type OTLPConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	Environment string `mapstructure:"environment" json:"environment"`
}

// Config stores application configuration.
// SECURITY: Sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields (passwords, API keys, tokens), update MarshalJSON.
type Config struct {
	// AI provider and model configuration
	Provider    string  `mapstructure:"provider" json:"provider"`     // "openai" (default), "gemini"
	ModelName   string  `mapstructure:"model_name" json:"model_name"` // e.g. "gemini-2.5-flash", "gpt-4o"
	Temperature float32 `mapstructure:"temperature" json:"temperature"`

	// Conversation history configuration
	MaxHistoryMessages int32 `mapstructure:"max_history_messages" json:"max_history_messages"`

	// Storage configuration (see storage.go for documentation)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Embedding configuration
	EmbedderModel string          `mapstructure:"embedder_model" json:"embedder_model"`
	Embedding     EmbeddingConfig `mapstructure:"embedding" json:"embedding"`

	// Retrieval and context assembly
	Retrieval RetrievalConfig `mapstructure:"retrieval" json:"retrieval"`
	Context   ContextConfig   `mapstructure:"context" json:"context"`

	// Query-expansion rule table, matched in order; first match wins.
	ExpansionRules    []ExpansionRule `mapstructure:"expansion_rules" json:"expansion_rules"`
	FallbackExpansion string          `mapstructure:"fallback_expansion" json:"fallback_expansion"`

	// Document ingestion
	Chunking ChunkingConfig `mapstructure:"chunking" json:"chunking"`

	// Chat generation
	Generation GenerationConfig `mapstructure:"generation" json:"generation"`

	// Web search tool
	WebSearch WebSearchConfig `mapstructure:"web_search" json:"web_search"`

	// Session scoping
	Session SessionConfig `mapstructure:"session" json:"session"`

	// Observability configuration
	OTLP OTLPConfig `mapstructure:"otlp" json:"otlp"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	// Configuration directory: ~/.mindframe/
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".mindframe")

	// Ensure directory exists (use 0750 permission for better security)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	// Configure Viper
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".") // Also support current directory

	// Set default values
	setDefaults()

	// Bind environment variables
	bindEnvVariables()

	// Read configuration file (if exists)
	if err := viper.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	// Use Unmarshal to automatically map to struct (type-safe)
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// Parse DATABASE_URL if set (highest priority for PostgreSQL config)
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	// CRITICAL: Validate immediately (fail-fast)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// AI defaults. OpenAI is the default because text-embedding-3-small
	// outputs exactly 1536 dimensions, matching the pgvector schema.
	viper.SetDefault("provider", ProviderOpenAI)
	viper.SetDefault("model_name", "gpt-4o")
	viper.SetDefault("temperature", 0.7)
	viper.SetDefault("max_history_messages", DefaultMaxHistoryMessages)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "mindframe")
	viper.SetDefault("postgres_password", "mindframe_dev_password")
	viper.SetDefault("postgres_db_name", "mindframe")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Embedding defaults
	viper.SetDefault("embedder_model", DefaultEmbedderModel)
	viper.SetDefault("embedding.dim", RequiredEmbeddingDim)
	viper.SetDefault("embedding.requests_per_second", 10.0)
	viper.SetDefault("embedding.burst", 20)

	// Retrieval defaults
	viper.SetDefault("retrieval.doc_k", 15)
	viper.SetDefault("retrieval.msg_k", 6)
	viper.SetDefault("retrieval.global_k", 3)
	viper.SetDefault("retrieval.threshold", 0.10)
	viper.SetDefault("retrieval.global_min_quality", 0.60)
	viper.SetDefault("retrieval.deadline_ms", 5000)

	// Context assembly defaults
	viper.SetDefault("context.max_chars", 16000)

	// Expansion defaults
	viper.SetDefault("expansion_rules", defaultExpansionRuleMaps())
	viper.SetDefault("fallback_expansion", FallbackExpansion)

	// Chunking defaults
	viper.SetDefault("chunking.target_chars", 1000)
	viper.SetDefault("chunking.overlap_chars", 200)
	viper.SetDefault("chunking.max_chunks_per_doc", 50)

	// Generation defaults
	viper.SetDefault("generation.stream_deadline_ms", 120000)
	viper.SetDefault("generation.tool_round_deadline_ms", 60000)
	viper.SetDefault("generation.max_tokens", 6000)

	// Web search defaults
	viper.SetDefault("web_search.force_triggers", DefaultForceTriggers())
	viper.SetDefault("web_search.deadline_ms", 8000)
	viper.SetDefault("web_search.max_results", 5)

	// Session defaults
	viper.SetDefault("session.enforce_isolation", true)

	// OTLP defaults
	viper.SetDefault("otlp.enabled", false)
	viper.SetDefault("otlp.endpoint", "localhost:4318")
	viper.SetDefault("otlp.service_name", "mindframe")
	viper.SetDefault("otlp.environment", "dev")
}

// bindEnvVariables binds sensitive environment variables explicitly.
// Secrets come from the environment, never from config.yaml:
//  1. GEMINI_API_KEY / OPENAI_API_KEY - Read directly by Genkit plugins,
//     validated for presence in cfg.Validate()
//  2. TAVILY_API_KEY - Web search; its presence enables the tool
//  3. DATABASE_URL - Overrides individual postgres_* settings
func bindEnvVariables() {
	// Helper to panic on unexpected bind errors (hardcoded strings can't fail)
	// If this panics, it's a BUG in our code, not a runtime error
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	// Web search key (optional; enables the internet_search tool)
	mustBind("web_search.api_key", "TAVILY_API_KEY")

	// AI provider and model overrides
	mustBind("provider", "MINDFRAME_PROVIDER")
	mustBind("model_name", "MINDFRAME_MODEL_NAME")
	mustBind("embedder_model", "MINDFRAME_EMBEDDER_MODEL")

	// OTLP overrides
	mustBind("otlp.enabled", "MINDFRAME_OTLP_ENABLED")
	mustBind("otlp.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	// NOTE: GEMINI_API_KEY and OPENAI_API_KEY are read directly by the
	// Genkit plugins, not via Viper. Validation checks their presence
	// based on the selected provider in cfg.Validate().
}

// maskedValue is the placeholder for masked sensitive data.
// Using ████████ (full-width blocks U+2588) to avoid substring matching
// against characters that could appear in a real secret.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Shows first 2 and last 2 characters, masks the rest.
// SECURITY: For secrets <=8 chars, fully masks to prevent substring attacks.
//
// THREAT MODEL: This defends against accidental logging of real secrets.
// It is NOT cryptographically secure - if logs are compromised, rotate secrets.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	// Fully mask short secrets to prevent substring matching attacks
	if len(s) <= 8 {
		return maskedValue
	}
	// For longer secrets, show first/last 2 chars for debug utility
	prefix := make([]byte, 2)
	suffix := make([]byte, 2)
	copy(prefix, s[:2])
	copy(suffix, s[len(s)-2:])
	return string(prefix) + "<" + maskedValue + ">" + string(suffix)
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
//
// Sensitive fields masked:
//   - PostgresPassword
//   - WebSearch.APIKey (via WebSearchConfig.MarshalJSON)
//
// When adding new sensitive fields, update this method or the nested struct's MarshalJSON.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	// Note: WebSearch.APIKey is handled by its own MarshalJSON
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// FullModelName returns the provider-qualified model name for Genkit.
// Examples: "googleai/gemini-2.5-flash", "openai/gpt-4o".
// If ModelName already contains a "/", it is returned as-is.
func (c *Config) FullModelName() string {
	if strings.Contains(c.ModelName, "/") {
		return c.ModelName
	}
	switch c.Provider {
	case ProviderOpenAI:
		return ProviderOpenAI + "/" + c.ModelName
	default:
		return ProviderGoogleAI + "/" + c.ModelName
	}
}

// FullEmbedderName returns the provider-qualified embedder name for Genkit.
func (c *Config) FullEmbedderName() string {
	if strings.Contains(c.EmbedderModel, "/") {
		return c.EmbedderModel
	}
	switch c.Provider {
	case ProviderOpenAI:
		return ProviderOpenAI + "/" + c.EmbedderModel
	default:
		return ProviderGoogleAI + "/" + c.EmbedderModel
	}
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
