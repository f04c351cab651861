package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	// 0. Check for nil config (defensive programming)
	if c == nil {
		return ErrConfigNil
	}

	// 1. Provider and API key validation
	switch c.Provider {
	case ProviderOpenAI:
		if os.Getenv("OPENAI_API_KEY") == "" {
			return fmt.Errorf("%w: OPENAI_API_KEY environment variable is required for provider %q",
				ErrMissingAPIKey, c.Provider)
		}
	case ProviderGemini, ProviderGoogleAI:
		if os.Getenv("GEMINI_API_KEY") == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required for provider %q\n"+
				"Get your API key at: https://ai.google.dev/gemini-api/docs/api-key",
				ErrMissingAPIKey, c.Provider)
		}
	default:
		return fmt.Errorf("%w: %q is not supported, must be one of: openai, gemini",
			ErrInvalidProvider, c.Provider)
	}

	// 2. Model configuration validation
	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}

	// Temperature range: 0.0 (deterministic) to 2.0 (maximum creativity)
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("%w: must be between 0.0 and 2.0, got %.2f", ErrInvalidTemperature, c.Temperature)
	}

	// 3. Embedding configuration validation
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}

	// The schema hardcodes vector(1536); a mismatched embedder fails
	// here instead of at first insert.
	if c.Embedding.Dim != RequiredEmbeddingDim {
		return fmt.Errorf("%w: embedding.dim must equal %d, got %d",
			ErrInvalidEmbeddingDim, RequiredEmbeddingDim, c.Embedding.Dim)
	}

	if c.Embedding.RequestsPerSecond <= 0 {
		return fmt.Errorf("%w: embedding.requests_per_second must be positive, got %.2f",
			ErrInvalidRetrieval, c.Embedding.RequestsPerSecond)
	}
	if c.Embedding.Burst < 1 {
		return fmt.Errorf("%w: embedding.burst must be at least 1, got %d",
			ErrInvalidRetrieval, c.Embedding.Burst)
	}

	// 4. Retrieval configuration validation
	if err := c.validateRetrieval(); err != nil {
		return err
	}

	// 5. Context and chunking validation
	if c.Context.MaxChars < 1000 {
		return fmt.Errorf("%w: context.max_chars must be at least 1000, got %d",
			ErrInvalidContext, c.Context.MaxChars)
	}

	if c.Chunking.TargetChars < 100 {
		return fmt.Errorf("%w: chunking.target_chars must be at least 100, got %d",
			ErrInvalidChunking, c.Chunking.TargetChars)
	}
	if c.Chunking.OverlapChars < 0 || c.Chunking.OverlapChars >= c.Chunking.TargetChars {
		return fmt.Errorf("%w: chunking.overlap_chars must be in [0, target_chars), got %d",
			ErrInvalidChunking, c.Chunking.OverlapChars)
	}
	if c.Chunking.MaxChunksPerDoc < 1 {
		return fmt.Errorf("%w: chunking.max_chunks_per_doc must be at least 1, got %d",
			ErrInvalidChunking, c.Chunking.MaxChunksPerDoc)
	}

	// 6. Generation validation
	if c.Generation.MaxTokens < 1 || c.Generation.MaxTokens > 2097152 {
		return fmt.Errorf("%w: generation.max_tokens must be between 1 and 2,097,152, got %d",
			ErrInvalidMaxTokens, c.Generation.MaxTokens)
	}
	if c.Generation.StreamDeadlineMS < 1000 {
		return fmt.Errorf("%w: generation.stream_deadline_ms must be at least 1000, got %d",
			ErrInvalidGeneration, c.Generation.StreamDeadlineMS)
	}
	if c.Generation.ToolRoundDeadlineMS < 1000 {
		return fmt.Errorf("%w: generation.tool_round_deadline_ms must be at least 1000, got %d",
			ErrInvalidGeneration, c.Generation.ToolRoundDeadlineMS)
	}

	// 7. Expansion rules validation
	if err := c.validateExpansionRules(); err != nil {
		return err
	}

	// 8. PostgreSQL configuration validation
	return c.validatePostgres()
}

func (c *Config) validateRetrieval() error {
	r := c.Retrieval
	if r.DocK < 1 || r.MsgK < 1 || r.GlobalK < 1 {
		return fmt.Errorf("%w: doc_k/msg_k/global_k must be positive, got %d/%d/%d",
			ErrInvalidRetrieval, r.DocK, r.MsgK, r.GlobalK)
	}
	if r.Threshold < 0 || r.Threshold > 1 {
		return fmt.Errorf("%w: threshold must be in [0, 1], got %.2f",
			ErrInvalidRetrieval, r.Threshold)
	}
	if r.GlobalMinQuality < 0 || r.GlobalMinQuality > 1 {
		return fmt.Errorf("%w: global_min_quality must be in [0, 1], got %.2f",
			ErrInvalidRetrieval, r.GlobalMinQuality)
	}
	if r.DeadlineMS < 100 {
		return fmt.Errorf("%w: deadline_ms must be at least 100, got %d",
			ErrInvalidRetrieval, r.DeadlineMS)
	}
	return nil
}

func (c *Config) validateExpansionRules() error {
	for i, rule := range c.ExpansionRules {
		if rule.Name == "" {
			return fmt.Errorf("%w: rule %d has empty name", ErrInvalidExpansionRules, i)
		}
		if len(rule.Triggers) == 0 {
			return fmt.Errorf("%w: rule %q has no triggers", ErrInvalidExpansionRules, rule.Name)
		}
		if rule.Expansion == "" {
			return fmt.Errorf("%w: rule %q has empty expansion", ErrInvalidExpansionRules, rule.Name)
		}
	}
	if c.FallbackExpansion == "" {
		return fmt.Errorf("%w: fallback_expansion cannot be empty", ErrInvalidExpansionRules)
	}
	return nil
}

func (c *Config) validatePostgres() error {
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}

	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}

	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}

	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set in config.yaml or DATABASE_URL",
			ErrInvalidPostgresPassword)
	}

	// Warn if using default dev password (but don't block - user might be in dev)
	if c.PostgresPassword == "mindframe_dev_password" {
		slog.Warn("Using default development password for PostgreSQL",
			"warning", "Change postgres_password in config.yaml for production deployments")
	}

	// Validate password strength (minimum 8 characters)
	if len(c.PostgresPassword) < 8 {
		return fmt.Errorf("%w: postgres_password must be at least 8 characters (got %d)",
			ErrInvalidPostgresPassword, len(c.PostgresPassword))
	}

	// Modern SSL modes only - exclude deprecated allow/prefer (MITM vulnerable)
	// Reference: https://www.postgresql.org/docs/current/libpq-ssl.html
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if c.PostgresSSLMode == "" {
		return fmt.Errorf("%w: postgres_ssl_mode is empty (should have default from setDefaults)",
			ErrInvalidPostgresSSLMode)
	}

	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	return nil
}
