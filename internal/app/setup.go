package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mindframe0/mindframe/db"
	"github.com/mindframe0/mindframe/internal/chat"
	"github.com/mindframe0/mindframe/internal/config"
	"github.com/mindframe0/mindframe/internal/database"
	"github.com/mindframe0/mindframe/internal/embedding"
	"github.com/mindframe0/mindframe/internal/ingest"
	"github.com/mindframe0/mindframe/internal/log"
	"github.com/mindframe0/mindframe/internal/observability"
	"github.com/mindframe0/mindframe/internal/retrieval"
	"github.com/mindframe0/mindframe/internal/store"
	"github.com/mindframe0/mindframe/internal/tools"
)

// otelShutdownTimeout bounds the final span flush during Close.
const otelShutdownTimeout = 5 * time.Second

// Setup creates and initializes the application. Returns an App with
// embedded cleanup; call Close() to release.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	a := &App{Config: cfg, Logger: logger}

	// On error, clean up everything already initialized.
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	a.otelCleanup = provideOtelShutdown(ctx, cfg, logger)

	pool, dbCleanup, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.dbCleanup = dbCleanup
	a.DBPool = pool

	g, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := provideEmbedder(g, cfg)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}
	a.Embedder = embedder

	a.Embedding = embedding.New(embedder, embedding.Config{
		Dim:               cfg.Embedding.Dim,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		Burst:             cfg.Embedding.Burst,
	}, logger)

	a.Store = store.New(pool, cfg.Embedding.Dim, logger)

	a.Ingestor = ingest.New(a.Embedding, a.Store, ingest.Config{
		TargetChars:     cfg.Chunking.TargetChars,
		OverlapChars:    cfg.Chunking.OverlapChars,
		MaxChunksPerDoc: cfg.Chunking.MaxChunksPerDoc,
	}, nil, logger)

	expander := retrieval.NewExpander(cfg.ExpansionRules, cfg.FallbackExpansion)
	a.Retriever = retrieval.New(expander, a.Embedding, a.Store, retrieval.Config{
		DocK:             cfg.Retrieval.DocK,
		MsgK:             cfg.Retrieval.MsgK,
		GlobalK:          cfg.Retrieval.GlobalK,
		Threshold:        cfg.Retrieval.Threshold,
		GlobalMinQuality: cfg.Retrieval.GlobalMinQuality,
		Deadline:         time.Duration(cfg.Retrieval.DeadlineMS) * time.Millisecond,
		EnforceIsolation: cfg.Session.EnforceIsolation,
	}, logger)

	var searchTool ai.Tool
	if cfg.WebSearch.Enabled() {
		client := tools.NewClient(cfg.WebSearch.APIKey, logger)
		searchTool = tools.Register(g, client, logger)
		logger.Info("web search tool registered")
	} else {
		logger.Info("web search disabled, TAVILY_API_KEY not set")
	}

	a.Generator = chat.NewGenerator(g, chat.Config{
		ModelName:      cfg.FullModelName(),
		Temperature:    float64(cfg.Temperature),
		MaxTokens:      cfg.Generation.MaxTokens,
		StreamDeadline: time.Duration(cfg.Generation.StreamDeadlineMS) * time.Millisecond,
		ForceTriggers:  cfg.WebSearch.ForceTriggers,
	}, searchTool, logger)

	// Background work outlives individual requests but stops at Close.
	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.Ingester = chat.NewIngester(a.Embedding, a.Store, bgCtx, logger)

	a.Turns = NewTurns(a.Retriever, a.Generator, a.Ingester, cfg.Context.MaxChars, logger)

	logger.Info("application initialized",
		"provider", cfg.Provider,
		"model", cfg.FullModelName(),
		"embedder", cfg.FullEmbedderName(),
	)

	return a, nil
}

// provideOtelShutdown wires trace export when enabled. Must run before
// provideGenkit so Genkit's spans find the processor.
func provideOtelShutdown(ctx context.Context, cfg *config.Config, logger log.Logger) func() {
	if !cfg.OTLP.Enabled {
		return func() {}
	}

	shutdown, err := observability.Setup(ctx, observability.Config{
		Endpoint:    cfg.OTLP.Endpoint,
		ServiceName: cfg.OTLP.ServiceName,
		Environment: cfg.OTLP.Environment,
	}, logger)
	if err != nil {
		logger.Warn("setting up tracing", "error", err)
		return func() {}
	}

	//nolint:contextcheck // independent context: shutdown runs during teardown when parent is canceled
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideDBPool runs migrations and opens the connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, func(), error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, nil, fmt.Errorf("running migrations: %w", err)
	}

	return database.NewPool(ctx, cfg.PostgresConnectionString())
}

// provideGenkit initializes Genkit with the configured AI provider.
// Supports openai (default) and gemini.
func provideGenkit(ctx context.Context, cfg *config.Config, logger log.Logger) (*genkit.Genkit, error) {
	provider := cfg.Provider
	if provider == "" {
		provider = config.ProviderOpenAI
	}

	var g *genkit.Genkit

	switch provider {
	case config.ProviderGemini, config.ProviderGoogleAI:
		g = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		logger.Info("initialized Genkit with gemini provider", "model", cfg.ModelName)

	default: // "openai"
		g = genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}
		logger.Info("initialized Genkit with openai provider", "model", cfg.ModelName)
	}

	return g, nil
}

// provideEmbedder looks up the embedder registered by the provider
// plugin. Each provider registers embedders differently:
//   - gemini: GoogleAIEmbedder(g, modelName)
//   - openai: auto-registered in Init(), looked up by model name
func provideEmbedder(g *genkit.Genkit, cfg *config.Config) ai.Embedder {
	switch cfg.Provider {
	case config.ProviderGemini, config.ProviderGoogleAI:
		return googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	default:
		return genkit.LookupEmbedder(g, api.NewName("openai", cfg.EmbedderModel))
	}
}
