// Package app assembles the application: configuration, database pool,
// Genkit provider, embedding client, vector store, document ingestion,
// retrieval pipeline, chat generator and the background message
// ingester. Setup wires everything, Close releases it in reverse
// order.
package app

import (
	"context"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mindframe0/mindframe/internal/chat"
	"github.com/mindframe0/mindframe/internal/config"
	"github.com/mindframe0/mindframe/internal/embedding"
	"github.com/mindframe0/mindframe/internal/ingest"
	"github.com/mindframe0/mindframe/internal/log"
	"github.com/mindframe0/mindframe/internal/retrieval"
	"github.com/mindframe0/mindframe/internal/store"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger log.Logger

	// Core services
	Genkit   *genkit.Genkit
	Embedder ai.Embedder
	DBPool   *pgxpool.Pool

	// Domain components
	Embedding *embedding.Client
	Store     *store.Store
	Ingestor  *ingest.Ingestor
	Retriever *retrieval.Retriever
	Generator *chat.Generator
	Ingester  *chat.Ingester
	Turns     *Turns

	// Lifecycle management
	cancel      context.CancelFunc
	dbCleanup   func()
	otelCleanup func()
}

// Close gracefully shuts down all resources: background work first,
// then the pool, then the trace exporter flush.
func (a *App) Close() error {
	if a.Logger != nil {
		a.Logger.Info("shutting down application")
	}

	if a.cancel != nil {
		a.cancel()
	}
	if a.Ingester != nil {
		a.Ingester.Close()
	}
	if a.dbCleanup != nil {
		a.dbCleanup()
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}

	return nil
}
