// Package ingest turns uploaded documents into embedded chunks in the
// vector store: extract text, normalize whitespace, split into
// overlapping chunks, embed in batches and persist in chunk order.
//
// Ingestion runs asynchronously after upload and is invoked at most
// once per asset; the store's idempotent inserts make accidental
// re-runs harmless.
package ingest

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mindframe0/mindframe/internal/log"
	"github.com/mindframe0/mindframe/internal/store"
)

// embedBatchSize bounds one provider call during ingestion.
const embedBatchSize = 16

// Embedder is the slice of the embedding client the ingestor needs.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkStore persists embedded chunks.
type ChunkStore interface {
	InsertDocumentChunks(ctx context.Context, chunks []store.DocumentChunk) (int, error)
}

// StatusFunc records the outcome of an ingestion for the asset's
// lifecycle outside this package. Optional.
type StatusFunc func(assetID uuid.UUID, result Result, err error)

// Request identifies one uploaded document.
type Request struct {
	AssetID     uuid.UUID
	UserID      uuid.UUID
	ProjectID   *uuid.UUID
	Data        []byte
	Filename    string
	ContentType string
}

// Result reports how much of the document was persisted.
type Result struct {
	ChunksWritten int
	ChunksTotal   int
	Truncated     bool
}

// Config tunes chunk sizing.
type Config struct {
	TargetChars     int
	OverlapChars    int
	MaxChunksPerDoc int
}

// Ingestor processes uploaded documents.
type Ingestor struct {
	embedder Embedder
	chunks   ChunkStore
	cfg      Config
	status   StatusFunc
	logger   log.Logger
}

// New creates an Ingestor. status and logger may be nil.
func New(embedder Embedder, chunks ChunkStore, cfg Config, status StatusFunc, logger log.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TargetChars <= 0 {
		cfg.TargetChars = 1000
	}
	if cfg.OverlapChars < 0 {
		cfg.OverlapChars = 0
	}
	if cfg.MaxChunksPerDoc <= 0 {
		cfg.MaxChunksPerDoc = 50
	}

	return &Ingestor{
		embedder: embedder,
		chunks:   chunks,
		cfg:      cfg,
		status:   status,
		logger:   logger,
	}
}

// Ingest processes one document and reports the number of chunks
// written. Persistence is partial-success: chunks written before a
// failure stay valid and are counted.
//
// Ingest never panics; background invocations must not take down the
// process.
func (ig *Ingestor) Ingest(ctx context.Context, req Request) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ingestion panicked: %v", r)
			ig.logger.Error("ingestion panic recovered",
				"asset_id", req.AssetID, "panic", r)
		}
		if ig.status != nil {
			ig.status(req.AssetID, result, err)
		}
	}()

	docType, err := detectType(req.Filename, req.ContentType)
	if err != nil {
		return Result{}, err
	}

	raw, err := extract(req.Data, docType)
	if err != nil {
		return Result{}, fmt.Errorf("extracting %q: %w", req.Filename, err)
	}

	text := normalize(raw)
	if text == "" {
		ig.logger.Info("document produced no text", "asset_id", req.AssetID, "filename", req.Filename)
		return Result{}, nil
	}

	texts, truncated := chunkText(text, chunkerConfig{
		targetChars:  ig.cfg.TargetChars,
		overlapChars: ig.cfg.OverlapChars,
		maxChunks:    ig.cfg.MaxChunksPerDoc,
	})
	result.ChunksTotal = len(texts)
	result.Truncated = truncated
	if truncated {
		ig.logger.Warn("document truncated at chunk cap",
			"asset_id", req.AssetID,
			"filename", req.Filename,
			"max_chunks", ig.cfg.MaxChunksPerDoc)
	}

	rows := make([]store.DocumentChunk, 0, len(texts))

	// Embed in batches; a failure aborts after completed batches, and
	// everything embedded so far still gets persisted below.
	var embedErr error
	for i := 0; i < len(texts); i += embedBatchSize {
		end := min(i+embedBatchSize, len(texts))

		vecs, err := ig.embedder.EmbedBatch(ctx, texts[i:end])
		if err != nil {
			embedErr = fmt.Errorf("embedding chunks %d..%d: %w", i, end-1, err)
			break
		}

		for j, vec := range vecs {
			idx := i + j
			metadata := map[string]any{
				"filename":      req.Filename,
				"document_type": docType,
			}
			if truncated && idx == len(texts)-1 {
				metadata["truncated"] = true
			}
			rows = append(rows, store.DocumentChunk{
				AssetID:      req.AssetID,
				UserID:       req.UserID,
				ProjectID:    req.ProjectID,
				DocumentType: docType,
				ChunkIndex:   idx,
				ChunkText:    texts[idx],
				Embedding:    vec,
				Metadata:     metadata,
			})
		}
	}

	written, insertErr := ig.persist(ctx, rows)
	result.ChunksWritten = written

	switch {
	case insertErr != nil:
		err = fmt.Errorf("persisting chunks of asset %s: %w", req.AssetID, insertErr)
	case embedErr != nil:
		err = embedErr
	}

	if err != nil {
		ig.logger.Error("ingestion incomplete",
			"asset_id", req.AssetID,
			"filename", req.Filename,
			"written", result.ChunksWritten,
			"total", result.ChunksTotal,
			"error", err)
		return result, err
	}

	ig.logger.Info("document ingested",
		"asset_id", req.AssetID,
		"filename", req.Filename,
		"chunks", result.ChunksWritten,
		"truncated", result.Truncated)
	return result, nil
}

// persist inserts rows in chunk order, retrying the remainder on
// failure. Inserts are idempotent on (asset_id, chunk_index), so a
// retry that overlaps already-written chunks is a no-op for them.
func (ig *Ingestor) persist(ctx context.Context, rows []store.DocumentChunk) (int, error) {
	const maxAttempts = 3

	written := 0
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		n, err := ig.chunks.InsertDocumentChunks(ctx, rows[written:])
		written += n
		if err == nil {
			return written, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		ig.logger.Debug("retrying chunk persistence",
			"attempt", attempt, "written", written, "error", err)
	}

	return written, lastErr
}
