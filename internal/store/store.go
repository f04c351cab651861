// Package store is the pgvector adapter for the three embedding tables:
// document_chunks, message_embeddings and global_knowledge.
//
// Reads are cosine similarity searches ordered by descending
// 1 - (embedding <=> query). Writes are single-row idempotent inserts
// keyed on business keys, so background retries never duplicate rows.
//
// Store is safe for concurrent use by multiple goroutines.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/mindframe0/mindframe/internal/log"
)

// SnippetMaxChars bounds message content persisted for retrieval.
// Longer turns are truncated; the full text lives in the chat history
// store outside this package.
const SnippetMaxChars = 500

// DB is the subset of pgxpool.Pool the store depends on.
// Following Go best practices: interfaces are defined by the consumer,
// not the provider, which keeps tests free of a live database.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store executes vector searches and idempotent writes against PostgreSQL.
type Store struct {
	db     DB
	dim    int
	logger log.Logger
}

// New creates a new Store. dim is the expected query-vector dimension;
// mismatched vectors are rejected with ErrInvalid before touching the
// database. logger may be nil.
func New(db DB, dim int, logger log.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		db:     db,
		dim:    dim,
		logger: logger,
	}
}

const similarMessagesSQL = `
SELECT message_id, session_id, role, content_snippet, metadata, created_at,
       1 - (embedding <=> $1) AS similarity
FROM message_embeddings
WHERE user_id = $2
  AND ($3::uuid IS NULL OR project_id = $3)
  AND ($4::uuid IS NULL OR session_id = $4)
  AND 1 - (embedding <=> $1) >= $5
ORDER BY embedding <=> $1, created_at ASC
LIMIT $6`

// SimilarMessages returns prior chat turns similar to q, most similar
// first. A nil SessionID searches across the user's sessions; retrieval
// passes the current session when isolation is enforced.
func (s *Store) SimilarMessages(ctx context.Context, q []float32, f MessageFilter) ([]Hit, error) {
	if err := s.checkVector(q); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, similarMessagesSQL,
		pgvector.NewVector(q), f.UserID, f.ProjectID, f.SessionID, f.Threshold, f.K)
	if err != nil {
		return nil, fmt.Errorf("%w: searching messages: %w", ErrNotAvailable, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h     Hit
			raw   []byte
			msgID uuid.UUID
			role  string
		)
		if err := rows.Scan(&msgID, &h.SessionID, &role, &h.Content, &raw, &h.CreatedAt, &h.Similarity); err != nil {
			return nil, fmt.Errorf("%w: scanning message row: %w", ErrNotAvailable, err)
		}
		h.Origin = OriginMessage
		h.Source = role
		h.Metadata = s.parseMetadata(raw, msgID.String())
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading message rows: %w", ErrNotAvailable, err)
	}

	return hits, nil
}

const similarDocumentsSQL = `
SELECT asset_id, chunk_index, chunk_text, metadata, created_at,
       1 - (embedding <=> $1) AS similarity
FROM document_chunks
WHERE user_id = $2
  AND ($3::uuid IS NULL OR project_id = $3)
  AND 1 - (embedding <=> $1) >= $4
ORDER BY embedding <=> $1, chunk_index ASC
LIMIT $5`

// SimilarDocuments returns document chunks similar to q, most similar first.
func (s *Store) SimilarDocuments(ctx context.Context, q []float32, f DocumentFilter) ([]Hit, error) {
	if err := s.checkVector(q); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, similarDocumentsSQL,
		pgvector.NewVector(q), f.UserID, f.ProjectID, f.Threshold, f.K)
	if err != nil {
		return nil, fmt.Errorf("%w: searching documents: %w", ErrNotAvailable, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h   Hit
			raw []byte
		)
		if err := rows.Scan(&h.AssetID, &h.ChunkIndex, &h.Content, &raw, &h.CreatedAt, &h.Similarity); err != nil {
			return nil, fmt.Errorf("%w: scanning document row: %w", ErrNotAvailable, err)
		}
		h.Origin = OriginDocument
		h.Metadata = s.parseMetadata(raw, h.AssetID.String())
		if name, ok := h.Metadata["filename"].(string); ok && name != "" {
			h.Source = name
		} else {
			h.Source = h.AssetID.String()
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading document rows: %w", ErrNotAvailable, err)
	}

	return hits, nil
}

const similarGlobalSQL = `
SELECT category, pattern_type, example_text, metadata, created_at,
       1 - (embedding <=> $1) AS similarity
FROM global_knowledge
WHERE quality_score >= $2
  AND 1 - (embedding <=> $1) >= $3
ORDER BY embedding <=> $1, created_at ASC
LIMIT $4`

// SimilarGlobal returns curated knowledge patterns similar to q.
// Rows below the quality floor never surface regardless of similarity.
func (s *Store) SimilarGlobal(ctx context.Context, q []float32, f GlobalFilter) ([]Hit, error) {
	if err := s.checkVector(q); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, similarGlobalSQL,
		pgvector.NewVector(q), f.MinQuality, f.Threshold, f.K)
	if err != nil {
		return nil, fmt.Errorf("%w: searching global knowledge: %w", ErrNotAvailable, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var (
			h           Hit
			raw         []byte
			category    string
			patternType string
		)
		if err := rows.Scan(&category, &patternType, &h.Content, &raw, &h.CreatedAt, &h.Similarity); err != nil {
			return nil, fmt.Errorf("%w: scanning global row: %w", ErrNotAvailable, err)
		}
		h.Origin = OriginGlobal
		h.Source = category
		h.Metadata = s.parseMetadata(raw, category)
		h.Metadata["pattern_type"] = patternType
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading global rows: %w", ErrNotAvailable, err)
	}

	return hits, nil
}

const insertDocumentChunkSQL = `
INSERT INTO document_chunks
    (asset_id, user_id, project_id, document_type, chunk_index, chunk_text, embedding, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (asset_id, chunk_index) DO NOTHING`

// InsertDocumentChunk persists one chunk. Re-inserting the same
// (asset_id, chunk_index) is a no-op, which makes ingestion retries safe.
func (s *Store) InsertDocumentChunk(ctx context.Context, c DocumentChunk) error {
	if err := s.checkVector(c.Embedding); err != nil {
		return err
	}

	metadata, err := s.marshalMetadata(c.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(ctx, insertDocumentChunkSQL,
		c.AssetID, c.UserID, c.ProjectID, c.DocumentType, c.ChunkIndex,
		c.ChunkText, pgvector.NewVector(c.Embedding), metadata)
	if err != nil {
		return fmt.Errorf("%w: inserting document chunk %d of asset %s: %w",
			ErrNotAvailable, c.ChunkIndex, c.AssetID, err)
	}

	return nil
}

// InsertDocumentChunks persists chunks in order using a single batch
// round trip. The first failure aborts; chunks already written stay
// (partial success, resumable thanks to the idempotent insert).
func (s *Store) InsertDocumentChunks(ctx context.Context, chunks []DocumentChunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, c := range chunks {
		if err := s.checkVector(c.Embedding); err != nil {
			return 0, err
		}
		metadata, err := s.marshalMetadata(c.Metadata)
		if err != nil {
			return 0, err
		}
		batch.Queue(insertDocumentChunkSQL,
			c.AssetID, c.UserID, c.ProjectID, c.DocumentType, c.ChunkIndex,
			c.ChunkText, pgvector.NewVector(c.Embedding), metadata)
	}

	br := s.db.SendBatch(ctx, batch)
	defer func() {
		if err := br.Close(); err != nil {
			s.logger.Warn("closing batch results", "error", err)
		}
	}()

	for i := range chunks {
		if _, err := br.Exec(); err != nil {
			return i, fmt.Errorf("%w: inserting chunk %d: %w", ErrNotAvailable, i, err)
		}
	}

	return len(chunks), nil
}

const insertMessageEmbeddingSQL = `
INSERT INTO message_embeddings
    (message_id, user_id, project_id, session_id, role, content_snippet, embedding, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (message_id) DO NOTHING`

// InsertMessageEmbedding persists one chat turn for later retrieval.
// Re-inserting the same message_id is a no-op.
func (s *Store) InsertMessageEmbedding(ctx context.Context, m MessageEmbedding) error {
	if err := s.checkVector(m.Embedding); err != nil {
		return err
	}
	if m.SessionID == uuid.Nil {
		return fmt.Errorf("%w: message embedding requires a session id", ErrInvalid)
	}

	metadata, err := s.marshalMetadata(m.Metadata)
	if err != nil {
		return err
	}

	// Truncate by runes, not bytes; a mid-rune cut is invalid UTF-8
	// and PostgreSQL rejects the insert.
	snippet := m.Content
	if runes := []rune(snippet); len(runes) > SnippetMaxChars {
		snippet = string(runes[:SnippetMaxChars])
	}

	_, err = s.db.Exec(ctx, insertMessageEmbeddingSQL,
		m.MessageID, m.UserID, m.ProjectID, m.SessionID, m.Role,
		snippet, pgvector.NewVector(m.Embedding), metadata)
	if err != nil {
		return fmt.Errorf("%w: inserting message embedding %s: %w",
			ErrNotAvailable, m.MessageID, err)
	}

	return nil
}

const insertGlobalKnowledgeSQL = `
INSERT INTO global_knowledge
    (knowledge_id, category, pattern_type, example_text, description, quality_score, tags, embedding, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (knowledge_id) DO NOTHING`

// InsertGlobalKnowledge persists one curated pattern. Seeding is an
// offline operation; the hot path only reads this table.
func (s *Store) InsertGlobalKnowledge(ctx context.Context, k GlobalKnowledge) error {
	if err := s.checkVector(k.Embedding); err != nil {
		return err
	}

	metadata, err := s.marshalMetadata(k.Metadata)
	if err != nil {
		return err
	}

	if k.KnowledgeID == uuid.Nil {
		k.KnowledgeID = uuid.New()
	}
	if k.QualityScore == 0 {
		k.QualityScore = 0.7
	}

	_, err = s.db.Exec(ctx, insertGlobalKnowledgeSQL,
		k.KnowledgeID, k.Category, k.PatternType, k.ExampleText, k.Description,
		k.QualityScore, k.Tags, pgvector.NewVector(k.Embedding), metadata)
	if err != nil {
		return fmt.Errorf("%w: inserting global knowledge %q: %w",
			ErrNotAvailable, k.Category, err)
	}

	return nil
}

// DeleteAssetChunks removes every chunk of an asset. Called when the
// asset itself is deleted upstream.
func (s *Store) DeleteAssetChunks(ctx context.Context, assetID uuid.UUID) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM document_chunks WHERE asset_id = $1`, assetID)
	if err != nil {
		return 0, fmt.Errorf("%w: deleting chunks of asset %s: %w", ErrNotAvailable, assetID, err)
	}

	s.logger.Debug("deleted asset chunks", "asset_id", assetID, "rows", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// DeleteSessionMessages removes every message embedding of a session.
// Called when the session is deleted upstream.
func (s *Store) DeleteSessionMessages(ctx context.Context, sessionID uuid.UUID) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM message_embeddings WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("%w: deleting messages of session %s: %w", ErrNotAvailable, sessionID, err)
	}

	s.logger.Debug("deleted session messages", "session_id", sessionID, "rows", tag.RowsAffected())
	return tag.RowsAffected(), nil
}

// TouchSessionLastMessage updates the session's last_message_at to now.
// Best-effort session metadata; a missing session row is not an error.
func (s *Store) TouchSessionLastMessage(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.db.Exec(ctx,
		`UPDATE sessions SET last_message_at = now() WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("%w: touching session %s: %w", ErrNotAvailable, sessionID, err)
	}
	return nil
}

// checkVector rejects query or row vectors whose dimension does not
// match the schema. Failing here beats a cryptic pgvector error.
func (s *Store) checkVector(v []float32) error {
	if len(v) != s.dim {
		return fmt.Errorf("%w: vector dimension %d, want %d", ErrInvalid, len(v), s.dim)
	}
	return nil
}

func (s *Store) marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling metadata: %w", ErrInvalid, err)
	}
	return data, nil
}

func (s *Store) parseMetadata(raw []byte, id string) map[string]any {
	metadata := make(map[string]any)
	if len(raw) == 0 {
		return metadata
	}
	if err := json.Unmarshal(raw, &metadata); err != nil {
		s.logger.Warn("failed to parse metadata", "id", id, "error", err)
	}
	return metadata
}
