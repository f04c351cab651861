package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotAvailable indicates the store could not be reached or the
	// query failed on I/O. Callers degrade to empty results.
	ErrNotAvailable = errors.New("store not available")

	// ErrInvalid indicates a malformed request, typically a query vector
	// with the wrong dimension. Retrying will not help.
	ErrInvalid = errors.New("invalid store request")
)

// Origin identifies which table a hit came from.
type Origin string

const (
	OriginMessage  Origin = "message"
	OriginDocument Origin = "document"
	OriginGlobal   Origin = "global"
)

// Hit is a single similarity-search result.
type Hit struct {
	Origin     Origin
	Similarity float64 // [0, 1], cosine
	Content    string

	// Source labels the hit for the context formatter:
	// filename for documents, role for messages, category for global.
	Source string

	Metadata  map[string]any
	CreatedAt time.Time

	// Provenance, populated per origin.
	SessionID  uuid.UUID // messages
	AssetID    uuid.UUID // documents
	ChunkIndex int       // documents
}

// MessageFilter scopes a prior-message search.
type MessageFilter struct {
	UserID    uuid.UUID
	ProjectID *uuid.UUID
	SessionID *uuid.UUID
	K         int
	Threshold float64
}

// DocumentFilter scopes a document-chunk search.
type DocumentFilter struct {
	UserID    uuid.UUID
	ProjectID *uuid.UUID
	K         int
	Threshold float64
}

// GlobalFilter scopes a global-knowledge search.
type GlobalFilter struct {
	K          int
	Threshold  float64
	MinQuality float64
}

// DocumentChunk is one embedded chunk of an uploaded document.
type DocumentChunk struct {
	AssetID      uuid.UUID
	UserID       uuid.UUID
	ProjectID    *uuid.UUID
	DocumentType string // pdf, docx, txt, md
	ChunkIndex   int
	ChunkText    string
	Embedding    []float32
	Metadata     map[string]any
}

// MessageEmbedding is one embedded chat turn.
type MessageEmbedding struct {
	MessageID uuid.UUID
	UserID    uuid.UUID
	ProjectID *uuid.UUID
	SessionID uuid.UUID
	Role      string // user, assistant, system
	Content   string // truncated to SnippetMaxChars on insert
	Embedding []float32
	Metadata  map[string]any
}

// GlobalKnowledge is one curated knowledge pattern.
type GlobalKnowledge struct {
	KnowledgeID  uuid.UUID
	Category     string
	PatternType  string
	ExampleText  string
	Description  string
	QualityScore float64
	Tags         []string
	Embedding    []float32
	Metadata     map[string]any
}
