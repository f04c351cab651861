// Package retrieval assembles the context block for a chat turn: query
// expansion, a three-way parallel vector search under one deadline, and
// deterministic formatting of the results.
//
// Retrieval is best-effort by contract. Individual search failures
// degrade to empty lists; at worst the caller receives an empty
// ContextBlock and generation proceeds without context.
package retrieval

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mindframe0/mindframe/internal/log"
	"github.com/mindframe0/mindframe/internal/store"
)

// Caps applied after the audit and diversity filters. The store fetches
// more (doc_k etc.) so filtering has slack to discard from.
const (
	capDocuments = 10
	capMessages  = 6
	capGlobal    = 3
)

// historyTailChars bounds how much of the last user turn is appended to
// the embedding query to bias it toward the ongoing topic.
const historyTailChars = 500

// diversityPrefixChars is how many leading characters feed the
// duplicate-content hash.
const diversityPrefixChars = 100

// Embedder embeds the expanded query.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher is the slice of the vector store the retriever needs.
type Searcher interface {
	SimilarMessages(ctx context.Context, q []float32, f store.MessageFilter) ([]store.Hit, error)
	SimilarDocuments(ctx context.Context, q []float32, f store.DocumentFilter) ([]store.Hit, error)
	SimilarGlobal(ctx context.Context, q []float32, f store.GlobalFilter) ([]store.Hit, error)
}

// Config tunes the fan-out.
type Config struct {
	DocK             int
	MsgK             int
	GlobalK          int
	Threshold        float64
	GlobalMinQuality float64
	Deadline         time.Duration
	EnforceIsolation bool
}

// Retriever runs the retrieval pipeline for chat turns.
type Retriever struct {
	expander *Expander
	embedder Embedder
	searcher Searcher
	cfg      Config
	tracer   trace.Tracer
	logger   log.Logger
}

// New creates a Retriever. logger may be nil.
func New(expander *Expander, embedder Embedder, searcher Searcher, cfg Config, logger log.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 5 * time.Second
	}

	return &Retriever{
		expander: expander,
		embedder: embedder,
		searcher: searcher,
		cfg:      cfg,
		tracer:   otel.Tracer("mindframe/retrieval"),
		logger:   logger,
	}
}

// Retrieve expands the user text, embeds it and fans out to the three
// vector searches under one wall-clock deadline. Partial results are
// used when the deadline elapses; the only error is ErrInvariant for a
// request missing its session scope.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (*ContextBlock, error) {
	if req.SessionID == uuid.Nil && r.cfg.EnforceIsolation {
		return nil, fmt.Errorf("%w: session id required", ErrInvariant)
	}
	if req.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: user id required", ErrInvariant)
	}

	ctx, span := r.tracer.Start(ctx, "retrieval.retrieve")
	defer span.End()

	query := r.buildQuery(req)

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		// Degrade: generation proceeds without retrieval context.
		r.logger.Warn("query embedding failed, returning empty context",
			"session_id", req.SessionID, "error", err)
		return &ContextBlock{}, nil
	}

	block := r.fanOut(ctx, vec, req)

	block.Messages = r.auditSessionIsolation(block.Messages, req.SessionID)

	block.Documents = capHits(dedupeHits(block.Documents), capDocuments)
	block.Messages = capHits(dedupeHits(block.Messages), capMessages)
	block.Global = capHits(dedupeHits(block.Global), capGlobal)

	span.SetAttributes(
		attribute.Int("retrieval.documents", len(block.Documents)),
		attribute.Int("retrieval.messages", len(block.Messages)),
		attribute.Int("retrieval.global", len(block.Global)),
	)

	return block, nil
}

// buildQuery expands the user text and appends the tail of the last
// user turn from history to bias embeddings toward the ongoing topic.
func (r *Retriever) buildQuery(req Request) string {
	query := r.expander.Expand(req.UserText)

	for i := len(req.History) - 1; i >= 0; i-- {
		if req.History[i].Role != "user" {
			continue
		}
		turn := req.History[i].Content
		runes := []rune(turn)
		if len(runes) > historyTailChars {
			turn = string(runes[:historyTailChars])
		}
		if turn != "" {
			query = query + " " + turn
		}
		break
	}

	return query
}

// fanOut runs the three searches in parallel under the configured
// deadline. Each source degrades to empty on failure or timeout.
func (r *Retriever) fanOut(ctx context.Context, vec []float32, req Request) *ContextBlock {
	searchCtx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
	defer cancel()

	type sourceResult struct {
		hits []store.Hit
		err  error
	}

	// Buffered (cap 1) so goroutines never block if we return early.
	docCh := make(chan sourceResult, 1)
	msgCh := make(chan sourceResult, 1)
	globCh := make(chan sourceResult, 1)

	go func() {
		sctx, sspan := r.tracer.Start(searchCtx, "retrieval.documents")
		defer sspan.End()
		hits, err := r.searcher.SimilarDocuments(sctx, vec, store.DocumentFilter{
			UserID:    req.UserID,
			ProjectID: req.ProjectID,
			K:         r.cfg.DocK,
			Threshold: r.cfg.Threshold,
		})
		docCh <- sourceResult{hits, err}
	}()

	go func() {
		sctx, sspan := r.tracer.Start(searchCtx, "retrieval.messages")
		defer sspan.End()
		filter := store.MessageFilter{
			UserID:    req.UserID,
			ProjectID: req.ProjectID,
			K:         r.cfg.MsgK,
			Threshold: r.cfg.Threshold,
		}
		if r.cfg.EnforceIsolation {
			sessionID := req.SessionID
			filter.SessionID = &sessionID
		}
		hits, err := r.searcher.SimilarMessages(sctx, vec, filter)
		msgCh <- sourceResult{hits, err}
	}()

	go func() {
		sctx, sspan := r.tracer.Start(searchCtx, "retrieval.global")
		defer sspan.End()
		hits, err := r.searcher.SimilarGlobal(sctx, vec, store.GlobalFilter{
			K:          r.cfg.GlobalK,
			Threshold:  r.cfg.Threshold,
			MinQuality: r.cfg.GlobalMinQuality,
		})
		globCh <- sourceResult{hits, err}
	}()

	block := &ContextBlock{}

	collect := func(ch <-chan sourceResult, name string) []store.Hit {
		res := <-ch
		if res.err != nil {
			r.logger.Warn("retrieval source failed",
				"source", name, "session_id", req.SessionID, "error", res.err)
			return nil
		}
		return res.hits
	}

	block.Documents = collect(docCh, "documents")
	block.Messages = collect(msgCh, "messages")
	block.Global = collect(globCh, "global")

	return block
}

// auditSessionIsolation drops message hits leaking from other sessions.
// The store-side filter is authoritative; a drop here means that filter
// missed, so every drop logs a warning.
func (r *Retriever) auditSessionIsolation(hits []store.Hit, sessionID uuid.UUID) []store.Hit {
	if !r.cfg.EnforceIsolation {
		return hits
	}

	kept := hits[:0]
	for _, h := range hits {
		if h.SessionID != sessionID {
			r.logger.Warn("dropping cross-session message hit",
				"expected_session", sessionID, "hit_session", h.SessionID)
			continue
		}
		kept = append(kept, h)
	}
	return kept
}

// dedupeHits drops a later hit whose leading content matches an
// earlier kept hit, comparing FNV-1a hashes of the first
// diversityPrefixChars characters.
func dedupeHits(hits []store.Hit) []store.Hit {
	if len(hits) < 2 {
		return hits
	}

	seen := make(map[uint64]struct{}, len(hits))
	kept := hits[:0]
	for _, h := range hits {
		key := contentKey(h.Content)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		kept = append(kept, h)
	}
	return kept
}

func contentKey(content string) uint64 {
	runes := []rune(content)
	if len(runes) > diversityPrefixChars {
		content = string(runes[:diversityPrefixChars])
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(content))
	return h.Sum64()
}

func capHits(hits []store.Hit, limit int) []store.Hit {
	if len(hits) > limit {
		return hits[:limit]
	}
	return hits
}
