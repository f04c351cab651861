package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mindframe0/mindframe/internal/log"
	"github.com/mindframe0/mindframe/internal/store"
)

// taskTimeout bounds each background embedding task so a stuck
// provider cannot pin shutdown.
const taskTimeout = 3 * time.Second

// Embedder embeds one message snippet.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// MessageStore is the slice of the vector store the ingester needs.
type MessageStore interface {
	InsertMessageEmbedding(ctx context.Context, msg store.MessageEmbedding) error
	TouchSessionLastMessage(ctx context.Context, sessionID uuid.UUID) error
}

// FinishedTurn is a completed chat exchange handed to the ingester.
type FinishedTurn struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
	ProjectID *uuid.UUID

	// Message IDs from the session record. They key the idempotent
	// insert, so a re-recorded turn never duplicates rows. uuid.Nil
	// means no session record exists and an ID is generated.
	UserMessageID      uuid.UUID
	AssistantMessageID uuid.UUID

	UserText      string
	AssistantText string

	// Complete is false when the stream was interrupted. The user turn
	// is still persisted; the partial assistant turn is not.
	Complete bool
}

// Ingester embeds finished turns in the background. Work runs on the
// application lifecycle context, tracked by a WaitGroup so Close can
// wait for in-flight tasks. Errors are logged, never returned: a
// failed embedding only means the turn is absent from future
// retrieval.
type Ingester struct {
	embedder Embedder
	store    MessageStore
	logger   log.Logger

	bgCtx context.Context //nolint:containedctx // app lifecycle context, not a request context
	wg    sync.WaitGroup
}

// NewIngester creates an Ingester. bgCtx should outlive individual
// requests; cancel it to abandon queued work. logger may be nil.
func NewIngester(embedder Embedder, msgStore MessageStore, bgCtx context.Context, logger log.Logger) *Ingester {
	if logger == nil {
		logger = slog.Default()
	}
	if bgCtx == nil {
		bgCtx = context.Background()
	}

	return &Ingester{
		embedder: embedder,
		store:    msgStore,
		logger:   logger,
		bgCtx:    bgCtx,
	}
}

// Record schedules the turn for embedding and returns immediately.
func (in *Ingester) Record(turn FinishedTurn) {
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		in.ingest(turn)
	}()
}

// Close waits for in-flight background tasks to finish.
func (in *Ingester) Close() {
	in.wg.Wait()
}

func (in *Ingester) ingest(turn FinishedTurn) {
	in.persist(turn, turn.UserMessageID, "user", turn.UserText)

	if turn.Complete && turn.AssistantText != "" {
		in.persist(turn, turn.AssistantMessageID, "assistant", turn.AssistantText)
	}

	ctx, cancel := context.WithTimeout(in.bgCtx, taskTimeout)
	defer cancel()
	if err := in.store.TouchSessionLastMessage(ctx, turn.SessionID); err != nil {
		in.logger.Warn("touching session activity",
			"session_id", turn.SessionID, "error", err)
	}
}

// persist embeds and stores one message under its own timeout.
func (in *Ingester) persist(turn FinishedTurn, msgID uuid.UUID, role, content string) {
	if content == "" {
		return
	}
	if msgID == uuid.Nil {
		msgID = uuid.New()
	}

	ctx, cancel := context.WithTimeout(in.bgCtx, taskTimeout)
	defer cancel()

	vec, err := in.embedder.Embed(ctx, content)
	if err != nil {
		in.logger.Warn("embedding chat message",
			"session_id", turn.SessionID, "role", role, "error", err)
		return
	}

	err = in.store.InsertMessageEmbedding(ctx, store.MessageEmbedding{
		MessageID: msgID,
		UserID:    turn.UserID,
		ProjectID: turn.ProjectID,
		SessionID: turn.SessionID,
		Role:      role,
		Content:   content,
		Embedding: vec,
	})
	if err != nil {
		in.logger.Warn("storing chat message embedding",
			"session_id", turn.SessionID, "role", role, "error", err)
	}
}
