package app

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mindframe0/mindframe/internal/chat"
	"github.com/mindframe0/mindframe/internal/log"
	"github.com/mindframe0/mindframe/internal/retrieval"
)

// defaultSystemPrompt is used when the caller supplies none.
const defaultSystemPrompt = "You are a personal brand coach. You help the user create " +
	"content, refine their tone of voice and grow their audience. Ground your answers " +
	"in the provided brand context when it is relevant; say so when it is not."

// Retriever assembles the context block for a turn.
type Retriever interface {
	Retrieve(ctx context.Context, req retrieval.Request) (*retrieval.ContextBlock, error)
}

// Generator produces the model response for a turn.
type Generator interface {
	Generate(ctx context.Context, req chat.Request, callback chat.StreamCallback) (*chat.Response, error)
}

// Recorder persists finished turns in the background.
type Recorder interface {
	Record(turn chat.FinishedTurn)
}

// TurnRequest is one user message in a session.
type TurnRequest struct {
	UserID    uuid.UUID
	SessionID uuid.UUID
	ProjectID *uuid.UUID

	// Message IDs assigned by the session record. Optional; when set
	// they key the background inserts so a replayed turn is a no-op.
	UserMessageID      uuid.UUID
	AssistantMessageID uuid.UUID

	SystemPrompt string // empty = defaultSystemPrompt
	UserText     string
	History      []chat.Turn

	EnableWebSearch *bool
}

// Turns runs the full chat pipeline: retrieval, context formatting,
// generation, background persistence.
type Turns struct {
	retriever Retriever
	generator Generator
	recorder  Recorder

	maxContextChars int
	logger          log.Logger
}

// NewTurns wires the pipeline. logger may be nil.
func NewTurns(retriever Retriever, generator Generator, recorder Recorder, maxContextChars int, logger log.Logger) *Turns {
	if logger == nil {
		logger = slog.Default()
	}

	return &Turns{
		retriever:       retriever,
		generator:       generator,
		recorder:        recorder,
		maxContextChars: maxContextChars,
		logger:          logger,
	}
}

// Run executes one turn. Retrieval failures inside the pipeline have
// already degraded to an empty block; the only pre-generation error is
// a request without its session scope. The finished turn is recorded
// in the background even when the stream is interrupted, so the user
// message survives a disconnect.
func (t *Turns) Run(ctx context.Context, req TurnRequest, callback chat.StreamCallback) (*chat.Response, error) {
	block, err := t.retriever.Retrieve(ctx, retrieval.Request{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		ProjectID: req.ProjectID,
		UserText:  req.UserText,
		History:   historyTurns(req.History),
	})
	if err != nil {
		return nil, err
	}

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	resp, genErr := t.generator.Generate(ctx, chat.Request{
		SystemPrompt:    systemPrompt,
		Context:         retrieval.Format(block, t.maxContextChars),
		History:         req.History,
		UserText:        req.UserText,
		EnableWebSearch: req.EnableWebSearch,
	}, callback)

	assistantText := ""
	if resp != nil {
		assistantText = resp.Text
	}
	t.recorder.Record(chat.FinishedTurn{
		UserID:             req.UserID,
		SessionID:          req.SessionID,
		ProjectID:          req.ProjectID,
		UserMessageID:      req.UserMessageID,
		AssistantMessageID: req.AssistantMessageID,
		UserText:           req.UserText,
		AssistantText:      assistantText,
		Complete:           genErr == nil,
	})

	return resp, genErr
}

func historyTurns(turns []chat.Turn) []retrieval.HistoryTurn {
	if len(turns) == 0 {
		return nil
	}
	out := make([]retrieval.HistoryTurn, len(turns))
	for i, t := range turns {
		out[i] = retrieval.HistoryTurn{Role: t.Role, Content: t.Content}
	}
	return out
}
