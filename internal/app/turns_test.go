package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindframe0/mindframe/internal/chat"
	"github.com/mindframe0/mindframe/internal/log"
	"github.com/mindframe0/mindframe/internal/retrieval"
	"github.com/mindframe0/mindframe/internal/store"
)

type fakeRetriever struct {
	block *retrieval.ContextBlock
	err   error
	req   retrieval.Request
}

func (f *fakeRetriever) Retrieve(_ context.Context, req retrieval.Request) (*retrieval.ContextBlock, error) {
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	if f.block == nil {
		return &retrieval.ContextBlock{}, nil
	}
	return f.block, nil
}

type fakeGenerator struct {
	resp *chat.Response
	err  error
	req  chat.Request
}

func (f *fakeGenerator) Generate(_ context.Context, req chat.Request, _ chat.StreamCallback) (*chat.Response, error) {
	f.req = req
	return f.resp, f.err
}

type fakeRecorder struct {
	turns []chat.FinishedTurn
}

func (f *fakeRecorder) Record(turn chat.FinishedTurn) {
	f.turns = append(f.turns, turn)
}

func turnRequest() TurnRequest {
	return TurnRequest{
		UserID:    uuid.New(),
		SessionID: uuid.New(),
		UserText:  "what is my tone?",
		History: []chat.Turn{
			{Role: "user", Content: "earlier"},
			{Role: "assistant", Content: "answer"},
		},
	}
}

func TestTurnsRunHappyPath(t *testing.T) {
	ret := &fakeRetriever{block: &retrieval.ContextBlock{
		Documents: []store.Hit{{Source: "brand.pdf", Content: "warm tone", Similarity: 0.9}},
	}}
	gen := &fakeGenerator{resp: &chat.Response{Text: "your tone is warm"}}
	rec := &fakeRecorder{}
	turns := NewTurns(ret, gen, rec, 16000, log.NewNop())

	req := turnRequest()
	resp, err := turns.Run(context.Background(), req, nil)
	require.NoError(t, err)

	assert.Equal(t, "your tone is warm", resp.Text)
	assert.Contains(t, gen.req.Context, "brand.pdf", "formatted context reaches the generator")
	assert.Equal(t, defaultSystemPrompt, gen.req.SystemPrompt)
	assert.Equal(t, req.UserText, gen.req.UserText)

	require.Len(t, rec.turns, 1)
	assert.True(t, rec.turns[0].Complete)
	assert.Equal(t, "your tone is warm", rec.turns[0].AssistantText)
	assert.Equal(t, req.SessionID, rec.turns[0].SessionID)
}

func TestTurnsRunCarriesMessageIDs(t *testing.T) {
	rec := &fakeRecorder{}
	gen := &fakeGenerator{resp: &chat.Response{Text: "ok"}}
	turns := NewTurns(&fakeRetriever{}, gen, rec, 16000, log.NewNop())

	req := turnRequest()
	req.UserMessageID = uuid.New()
	req.AssistantMessageID = uuid.New()
	_, err := turns.Run(context.Background(), req, nil)
	require.NoError(t, err)

	require.Len(t, rec.turns, 1)
	assert.Equal(t, req.UserMessageID, rec.turns[0].UserMessageID)
	assert.Equal(t, req.AssistantMessageID, rec.turns[0].AssistantMessageID)
}

func TestTurnsRunPassesHistoryToRetrieval(t *testing.T) {
	ret := &fakeRetriever{}
	gen := &fakeGenerator{resp: &chat.Response{Text: "ok"}}
	turns := NewTurns(ret, gen, &fakeRecorder{}, 16000, log.NewNop())

	req := turnRequest()
	_, err := turns.Run(context.Background(), req, nil)
	require.NoError(t, err)

	require.Len(t, ret.req.History, 2)
	assert.Equal(t, "earlier", ret.req.History[0].Content)
	assert.Equal(t, req.UserID, ret.req.UserID)
	assert.Equal(t, req.SessionID, ret.req.SessionID)
}

func TestTurnsRunCustomSystemPrompt(t *testing.T) {
	gen := &fakeGenerator{resp: &chat.Response{Text: "ok"}}
	turns := NewTurns(&fakeRetriever{}, gen, &fakeRecorder{}, 16000, log.NewNop())

	req := turnRequest()
	req.SystemPrompt = "You are a pirate."
	_, err := turns.Run(context.Background(), req, nil)
	require.NoError(t, err)

	assert.Equal(t, "You are a pirate.", gen.req.SystemPrompt)
}

func TestTurnsRunRetrievalInvariantStopsTurn(t *testing.T) {
	ret := &fakeRetriever{err: retrieval.ErrInvariant}
	rec := &fakeRecorder{}
	turns := NewTurns(ret, &fakeGenerator{}, rec, 16000, log.NewNop())

	_, err := turns.Run(context.Background(), turnRequest(), nil)
	assert.ErrorIs(t, err, retrieval.ErrInvariant)
	assert.Empty(t, rec.turns, "nothing recorded for a rejected request")
}

func TestTurnsRunInterruptedStreamStillRecordsUserTurn(t *testing.T) {
	gen := &fakeGenerator{err: chat.ErrStreamInterrupted}
	rec := &fakeRecorder{}
	turns := NewTurns(&fakeRetriever{}, gen, rec, 16000, log.NewNop())

	_, err := turns.Run(context.Background(), turnRequest(), nil)
	require.ErrorIs(t, err, chat.ErrStreamInterrupted)

	require.Len(t, rec.turns, 1)
	assert.False(t, rec.turns[0].Complete)
	assert.Equal(t, "what is my tone?", rec.turns[0].UserText)
}

func TestTurnsRunGenerationErrorPropagates(t *testing.T) {
	genErr := errors.New("provider down")
	gen := &fakeGenerator{err: genErr}
	turns := NewTurns(&fakeRetriever{}, gen, &fakeRecorder{}, 16000, log.NewNop())

	_, err := turns.Run(context.Background(), turnRequest(), nil)
	assert.ErrorIs(t, err, genErr)
}

func TestTurnsRunEmptyContextBlock(t *testing.T) {
	gen := &fakeGenerator{resp: &chat.Response{Text: "answer without context"}}
	turns := NewTurns(&fakeRetriever{}, gen, &fakeRecorder{}, 16000, log.NewNop())

	_, err := turns.Run(context.Background(), turnRequest(), nil)
	require.NoError(t, err)

	assert.Empty(t, gen.req.Context, "empty block formats to empty string")
}
