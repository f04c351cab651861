package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindframe0/mindframe/internal/log"
	"github.com/mindframe0/mindframe/internal/store"
)

type recordingEmbedder struct {
	mu    sync.Mutex
	err   error
	texts []string
}

func (r *recordingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	r.texts = append(r.texts, text)
	return []float32{0.1, 0.2}, nil
}

type recordingStore struct {
	mu        sync.Mutex
	insertErr error
	inserted  []store.MessageEmbedding
	touched   []uuid.UUID
}

func (r *recordingStore) InsertMessageEmbedding(_ context.Context, msg store.MessageEmbedding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	r.inserted = append(r.inserted, msg)
	return nil
}

func (r *recordingStore) TouchSessionLastMessage(_ context.Context, sessionID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, sessionID)
	return nil
}

func finishedTurn(complete bool) FinishedTurn {
	return FinishedTurn{
		UserID:        uuid.New(),
		SessionID:     uuid.New(),
		UserText:      "what is my tone?",
		AssistantText: "warm and direct",
		Complete:      complete,
	}
}

func TestIngesterRecordsBothTurns(t *testing.T) {
	emb := &recordingEmbedder{}
	st := &recordingStore{}
	in := NewIngester(emb, st, context.Background(), log.NewNop())

	turn := finishedTurn(true)
	in.Record(turn)
	in.Close()

	require.Len(t, st.inserted, 2)
	assert.Equal(t, "user", st.inserted[0].Role)
	assert.Equal(t, "what is my tone?", st.inserted[0].Content)
	assert.Equal(t, turn.SessionID, st.inserted[0].SessionID)
	assert.Equal(t, turn.UserID, st.inserted[0].UserID)
	assert.NotEqual(t, uuid.Nil, st.inserted[0].MessageID)

	assert.Equal(t, "assistant", st.inserted[1].Role)
	assert.Equal(t, "warm and direct", st.inserted[1].Content)

	require.Len(t, st.touched, 1)
	assert.Equal(t, turn.SessionID, st.touched[0])
}

func TestIngesterUsesProvidedMessageIDs(t *testing.T) {
	emb := &recordingEmbedder{}
	st := &recordingStore{}
	in := NewIngester(emb, st, context.Background(), log.NewNop())

	turn := finishedTurn(true)
	turn.UserMessageID = uuid.New()
	turn.AssistantMessageID = uuid.New()
	in.Record(turn)
	in.Close()

	require.Len(t, st.inserted, 2)
	// Stable IDs let the store's idempotent insert absorb a replay.
	assert.Equal(t, turn.UserMessageID, st.inserted[0].MessageID)
	assert.Equal(t, turn.AssistantMessageID, st.inserted[1].MessageID)
}

func TestIngesterGeneratesMissingMessageIDs(t *testing.T) {
	emb := &recordingEmbedder{}
	st := &recordingStore{}
	in := NewIngester(emb, st, context.Background(), log.NewNop())

	in.Record(finishedTurn(true))
	in.Close()

	require.Len(t, st.inserted, 2)
	assert.NotEqual(t, uuid.Nil, st.inserted[0].MessageID)
	assert.NotEqual(t, uuid.Nil, st.inserted[1].MessageID)
	assert.NotEqual(t, st.inserted[0].MessageID, st.inserted[1].MessageID)
}

func TestIngesterSkipsIncompleteAssistantTurn(t *testing.T) {
	emb := &recordingEmbedder{}
	st := &recordingStore{}
	in := NewIngester(emb, st, context.Background(), log.NewNop())

	in.Record(finishedTurn(false))
	in.Close()

	require.Len(t, st.inserted, 1)
	assert.Equal(t, "user", st.inserted[0].Role)
	assert.Len(t, st.touched, 1, "activity still recorded")
}

func TestIngesterEmbedFailureIsSilent(t *testing.T) {
	emb := &recordingEmbedder{err: errors.New("provider down")}
	st := &recordingStore{}
	in := NewIngester(emb, st, context.Background(), log.NewNop())

	in.Record(finishedTurn(true))
	in.Close()

	assert.Empty(t, st.inserted)
	assert.Len(t, st.touched, 1)
}

func TestIngesterInsertFailureIsSilent(t *testing.T) {
	emb := &recordingEmbedder{}
	st := &recordingStore{insertErr: store.ErrNotAvailable}
	in := NewIngester(emb, st, context.Background(), log.NewNop())

	in.Record(finishedTurn(true))
	in.Close()

	assert.Empty(t, st.inserted)
	assert.Len(t, st.touched, 1)
}

func TestIngesterRecordReturnsImmediately(t *testing.T) {
	emb := &recordingEmbedder{}
	st := &recordingStore{}
	in := NewIngester(emb, st, context.Background(), log.NewNop())

	start := time.Now()
	for range 10 {
		in.Record(finishedTurn(true))
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond,
		"Record never blocks on embedding")

	in.Close()
	assert.Len(t, st.inserted, 20)
}

func TestIngesterCloseWaitsForInFlightWork(t *testing.T) {
	emb := &recordingEmbedder{}
	st := &recordingStore{}
	in := NewIngester(emb, st, context.Background(), log.NewNop())

	in.Record(finishedTurn(true))
	in.Close()

	// After Close, all scheduled work is visible.
	assert.Len(t, st.inserted, 2)
	assert.Len(t, st.touched, 1)
}
