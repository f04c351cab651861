package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mindframe0/mindframe/internal/config"
	"github.com/mindframe0/mindframe/internal/log"
	"github.com/mindframe0/mindframe/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeEmbedder returns a fixed vector and records the query text.
type fakeEmbedder struct {
	err       error
	lastQuery string
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.lastQuery = text
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

// fakeSearcher serves canned hits per source, optionally delayed.
type fakeSearcher struct {
	docs, msgs, glob []store.Hit
	docErr, msgErr   error
	globErr          error
	delay            time.Duration

	msgFilter store.MessageFilter
}

func (f *fakeSearcher) wait(ctx context.Context) error {
	if f.delay == 0 {
		return nil
	}
	select {
	case <-time.After(f.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeSearcher) SimilarDocuments(ctx context.Context, _ []float32, _ store.DocumentFilter) ([]store.Hit, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.docs, f.docErr
}

func (f *fakeSearcher) SimilarMessages(ctx context.Context, _ []float32, filter store.MessageFilter) ([]store.Hit, error) {
	f.msgFilter = filter
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.msgs, f.msgErr
}

func (f *fakeSearcher) SimilarGlobal(ctx context.Context, _ []float32, _ store.GlobalFilter) ([]store.Hit, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	return f.glob, f.globErr
}

func testRetrieverConfig() Config {
	return Config{
		DocK:             15,
		MsgK:             6,
		GlobalK:          3,
		Threshold:        0.10,
		GlobalMinQuality: 0.60,
		Deadline:         2 * time.Second,
		EnforceIsolation: true,
	}
}

func newTestRetriever(emb *fakeEmbedder, s *fakeSearcher, cfg Config) *Retriever {
	exp := NewExpander(config.DefaultExpansionRules(), config.FallbackExpansion)
	return New(exp, emb, s, cfg, log.NewNop())
}

func testRequest(sessionID uuid.UUID) Request {
	return Request{
		UserID:    uuid.New(),
		SessionID: sessionID,
		UserText:  "what is my brand tone?",
	}
}

func msgHit(sessionID uuid.UUID, content string, sim float64) store.Hit {
	return store.Hit{
		Origin:     store.OriginMessage,
		Source:     "user",
		Content:    content,
		Similarity: sim,
		SessionID:  sessionID,
	}
}

func TestRetrieveRequiresSession(t *testing.T) {
	r := newTestRetriever(&fakeEmbedder{}, &fakeSearcher{}, testRetrieverConfig())

	_, err := r.Retrieve(context.Background(), testRequest(uuid.Nil))
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestRetrieveRequiresUser(t *testing.T) {
	r := newTestRetriever(&fakeEmbedder{}, &fakeSearcher{}, testRetrieverConfig())

	req := testRequest(uuid.New())
	req.UserID = uuid.Nil
	_, err := r.Retrieve(context.Background(), req)
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestRetrieveEmbedFailureDegradesToEmpty(t *testing.T) {
	emb := &fakeEmbedder{err: errors.New("embedding provider down")}
	r := newTestRetriever(emb, &fakeSearcher{}, testRetrieverConfig())

	block, err := r.Retrieve(context.Background(), testRequest(uuid.New()))
	require.NoError(t, err, "retrieval never fails the turn")
	assert.True(t, block.Empty())
}

func TestRetrieveAssemblesAllSources(t *testing.T) {
	sessionID := uuid.New()
	s := &fakeSearcher{
		docs: []store.Hit{{Origin: store.OriginDocument, Source: "brand.pdf", Content: "doc", Similarity: 0.9}},
		msgs: []store.Hit{msgHit(sessionID, "msg", 0.8)},
		glob: []store.Hit{{Origin: store.OriginGlobal, Source: "hooks", Content: "glob", Similarity: 0.7}},
	}
	r := newTestRetriever(&fakeEmbedder{}, s, testRetrieverConfig())

	block, err := r.Retrieve(context.Background(), testRequest(sessionID))
	require.NoError(t, err)

	assert.Len(t, block.Documents, 1)
	assert.Len(t, block.Messages, 1)
	assert.Len(t, block.Global, 1)
}

func TestRetrievePassesSessionFilter(t *testing.T) {
	sessionID := uuid.New()
	s := &fakeSearcher{}
	r := newTestRetriever(&fakeEmbedder{}, s, testRetrieverConfig())

	req := testRequest(sessionID)
	_, err := r.Retrieve(context.Background(), req)
	require.NoError(t, err)

	require.NotNil(t, s.msgFilter.SessionID, "store-side session filter is authoritative")
	assert.Equal(t, sessionID, *s.msgFilter.SessionID)
	assert.Equal(t, req.UserID, s.msgFilter.UserID)
}

func TestRetrieveSourceFailureDegradesThatSource(t *testing.T) {
	sessionID := uuid.New()
	s := &fakeSearcher{
		docs:   []store.Hit{{Origin: store.OriginDocument, Source: "a.pdf", Content: "doc", Similarity: 0.9}},
		msgErr: store.ErrNotAvailable,
		glob:   []store.Hit{{Origin: store.OriginGlobal, Source: "cat", Content: "glob", Similarity: 0.7}},
	}
	r := newTestRetriever(&fakeEmbedder{}, s, testRetrieverConfig())

	block, err := r.Retrieve(context.Background(), testRequest(sessionID))
	require.NoError(t, err)

	assert.Len(t, block.Documents, 1)
	assert.Empty(t, block.Messages)
	assert.Len(t, block.Global, 1)
}

func TestRetrieveDeadlineDegradesToPartial(t *testing.T) {
	cfg := testRetrieverConfig()
	cfg.Deadline = 50 * time.Millisecond

	s := &fakeSearcher{
		delay: 500 * time.Millisecond,
		docs:  []store.Hit{{Source: "slow.pdf", Content: "doc", Similarity: 0.9}},
	}
	r := newTestRetriever(&fakeEmbedder{}, s, cfg)

	start := time.Now()
	block, err := r.Retrieve(context.Background(), testRequest(uuid.New()))
	require.NoError(t, err)

	assert.True(t, block.Empty(), "slow sources degrade to empty")
	assert.Less(t, time.Since(start), 400*time.Millisecond,
		"the deadline bounds the whole fan-out")
}

func TestRetrieveSessionIsolationAudit(t *testing.T) {
	sessionID := uuid.New()
	foreign := uuid.New()
	s := &fakeSearcher{
		msgs: []store.Hit{
			msgHit(sessionID, "mine", 0.9),
			msgHit(foreign, "leaked from another session", 0.8),
			msgHit(sessionID, "also mine", 0.7),
		},
	}
	r := newTestRetriever(&fakeEmbedder{}, s, testRetrieverConfig())

	block, err := r.Retrieve(context.Background(), testRequest(sessionID))
	require.NoError(t, err)

	require.Len(t, block.Messages, 2)
	for _, h := range block.Messages {
		assert.Equal(t, sessionID, h.SessionID)
	}
}

func TestRetrieveDiversityFilter(t *testing.T) {
	sessionID := uuid.New()
	shared := strings.Repeat("same first hundred characters ", 5) // > 100 chars
	s := &fakeSearcher{
		docs: []store.Hit{
			{Source: "a.pdf", Content: shared + "tail one", Similarity: 0.9},
			{Source: "b.pdf", Content: shared + "tail two", Similarity: 0.8},
			{Source: "c.pdf", Content: "entirely different content", Similarity: 0.7},
		},
	}
	r := newTestRetriever(&fakeEmbedder{}, s, testRetrieverConfig())

	block, err := r.Retrieve(context.Background(), testRequest(sessionID))
	require.NoError(t, err)

	require.Len(t, block.Documents, 2, "later duplicate dropped")
	assert.Equal(t, "a.pdf", block.Documents[0].Source)
	assert.Equal(t, "c.pdf", block.Documents[1].Source)
}

func TestRetrieveCaps(t *testing.T) {
	sessionID := uuid.New()
	s := &fakeSearcher{}
	for i := range 15 {
		s.docs = append(s.docs, store.Hit{
			Source: fmt.Sprintf("doc-%d.pdf", i), Content: fmt.Sprintf("doc content %d", i), Similarity: 0.9,
		})
	}
	for i := range 8 {
		s.msgs = append(s.msgs, msgHit(sessionID, fmt.Sprintf("message %d", i), 0.8))
	}
	for i := range 5 {
		s.glob = append(s.glob, store.Hit{
			Source: "cat", Content: fmt.Sprintf("pattern %d", i), Similarity: 0.7,
		})
	}
	r := newTestRetriever(&fakeEmbedder{}, s, testRetrieverConfig())

	block, err := r.Retrieve(context.Background(), testRequest(sessionID))
	require.NoError(t, err)

	assert.Len(t, block.Documents, capDocuments)
	assert.Len(t, block.Messages, capMessages)
	assert.Len(t, block.Global, capGlobal)
}

func TestRetrieveQueryIncludesExpansionAndHistory(t *testing.T) {
	emb := &fakeEmbedder{}
	r := newTestRetriever(emb, &fakeSearcher{}, testRetrieverConfig())

	req := testRequest(uuid.New())
	req.UserText = "what tone should I use?"
	req.History = []HistoryTurn{
		{Role: "user", Content: "earlier question about hooks"},
		{Role: "assistant", Content: "an answer"},
		{Role: "user", Content: "most recent question about carousels"},
		{Role: "assistant", Content: "another answer"},
	}

	_, err := r.Retrieve(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(emb.lastQuery, req.UserText))
	assert.Contains(t, emb.lastQuery, "brand tone", "expansion keywords present")
	assert.Contains(t, emb.lastQuery, "most recent question about carousels",
		"last user turn biases the query")
	assert.NotContains(t, emb.lastQuery, "earlier question about hooks",
		"only the last user turn is appended")
}

func TestRetrieveHistoryTailBounded(t *testing.T) {
	emb := &fakeEmbedder{}
	r := newTestRetriever(emb, &fakeSearcher{}, testRetrieverConfig())

	req := testRequest(uuid.New())
	req.History = []HistoryTurn{
		{Role: "user", Content: strings.Repeat("h", 2000)},
	}

	_, err := r.Retrieve(context.Background(), req)
	require.NoError(t, err)

	count := strings.Count(emb.lastQuery, "h")
	assert.LessOrEqual(t, count, historyTailChars+50,
		"history tail bounded to %d chars", historyTailChars)
}
