package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mindframe0/mindframe/internal/log"
)

func fixedNow() time.Time {
	return time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := NewClient("test-key", log.NewNop())
	c.baseURL = srv.URL
	c.now = fixedNow
	return c
}

func TestSearchDisabledWithoutKey(t *testing.T) {
	c := NewClient("", log.NewNop())

	assert.False(t, c.Enabled())
	_, err := c.Search(context.Background(), "anything", 5)
	assert.ErrorIs(t, err, ErrSearchDisabled)
}

func TestSearchParsesAndSortsResults(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "advanced", req.SearchDepth)
		assert.Equal(t, 3, req.MaxResults)

		_ = json.NewEncoder(w).Encode(searchResults{Results: []Result{
			{Title: "low", URL: "https://a", Content: "a", Score: 0.3},
			{Title: "high", URL: "https://b", Content: "b", Score: 0.9},
			{Title: "mid", URL: "https://c", Content: "c", Score: 0.6},
		}})
	})

	resp, err := c.Search(context.Background(), "latest reel trends", 3)
	require.NoError(t, err)

	require.Len(t, resp.Results, 3)
	assert.Equal(t, "high", resp.Results[0].Title)
	assert.Equal(t, "mid", resp.Results[1].Title)
	assert.Equal(t, "low", resp.Results[2].Title)
	assert.Equal(t, "latest reel trends", resp.Query)
	assert.Empty(t, resp.EnhancedQuery, "recency keyword present, no enhancement")
}

func TestSearchAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	})

	_, err := c.Search(context.Background(), "query", 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestSearchRecencyEnhancement(t *testing.T) {
	var sentQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		sentQuery = req.Query
		_ = json.NewEncoder(w).Encode(searchResults{})
	})

	resp, err := c.Search(context.Background(), "instagram algorithm changes", 5)
	require.NoError(t, err)

	assert.Equal(t, "instagram algorithm changes 2026", sentQuery)
	assert.Equal(t, "instagram algorithm changes 2026", resp.EnhancedQuery)
	assert.Equal(t, "instagram algorithm changes", resp.Query)
}

func TestEnhanceForRecency(t *testing.T) {
	c := NewClient("k", log.NewNop())
	c.now = fixedNow

	tests := []struct {
		name     string
		query    string
		expected string
	}{
		{"short query gets year", "reel hooks", "reel hooks 2026"},
		{"recency keyword untouched", "latest reel hooks", "latest reel hooks"},
		{"year already present", "trends in 2025", "trends in 2025"},
		{"long query untouched",
			"how do I structure a carousel about my personal brand story",
			"how do I structure a carousel about my personal brand story"},
		{"keyword is case-insensitive", "Current pricing", "Current pricing"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, c.enhanceForRecency(tt.query))
		})
	}
}

func TestSearchDefaultMaxResults(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, defaultMaxResults, req.MaxResults)
		_ = json.NewEncoder(w).Encode(searchResults{})
	})

	_, err := c.Search(context.Background(), "latest news", 0)
	require.NoError(t, err)
}

func TestFormatResults(t *testing.T) {
	resp := &SearchResponse{
		Query: "reel trends",
		Results: []Result{
			{Title: "Trend report", URL: "https://example.com/a", Content: "short form wins"},
			{Title: "Hook guide", URL: "https://example.com/b", Content: "use questions"},
		},
	}

	out := FormatResults(resp)

	assert.Contains(t, out, "## Web Search Results")
	assert.Contains(t, out, "Query: reel trends")
	assert.Contains(t, out, "### Result 1: Trend report")
	assert.Contains(t, out, "URL: https://example.com/a")
	assert.Contains(t, out, "### Result 2: Hook guide")
	assert.Contains(t, out, "Content: use questions")
}

func TestFormatResultsEmpty(t *testing.T) {
	assert.Empty(t, FormatResults(nil))
	assert.Empty(t, FormatResults(&SearchResponse{Query: "q"}))
}
