// Package tools provides the web search tool the chat generator can
// hand to the model: a Tavily HTTP client plus its Genkit tool
// registration with a per-turn invocation budget.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mindframe0/mindframe/internal/log"
)

const (
	// tavilyBaseURL is the Tavily search API endpoint.
	tavilyBaseURL = "https://api.tavily.com"

	// searchDeadline bounds a single search round trip. One attempt
	// only: a failed search degrades the answer, it never blocks it.
	searchDeadline = 8 * time.Second

	// defaultMaxResults when the caller does not ask for a count.
	defaultMaxResults = 5

	// searchDepth selects Tavily's deeper crawl.
	searchDepth = "advanced"

	// shortQueryWords is the cutoff below which a query without
	// recency keywords gets the current year appended.
	shortQueryWords = 5
)

// ErrSearchDisabled indicates no API key is configured.
var ErrSearchDisabled = errors.New("web search is not enabled")

// recencyKeywords mark a query as already time-scoped.
var recencyKeywords = []string{
	"latest", "recent", "current", "new",
	"today", "this week", "this month", "now",
	"2024", "2025", "2026",
}

// Result is a single web search hit.
type Result struct {
	Title         string  `json:"title"`
	URL           string  `json:"url"`
	Content       string  `json:"content"`
	Score         float64 `json:"score"`
	PublishedDate string  `json:"published_date,omitempty"`
}

// SearchResponse is the outcome of one search call.
type SearchResponse struct {
	Query         string
	EnhancedQuery string // empty when no recency enhancement was applied
	Results       []Result
}

type searchRequest struct {
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth"`
}

type searchResults struct {
	Results []Result `json:"results"`
}

// Client is a minimal Tavily search client.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
	logger     log.Logger
}

// NewClient creates a Tavily client. An empty apiKey yields a client
// whose Search always returns ErrSearchDisabled. logger may be nil.
func NewClient(apiKey string, logger log.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		apiKey:     apiKey,
		baseURL:    tavilyBaseURL,
		httpClient: &http.Client{Timeout: searchDeadline},
		now:        time.Now,
		logger:     logger,
	}
}

// Enabled reports whether an API key is configured.
func (c *Client) Enabled() bool {
	return c.apiKey != ""
}

// Search performs one web search. A single attempt under an 8 second
// deadline; any failure is returned to the caller, who degrades.
func (c *Client) Search(ctx context.Context, query string, maxResults int) (*SearchResponse, error) {
	if !c.Enabled() {
		return nil, ErrSearchDisabled
	}
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	enhanced := c.enhanceForRecency(query)
	if enhanced != query {
		c.logger.Debug("enhanced search query for recency",
			"query", query, "enhanced", enhanced)
	}

	ctx, cancel := context.WithTimeout(ctx, searchDeadline)
	defer cancel()

	body, err := json.Marshal(searchRequest{
		Query:       enhanced,
		MaxResults:  maxResults,
		SearchDepth: searchDepth,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating search request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading search response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("search API error (status %d): %s",
			httpResp.StatusCode, string(respBody))
	}

	var parsed searchResults
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshaling search response: %w", err)
	}

	// Tavily already ranks by relevance and recency; keep the order
	// stable on equal scores.
	sort.SliceStable(parsed.Results, func(i, j int) bool {
		return parsed.Results[i].Score > parsed.Results[j].Score
	})

	resp := &SearchResponse{Query: query, Results: parsed.Results}
	if enhanced != query {
		resp.EnhancedQuery = enhanced
	}

	c.logger.Debug("web search completed",
		"query", query, "results", len(resp.Results))

	return resp, nil
}

// enhanceForRecency appends the current year to short queries that
// carry no recency keyword, biasing results toward fresh content.
func (c *Client) enhanceForRecency(query string) string {
	lower := strings.ToLower(query)
	for _, kw := range recencyKeywords {
		if strings.Contains(lower, kw) {
			return query
		}
	}

	if len(strings.Fields(query)) >= shortQueryWords {
		return query
	}

	return query + " " + strconv.Itoa(c.now().Year())
}

// FormatResults renders search results for injection into the model
// context. Empty input renders to an empty string.
func FormatResults(resp *SearchResponse) string {
	if resp == nil || len(resp.Results) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Web Search Results\n\n")
	fmt.Fprintf(&b, "Query: %s\n\n", resp.Query)

	for i, r := range resp.Results {
		fmt.Fprintf(&b, "### Result %d: %s\n", i+1, r.Title)
		fmt.Fprintf(&b, "URL: %s\n", r.URL)
		fmt.Fprintf(&b, "Content: %s\n\n", r.Content)
	}

	return b.String()
}
