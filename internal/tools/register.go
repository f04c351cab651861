package tools

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/mindframe0/mindframe/internal/log"
)

// ToolName is the name the model sees for the web search tool.
const ToolName = "internet_search"

const toolDescription = "Search the internet for current information, news, " +
	"trends, prices, or anything not covered by the brand knowledge base. " +
	"Use this when the user asks about recent events or explicitly requests a web search. " +
	"Returns titles, URLs and content snippets from the top results."

// budgetExhaustedMessage is returned to the model instead of a second
// search. A string result keeps the agentic loop moving; an error
// would abort the whole turn.
const budgetExhaustedMessage = "Web search was already performed for this turn. " +
	"Answer using the results you already have."

// turnCallsPerTurn is how many searches one chat turn may spend.
const turnCallsPerTurn = 1

type budgetKeyType struct{}

var budgetKey budgetKeyType

// WithTurnBudget returns a context carrying a fresh per-turn search
// budget. The generator attaches one to every turn; a context without
// a budget allows calls unconditionally.
func WithTurnBudget(ctx context.Context) context.Context {
	var counter atomic.Int64
	counter.Store(turnCallsPerTurn)
	return context.WithValue(ctx, budgetKey, &counter)
}

// spendBudget consumes one call from the turn budget if present.
func spendBudget(ctx context.Context) bool {
	counter, ok := ctx.Value(budgetKey).(*atomic.Int64)
	if !ok {
		return true
	}
	return counter.Add(-1) >= 0
}

// SearchInput is the model-facing input schema for the search tool.
type SearchInput struct {
	Query      string `json:"query" jsonschema_description:"The search query"`
	MaxResults int    `json:"max_results,omitempty" jsonschema_description:"Maximum number of results (default 5)"`
}

// Register defines the internet_search tool on the Genkit instance and
// returns it for advertising via ai.WithTools. logger may be nil.
func Register(g *genkit.Genkit, client *Client, logger log.Logger) ai.Tool {
	if logger == nil {
		logger = slog.Default()
	}

	handler := searchHandler(client, logger)

	return genkit.DefineTool(
		g,
		ToolName,
		toolDescription,
		func(toolCtx *ai.ToolContext, input SearchInput) (string, error) {
			return handler(toolCtx.Context, input)
		},
	)
}

// searchHandler holds the tool logic behind Register so the budget and
// degradation paths stay testable without a Genkit registry.
func searchHandler(client *Client, logger log.Logger) func(context.Context, SearchInput) (string, error) {
	return func(ctx context.Context, input SearchInput) (string, error) {
		if !spendBudget(ctx) {
			logger.Warn("refusing repeated web search in one turn",
				"query", input.Query)
			return budgetExhaustedMessage, nil
		}

		resp, err := client.Search(ctx, input.Query, input.MaxResults)
		if err != nil {
			logger.Warn("web search failed", "query", input.Query, "error", err)
			// Degrade inside the loop: the model answers without
			// search results rather than failing the turn.
			return "Web search is currently unavailable. Answer from existing knowledge.", nil
		}

		formatted := FormatResults(resp)
		if formatted == "" {
			return "The web search returned no results.", nil
		}
		return formatted, nil
	}
}
