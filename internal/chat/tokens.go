package chat

import (
	"slices"
	"unicode/utf8"

	"github.com/mindframe0/mindframe/internal/log"
)

// TokenBudget manages context window limits.
type TokenBudget struct {
	MaxHistoryTokens int
}

// DefaultTokenBudget returns conservative defaults that leave room for
// the system prompt, retrieval context and the response.
func DefaultTokenBudget() TokenBudget {
	return TokenBudget{
		MaxHistoryTokens: 8000,
	}
}

// estimateTokens provides a rough token count. Rune count divided by 2
// is a conservative estimate for both English (~4 chars/token) and CJK
// (~1.5 chars/token) text.
func estimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 2
}

// trimHistory drops the oldest turns until the estimate fits the
// budget. The newest turns always survive.
func trimHistory(turns []Turn, budget int, logger log.Logger) []Turn {
	if len(turns) == 0 {
		return turns
	}

	total := 0
	for _, t := range turns {
		total += estimateTokens(t.Content)
	}
	if total <= budget {
		return turns
	}

	kept := make([]Turn, 0, len(turns))
	remaining := budget
	for i := len(turns) - 1; i >= 0; i-- {
		cost := estimateTokens(turns[i].Content)
		if cost > remaining {
			break
		}
		kept = append(kept, turns[i])
		remaining -= cost
	}
	slices.Reverse(kept)

	logger.Debug("trimmed history to token budget",
		"original_turns", len(turns),
		"kept_turns", len(kept),
		"estimated_tokens", total,
		"budget", budget,
	)

	return kept
}
