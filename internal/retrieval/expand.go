package retrieval

import (
	"strings"

	"github.com/mindframe0/mindframe/internal/config"
)

// Expander appends retrieval keywords to the user text based on an
// ordered rule table. Expansion is deterministic and side-effect-free:
// the original text is always a prefix of the output, at most one
// expansion is appended per call, and the first matching rule wins.
type Expander struct {
	rules    []config.ExpansionRule
	fallback string
}

// NewExpander builds an Expander from the configured rule table.
func NewExpander(rules []config.ExpansionRule, fallback string) *Expander {
	return &Expander{
		rules:    rules,
		fallback: fallback,
	}
}

// Expand returns text with the matching rule's expansion appended.
// Triggers are matched case-insensitively against the
// whitespace-collapsed text; no match appends the fallback expansion.
func (e *Expander) Expand(text string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(text), " "))

	for _, rule := range e.rules {
		for _, trigger := range rule.Triggers {
			if strings.Contains(normalized, strings.ToLower(trigger)) {
				return text + " " + rule.Expansion
			}
		}
	}

	return text + " " + e.fallback
}
