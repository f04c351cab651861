package retrieval

import (
	"fmt"
	"strings"

	"github.com/mindframe0/mindframe/internal/store"
)

// Section headers, in fixed output order. Stable strings: downstream
// prompts and tests key on them.
const (
	headerDocuments = "## Relevant Documents:"
	headerMessages  = "## Relevant Conversations:"
	headerGlobal    = "## Relevant Knowledge:"
)

// payloadMaxChars bounds a single rendered hit.
const payloadMaxChars = 1200

const ellipsis = "..."

// Format renders a ContextBlock deterministically. Sections appear in
// fixed order, empty sections are omitted, each hit renders as
// "[i] source=<...> similarity=<0.00> <payload>" with the payload
// truncated at payloadMaxChars. The output never exceeds maxChars;
// when the ceiling approaches, later-ranked hits are dropped first.
func Format(block *ContextBlock, maxChars int) string {
	if block.Empty() {
		return ""
	}
	if maxChars <= 0 {
		maxChars = 16000
	}

	var b strings.Builder
	remaining := maxChars

	sections := []struct {
		header string
		hits   []store.Hit
	}{
		{headerDocuments, block.Documents},
		{headerMessages, block.Messages},
		{headerGlobal, block.Global},
	}

	for _, sec := range sections {
		if len(sec.hits) == 0 {
			continue
		}

		wroteHeader := false
		for i, hit := range sec.hits {
			line := renderHit(i+1, hit)

			need := len(line) + 1 // trailing newline
			if !wroteHeader {
				need += len(sec.header) + 1
				if b.Len() > 0 {
					need++ // blank line between sections
				}
			}
			if need > remaining {
				// Ceiling reached; everything ranked after this hit
				// is dropped too.
				return strings.TrimRight(b.String(), "\n")
			}

			if !wroteHeader {
				if b.Len() > 0 {
					b.WriteByte('\n')
				}
				b.WriteString(sec.header)
				b.WriteByte('\n')
				wroteHeader = true
			}
			b.WriteString(line)
			b.WriteByte('\n')
			remaining = maxChars - b.Len()
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

// renderHit renders one hit line with its payload bounded.
func renderHit(index int, hit store.Hit) string {
	payload := hit.Content
	runes := []rune(payload)
	if len(runes) > payloadMaxChars {
		payload = string(runes[:payloadMaxChars]) + ellipsis
	}

	return fmt.Sprintf("[%d] source=%s similarity=%.2f %s",
		index, hit.Source, hit.Similarity, payload)
}
