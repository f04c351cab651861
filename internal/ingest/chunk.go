package ingest

import "unicode"

// chunkerConfig controls text splitting. All sizes are in runes.
type chunkerConfig struct {
	targetChars  int
	overlapChars int
	maxChunks    int

	// boundaryWindow is how far a sentence boundary may sit from the
	// target split point and still be preferred over a word break.
	boundaryWindow int
}

func defaultBoundaryWindow() int { return 100 }

// chunkText splits normalized text into overlapping chunks. Split
// points prefer sentence boundaries near the target size, then word
// boundaries, then a hard split. Returns the chunks and whether the
// document was cut off at maxChunks.
func chunkText(text string, cfg chunkerConfig) (chunks []string, truncated bool) {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil, false
	}
	if cfg.boundaryWindow <= 0 {
		cfg.boundaryWindow = defaultBoundaryWindow()
	}

	start := 0
	for start < len(runes) {
		if cfg.maxChunks > 0 && len(chunks) == cfg.maxChunks {
			return chunks, true
		}

		end := start + cfg.targetChars
		if end >= len(runes) {
			chunks = append(chunks, string(runes[start:]))
			break
		}

		split := findSplit(runes, start, end, cfg.boundaryWindow)
		chunks = append(chunks, string(runes[start:split]))

		// Overlap reaches back into the previous chunk; always move
		// forward so pathological inputs cannot loop.
		next := split - cfg.overlapChars
		if next <= start {
			next = split
		}
		start = next
	}

	return chunks, false
}

// findSplit picks the split point for a chunk ending near target.
// Preference order: sentence boundary within ±window of target, word
// boundary at or before target, hard split at target.
func findSplit(runes []rune, start, target, window int) int {
	hi := target + window
	if hi > len(runes) {
		hi = len(runes)
	}
	lo := target - window
	if lo < start+1 {
		lo = start + 1
	}

	// Scan backward from the far edge so the boundary closest to (or
	// just past) the target wins.
	for i := hi; i > lo; i-- {
		if isSentenceBoundary(runes, i) {
			return i
		}
	}

	for i := target; i > lo; i-- {
		if unicode.IsSpace(runes[i-1]) {
			return i
		}
	}

	return target
}

// isSentenceBoundary reports whether a chunk may end right before
// index i: after terminal punctuation followed by space, or after a
// newline (paragraph boundary).
func isSentenceBoundary(runes []rune, i int) bool {
	if i <= 0 || i >= len(runes) {
		return false
	}
	if runes[i-1] == '\n' {
		return true
	}
	if !unicode.IsSpace(runes[i]) {
		return false
	}
	switch runes[i-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
