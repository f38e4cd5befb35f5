// Package chunker splits extracted document text into overlapping windows
// sized in approximate tokens.
package chunker

import "strings"

const (
	CharsPerToken        = 4
	DefaultChunkTokens   = 512
	DefaultOverlapTokens = 102
)

// Split cuts text into trimmed, non-empty chunks of at most chunkTokens
// tokens with overlapTokens of overlap between neighbours. Windows prefer to
// end just after a whitespace or sentence boundary found in their last 20%.
// Output is deterministic for identical input and parameters.
func Split(text string, chunkTokens, overlapTokens int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if chunkTokens <= 0 {
		chunkTokens = DefaultChunkTokens
	}
	if overlapTokens < 0 {
		overlapTokens = 0
	}
	size := chunkTokens * CharsPerToken
	overlap := overlapTokens * CharsPerToken

	runes := []rune(text)
	n := len(runes)
	if n <= size {
		return []string{strings.TrimSpace(text)}
	}

	var chunks []string
	start := 0
	for start < n {
		end := start + size
		if end < n {
			end = boundary(runes, start, end, size/5)
		} else {
			end = n
		}

		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			chunks = append(chunks, piece)
		}
		if end >= n {
			break
		}
		start = max(start+1, end-overlap)
	}
	return chunks
}

// boundary scans backward from end for a break character and returns the
// position just after it, or end when none lies within limit characters.
func boundary(runes []rune, start, end, limit int) int {
	floor := max(start, end-limit)
	for i := end; i > floor; i-- {
		if i < len(runes) && isBreak(runes[i]) {
			return i + 1
		}
	}
	return end
}

func isBreak(r rune) bool {
	switch r {
	case ' ', '\n', '\t', '.', '!', '?':
		return true
	}
	return false
}
