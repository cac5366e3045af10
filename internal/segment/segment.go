// Package segment splits normalized text into bounded-length chunks suitable
// for a single synthesis request, preferring sentence boundaries.
package segment

import (
	"strings"
)

// DefaultMaxLen is the chunk length used when the caller passes a
// non-positive maximum.
const DefaultMaxLen = 420

// sentenceBreaks are the punctuation+space pairs a chunk may end on.
var sentenceBreaks = []string{". ", "! ", "? "}

// Chunk is one bounded slice of the source text.
type Chunk struct {
	Index int
	Total int
	Text  string
}

// Normalize collapses every whitespace run into a single space and trims the
// result.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// Split returns the chunks of text with their position metadata filled in.
func Split(text string, maxLen int) []Chunk {
	parts := Chunks(text, maxLen)
	chunks := make([]Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = Chunk{Index: i, Total: len(parts), Text: p}
	}
	return chunks
}

// Chunks splits text into ordered, non-empty pieces of at most maxLen runes.
//
// Windows of maxLen runes are cut after the rightmost sentence break, then
// at the last space. A window with neither is cut at exactly maxLen runes,
// splitting the word. Empty input yields no chunks.
func Chunks(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}

	cleaned := []rune(Normalize(text))
	if len(cleaned) == 0 {
		return nil
	}
	if len(cleaned) <= maxLen {
		return []string{string(cleaned)}
	}

	var chunks []string
	start := 0
	for start < len(cleaned) {
		end := min(start+maxLen, len(cleaned))
		if end < len(cleaned) {
			end = start + cutPoint(cleaned[start:end])
		}

		if piece := strings.TrimSpace(string(cleaned[start:end])); piece != "" {
			chunks = append(chunks, piece)
		}
		start = end
	}
	return chunks
}

// cutPoint returns the offset within window at which it should end.
func cutPoint(window []rune) int {
	splitAt := -1
	for _, brk := range sentenceBreaks {
		if idx := lastIndex(window, brk); idx > splitAt {
			splitAt = idx
		}
	}
	if splitAt > 0 {
		return splitAt + 1
	}
	if idx := lastIndex(window, " "); idx > 0 {
		return idx
	}
	return len(window)
}

// lastIndex is strings.LastIndex over runes, returning a rune offset.
func lastIndex(s []rune, sub string) int {
	needle := []rune(sub)
	for i := len(s) - len(needle); i >= 0; i-- {
		match := true
		for j, r := range needle {
			if s[i+j] != r {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
