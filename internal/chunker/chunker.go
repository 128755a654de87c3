// Package chunker splits raw text into overlapping, sentence-aware segments
// for indexing.
//
// Chunking is a pure function of its inputs: no state is carried across
// calls, and the same text always produces the same segments.
package chunker

import (
	"regexp"
	"strings"
)

// Default window parameters used by the indexing pipeline.
const (
	DefaultChunkSize = 400
	DefaultOverlap   = 50
)

var (
	hyphenBreakRe = regexp.MustCompile(`-\n\s*`)
	blankRunsRe   = regexp.MustCompile(`\n{3,}`)
	whitespaceRe  = regexp.MustCompile(`\s+`)
)

// CleanText normalizes raw content before chunking: line-end hyphenation is
// joined, excessive blank lines are collapsed, and whitespace runs become
// single spaces.
func CleanText(text string) string {
	text = hyphenBreakRe.ReplaceAllString(text, "")
	text = blankRunsRe.ReplaceAllString(text, "\n\n")
	text = whitespaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Chunk splits text into segments of at most size characters, each
// overlapping the previous by overlap characters.
//
// Texts no longer than size are returned unchanged as a single segment.
// When a window does not reach the end of the text, the split point is moved
// back to the last sentence terminator or newline, provided that boundary
// lies past the midpoint of the window; the next window resumes from the
// boundary, not the raw window end. Segments are trimmed and empty segments
// dropped.
//
// Sizes are measured in runes so multi-byte characters are never split.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultOverlap
		if overlap >= size {
			overlap = size / 8
		}
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		prev := start
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		window := runes[start:end]

		if end < len(runes) {
			if cut := boundary(window); cut > size/2 {
				window = window[:cut+1]
				end = start + cut + 1
			}
		}

		if chunk := strings.TrimSpace(string(window)); chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
		start = end - overlap
		if start <= prev {
			// Guarantee forward progress even with degenerate
			// boundary/overlap combinations.
			start = prev + 1
		}
	}

	return chunks
}

// boundary returns the index of the last sentence terminator or newline in
// the window, or -1 when none exists.
func boundary(window []rune) int {
	for i := len(window) - 1; i >= 0; i-- {
		switch window[i] {
		case '.', '!', '?', '\n':
			return i
		}
	}
	return -1
}
