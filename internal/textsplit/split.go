// Package textsplit cuts text into bounded chunks, preferring paragraph
// and line boundaries over hard cuts.
package textsplit

import (
	"strings"
	"unicode/utf8"

	"github.com/rivo/uniseg"
)

// Split returns the ordered chunks of text, each at most size runes long.
//
// Boundaries are chosen in order of preference: the last blank line inside
// the window, the last newline, then the last grapheme cluster boundary.
// Chunks that contain only whitespace are dropped. A size below 1 returns
// the whole text as a single chunk.
func Split(text string, size int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if size < 1 || utf8.RuneCountInString(text) <= size {
		return []string{text}
	}

	var chunks []string
	rest := text
	for rest != "" {
		if utf8.RuneCountInString(rest) <= size {
			chunks = appendChunk(chunks, rest)
			break
		}
		cut := cutPoint(rest, size)
		chunks = appendChunk(chunks, rest[:cut])
		rest = rest[cut:]
	}
	return chunks
}

func appendChunk(chunks []string, chunk string) []string {
	if strings.TrimSpace(chunk) == "" {
		return chunks
	}
	return append(chunks, chunk)
}

// cutPoint returns a byte offset into s such that s[:offset] holds at most
// size runes and is never empty.
func cutPoint(s string, size int) int {
	window := prefixRunes(s, size)

	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return i + 2
	}
	if i := strings.LastIndexByte(window, '\n'); i > 0 {
		return i + 1
	}
	return graphemeCut(s, len(window))
}

// prefixRunes returns the longest prefix of s holding at most n runes.
func prefixRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// graphemeCut returns the last grapheme boundary at or before limit bytes.
// A cluster wider than the limit is returned whole.
func graphemeCut(s string, limit int) int {
	end := 0
	state := -1
	rest := s
	for rest != "" {
		var cluster string
		cluster, rest, _, state = uniseg.FirstGraphemeClusterInString(rest, state)
		if end+len(cluster) > limit {
			if end == 0 {
				return len(cluster)
			}
			return end
		}
		end += len(cluster)
	}
	return end
}
