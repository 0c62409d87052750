package relay

import (
	"strings"
	"unicode/utf8"

	"github.com/asheshgoplani/agent-relay/internal/tmux"
)

// DefaultMaxMessageLen keeps each chat message under the platform hard limit
// with room for formatting.
const DefaultMaxMessageLen = 1900

// Normalize strips escape sequences from a raw pane capture and drops
// trailing blank lines. Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) string {
	text := tmux.StripANSI(raw)
	lines := strings.Split(text, "\n")
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}

// SplitForDelivery packs the lines of text into chunks of at most maxLen
// characters each, never cutting inside a line. Joining the chunks with "\n"
// gives back text. A single line longer than maxLen becomes its own
// oversized chunk rather than being truncated.
func SplitForDelivery(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLen
	}
	if utf8.RuneCountInString(text) <= maxLen {
		return []string{text}
	}

	var (
		chunks []string
		cur    []string
		curLen int
	)
	for _, line := range strings.Split(text, "\n") {
		n := utf8.RuneCountInString(line)
		if len(cur) > 0 && curLen+1+n > maxLen {
			chunks = append(chunks, strings.Join(cur, "\n"))
			cur, curLen = nil, 0
		}
		if len(cur) > 0 {
			curLen++
		}
		curLen += n
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		chunks = append(chunks, strings.Join(cur, "\n"))
	}
	return chunks
}

// collapseWhitespace trims s and replaces every whitespace run with one space.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncateRunes returns the first n runes of s.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
