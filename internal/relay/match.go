package relay

import (
	"strings"
	"unicode/utf8"
)

// Matching heuristics for confirming that a full-screen agent UI accepted a
// submitted prompt. They only look at normalized capture text so they can be
// exercised against recorded pane fixtures.

// DefaultEchoMarkers are the prefixes agent UIs put in front of a prompt once
// it has been submitted into the transcript.
var DefaultEchoMarkers = []string{">", "›", "❯"}

const (
	DefaultNeedleLen = 32
	DefaultTailLines = 40

	// an echo line truncated by the UI must still share this many runes with
	// the needle to count
	minTruncatedMatch = 8
)

// IsSlashCommand reports whether prompt is a slash command.
func IsSlashCommand(prompt string) bool {
	return strings.HasPrefix(strings.TrimSpace(prompt), "/")
}

// PromptNeedle is the whitespace-collapsed first n runes of prompt.
func PromptNeedle(prompt string, n int) string {
	if n <= 0 {
		n = DefaultNeedleLen
	}
	return truncateRunes(collapseWhitespace(prompt), n)
}

// tailLines returns the last n lines of text.
func tailLines(text string, n int) []string {
	if n <= 0 {
		n = DefaultTailLines
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// EchoAccepted reports whether the tail of capture holds a line that starts
// with one of markers followed by the prompt needle. Lines inside the input
// composer still hold unsubmitted text and never count.
func EchoAccepted(capture, prompt string, markers []string, needleLen, tail int) bool {
	needle := PromptNeedle(prompt, needleLen)
	if needle == "" {
		return false
	}
	if len(markers) == 0 {
		markers = DefaultEchoMarkers
	}
	lines := tailLines(capture, tail)
	top, bottom := composerBounds(lines)
	for i, line := range lines {
		if i > top && i < bottom {
			continue
		}
		trimmed := strings.TrimLeft(line, " \t")
		for _, marker := range markers {
			if !strings.HasPrefix(trimmed, marker) {
				continue
			}
			if echoMatches(collapseWhitespace(trimmed[len(marker):]), needle) {
				return true
			}
		}
	}
	return false
}

// composerBounds returns the indexes of the last two horizontal rule lines,
// which frame the input composer of Claude-style UIs. Both are -1 when
// lines has fewer than two rules.
func composerBounds(lines []string) (top, bottom int) {
	top, bottom = -1, -1
	for i := len(lines) - 1; i >= 0; i-- {
		if !isRuleLine(lines[i]) {
			continue
		}
		if bottom < 0 {
			bottom = i
			continue
		}
		return i, bottom
	}
	return -1, -1
}

// isRuleLine reports whether line is a box-drawing horizontal rule, with or
// without rounded corners.
func isRuleLine(line string) bool {
	dashes := 0
	for _, r := range strings.TrimSpace(line) {
		switch r {
		case '─', '━', '═':
			dashes++
		case '╭', '╮', '╰', '╯':
		default:
			return false
		}
	}
	return dashes >= 3
}

func echoMatches(echoed, needle string) bool {
	if strings.HasPrefix(echoed, needle) {
		return true
	}
	// the UI may cut a long echo short with an ellipsis
	cut := strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(echoed, "…"), "..."))
	return utf8.RuneCountInString(cut) >= minTruncatedMatch && strings.HasPrefix(needle, cut)
}

// SlashAccepted reports whether a slash command was consumed. The command
// must be gone from the tail of the post-submit capture. When the baseline
// never showed the typed command, disappearance proves nothing and the pane
// must also have changed since the baseline.
func SlashAccepted(baseline, capture, command string, tail int) bool {
	command = strings.TrimSpace(command)
	if command == "" {
		return false
	}
	after := strings.Join(tailLines(capture, tail), "\n")
	if strings.Contains(after, command) {
		return false
	}
	before := strings.Join(tailLines(baseline, tail), "\n")
	if strings.Contains(before, command) {
		return true
	}
	return after != before
}
