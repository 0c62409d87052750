package tmux

import (
	"strings"
	"unicode/utf8"
)

const esc = '\x1b'

// StripANSI removes terminal escape sequences from captured pane text:
// CSI sequences (ESC [ ... final byte 0x40-0x7E), OSC sequences terminated
// by BEL or ST (ESC \), and two-byte escapes (ESC followed by one byte, with
// any 0x20-0x2F intermediates; a non-ASCII follower is dropped as a whole
// rune). An unterminated sequence at the end of the
// input is dropped. The output never contains ESC, so stripping twice is a no-op.
func StripANSI(content string) string {
	if strings.IndexByte(content, esc) < 0 {
		return content
	}

	var b strings.Builder
	b.Grow(len(content))

	i := 0
	n := len(content)
	for i < n {
		if content[i] != esc {
			b.WriteByte(content[i])
			i++
			continue
		}
		if i+1 >= n {
			break
		}
		switch content[i+1] {
		case '[':
			j := i + 2
			for j < n && (content[j] < 0x40 || content[j] > 0x7e) {
				j++
			}
			i = j + 1
		case ']':
			i = skipOSC(content, i+2)
		default:
			j := i + 1
			for j < n && content[j] >= 0x20 && content[j] <= 0x2f {
				j++
			}
			if j < n && content[j] >= utf8.RuneSelf {
				// take the whole rune so no continuation byte is orphaned
				_, size := utf8.DecodeRuneInString(content[j:])
				i = j + size
				continue
			}
			i = j + 1
		}
	}
	return b.String()
}

// skipOSC returns the index just past the BEL or ST ending the OSC body that
// starts at from, or len(s) when the sequence is unterminated.
func skipOSC(s string, from int) int {
	for j := from; j < len(s); j++ {
		if s[j] == '\x07' {
			return j + 1
		}
		if s[j] == esc && j+1 < len(s) && s[j+1] == '\\' {
			return j + 2
		}
	}
	return len(s)
}
