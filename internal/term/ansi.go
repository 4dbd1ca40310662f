package term

import "strings"

// StripANSI removes ANSI escape sequences in a single O(n) pass. Terminal
// captures are full of color and cursor codes that would otherwise defeat
// substring matching in the classifier. Regex is deliberately avoided:
// complex ANSI patterns can backtrack catastrophically on malformed
// sequences.
func StripANSI(content string) string {
	// Fast path: no ESC or 8-bit CSI byte present.
	if strings.IndexByte(content, '\x1b') < 0 && strings.IndexByte(content, '\x9b') < 0 {
		return content
	}

	var b strings.Builder
	b.Grow(len(content))

	i := 0
	for i < len(content) {
		c := content[i]

		if c == '\x1b' {
			// CSI: ESC [ params letter
			if i+1 < len(content) && content[i+1] == '[' {
				i = skipCSI(content, i+2)
				continue
			}
			// OSC: ESC ] ... BEL or ESC \
			if i+1 < len(content) && content[i+1] == ']' {
				if bell := strings.Index(content[i:], "\x07"); bell >= 0 {
					i += bell + 1
					continue
				}
				if st := strings.Index(content[i:], "\x1b\\"); st >= 0 {
					i += st + 2
					continue
				}
				// Unterminated OSC swallows the rest.
				break
			}
			// Two-byte escape.
			if i+1 < len(content) {
				i += 2
				continue
			}
			break
		}

		if c == '\x9b' {
			i = skipCSI(content, i+1)
			continue
		}

		b.WriteByte(c)
		i++
	}

	return b.String()
}

// skipCSI advances past CSI parameter bytes up to and including the final
// letter.
func skipCSI(s string, start int) int {
	for j := start; j < len(s); j++ {
		c := s[j]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
			return j + 1
		}
	}
	return len(s)
}
