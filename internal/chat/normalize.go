package chat

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxBody is the longest body kept, in runes.
const DefaultMaxBody = 500

// Normalize strips control characters, collapses runs of whitespace to a single
// space, trims the result and truncates it to maxLen runes. Invalid UTF-8 is
// dropped.
func Normalize(body string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxBody
	}

	var b strings.Builder
	b.Grow(len(body))
	n := 0
	pendingSpace := false
	for _, r := range body {
		if r == utf8.RuneError {
			continue
		}
		if unicode.IsSpace(r) {
			pendingSpace = n > 0
			continue
		}
		if unicode.IsControl(r) || unicode.Is(unicode.Cf, r) {
			continue
		}
		if pendingSpace {
			if n+1 >= maxLen {
				break
			}
			b.WriteByte(' ')
			n++
			pendingSpace = false
		}
		if n >= maxLen {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}
