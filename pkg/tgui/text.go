package tgui

import (
	"strings"
	"unicode/utf8"
)

// MaxMessageRunes stays below Telegram's 4096 character message limit.
const MaxMessageRunes = 4000

// TruncRunes returns s truncated to at most n runes.
// It appends an ellipsis "…" when truncated.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	cut := 0
	for i, r := range s {
		count++
		if count == n {
			cut = i + utf8.RuneLen(r)
			continue
		}
		if count > n {
			if cut <= 0 {
				cut = i
			}
			return s[:cut] + "…"
		}
	}
	return s
}

// SplitText cuts s into chunks of at most limit runes, preferring line
// breaks in the last two thirds of a chunk. Chunks never start or end with a
// newline and are never blank; a blank s yields no chunks.
func SplitText(s string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageRunes
	}
	rs := []rune(strings.TrimRight(s, "\n"))
	var out []string
	for len(rs) > 0 {
		cut := len(rs)
		if cut > limit {
			cut = limit
			for i := limit - 1; i > limit/3; i-- {
				if rs[i] == '\n' {
					cut = i + 1
					break
				}
			}
		}
		if chunk := strings.Trim(string(rs[:cut]), "\n"); strings.TrimSpace(chunk) != "" {
			out = append(out, chunk)
		}
		rs = rs[cut:]
	}
	return out
}
