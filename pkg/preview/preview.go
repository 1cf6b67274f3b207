// Package preview provides UTF-8-safe truncation for the inline output
// previews stored alongside evaluations.
package preview

import "unicode/utf8"

// Truncate returns at most max bytes of s, never splitting a UTF-8 sequence.
// Only a trailing partial rune is trimmed; invalid bytes earlier in the slice
// are kept as-is, since captured process output is not guaranteed to be UTF-8.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for i := 0; i < utf8.UTFMax-1 && len(cut) > 0; i++ {
		r, size := utf8.DecodeLastRuneInString(cut)
		if r != utf8.RuneError || size > 1 {
			break
		}
		// size 1 RuneError: either a stray invalid byte or the head of a
		// rune whose tail fell past the cut; trimming one byte is safe and
		// bounded either way
		cut = cut[:len(cut)-1]
	}
	return cut
}
