package domain

import "unicode/utf8"

// TailBytes returns at most the last n bytes of s, starting on a rune
// boundary so a multi-byte character is never split.
func TailBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}

// HeadBytes returns at most the first n bytes of s, ending on a rune
// boundary so a multi-byte character is never split.
func HeadBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := n
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}
