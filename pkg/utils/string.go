package utils

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const ellipsis = "…"

// SanitizeString drops control characters other than line breaks and tabs,
// then trims surrounding whitespace. Used on free-text query parameters.
func SanitizeString(s string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r == '\n', r == '\r', r == '\t':
			return r
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(clean)
}

// TruncateString shortens s to at most width runes, marking the cut with an
// ellipsis. A non-positive width leaves s untouched.
func TruncateString(s string, width int) string {
	if width <= 0 || utf8.RuneCountInString(s) <= width {
		return s
	}
	runes := []rune(s)
	if width == 1 {
		return string(runes[:1])
	}
	return string(runes[:width-1]) + ellipsis
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MaskSensitive keeps the leading visible runes of s and replaces the rest
// with asterisks. Strings no longer than visible are masked entirely.
func MaskSensitive(s string, visible int) string {
	runes := []rune(s)
	if len(runes) <= visible {
		return strings.Repeat("*", len(runes))
	}
	return string(runes[:visible]) + strings.Repeat("*", len(runes)-visible)
}
