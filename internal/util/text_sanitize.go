package util

import "strings"

// SanitizeText drops NUL and other control characters that extractors leak
// and Postgres text columns reject. Newlines and tabs survive.
func SanitizeText(s string) string {
	if s == "" {
		return s
	}
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		switch {
		case r == '\n', r == '\r', r == '\t':
			return r
		case r < 0x20, r == 0x7f, r == '\ufffd', r == '\ufeff':
			return -1
		}
		return r
	}, s))
}
