package util

import "strings"

// Ellipsize trims s to at most max runes, appending … when it was cut.
// Only the display copy is affected, never the underlying value.
func Ellipsize(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

// Flatten collapses newlines and whitespace runs into single spaces so
// multi-line payloads fit a one-line summary.
func Flatten(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
