package tui

import (
	"strings"
	"unicode/utf8"
)

// NonEmptyOrDash returns "-" for empty or whitespace-only values.
func NonEmptyOrDash(value string) string {
	if value = strings.TrimSpace(value); value == "" {
		return "-"
	}
	return value
}

// TruncateWithEllipsis shortens value to at most max runes, marking the cut
// with "..." when there is room for it.
func TruncateWithEllipsis(value string, max int) string {
	if max <= 0 {
		return ""
	}
	value = strings.TrimSpace(value)
	if utf8.RuneCountInString(value) <= max {
		return value
	}
	runes := []rune(value)
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

// fit truncates or right-pads value to exactly width runes.
func fit(value string, width int) string {
	value = TruncateWithEllipsis(value, width)
	if n := utf8.RuneCountInString(value); n < width {
		value += strings.Repeat(" ", width-n)
	}
	return value
}
