package fingerprint

import (
	"strconv"
	"strings"
)

// CompareVersions orders dotted version strings numerically segment by
// segment, returning -1, 0, or 1. Non-numeric text falls back to string order
// only when the numeric parts are equal.
func CompareVersions(a, b string) int {
	aParts := numericParts(a)
	bParts := numericParts(b)
	for len(aParts) < len(bParts) {
		aParts = append(aParts, 0)
	}
	for len(bParts) < len(aParts) {
		bParts = append(bParts, 0)
	}
	for i := range aParts {
		if aParts[i] > bParts[i] {
			return 1
		}
		if aParts[i] < bParts[i] {
			return -1
		}
	}
	return strings.Compare(a, b)
}

func numericParts(version string) []int {
	var parts []int
	current := strings.Builder{}
	for _, r := range version {
		if r >= '0' && r <= '9' {
			current.WriteRune(r)
			continue
		}
		if current.Len() > 0 {
			val, _ := strconv.Atoi(current.String())
			parts = append(parts, val)
			current.Reset()
		}
	}
	if current.Len() > 0 {
		val, _ := strconv.Atoi(current.String())
		parts = append(parts, val)
	}
	return parts
}
