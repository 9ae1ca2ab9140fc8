// Package merge implements text-entity deduplication and numeric-
// range envelope merging for candidates the extract stage produced
// (spec.md §4.4). Text normalization uses Unicode NFKD the way the
// pack's other_examples text-processing code does, via
// golang.org/x/text/unicode/norm.
package merge

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKD decomposition, lowercases, strips leading/
// trailing whitespace, collapses internal whitespace runs to a single
// space, and removes all punctuation except hyphens (spec.md §4.4).
func Normalize(s string) string {
	decomposed := norm.NFKD.String(s)

	var sb strings.Builder
	lastWasSpace := false
	for _, r := range decomposed {
		switch {
		case unicode.IsMark(r):
			continue // drop combining marks left behind by NFKD
		case unicode.IsSpace(r):
			if !lastWasSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			lastWasSpace = true
		case r == '-':
			sb.WriteRune(r)
			lastWasSpace = false
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			continue
		default:
			sb.WriteRune(unicode.ToLower(r))
			lastWasSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}
