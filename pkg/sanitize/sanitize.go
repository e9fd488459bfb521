// Package sanitize strips markup from free-text fields such as rejection
// reasons and admin notes before they are stored.
package sanitize

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

const DefaultMaxLength = 1000

var policy = bluemonday.StrictPolicy()

// Text removes all HTML, collapses whitespace and caps the length in runes.
func Text(s string) string {
	return TextN(s, DefaultMaxLength)
}

func TextN(s string, max int) string {
	cleaned := html.UnescapeString(policy.Sanitize(s))
	cleaned = strings.Join(strings.Fields(cleaned), " ")
	if max > 0 && utf8.RuneCountInString(cleaned) > max {
		runes := []rune(cleaned)
		cleaned = string(runes[:max])
	}
	return cleaned
}
