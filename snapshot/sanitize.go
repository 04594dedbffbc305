package snapshot

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// maxTextRunes bounds TextContent so a pathological remote DOM cannot smuggle
// megabytes of text into every render pass.
const maxTextRunes = 120

// strict strips every HTML element and attribute, leaving plain text.
var strict = bluemonday.StrictPolicy()

// CleanText sanitizes display text coming from the remote DOM: HTML is
// stripped, whitespace runs collapse to single spaces, and the result is
// truncated to maxTextRunes.
func CleanText(s string) string {
	s = strict.Sanitize(s)
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > maxTextRunes {
		return string(r[:maxTextRunes]) + "…"
	}
	return s
}
