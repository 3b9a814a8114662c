package processor

import (
	"regexp"
	"strings"
)

var (
	runsOfNewlines = regexp.MustCompile(`\n{3,}`)
	trailingSpace  = regexp.MustCompile(`[ \t]+\n`)
	// Alternate fence markers some backends emit.
	tildeFence = regexp.MustCompile(`(?m)^~~~+`)
)

// cleanText normalizes whitespace and code-fence markers: runs of three
// or more newlines collapse to two, per-line trailing whitespace is
// stripped, tilde fences become backtick fences, and the whole text is
// trimmed.
func cleanText(text string) string {
	if text == "" {
		return ""
	}
	text = trailingSpace.ReplaceAllString(text, "\n")
	text = runsOfNewlines.ReplaceAllString(text, "\n\n")
	text = tildeFence.ReplaceAllString(text, "```")
	return strings.TrimSpace(text)
}
