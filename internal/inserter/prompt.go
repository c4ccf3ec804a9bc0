package inserter

import (
	"regexp"
	"strings"
)

// EndOfText is the marker the infill model emits when the middle is complete.
const EndOfText = "<EOT>"

// BuildPrompt renders the fill-in-the-middle prompt for the text around the
// cursor.
func BuildPrompt(prefix, suffix string) string {
	return "<PRE>" + prefix + " <SUF>" + suffix + " <MID>"
}

var trailingBlank = regexp.MustCompile(`(?m)[ \t]+$`)

// CleanFragment removes end-of-text markers and trailing blanks on every
// physical line of a fragment.
func CleanFragment(s string) string {
	s = strings.ReplaceAll(s, EndOfText, "")
	return trailingBlank.ReplaceAllString(s, "")
}

// splitTrailingBlank separates the blanks at the end of the last line of s
// from the rest of s, after cleaning every earlier line.
// The blanks are withheld rather than dropped: if a later fragment continues
// the same line they were interior spacing, not trailing.
func splitTrailingBlank(s string) (text, blank string) {
	i := strings.LastIndexByte(s, '\n') + 1
	head := CleanFragment(s[:i])
	last := strings.ReplaceAll(s[i:], EndOfText, "")
	kept := strings.TrimRight(last, " \t")
	return head + kept, last[len(kept):]
}
