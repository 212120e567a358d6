package utils

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	// StrictPolicy strips all markup
	StrictPolicy = bluemonday.StrictPolicy()

	blockBreaks = regexp.MustCompile(`(?i)<\s*(br\s*/?|/p|/div|/li|/h[1-6]|/tr)\s*>`)
	blankRuns   = regexp.MustCompile(`\n{3,}`)
)

// PlainTextFromHTML derives a text/plain alternative for an HTML body.
// Block-level closers become line breaks before the markup is stripped.
func PlainTextFromHTML(body string) string {
	withBreaks := blockBreaks.ReplaceAllString(body, "\n")
	text := html.UnescapeString(StrictPolicy.Sanitize(withBreaks))

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	return strings.TrimSpace(blankRuns.ReplaceAllString(text, "\n\n"))
}
