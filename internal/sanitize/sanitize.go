// Package sanitize cleans user-supplied text before it is stored.
package sanitize

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strict = bluemonday.StrictPolicy()
	rich   = bluemonday.UGCPolicy()
)

// Text strips all markup and surrounding whitespace. Used for titles and usernames.
func Text(s string) string {
	return strings.TrimSpace(html.UnescapeString(strict.Sanitize(s)))
}

// RichText keeps safe formatting and drops scripts, handlers and unsafe links.
// Used for task descriptions.
func RichText(s string) string {
	return strings.TrimSpace(rich.Sanitize(s))
}
