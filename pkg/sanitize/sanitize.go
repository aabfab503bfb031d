package sanitize

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// strict drops every element and attribute, leaving text content only.
var strict = bluemonday.StrictPolicy()

// Text strips all markup from user-supplied text and returns the plain
// text form. Entities are decoded before sanitizing so encoded markup
// cannot survive the strip; Text is idempotent and the result is safe
// to store and echo back as-is.
func Text(s string) string {
	return strings.TrimSpace(strict.Sanitize(html.UnescapeString(s)))
}

var allowedSchemes = map[string]bool{
	"http":  true,
	"https": true,
	"data":  true,
	"blob":  true,
}

// MediaURL validates a media URL against the protocol allow-list.
// URLs with any other scheme (javascript:, file:, ...) are dropped and
// the empty string is returned.
func MediaURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if !allowedSchemes[strings.ToLower(u.Scheme)] {
		return ""
	}
	return raw
}
