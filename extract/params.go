package extract

import (
	"net/http"
	"net/url"
	"strings"

	"go-polyglot/message"
)

// parseQuery decodes the query string preserving repetition order.
// Malformed pairs are skipped.
func parseQuery(rawQuery string) map[string][]string {
	values, _ := url.ParseQuery(rawQuery)
	if values == nil {
		return map[string][]string{}
	}
	return values
}

// parseCookies flattens every Cookie header. The last occurrence of a name
// wins; malformed pairs are skipped.
func parseCookies(h message.Header) map[string]string {
	out := make(map[string]string)
	for _, line := range h.Values("Cookie") {
		for _, part := range strings.Split(line, ";") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			cookies, err := http.ParseCookie(part)
			if err != nil {
				continue
			}
			for _, c := range cookies {
				out[c.Name] = c.Value
			}
		}
	}
	return out
}
