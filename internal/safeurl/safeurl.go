// Package safeurl validates URLs recovered from client-supplied input.
package safeurl

import (
	"net/url"
	"strings"
)

// IsHTTPOrHTTPS reports whether raw parses as an absolute http(s) URL with a
// host. Segment URLs arrive base64-encoded from the player, so anything else
// that decodes cleanly (file://, javascript:, relative paths) must be
// rejected before it reaches an upstream fetch.
func IsHTTPOrHTTPS(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return true
	}
	return false
}
