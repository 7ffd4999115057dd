package vod

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// EncodeSegmentURL wraps an absolute upstream URL for use as a path segment.
func EncodeSegmentURL(raw string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeSegmentURL reverses EncodeSegmentURL. Padded input is tolerated.
func DecodeSegmentURL(enc string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(enc, "="))
	if err != nil {
		return "", fmt.Errorf("decode segment url: %w", err)
	}
	return string(b), nil
}

// ResolveAgainst turns a playlist line into an absolute URL relative to the
// playlist's own URL: scheme-relative lines take the base's scheme, rooted
// paths take its origin, and bare names resolve against the last "/".
func ResolveAgainst(base, line string) string {
	switch {
	case strings.HasPrefix(line, "http://"), strings.HasPrefix(line, "https://"):
		return line
	case strings.HasPrefix(line, "//"):
		scheme := "https"
		if i := strings.Index(base, "://"); i > 0 {
			scheme = base[:i]
		}
		return scheme + ":" + line
	case strings.HasPrefix(line, "/"):
		return originOf(base) + line
	default:
		if i := strings.LastIndex(base, "/"); i > strings.Index(base, "://")+2 {
			return base[:i+1] + line
		}
		return base + "/" + line
	}
}

func originOf(raw string) string {
	i := strings.Index(raw, "://")
	if i < 0 {
		return raw
	}
	rest := raw[i+3:]
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		return raw[:i+3+j]
	}
	return raw
}

// Rewrite maps every URL line of an HLS playlist to the proxy's segment
// endpoint and strips #EXT-X-ENDLIST so consumers treat the stream as live.
// Comment and blank lines pass through untouched.
func Rewrite(playlist []byte, proxyBase, contentID, baseURL string) []byte {
	var out strings.Builder
	for _, line := range strings.Split(string(playlist), "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "#EXT-X-ENDLIST":
			continue
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
			out.WriteString(line)
			out.WriteByte('\n')
		default:
			abs := ResolveAgainst(baseURL, trimmed)
			fmt.Fprintf(&out, "%s/segment/%s?cid=%s\n", proxyBase, EncodeSegmentURL(abs), contentID)
		}
	}
	return []byte(out.String())
}

// SegmentURLs lists the absolute upstream URLs of a playlist, in order.
func SegmentURLs(playlist []byte, baseURL string) []string {
	var urls []string
	for _, line := range strings.Split(string(playlist), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		urls = append(urls, ResolveAgainst(baseURL, trimmed))
	}
	return urls
}
