// Package vod proxies web-only VOD catalogs as HLS: per-provider stream URL
// extraction with proactive refresh, playlist rewriting, and a prefetching
// segment cache.
package vod

import (
	"context"
	"net/http"

	"github.com/webtuner/webtuner/internal/catalog"
)

// StreamSource is the result of a stream URL extraction.
type StreamSource struct {
	URL        string
	Headers    http.Header // sent on upstream playlist/segment fetches
	Quality    string
	Alternates []string
	Subtitles  []string
}

// CatalogOptions tunes a catalog fetch.
type CatalogOptions struct {
	Expand  bool // resolve season/episode detail
	Refresh bool // bypass the cached catalog
}

// Provider is one upstream VOD site.
type Provider interface {
	ID() string
	// FetchCatalog lists the provider's items, split by kind.
	FetchCatalog(ctx context.Context, opts CatalogOptions) (movies, tv []catalog.CatalogItem, err error)
	// ExtractStreamURL resolves the short-lived upstream m3u8 URL for one
	// item. Semantically idempotent: concurrent calls may race, either
	// result is usable, latest write wins.
	ExtractStreamURL(ctx context.Context, contentID, contentType string) (StreamSource, error)
	// ProxyHeaders are the default headers for upstream fetches.
	ProxyHeaders() http.Header
	// M3U8Patterns/ExcludePatterns filter URLs observed during browser
	// interception (substring match).
	M3U8Patterns() []string
	ExcludePatterns() []string
	// RewritePlaylist maps upstream URLs to proxy segment URLs.
	RewritePlaylist(playlist []byte, proxyBase, contentID, baseURL string) []byte
	// ContentURL is the provider page for an item.
	ContentURL(contentID, contentType string) string
}
