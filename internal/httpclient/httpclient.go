// Package httpclient provides the shared tuned HTTP clients, retry policy,
// per-host concurrency limiting, and response body decoding used for all
// upstream fetches (playlists, segments, scraper endpoints, catalog pages).
package httpclient

import (
	"net"
	"net/http"
	"time"
)

const (
	// DefaultTimeout bounds whole requests on the shared client. Segment
	// fetches must finish well inside a player's stall window.
	DefaultTimeout = 30 * time.Second

	dialTimeout     = 10 * time.Second
	tlsTimeout      = 10 * time.Second
	idleConnTimeout = 90 * time.Second
	idlePerHost     = 16
)

var defaultClient = &http.Client{
	Timeout:   DefaultTimeout,
	Transport: newTransport(),
}

func newTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: tlsTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: idlePerHost,
		IdleConnTimeout:     idleConnTimeout,
		ForceAttemptHTTP2:   true,
	}
}

// Default returns the shared client for playlist, segment, and catalog
// fetches. Callers must not mutate it.
func Default() *http.Client {
	return defaultClient
}

// WithTimeout returns a client with its own overall timeout on a fresh copy
// of the shared transport.
func WithTimeout(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout, Transport: newTransport()}
}

// ForStreaming returns a client with no overall timeout for long-lived
// upstream reads. Header arrival is still bounded so a dead upstream fails
// fast instead of hanging the handler.
func ForStreaming() *http.Client {
	t := newTransport()
	t.ResponseHeaderTimeout = 30 * time.Second
	return &http.Client{Transport: t}
}
