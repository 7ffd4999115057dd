package vod

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/webtuner/webtuner/internal/browser"
)

// ErrNoStreamFound means the page never requested a matching playlist URL
// within the extraction deadline.
var ErrNoStreamFound = errors.New("no stream url observed")

// ExtractSpec describes one browser-driven extraction attempt.
type ExtractSpec struct {
	PageURL         string
	M3U8Patterns    []string // URL substrings that mark a playlist request
	ExcludePatterns []string // URL substrings that disqualify a match (ads, previews)
	BlockPatterns   []string // network-level block list (ad/tracker domains)
	PopupSelectors  []string // overlay close buttons to try between play clicks
	PlaySelectors   []string // play button candidates, tried in order
	Timeout         time.Duration
	Headers         http.Header // headers to attach to the extracted source
}

// BrowserExtractor resolves stream URLs by loading the provider's player page
// in a transient tab and sniffing the playlist request the player makes.
type BrowserExtractor struct {
	browser *browser.Browser
}

// NewBrowserExtractor wraps the shared browser.
func NewBrowserExtractor(b *browser.Browser) *BrowserExtractor {
	return &BrowserExtractor{browser: b}
}

// Extract loads spec.PageURL, drives the player, and returns the first
// playlist URL the page requests. The tab is closed on every exit path.
func (e *BrowserExtractor) Extract(ctx context.Context, spec ExtractSpec) (StreamSource, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page, err := e.browser.NewPage()
	if err != nil {
		return StreamSource{}, fmt.Errorf("extract: %w", err)
	}
	defer page.Close()

	if len(spec.BlockPatterns) > 0 {
		if err := page.BlockURLs(ctx, spec.BlockPatterns); err != nil {
			log.Printf("[vod] extract: block list install failed: %v", err)
		}
	}

	found := make(chan string, 1)
	sub, err := page.ObserveResponses(func(url, mime string) bool {
		return matchesPlaylist(url, mime, spec.M3U8Patterns, spec.ExcludePatterns)
	}, false, func(resp browser.ObservedResponse) {
		select {
		case found <- resp.URL:
		default:
		}
	})
	if err != nil {
		return StreamSource{}, fmt.Errorf("extract: %w", err)
	}
	defer sub.Cancel()

	if err := page.Navigate(ctx, spec.PageURL); err != nil {
		return StreamSource{}, fmt.Errorf("extract: navigate %s: %w", spec.PageURL, err)
	}

	// The player may need a click to start; popups may eat the first one.
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case u := <-found:
			log.Printf("[vod] extract: matched %s", u)
			return StreamSource{URL: u, Headers: spec.Headers}, nil
		case <-ctx.Done():
			return StreamSource{}, ErrNoStreamFound
		case <-ticker.C:
			page.CloseMatching(ctx, spec.PopupSelectors)
			for _, sel := range spec.PlaySelectors {
				clicked, err := page.ClickNode(ctx, fmt.Sprintf("document.querySelector(%q)", sel))
				if err != nil || clicked {
					break
				}
			}
		}
	}
}

func matchesPlaylist(url, mime string, include, exclude []string) bool {
	lower := strings.ToLower(url)
	for _, p := range exclude {
		if strings.Contains(lower, strings.ToLower(p)) {
			return false
		}
	}
	if strings.Contains(strings.ToLower(mime), "mpegurl") {
		return true
	}
	for _, p := range include {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
