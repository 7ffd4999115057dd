package vod

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/webtuner/webtuner/internal/catalog"
	"github.com/webtuner/webtuner/internal/httpclient"
	"github.com/webtuner/webtuner/internal/safeurl"
)

// URLRewriteRule is an optional regex applied to extracted stream URLs
// (some CDNs expose a faster mirror under a different host or path).
type URLRewriteRule struct {
	Pattern string
	Replace string

	re *regexp.Regexp
}

func (r *URLRewriteRule) apply(u string) string {
	if r == nil || r.Pattern == "" {
		return u
	}
	if r.re == nil {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			log.Printf("[vod] bad rewrite rule %q: %v", r.Pattern, err)
			r.Pattern = ""
			return u
		}
		r.re = re
	}
	return r.re.ReplaceAllString(u, r.Replace)
}

// SiteConfig declares one VOD site.
type SiteConfig struct {
	ID      string
	BaseURL string // e.g. https://example-site.to
	Referer string // default upstream Referer; "" = BaseURL + "/"
	Origin  string // default upstream Origin; "" = BaseURL

	// ScraperEndpoint resolves stream URLs without a browser:
	// GET {ScraperEndpoint}?id={contentID}&type={contentType}, response per
	// DecodeScraperResponse. "" = browser extraction only.
	ScraperEndpoint string

	// Browser extraction fallback.
	ContentPathMovie string // e.g. /movie/%s
	ContentPathTV    string // e.g. /tv-show/%s
	M3U8Include      []string
	M3U8Exclude      []string
	AdBlockList      []string
	PopupSelectors   []string
	PlaySelectors    []string
	ExtractTimeout   time.Duration

	// Catalog scraping.
	MovieListPath string // listing page for movies, e.g. /movies
	TVListPath    string // listing page for shows
	MovieMarker   string // href marker for movie anchors, e.g. "/movie/"
	TVMarker      string // href marker for show anchors

	Rewrite *URLRewriteRule
}

// SiteProvider implements Provider for one SiteConfig: the scraper endpoint
// is tried first, the browser extractor is the fallback, and catalogs come
// from the listing pages with the cached copy as a stale fallback.
type SiteProvider struct {
	cfg       SiteConfig
	extractor *BrowserExtractor // may be nil (scraper-only deployments)
	cache     *catalog.ProviderCache
	client    *http.Client
}

// NewSiteProvider builds a provider. extractor and cache may be nil.
func NewSiteProvider(cfg SiteConfig, extractor *BrowserExtractor, cache *catalog.ProviderCache) *SiteProvider {
	return &SiteProvider{
		cfg:       cfg,
		extractor: extractor,
		cache:     cache,
		client:    httpclient.Default(),
	}
}

func (s *SiteProvider) ID() string { return s.cfg.ID }

// ProxyHeaders returns the default headers for upstream playlist/segment
// fetches on this site's streams.
func (s *SiteProvider) ProxyHeaders() http.Header {
	h := http.Header{}
	referer := s.cfg.Referer
	if referer == "" {
		referer = strings.TrimRight(s.cfg.BaseURL, "/") + "/"
	}
	origin := s.cfg.Origin
	if origin == "" {
		origin = strings.TrimRight(s.cfg.BaseURL, "/")
	}
	h.Set("Referer", referer)
	h.Set("Origin", origin)
	h.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	h.Set("Accept-Encoding", httpclient.AcceptEncoding)
	return h
}

func (s *SiteProvider) M3U8Patterns() []string    { return s.cfg.M3U8Include }
func (s *SiteProvider) ExcludePatterns() []string { return s.cfg.M3U8Exclude }

// ContentURL is the provider page for an item.
func (s *SiteProvider) ContentURL(contentID, contentType string) string {
	base := strings.TrimRight(s.cfg.BaseURL, "/")
	path := s.cfg.ContentPathMovie
	if contentType == "tv" {
		path = s.cfg.ContentPathTV
	}
	if path == "" {
		path = "/watch/%s"
	}
	return base + fmt.Sprintf(path, contentID)
}

// RewritePlaylist maps upstream URLs to proxy segment URLs.
func (s *SiteProvider) RewritePlaylist(playlist []byte, proxyBase, contentID, baseURL string) []byte {
	return Rewrite(playlist, proxyBase, contentID, baseURL)
}

// ExtractStreamURL tries the scraper endpoint first and falls back to
// browser extraction. Extracted URLs pass the rewrite rule and a safety
// check before use.
func (s *SiteProvider) ExtractStreamURL(ctx context.Context, contentID, contentType string) (StreamSource, error) {
	var scraperErr error
	if s.cfg.ScraperEndpoint != "" {
		src, err := s.extractViaScraper(ctx, contentID, contentType)
		if err == nil {
			return s.finish(src)
		}
		scraperErr = err
		log.Printf("[vod] %s: scraper failed for %s, trying browser: %v", s.cfg.ID, contentID, err)
	}
	if s.extractor == nil {
		if scraperErr != nil {
			return StreamSource{}, scraperErr
		}
		return StreamSource{}, fmt.Errorf("%s: no extraction path configured", s.cfg.ID)
	}
	src, err := s.extractor.Extract(ctx, ExtractSpec{
		PageURL:         s.ContentURL(contentID, contentType),
		M3U8Patterns:    s.cfg.M3U8Include,
		ExcludePatterns: s.cfg.M3U8Exclude,
		BlockPatterns:   s.cfg.AdBlockList,
		PopupSelectors:  s.cfg.PopupSelectors,
		PlaySelectors:   s.cfg.PlaySelectors,
		Timeout:         s.cfg.ExtractTimeout,
		Headers:         s.ProxyHeaders(),
	})
	if err != nil {
		return StreamSource{}, err
	}
	return s.finish(src)
}

func (s *SiteProvider) finish(src StreamSource) (StreamSource, error) {
	src.URL = s.cfg.Rewrite.apply(src.URL)
	if !safeurl.IsHTTPOrHTTPS(src.URL) {
		return StreamSource{}, fmt.Errorf("%s: extracted url rejected: %q", s.cfg.ID, src.URL)
	}
	return src, nil
}

func (s *SiteProvider) extractViaScraper(ctx context.Context, contentID, contentType string) (StreamSource, error) {
	u := fmt.Sprintf("%s?id=%s&type=%s", s.cfg.ScraperEndpoint, contentID, contentType)
	body, err := s.get(ctx, u)
	if err != nil {
		return StreamSource{}, err
	}
	scraped, err := DecodeScraperResponse(body)
	if err != nil {
		return StreamSource{}, err
	}
	h := s.ProxyHeaders()
	if scraped.Referer != "" {
		h.Set("Referer", scraped.Referer)
	}
	if scraped.Origin != "" {
		h.Set("Origin", scraped.Origin)
	}
	return StreamSource{URL: scraped.URL, Headers: h, Quality: scraped.Quality}, nil
}

// FetchCatalog scrapes the listing pages. On failure, a cached catalog is
// returned instead (stale beats empty); opts.Refresh forces a scrape but
// still degrades to cache.
func (s *SiteProvider) FetchCatalog(ctx context.Context, opts CatalogOptions) (movies, tv []catalog.CatalogItem, err error) {
	if !opts.Refresh && s.cache != nil {
		if cached, ok := s.cache.Catalog(s.cfg.ID); ok {
			return cached.Movies, cached.TV, nil
		}
	}
	movies, mErr := s.scrapeList(ctx, s.cfg.MovieListPath, s.cfg.MovieMarker, "movie")
	tv, tErr := s.scrapeList(ctx, s.cfg.TVListPath, s.cfg.TVMarker, "tv")
	if mErr != nil || tErr != nil {
		if s.cache != nil {
			if cached, ok := s.cache.Catalog(s.cfg.ID); ok {
				log.Printf("[vod] %s: catalog scrape failed, serving cached copy (movies=%v tv=%v)", s.cfg.ID, mErr, tErr)
				return cached.Movies, cached.TV, nil
			}
		}
		if mErr != nil {
			return nil, nil, mErr
		}
		return nil, nil, tErr
	}
	if s.cache != nil {
		s.cache.SetCatalog(s.cfg.ID, movies, tv)
		if err := s.cache.Save(); err != nil {
			log.Printf("[vod] %s: persist catalog: %v", s.cfg.ID, err)
		}
	}
	return movies, tv, nil
}

func (s *SiteProvider) scrapeList(ctx context.Context, path, marker, itemType string) ([]catalog.CatalogItem, error) {
	if path == "" || marker == "" {
		return nil, nil
	}
	page, err := s.get(ctx, strings.TrimRight(s.cfg.BaseURL, "/")+path)
	if err != nil {
		return nil, err
	}
	raw, err := ParseCatalogHTML(page, marker, itemType)
	if err != nil {
		return nil, err
	}
	items := make([]catalog.CatalogItem, 0, len(raw))
	for _, r := range raw {
		items = append(items, catalog.CatalogItem{
			ID:      r.ID,
			Title:   r.Title,
			Type:    r.Type,
			Poster:  r.Poster,
			PageURL: r.PageURL,
		})
	}
	return items, nil
}

func (s *SiteProvider) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	for k, vs := range s.ProxyHeaders() {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	release := httpclient.GlobalHostSem.Acquire(u)
	defer release()
	resp, err := httpclient.DoWithRetry(ctx, s.client, req, httpclient.DefaultRetryPolicy)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}
	body, err := httpclient.DecodedBody(resp)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(body, 8<<20))
}
