package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ProviderCacheVersion is the on-disk schema version. Older versions are
// discarded on load rather than migrated (the cache is rebuildable).
const ProviderCacheVersion = 2

// CatalogItem is one VOD item from a provider catalog.
type CatalogItem struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Year     int    `json:"year,omitempty"`
	Type     string `json:"type"` // "movie" | "tv"
	Poster   string `json:"poster,omitempty"`
	PageURL  string `json:"page_url,omitempty"`
	Seasons  int    `json:"seasons,omitempty"`
	Episodes int    `json:"episodes,omitempty"`
}

// ProviderCatalog is the cached catalog of one provider split by type.
type ProviderCatalog struct {
	LastFetch int64         `json:"lastFetch"` // epoch ms
	Movies    []CatalogItem `json:"movies"`
	TV        []CatalogItem `json:"tv"`
}

// StreamRecord is one cached extraction result.
type StreamRecord struct {
	Success     bool   `json:"success"`
	URL         string `json:"url,omitempty"`
	Error       string `json:"error,omitempty"`
	ExtractedAt int64  `json:"extractedAt"` // epoch ms
	ExpiresAt   int64  `json:"expiresAt"`   // epoch ms
}

// ProviderEntry groups one provider's catalog and stream records.
type ProviderEntry struct {
	Catalog ProviderCatalog         `json:"catalog"`
	Streams map[string]StreamRecord `json:"streams"`
}

type providerCacheDoc struct {
	Version    int                      `json:"version"`
	LastUpdate int64                    `json:"lastUpdate"`
	Providers  map[string]ProviderEntry `json:"providers"`
}

// ProviderCache is the unified provider catalog + stream extraction cache.
// Process-wide; persisted to one JSON file.
type ProviderCache struct {
	mu        sync.RWMutex
	path      string
	providers map[string]ProviderEntry
}

// NewProviderCache returns a cache backed by path (not yet loaded).
func NewProviderCache(path string) *ProviderCache {
	return &ProviderCache{path: path, providers: map[string]ProviderEntry{}}
}

// Load reads the cache file. A missing file is not an error; a version
// mismatch discards the contents.
func (p *ProviderCache) Load() error {
	data, err := os.ReadFile(filepath.Clean(p.path))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var doc providerCacheDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("provider cache %s: %w", p.path, err)
	}
	if doc.Version != ProviderCacheVersion {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if doc.Providers != nil {
		p.providers = doc.Providers
	}
	return nil
}

// Save writes the cache file atomically.
func (p *ProviderCache) Save() error {
	p.mu.RLock()
	doc := providerCacheDoc{
		Version:    ProviderCacheVersion,
		LastUpdate: time.Now().UnixMilli(),
		Providers:  p.providers,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	p.mu.RUnlock()
	if err != nil {
		return err
	}
	return WriteFileAtomic(p.path, data)
}

// Catalog returns the cached catalog for a provider and whether one exists.
func (p *ProviderCache) Catalog(provider string) (ProviderCatalog, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.providers[provider]
	if !ok || (len(e.Catalog.Movies) == 0 && len(e.Catalog.TV) == 0) {
		return ProviderCatalog{}, false
	}
	return e.Catalog, true
}

// SetCatalog replaces a provider's cached catalog.
func (p *ProviderCache) SetCatalog(provider string, movies, tv []CatalogItem) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := p.providers[provider]
	e.Catalog = ProviderCatalog{LastFetch: time.Now().UnixMilli(), Movies: movies, TV: tv}
	if e.Streams == nil {
		e.Streams = map[string]StreamRecord{}
	}
	p.providers[provider] = e
}

// Stream returns the cached extraction record for contentID, if fresh.
func (p *ProviderCache) Stream(provider, contentID string) (StreamRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.providers[provider]
	if !ok {
		return StreamRecord{}, false
	}
	rec, ok := e.Streams[contentID]
	if !ok {
		return StreamRecord{}, false
	}
	if rec.ExpiresAt > 0 && time.Now().UnixMilli() > rec.ExpiresAt {
		return StreamRecord{}, false
	}
	return rec, true
}

// SetStream records an extraction outcome (success or failure).
func (p *ProviderCache) SetStream(provider, contentID string, rec StreamRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.providers[provider]
	if !ok {
		e = ProviderEntry{Streams: map[string]StreamRecord{}}
	}
	if e.Streams == nil {
		e.Streams = map[string]StreamRecord{}
	}
	e.Streams[contentID] = rec
	p.providers[provider] = e
}
