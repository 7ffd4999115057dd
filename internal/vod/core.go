package vod

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/webtuner/webtuner/internal/catalog"
	"github.com/webtuner/webtuner/internal/metrics"
)

// CoreConfig tunes stream entry lifecycle timing.
type CoreConfig struct {
	RefreshTick  time.Duration // supervisor wake interval
	RefreshAfter time.Duration // re-extract when the URL is older than this
	Inactivity   time.Duration // drop the entry when unused this long
}

func (c *CoreConfig) fill() {
	if c.RefreshTick <= 0 {
		c.RefreshTick = 15 * time.Second
	}
	if c.RefreshAfter <= 0 {
		c.RefreshAfter = 60 * time.Second
	}
	if c.Inactivity <= 0 {
		c.Inactivity = 5 * time.Minute
	}
}

// streamEntry is one active VOD stream: the current upstream URL plus the
// bookkeeping its supervisor goroutine needs.
type streamEntry struct {
	contentID   string
	contentType string
	source      StreamSource
	extractedAt time.Time
	lastAccess  time.Time
	refreshing  bool
	stop        chan struct{}
}

// Core owns the active stream entries of one provider. Extraction is
// deduplicated through singleflight; each live entry gets a supervisor
// goroutine that refreshes its URL before upstream expiry and drops it
// after a period of inactivity.
type Core struct {
	provider Provider
	cfg      CoreConfig
	cache    *catalog.ProviderCache // may be nil
	m        *metrics.Metrics       // may be nil

	sf      singleflight.Group
	mu      sync.Mutex
	entries map[string]*streamEntry
	wg      sync.WaitGroup
	closed  bool
}

// NewCore builds a Core for one provider. cache and m may be nil.
func NewCore(p Provider, cfg CoreConfig, cache *catalog.ProviderCache, m *metrics.Metrics) *Core {
	cfg.fill()
	return &Core{
		provider: p,
		cfg:      cfg,
		cache:    cache,
		m:        m,
		entries:  map[string]*streamEntry{},
	}
}

// ActiveStreamURL returns the current source for contentID without touching
// upstream. ok is false when no live entry exists.
func (c *Core) ActiveStreamURL(contentID string) (StreamSource, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[contentID]
	if !ok {
		return StreamSource{}, false
	}
	e.lastAccess = time.Now()
	return e.source, true
}

// EnsureStreamURL returns a usable upstream source for contentID, extracting
// one if no live entry exists. Concurrent callers for the same item share a
// single extraction.
func (c *Core) EnsureStreamURL(ctx context.Context, contentID, contentType string) (StreamSource, error) {
	if src, ok := c.ActiveStreamURL(contentID); ok {
		return src, nil
	}
	v, err, _ := c.sf.Do(contentID, func() (interface{}, error) {
		if src, ok := c.ActiveStreamURL(contentID); ok {
			return src, nil
		}
		return c.extract(ctx, contentID, contentType)
	})
	if err != nil {
		return StreamSource{}, err
	}
	return v.(StreamSource), nil
}

// UrgentRefresh re-extracts contentID's URL immediately, bypassing the age
// check. Called when a segment fetch hits an upstream 403/503. The old URL
// survives a failed refresh.
func (c *Core) UrgentRefresh(ctx context.Context, contentID string) error {
	c.mu.Lock()
	e, ok := c.entries[contentID]
	if !ok || e.refreshing {
		c.mu.Unlock()
		return nil
	}
	e.refreshing = true
	contentType := e.contentType
	c.mu.Unlock()
	return c.refresh(ctx, contentID, contentType)
}

// Touch marks contentID as recently used so its entry survives the
// inactivity sweep.
func (c *Core) Touch(contentID string) {
	c.mu.Lock()
	if e, ok := c.entries[contentID]; ok {
		e.lastAccess = time.Now()
	}
	c.mu.Unlock()
}

// HeadersFor returns the headers to send on upstream fetches for contentID:
// the provider defaults overlaid with any per-stream headers.
func (c *Core) HeadersFor(contentID string) map[string]string {
	h := map[string]string{}
	for k, vs := range c.provider.ProxyHeaders() {
		if len(vs) > 0 {
			h[k] = vs[0]
		}
	}
	c.mu.Lock()
	if e, ok := c.entries[contentID]; ok {
		for k, vs := range e.source.Headers {
			if len(vs) > 0 {
				h[k] = vs[0]
			}
		}
	}
	c.mu.Unlock()
	return h
}

// EntryCount reports live entries (stats surface).
func (c *Core) EntryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// extract performs a fresh extraction and installs (or replaces) the entry.
func (c *Core) extract(ctx context.Context, contentID, contentType string) (StreamSource, error) {
	src, err := c.provider.ExtractStreamURL(ctx, contentID, contentType)
	if err != nil {
		c.countExtraction("error")
		c.recordStream(contentID, catalog.StreamRecord{
			Success:     false,
			Error:       err.Error(),
			ExtractedAt: time.Now().UnixMilli(),
		})
		return StreamSource{}, fmt.Errorf("extract %s/%s: %w", c.provider.ID(), contentID, err)
	}
	c.countExtraction("ok")
	now := time.Now()
	c.recordStream(contentID, catalog.StreamRecord{
		Success:     true,
		URL:         src.URL,
		ExtractedAt: now.UnixMilli(),
		ExpiresAt:   now.Add(2 * time.Minute).UnixMilli(),
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return src, nil
	}
	if e, ok := c.entries[contentID]; ok {
		e.source = src
		e.extractedAt = now
		e.lastAccess = now
		e.refreshing = false
		return src, nil
	}
	e := &streamEntry{
		contentID:   contentID,
		contentType: contentType,
		source:      src,
		extractedAt: now,
		lastAccess:  now,
		stop:        make(chan struct{}),
	}
	c.entries[contentID] = e
	c.wg.Add(1)
	go c.supervise(e)
	return src, nil
}

// refresh re-extracts and swaps the URL in place. On failure the previous
// source stays active so in-flight playback keeps its (possibly still valid)
// URL.
func (c *Core) refresh(ctx context.Context, contentID, contentType string) error {
	_, err, _ := c.sf.Do("refresh:"+contentID, func() (interface{}, error) {
		src, err := c.provider.ExtractStreamURL(ctx, contentID, contentType)
		c.mu.Lock()
		defer c.mu.Unlock()
		e, ok := c.entries[contentID]
		if !ok {
			return nil, err
		}
		e.refreshing = false
		if err != nil {
			c.countExtraction("refresh_error")
			return nil, err
		}
		e.source = src
		e.extractedAt = time.Now()
		c.countExtraction("refresh")
		if c.m != nil {
			c.m.StreamRefreshes.Inc()
		}
		return nil, nil
	})
	if err != nil {
		log.Printf("[vod] %s: refresh %s failed, keeping old URL: %v", c.provider.ID(), contentID, err)
	}
	return err
}

// supervise runs an entry's lifecycle: proactive refresh before upstream
// expiry, drop after inactivity.
func (c *Core) supervise(e *streamEntry) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.RefreshTick)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		idle := time.Since(e.lastAccess)
		age := time.Since(e.extractedAt)
		busy := e.refreshing
		if idle > c.cfg.Inactivity {
			delete(c.entries, e.contentID)
			c.mu.Unlock()
			log.Printf("[vod] %s: dropping idle stream %s (unused %s)", c.provider.ID(), e.contentID, idle.Round(time.Second))
			return
		}
		if age > c.cfg.RefreshAfter && !busy {
			e.refreshing = true
			c.mu.Unlock()
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RefreshTick*4)
			_ = c.refresh(ctx, e.contentID, e.contentType)
			cancel()
			continue
		}
		c.mu.Unlock()
	}
}

// Shutdown stops all supervisors and waits for them.
func (c *Core) Shutdown() {
	c.mu.Lock()
	c.closed = true
	for id, e := range c.entries {
		close(e.stop)
		delete(c.entries, id)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Core) countExtraction(outcome string) {
	if c.m != nil {
		c.m.Extractions.WithLabelValues(c.provider.ID(), outcome).Inc()
	}
}

func (c *Core) recordStream(contentID string, rec catalog.StreamRecord) {
	if c.cache == nil {
		return
	}
	c.cache.SetStream(c.provider.ID(), contentID, rec)
	if err := c.cache.Save(); err != nil {
		log.Printf("[vod] %s: persist stream record: %v", c.provider.ID(), err)
	}
}
