package vod

import (
	"container/list"
	"sync"
	"time"

	"github.com/webtuner/webtuner/internal/metrics"
)

// SegmentCache is the process-wide bounded cache of fetched HLS segments,
// keyed by encoded upstream URL. LRU eviction past the size cap, TTL
// expiry via a periodic janitor.
type SegmentCache struct {
	mu    sync.Mutex
	max   int
	ttl   time.Duration
	ll    *list.List // front = most recently used
	items map[string]*list.Element
	m     *metrics.Metrics

	stopOnce sync.Once
	stopCh   chan struct{}
}

type segItem struct {
	key         string
	bytes       []byte
	contentType string
	storedAt    time.Time
}

// NewSegmentCache builds a cache and starts its janitor. metrics may be nil.
func NewSegmentCache(max int, ttl, janitorEvery time.Duration, m *metrics.Metrics) *SegmentCache {
	if max <= 0 {
		max = 600
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if janitorEvery <= 0 {
		janitorEvery = time.Minute
	}
	c := &SegmentCache{
		max:    max,
		ttl:    ttl,
		ll:     list.New(),
		items:  map[string]*list.Element{},
		m:      m,
		stopCh: make(chan struct{}),
	}
	go c.janitor(janitorEvery)
	return c
}

// Get returns a live entry and bumps its recency. Expired entries are
// treated as absent even before the janitor sweeps them.
func (c *SegmentCache) Get(key string) (data []byte, contentType string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, found := c.items[key]
	if !found {
		return nil, "", false
	}
	it := el.Value.(*segItem)
	if time.Since(it.storedAt) > c.ttl {
		c.removeLocked(el)
		return nil, "", false
	}
	c.ll.MoveToFront(el)
	return it.bytes, it.contentType, true
}

// Put inserts (or refreshes) an entry, evicting from the tail past the cap.
func (c *SegmentCache) Put(key string, data []byte, contentType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, found := c.items[key]; found {
		it := el.Value.(*segItem)
		it.bytes = data
		it.contentType = contentType
		it.storedAt = time.Now()
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&segItem{key: key, bytes: data, contentType: contentType, storedAt: time.Now()})
	c.items[key] = el
	for c.ll.Len() > c.max {
		c.removeLocked(c.ll.Back())
	}
	if c.m != nil {
		c.m.SegmentCacheSize.Set(float64(c.ll.Len()))
	}
}

// Contains reports presence without bumping recency (prefetch skip check).
func (c *SegmentCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, found := c.items[key]
	if !found {
		return false
	}
	return time.Since(el.Value.(*segItem).storedAt) <= c.ttl
}

// Len returns the current entry count.
func (c *SegmentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *SegmentCache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	it := el.Value.(*segItem)
	c.ll.Remove(el)
	delete(c.items, it.key)
	if c.m != nil {
		c.m.SegmentCacheSize.Set(float64(c.ll.Len()))
	}
}

func (c *SegmentCache) janitor(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *SegmentCache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if time.Since(el.Value.(*segItem).storedAt) > c.ttl {
			c.removeLocked(el)
		}
		el = prev
	}
}

// Close stops the janitor.
func (c *SegmentCache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
