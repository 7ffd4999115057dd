package httpclient

import (
	"net/url"
	"sync"
)

// HostSemaphore caps concurrent in-flight requests per upstream host. One
// instance is shared process-wide so segment prefetch, player-driven segment
// fetches, and catalog scrapes all count against the same budget; without
// that, a prefetch burst can starve the requests a player is waiting on.
//
//	release := GlobalHostSem.Acquire(rawURL)
//	defer release()
type HostSemaphore struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	limit int
}

// GlobalHostSem is the process-wide limiter. The default cap of 4 suits CDN
// upstreams; SetLimit overrides it from config at startup.
var GlobalHostSem = NewHostSemaphore(4)

// NewHostSemaphore returns a limiter allowing limit concurrent requests per
// host key.
func NewHostSemaphore(limit int) *HostSemaphore {
	if limit < 1 {
		limit = 1
	}
	return &HostSemaphore{slots: map[string]chan struct{}{}, limit: limit}
}

// SetLimit changes the cap for hosts not seen yet. Hosts that already have
// in-flight traffic keep their original cap, so call this during startup.
func (h *HostSemaphore) SetLimit(n int) {
	if n < 1 {
		n = 1
	}
	h.mu.Lock()
	h.limit = n
	h.mu.Unlock()
}

// Acquire blocks until a slot for rawURL's host is free and returns the
// release func. rawURL may be a full URL; only scheme+host key the slot.
func (h *HostSemaphore) Acquire(rawURL string) func() {
	slot := h.slotFor(hostKey(rawURL))
	slot <- struct{}{}
	return func() { <-slot }
}

func (h *HostSemaphore) slotFor(key string) chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.slots[key]
	if !ok {
		s = make(chan struct{}, h.limit)
		h.slots[key] = s
	}
	return s
}

// hostKey reduces a URL to scheme://host so paths and queries share one slot.
func hostKey(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}
