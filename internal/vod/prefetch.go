package vod

import (
	"context"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/webtuner/webtuner/internal/httpclient"
)

// maxSegmentBytes bounds a single cached segment read.
const maxSegmentBytes = 32 << 20

// Prefetcher pulls upcoming playlist segments into the cache ahead of the
// player, paced so upstream never sees a burst. One task per content ID; a
// newer playlist for the same item supersedes the running task.
type Prefetcher struct {
	core    *Core
	cache   *SegmentCache
	client  *http.Client
	limiter *rate.Limiter

	mu     sync.Mutex
	active map[string]*prefetchTask
	wg     sync.WaitGroup
}

type prefetchTask struct {
	cancel context.CancelFunc
}

// NewPrefetcher builds a prefetcher pacing one fetch per delay.
func NewPrefetcher(core *Core, cache *SegmentCache, delay time.Duration) *Prefetcher {
	if delay <= 0 {
		delay = 20 * time.Millisecond
	}
	return &Prefetcher{
		core:    core,
		cache:   cache,
		client:  httpclient.Default(),
		limiter: rate.NewLimiter(rate.Every(delay), 1),
		active:  map[string]*prefetchTask{},
	}
}

// Schedule starts (or replaces) the prefetch task for contentID over urls.
func (p *Prefetcher) Schedule(contentID string, urls []string) {
	if len(urls) == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	task := &prefetchTask{cancel: cancel}
	p.mu.Lock()
	if prev, ok := p.active[contentID]; ok {
		prev.cancel()
	}
	p.active[contentID] = task
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.finish(contentID, task)
		p.run(ctx, contentID, urls)
	}()
}

// Stop cancels all running tasks and waits for them.
func (p *Prefetcher) Stop() {
	p.mu.Lock()
	for _, task := range p.active {
		task.cancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Prefetcher) finish(contentID string, task *prefetchTask) {
	task.cancel()
	p.mu.Lock()
	if cur, ok := p.active[contentID]; ok && cur == task {
		delete(p.active, contentID)
	}
	p.mu.Unlock()
}

func (p *Prefetcher) run(ctx context.Context, contentID string, urls []string) {
	fetched := 0
	for _, u := range urls {
		if ctx.Err() != nil {
			return
		}
		key := EncodeSegmentURL(u)
		if p.cache.Contains(key) {
			continue
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}
		status, err := p.fetchOne(ctx, contentID, u, key)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[vod] prefetch %s: %v", contentID, err)
			continue
		}
		switch status {
		case http.StatusOK:
			fetched++
		case http.StatusForbidden, http.StatusServiceUnavailable:
			// URL expired upstream; the rest of the playlist is dead too.
			log.Printf("[vod] prefetch %s: upstream %d, aborting task", contentID, status)
			return
		}
	}
	if fetched > 0 {
		log.Printf("[vod] prefetch %s: cached %d segments", contentID, fetched)
	}
}

func (p *Prefetcher) fetchOne(ctx context.Context, contentID, u, key string) (int, error) {
	release := httpclient.GlobalHostSem.Acquire(u)
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	for k, v := range p.core.HeadersFor(contentID) {
		req.Header.Set(k, v)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return resp.StatusCode, nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSegmentBytes))
	if err != nil {
		return 0, err
	}
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "video/mp2t"
	}
	p.cache.Put(key, data, ct)
	return http.StatusOK, nil
}
