package epg

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// AutoRefresher runs the ingestor on a recurring interval. The interval is
// re-read from the provider func on every tick so settings changes apply
// without a restart. An immediate refresh fires at start when the cached
// data is older than the interval.
type AutoRefresher struct {
	ingestor *Ingestor
	store    *Store
	interval func() time.Duration // returns 0 to disable

	mu      sync.Mutex
	stopCh  chan struct{}
	done    chan struct{}
	started bool
}

// NewAutoRefresher wires the supervisor. interval is consulted each tick.
func NewAutoRefresher(ingestor *Ingestor, store *Store, interval func() time.Duration) *AutoRefresher {
	return &AutoRefresher{ingestor: ingestor, store: store, interval: interval}
}

// Start launches the refresh loop. Idempotent.
func (a *AutoRefresher) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return
	}
	a.started = true
	a.stopCh = make(chan struct{})
	a.done = make(chan struct{})
	go a.loop(a.stopCh, a.done)
}

// Stop halts the loop and waits for any in-flight refresh to finish.
// Idempotent.
func (a *AutoRefresher) Stop() {
	a.mu.Lock()
	if !a.started {
		a.mu.Unlock()
		return
	}
	a.started = false
	stop, done := a.stopCh, a.done
	a.mu.Unlock()
	close(stop)
	<-done
}

func (a *AutoRefresher) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	if iv := a.interval(); iv > 0 && a.store.Age() > iv {
		a.refreshOnce(stop)
	}
	for {
		iv := a.interval()
		if iv <= 0 {
			// Disabled; poll the setting so enabling takes effect.
			iv = time.Minute
			select {
			case <-stop:
				return
			case <-time.After(iv):
			}
			continue
		}
		select {
		case <-stop:
			return
		case <-time.After(iv):
			a.refreshOnce(stop)
		}
	}
}

func (a *AutoRefresher) refreshOnce(stop <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	if _, _, err := a.ingestor.Refresh(ctx); err != nil && !errors.Is(err, ErrRefreshRunning) {
		log.Printf("[epg] auto refresh: %v", err)
	}
}
