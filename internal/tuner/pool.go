package tuner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/webtuner/webtuner/internal/catalog"
	"github.com/webtuner/webtuner/internal/metrics"
)

// Outcome says how an allocation was satisfied.
type Outcome string

const (
	OutcomeReused   Outcome = "reused"   // joined an existing stream
	OutcomeJoined   Outcome = "joined"   // waited out an in-progress tune
	OutcomeTuned    Outcome = "tuned"    // tuned a free tuner
	OutcomeStolen   Outcome = "stolen"   // took an idle streaming tuner
	OutcomeSwitched Outcome = "switched" // pre-empted (surf or single-tuner auto-switch)
)

var (
	// ErrSuperseded: a newer channel request replaced this one while it was
	// waiting for an in-flight tune. No side effects on the tuner.
	ErrSuperseded = errors.New("request superseded by a newer channel change")
	// ErrExhausted: every tuner is busy with watching clients.
	ErrExhausted = errors.New("all tuners busy")
	// ErrTuneFailed wraps navigation/capture failures during allocation.
	ErrTuneFailed = errors.New("tune failed")
)

// Pool owns all tuners and applies the allocation policy.
type Pool struct {
	mu      sync.Mutex
	tuners  []*Tuner
	pending string // surf-supersession target channel id

	idleTimeout time.Duration
	reaperEvery time.Duration
	metrics     *metrics.Metrics

	// wait knobs, shortened in tests
	tuneWait time.Duration
	tuneTick time.Duration
	surfWait time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPool wraps prebuilt tuners. metrics may be nil.
func NewPool(tuners []*Tuner, idleTimeout, reaperEvery time.Duration, m *metrics.Metrics) *Pool {
	if reaperEvery <= 0 {
		reaperEvery = time.Minute
	}
	return &Pool{
		tuners:      tuners,
		idleTimeout: idleTimeout,
		reaperEvery: reaperEvery,
		metrics:     m,
		tuneWait:    30 * time.Second,
		tuneTick:    500 * time.Millisecond,
		surfWait:    35 * time.Second,
		stopCh:      make(chan struct{}),
	}
}

// Initialize brings every tuner to free and starts the idle reaper. Failures
// on individual tuners are recorded; the pool continues with survivors.
func (p *Pool) Initialize(ctx context.Context) int {
	ready := 0
	for _, t := range p.tuners {
		if err := t.start(ctx); err != nil {
			log.Printf("pool: tuner=%d init failed: %v", t.ID, err)
			t.setState(StateError, "")
			continue
		}
		ready++
	}
	go p.reapLoop()
	log.Printf("pool: initialized tuners=%d ready=%d", len(p.tuners), ready)
	return ready
}

// Size returns the number of tuners in the pool.
func (p *Pool) Size() int { return len(p.tuners) }

// Get returns a tuner by id.
func (p *Pool) Get(id int) (*Tuner, bool) {
	for _, t := range p.tuners {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Status returns immutable snapshots of all tuners.
func (p *Pool) Status() []Status {
	out := make([]Status, 0, len(p.tuners))
	for _, t := range p.tuners {
		out = append(out, t.Snapshot())
	}
	return out
}

// Allocate finds or makes a tuner streaming ch and reserves a client slot on
// it. The policy rules run in order; candidate claims happen under the pool
// lock so concurrent allocations cannot race onto the same tuner.
func (p *Pool) Allocate(ctx context.Context, ch catalog.Channel) (*Tuner, Outcome, error) {
	started := time.Now()
	t, outcome, err := p.allocate(ctx, ch)
	if err != nil {
		if errors.Is(err, ErrTuneFailed) && p.metrics != nil {
			p.metrics.TuneFailures.Inc()
		}
		log.Printf("pool: allocate channel=%s err=%v", ch.ID, err)
		return nil, outcome, err
	}
	if p.metrics != nil && (outcome == OutcomeTuned || outcome == OutcomeStolen || outcome == OutcomeSwitched) {
		p.metrics.TuneSeconds.Observe(time.Since(started).Seconds())
	}
	log.Printf("pool: allocate channel=%s tuner=%d outcome=%s clients=%d", ch.ID, t.ID, outcome, t.ClientCount())
	return t, outcome, nil
}

func (p *Pool) allocate(ctx context.Context, ch catalog.Channel) (*Tuner, Outcome, error) {
	p.mu.Lock()

	// Rule 1: reuse a tuner already streaming this channel.
	if t := p.findLocked(StateStreaming, ch.ID); t != nil {
		t.addClient()
		p.mu.Unlock()
		return t, OutcomeReused, nil
	}

	// Rule 2: join an in-progress tune to the same channel.
	if t := p.findLocked(StateTuning, ch.ID); t != nil {
		p.mu.Unlock()
		ok, err := p.waitForStreaming(ctx, t, ch.ID)
		if err != nil {
			return nil, "", err
		}
		if ok {
			t.addClient()
			return t, OutcomeJoined, nil
		}
		p.mu.Lock() // tune went terminal; fall through
	}

	// Rule 3: surf supersession. A tuner is mid-tune to a different channel;
	// this request becomes the pool's pending target and takes the tuner
	// over once the in-flight tune quiesces, unless a yet-newer request
	// replaces it meanwhile.
	if t := p.anyTuningLocked(); t != nil {
		p.pending = ch.ID
		p.mu.Unlock()
		if err := p.waitQuiescent(ctx, t, ch.ID); err != nil {
			return nil, "", err
		}
		p.mu.Lock()
		if p.pending != ch.ID {
			p.mu.Unlock()
			return nil, "", ErrSuperseded
		}
		p.pending = ""
		t.claim(ch, true)
		p.mu.Unlock()
		return p.tuneClaimed(ctx, t, ch, OutcomeSwitched)
	}

	// Rule 4: first free tuner.
	if t := p.findLocked(StateFree, ""); t != nil {
		t.claim(ch, false)
		p.mu.Unlock()
		return p.tuneClaimed(ctx, t, ch, OutcomeTuned)
	}

	// Rule 5: steal the longest-idle streaming tuner with no clients.
	if t := p.idlestStreamingLocked(); t != nil {
		t.claim(ch, true)
		p.mu.Unlock()
		return p.tuneClaimed(ctx, t, ch, OutcomeStolen)
	}

	// Rule 6: single-tuner deployments allow channel change from the same
	// client without a manual release.
	if len(p.tuners) == 1 && p.tuners[0].StateNow() == StateStreaming {
		t := p.tuners[0]
		t.claim(ch, true)
		p.mu.Unlock()
		return p.tuneClaimed(ctx, t, ch, OutcomeSwitched)
	}

	p.mu.Unlock()
	return nil, "", ErrExhausted
}

// tuneClaimed runs the tune on a claimed tuner. claim already reserved the
// requester's slot; a failed tune returns the reservation.
func (p *Pool) tuneClaimed(ctx context.Context, t *Tuner, ch catalog.Channel, outcome Outcome) (*Tuner, Outcome, error) {
	if err := t.tune(ctx, ch); err != nil {
		t.ReleaseClient()
		return nil, "", fmt.Errorf("%w: %v", ErrTuneFailed, err)
	}
	return t, outcome, nil
}

// findLocked returns the first tuner in state s (and on channel id, when id
// is non-empty). Caller holds p.mu.
func (p *Pool) findLocked(s State, id string) *Tuner {
	for _, t := range p.tuners {
		if t.StateNow() != s {
			continue
		}
		if id != "" && t.CurrentChannel() != id {
			continue
		}
		return t
	}
	return nil
}

func (p *Pool) anyTuningLocked() *Tuner {
	for _, t := range p.tuners {
		if t.StateNow() == StateTuning {
			return t
		}
	}
	return nil
}

func (p *Pool) idlestStreamingLocked() *Tuner {
	var best *Tuner
	for _, t := range p.tuners {
		if t.StateNow() != StateStreaming || t.ClientCount() != 0 {
			continue
		}
		if best == nil || t.lastActive().Before(best.lastActive()) {
			best = t
		}
	}
	return best
}

// waitForStreaming polls the tuner until it reaches streaming on the wanted
// channel (true), goes terminal or times out (false), or ctx cancels.
func (p *Pool) waitForStreaming(ctx context.Context, t *Tuner, channelID string) (bool, error) {
	deadline := time.Now().Add(p.tuneWait)
	for {
		switch t.StateNow() {
		case StateStreaming:
			return t.CurrentChannel() == channelID, nil
		case StateError, StateFree, StateStopped:
			return false, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(p.tuneTick):
		}
	}
}

// waitQuiescent polls until the tuner leaves the tuning state. A newer
// pending target observed during the wait aborts with ErrSuperseded.
func (p *Pool) waitQuiescent(ctx context.Context, t *Tuner, channelID string) error {
	deadline := time.Now().Add(p.surfWait)
	for {
		p.mu.Lock()
		pending := p.pending
		p.mu.Unlock()
		if pending != channelID {
			return ErrSuperseded
		}
		if t.StateNow() != StateTuning {
			return nil
		}
		if time.Now().After(deadline) {
			p.clearPending(channelID)
			return fmt.Errorf("channel switch wait elapsed: %w", ErrExhausted)
		}
		select {
		case <-ctx.Done():
			p.clearPending(channelID)
			return ctx.Err()
		case <-time.After(p.tuneTick):
		}
	}
}

func (p *Pool) clearPending(channelID string) {
	p.mu.Lock()
	if p.pending == channelID {
		p.pending = ""
	}
	p.mu.Unlock()
}

// ReleaseClient decrements a tuner's logical client count.
func (p *Pool) ReleaseClient(id int) error {
	t, ok := p.Get(id)
	if !ok {
		return fmt.Errorf("no tuner %d", id)
	}
	t.ReleaseClient()
	return nil
}

// ForceRelease hard-releases a tuner: encoder stopped, clients dropped, free.
func (p *Pool) ForceRelease(id int) error {
	t, ok := p.Get(id)
	if !ok {
		return fmt.Errorf("no tuner %d", id)
	}
	t.ForceRelease()
	return nil
}

// reapLoop releases idle streaming tuners and recovers errored ones.
func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.reaperEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapOnce()
		}
	}
}

func (p *Pool) reapOnce() {
	now := time.Now()
	for _, t := range p.tuners {
		switch t.StateNow() {
		case StateStreaming:
			if t.ClientCount() == 0 && now.Sub(t.lastActive()) > p.idleTimeout {
				log.Printf("pool: tuner=%d idle for %s, releasing", t.ID, now.Sub(t.lastActive()).Round(time.Second))
				t.ForceRelease()
			}
		case StateError:
			t.recover()
		}
	}
	p.publishMetrics()
}

func (p *Pool) publishMetrics() {
	if p.metrics == nil {
		return
	}
	names := StateNames()
	clients := 0
	for _, t := range p.tuners {
		s := t.Snapshot()
		p.metrics.SetTunerState(strconv.Itoa(t.ID), names, s.State)
		clients += s.Clients
	}
	p.metrics.StreamClients.Set(float64(clients))
}

// Shutdown stops the reaper and tears down every tuner.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	for _, t := range p.tuners {
		t.shutdown()
	}
	log.Print("pool: shut down")
}
