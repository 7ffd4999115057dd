package tuner

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webtuner/webtuner/internal/catalog"
	"github.com/webtuner/webtuner/internal/encoder"
)

type fakeNav struct {
	mu    sync.Mutex
	tuned []string
	delay time.Duration
	fail  map[string]error
}

func (f *fakeNav) Tune(ctx context.Context, ch catalog.Channel) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.tuned = append(f.tuned, ch.ID)
	err := f.fail[ch.ID]
	f.mu.Unlock()
	return err
}

func (f *fakeNav) Close() {}

func (f *fakeNav) tunes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tuned...)
}

type fakeCapture struct {
	mu      sync.Mutex
	running bool
	starts  int
	stops   int
	idleArm int
	dropped int
}

func (f *fakeCapture) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	f.starts++
	return nil
}

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stops++
}

func (f *fakeCapture) StopAndWait() { f.Stop() }

func (f *fakeCapture) Attach(io.Writer) (<-chan struct{}, func()) {
	done := make(chan struct{})
	var once sync.Once
	return done, func() { once.Do(func() { close(done) }) }
}

func (f *fakeCapture) DropClients() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped++
}

func (f *fakeCapture) ArmIdle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idleArm++
}

func (f *fakeCapture) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeCapture) Stats() encoder.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return encoder.Stats{Running: f.running}
}

func (f *fakeCapture) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func testPool(t *testing.T, n int, nav *fakeNav) (*Pool, []*fakeCapture) {
	t.Helper()
	caps := make([]*fakeCapture, n)
	tuners := make([]*Tuner, n)
	for i := 0; i < n; i++ {
		caps[i] = &fakeCapture{}
		tuners[i] = NewTuner(i, 100+i, nav, caps[i])
	}
	p := NewPool(tuners, time.Minute, time.Hour, nil)
	p.tuneTick = 5 * time.Millisecond
	p.tuneWait = 2 * time.Second
	p.surfWait = 2 * time.Second
	p.Initialize(context.Background())
	t.Cleanup(p.Shutdown)
	return p, caps
}

func chanFor(id string) catalog.Channel { return catalog.Channel{ID: id, Name: id} }

func TestAllocateReuseSameChannel(t *testing.T) {
	nav := &fakeNav{}
	p, caps := testPool(t, 1, nav)

	t1, out1, err := p.Allocate(context.Background(), chanFor("espn"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTuned, out1)
	assert.Equal(t, StateStreaming, t1.StateNow())

	t2, out2, err := p.Allocate(context.Background(), chanFor("espn"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReused, out2)
	assert.Same(t, t1, t2)
	assert.Equal(t, 2, t1.ClientCount())
	assert.Equal(t, 1, caps[0].startCount(), "reuse must not respawn the encoder")
	assert.Equal(t, []string{"espn"}, nav.tunes(), "reuse must not retune")
}

func TestAllocateJoinsInProgressTune(t *testing.T) {
	nav := &fakeNav{delay: 150 * time.Millisecond}
	p, caps := testPool(t, 1, nav)

	type result struct {
		out Outcome
		err error
	}
	first := make(chan result, 1)
	go func() {
		_, out, err := p.Allocate(context.Background(), chanFor("cnn"))
		first <- result{out, err}
	}()

	// Wait for the first request to enter tuning, then join it.
	waitState(t, p, 0, StateTuning)
	tn, out, err := p.Allocate(context.Background(), chanFor("cnn"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeJoined, out)

	r := <-first
	require.NoError(t, r.err)
	assert.Equal(t, OutcomeTuned, r.out)
	assert.Equal(t, 2, tn.ClientCount())
	assert.Equal(t, 1, caps[0].startCount())
	assert.Equal(t, []string{"cnn"}, nav.tunes())
}

func TestSurfSupersession(t *testing.T) {
	nav := &fakeNav{delay: 200 * time.Millisecond}
	p, _ := testPool(t, 1, nav)

	errs := make(chan error, 3)
	go func() {
		_, _, err := p.Allocate(context.Background(), chanFor("cnn"))
		errs <- err
	}()
	waitState(t, p, 0, StateTuning)

	foxErr := make(chan error, 1)
	go func() {
		_, _, err := p.Allocate(context.Background(), chanFor("fox-news"))
		foxErr <- err
	}()
	// Let fox-news register as the pending target before tnt replaces it.
	waitFor(t, "fox-news pending", func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.pending == "fox-news"
	})

	tn, out, err := p.Allocate(context.Background(), chanFor("tnt"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSwitched, out)
	assert.Equal(t, "tnt", tn.CurrentChannel())
	assert.Equal(t, StateStreaming, tn.StateNow())
	assert.Equal(t, 1, tn.ClientCount(), "switch resets the client count")

	require.ErrorIs(t, <-foxErr, ErrSuperseded)
	require.NoError(t, <-errs, "the original cnn tune completes before being superseded")
	tuned := nav.tunes()
	assert.Equal(t, []string{"cnn", "tnt"}, tuned, "fox-news must never be tuned")
}

func TestStealIdleStreamingTuner(t *testing.T) {
	nav := &fakeNav{}
	p, _ := testPool(t, 2, nav)

	t0, _, err := p.Allocate(context.Background(), chanFor("espn"))
	require.NoError(t, err)
	t1, _, err := p.Allocate(context.Background(), chanFor("cnn"))
	require.NoError(t, err)
	require.NotSame(t, t0, t1)

	// Drain t0 first so it is the longest-idle candidate.
	t0.ReleaseClient()
	time.Sleep(20 * time.Millisecond)
	t1.ReleaseClient()

	got, out, err := p.Allocate(context.Background(), chanFor("tnt"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeStolen, out)
	assert.Same(t, t0, got, "steal must pick the smallest lastActivity")
	assert.Equal(t, "tnt", got.CurrentChannel())
}

func TestSingleTunerAutoSwitch(t *testing.T) {
	nav := &fakeNav{}
	p, caps := testPool(t, 1, nav)

	t0, _, err := p.Allocate(context.Background(), chanFor("espn"))
	require.NoError(t, err)
	require.Equal(t, 1, t0.ClientCount())

	// Same client changes channel without releasing first.
	got, out, err := p.Allocate(context.Background(), chanFor("cnn"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSwitched, out)
	assert.Same(t, t0, got)
	assert.Equal(t, "cnn", got.CurrentChannel())
	assert.Equal(t, 1, got.ClientCount())
	assert.Equal(t, 2, caps[0].startCount())
}

func TestPoolExhaustion(t *testing.T) {
	nav := &fakeNav{}
	p, _ := testPool(t, 2, nav)

	_, _, err := p.Allocate(context.Background(), chanFor("espn"))
	require.NoError(t, err)
	_, _, err = p.Allocate(context.Background(), chanFor("cnn"))
	require.NoError(t, err)

	// Both tuners streaming with attached clients and N > 1: no candidate.
	_, _, err = p.Allocate(context.Background(), chanFor("tnt"))
	require.ErrorIs(t, err, ErrExhausted)
}

func TestClaimHoldsClientSlotThroughTune(t *testing.T) {
	nav := &fakeNav{delay: 150 * time.Millisecond}
	p, _ := testPool(t, 1, nav)

	done := make(chan error, 1)
	go func() {
		_, _, err := p.Allocate(context.Background(), chanFor("espn"))
		done <- err
	}()
	waitState(t, p, 0, StateTuning)

	// The requester's slot is reserved at claim time, so the tuner never
	// shows zero clients between tune and attach and cannot be picked by
	// the steal rule or the reaper in that window.
	tn, _ := p.Get(0)
	assert.Equal(t, 1, tn.ClientCount())
	p.mu.Lock()
	steal := p.idlestStreamingLocked()
	p.mu.Unlock()
	assert.Nil(t, steal)

	require.NoError(t, <-done)
	assert.Equal(t, 1, tn.ClientCount())
}

func TestFailedTuneReturnsReservation(t *testing.T) {
	nav := &fakeNav{fail: map[string]error{"ghost": ErrChannelNotFound}}
	p, _ := testPool(t, 1, nav)

	_, _, err := p.Allocate(context.Background(), chanFor("ghost"))
	require.ErrorIs(t, err, ErrTuneFailed)
	tn, _ := p.Get(0)
	assert.Equal(t, 0, tn.ClientCount(), "a failed tune must not leak the reserved slot")
}

func TestTuneFailureSurfacesAndFreesTuner(t *testing.T) {
	nav := &fakeNav{fail: map[string]error{"ghost": ErrChannelNotFound}}
	p, _ := testPool(t, 1, nav)

	_, _, err := p.Allocate(context.Background(), chanFor("ghost"))
	require.ErrorIs(t, err, ErrTuneFailed)

	tn, _ := p.Get(0)
	assert.Equal(t, StateFree, tn.StateNow(), "not-found leaves the tuner usable")

	// The tuner is reusable for the next allocation.
	_, out, err := p.Allocate(context.Background(), chanFor("espn"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeTuned, out)
}

func TestNavErrorMovesTunerToError(t *testing.T) {
	nav := &fakeNav{fail: map[string]error{"bad": errors.New("page crashed")}}
	p, _ := testPool(t, 1, nav)

	_, _, err := p.Allocate(context.Background(), chanFor("bad"))
	require.ErrorIs(t, err, ErrTuneFailed)
	tn, _ := p.Get(0)
	assert.Equal(t, StateError, tn.StateNow())

	// The reaper recovers errored tuners back to free.
	p.reapOnce()
	assert.Equal(t, StateFree, tn.StateNow())
}

func TestReleaseClientIdempotentAtZero(t *testing.T) {
	nav := &fakeNav{}
	p, caps := testPool(t, 1, nav)

	t0, _, err := p.Allocate(context.Background(), chanFor("espn"))
	require.NoError(t, err)
	require.NoError(t, p.ReleaseClient(0))
	require.NoError(t, p.ReleaseClient(0)) // spurious
	require.NoError(t, p.ReleaseClient(0)) // spurious
	assert.Equal(t, 0, t0.ClientCount())
	assert.GreaterOrEqual(t, caps[0].idleArm, 1, "drain arms the encoder idle timer")
}

func TestIdleReaperFreesDrainedTuner(t *testing.T) {
	nav := &fakeNav{}
	p, caps := testPool(t, 1, nav)
	p.idleTimeout = 10 * time.Millisecond

	t0, _, err := p.Allocate(context.Background(), chanFor("espn"))
	require.NoError(t, err)
	t0.ReleaseClient()
	time.Sleep(30 * time.Millisecond)
	p.reapOnce()

	assert.Equal(t, StateFree, t0.StateNow())
	assert.False(t, caps[0].Running())
}

func TestForceReleaseResetsTuner(t *testing.T) {
	nav := &fakeNav{}
	p, caps := testPool(t, 1, nav)

	t0, _, err := p.Allocate(context.Background(), chanFor("espn"))
	require.NoError(t, err)
	require.NoError(t, p.ForceRelease(0))
	assert.Equal(t, StateFree, t0.StateNow())
	assert.Equal(t, 0, t0.ClientCount())
	assert.Equal(t, "", t0.CurrentChannel())
	assert.Equal(t, 1, caps[0].dropped)
}

func TestStatusSnapshotInvariants(t *testing.T) {
	nav := &fakeNav{}
	p, _ := testPool(t, 2, nav)
	_, _, err := p.Allocate(context.Background(), chanFor("espn"))
	require.NoError(t, err)

	for _, s := range p.Status() {
		assert.GreaterOrEqual(t, s.Clients, 0)
		assert.Contains(t, StateNames(), s.State)
	}
}

func waitState(t *testing.T, p *Pool, id int, want State) {
	t.Helper()
	tn, ok := p.Get(id)
	require.True(t, ok)
	waitFor(t, "tuner state "+want.String(), func() bool { return tn.StateNow() == want })
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}
