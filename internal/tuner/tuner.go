// Package tuner drives the browser-capture pipelines. A Tuner owns one page
// in its own browser process, one virtual display, and one capture encoder;
// the Pool owns all tuners and applies the allocation policy.
package tuner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/webtuner/webtuner/internal/catalog"
	"github.com/webtuner/webtuner/internal/encoder"
)

// State is the tuner lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateFree
	StateTuning
	StateStreaming
	StateError
)

var stateNames = [...]string{"stopped", "starting", "free", "tuning", "streaming", "error"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StateNames lists all states (for the metrics one-hot gauge).
func StateNames() []string { return append([]string(nil), stateNames[:]...) }

// ErrChannelNotFound means the guide never showed the requested channel; the
// tuner stays usable (state free) after this failure.
var ErrChannelNotFound = errors.New("channel not found in guide")

// Navigator drives a browser page to a channel and readies playback.
type Navigator interface {
	Tune(ctx context.Context, ch catalog.Channel) error
	Close()
}

// Capture is the encoder surface a tuner drives.
type Capture interface {
	Start(ctx context.Context) error
	Stop()
	StopAndWait()
	Attach(w io.Writer) (done <-chan struct{}, detach func())
	DropClients()
	ArmIdle()
	Running() bool
	Stats() encoder.Stats
}

// AdaptEncoder wraps the concrete capture encoder as a Capture.
func AdaptEncoder(e *encoder.Encoder) Capture { return encCapture{e} }

type encCapture struct{ *encoder.Encoder }

func (c encCapture) Attach(w io.Writer) (<-chan struct{}, func()) {
	cl := c.Encoder.AddClient(w)
	return cl.Done(), func() {
		c.Encoder.RemoveClient(cl)
		// The pump may be mid-write; the writer is only safe to release
		// once it has exited.
		cl.Wait()
	}
}

// Tuner is one capture pipeline: display + page + encoder + fan-out.
type Tuner struct {
	ID         int
	DisplayNum int
	DebugPort  int

	nav Navigator
	enc Capture

	// tuneMu serializes tune/stop procedures; mu guards the attributes.
	tuneMu sync.Mutex
	mu     sync.Mutex

	state        State
	current      string
	clients      int
	lastActivity time.Time
}

// NewTuner builds a tuner in the stopped state.
func NewTuner(id, displayNum int, nav Navigator, enc Capture) *Tuner {
	return &Tuner{
		ID:           id,
		DisplayNum:   displayNum,
		nav:          nav,
		enc:          enc,
		state:        StateStopped,
		lastActivity: time.Now(),
	}
}

// start brings the tuner from stopped to free.
func (t *Tuner) start(ctx context.Context) error {
	t.mu.Lock()
	t.state = StateStarting
	t.mu.Unlock()
	// The page and display were created by the caller; becoming free is a
	// state change only. Kept as a step so individual init failures can be
	// recorded per tuner.
	t.mu.Lock()
	t.state = StateFree
	t.lastActivity = time.Now()
	t.mu.Unlock()
	return ctx.Err()
}

// Status is an immutable snapshot of one tuner.
type Status struct {
	ID           int           `json:"id"`
	State        string        `json:"state"`
	Channel      string        `json:"channel,omitempty"`
	Clients      int           `json:"clients"`
	LastActivity time.Time     `json:"last_activity"`
	DisplayNum   int           `json:"display"`
	DebugPort    int           `json:"debug_port,omitempty"`
	Encoder      encoder.Stats `json:"encoder"`
}

// Snapshot returns the tuner's current attributes.
func (t *Tuner) Snapshot() Status {
	t.mu.Lock()
	s := Status{
		ID:           t.ID,
		State:        t.state.String(),
		Channel:      t.current,
		Clients:      t.clients,
		LastActivity: t.lastActivity,
		DisplayNum:   t.DisplayNum,
		DebugPort:    t.DebugPort,
	}
	t.mu.Unlock()
	s.Encoder = t.enc.Stats()
	return s
}

// StateNow returns the current state.
func (t *Tuner) StateNow() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// CurrentChannel returns the id of the channel being tuned or streamed.
func (t *Tuner) CurrentChannel() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// ClientCount returns the logical client count.
func (t *Tuner) ClientCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clients
}

func (t *Tuner) lastActive() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivity
}

// claim transitions the tuner to tuning for ch and reserves the requester's
// client slot. Called under the pool lock so two allocators cannot race onto
// the same candidate. resetClients drops the logical count first (pre-emption
// paths). Reserving here keeps the count nonzero for the whole tune, so the
// reaper and the steal rule never see a freshly tuned tuner as idle.
func (t *Tuner) claim(ch catalog.Channel, resetClients bool) {
	t.mu.Lock()
	t.state = StateTuning
	t.current = ch.ID
	if resetClients {
		t.clients = 0
	}
	t.clients++
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

// tune runs the claimed tune procedure: stop any running capture, navigate,
// then start the capture bound to this tuner's display.
func (t *Tuner) tune(ctx context.Context, ch catalog.Channel) error {
	t.tuneMu.Lock()
	defer t.tuneMu.Unlock()

	if t.enc.Running() {
		// A new capture must not start while the previous one is settling.
		t.enc.StopAndWait()
	}

	started := time.Now()
	if err := t.nav.Tune(ctx, ch); err != nil {
		if errors.Is(err, ErrChannelNotFound) {
			t.setState(StateFree, "")
		} else {
			t.setState(StateError, "")
		}
		return fmt.Errorf("tuner %d: tune %s: %w", t.ID, ch.ID, err)
	}
	if err := t.enc.Start(ctx); err != nil {
		t.setState(StateError, "")
		return fmt.Errorf("tuner %d: tune %s: %w", t.ID, ch.ID, err)
	}

	t.mu.Lock()
	t.state = StateStreaming
	t.current = ch.ID
	t.lastActivity = time.Now()
	t.mu.Unlock()
	log.Printf("tuner %d: streaming channel=%s after %s", t.ID, ch.ID, time.Since(started).Round(time.Millisecond))
	return nil
}

func (t *Tuner) setState(s State, channel string) {
	t.mu.Lock()
	t.state = s
	t.current = channel
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

// addClient bumps the logical client count (an allocation reservation).
func (t *Tuner) addClient() {
	t.mu.Lock()
	t.clients++
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

// ReleaseClient decrements the logical count; spurious calls at zero are
// no-ops. When the count drains, the encoder's idle timer is armed.
func (t *Tuner) ReleaseClient() {
	t.mu.Lock()
	if t.clients > 0 {
		t.clients--
	}
	drained := t.clients == 0
	t.lastActivity = time.Now()
	t.mu.Unlock()
	if drained {
		t.enc.ArmIdle()
	}
}

// Attach wires a byte sink into this tuner's fan-out. The done channel closes
// when the writer is detached; detach is idempotent and returns only after
// any in-flight write to w has completed.
func (t *Tuner) Attach(w io.Writer) (<-chan struct{}, func()) {
	return t.enc.Attach(w)
}

// ForceRelease stops the capture, drops all clients, and frees the tuner.
func (t *Tuner) ForceRelease() {
	t.tuneMu.Lock()
	defer t.tuneMu.Unlock()
	t.enc.Stop()
	t.enc.DropClients()
	t.mu.Lock()
	t.state = StateFree
	t.current = ""
	t.clients = 0
	t.lastActivity = time.Now()
	t.mu.Unlock()
	log.Printf("tuner %d: force released", t.ID)
}

// recover moves an errored tuner back to free so the next allocation retries.
func (t *Tuner) recover() {
	t.tuneMu.Lock()
	defer t.tuneMu.Unlock()
	if t.enc.Running() {
		t.enc.StopAndWait()
	}
	t.setState(StateFree, "")
	log.Printf("tuner %d: recovered from error", t.ID)
}

// shutdown tears the pipeline down.
func (t *Tuner) shutdown() {
	t.tuneMu.Lock()
	defer t.tuneMu.Unlock()
	t.enc.StopAndWait()
	t.enc.DropClients()
	t.nav.Close()
	t.mu.Lock()
	t.state = StateStopped
	t.current = ""
	t.clients = 0
	t.mu.Unlock()
}
