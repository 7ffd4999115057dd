// Package encoder turns a virtual display + audio sink into a live MPEG-TS
// byte stream and fans it out to attached writers. One Encoder per tuner; at
// most one external encoder process runs per Encoder at any time.
package encoder

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/webtuner/webtuner/internal/metrics"
)

const (
	maxRestartAttempts = 5
	restartDelay       = 2 * time.Second
	hwReadyDelay       = 1500 * time.Millisecond
	// A non-zero exit this soon after start, with a hardware init error in
	// the log, means the GPU encoder never came up.
	hwFailWindow = 5 * time.Second
	// Healthy = produced output within this window.
	healthWindow = 5 * time.Second
	maxErrorRing = 10
)

// Config fixes the capture geometry and encoder selection for one tuner.
type Config struct {
	FFmpegPath   string
	Display      string // X display to grab, e.g. ":101"
	Sink         string // pulse null-sink name; "" = default source
	Width        int
	Height       int
	FrameRate    int
	VideoBitrate string
	AudioBitrate string
	HWAccel      string        // "off" | "vaapi" | "nvenc"
	IdleTimeout  time.Duration // self-stop after the client set drains
	Metrics      *metrics.Metrics
}

// Stats is an immutable snapshot of one encoder's counters.
type Stats struct {
	Running      bool      `json:"running"`
	Encoder      string    `json:"encoder"` // "hardware" | "software" | ""
	StartedAt    time.Time `json:"started_at,omitempty"`
	Uptime       string    `json:"uptime,omitempty"`
	Bytes        uint64    `json:"bytes"`
	Frames       uint64    `json:"frames"`
	Restarts     int       `json:"restarts"`
	Clients      int       `json:"clients"`
	LastActivity time.Time `json:"last_activity,omitempty"`
	Healthy      bool      `json:"healthy"`
	Errors       []string  `json:"errors,omitempty"`
	PID          int       `json:"pid,omitempty"`
}

// Encoder supervises one external encoder process and its fan-out.
type Encoder struct {
	cfg         Config
	spawn       spawnFunc
	restartWait time.Duration

	mu              sync.Mutex
	running         bool
	stopping        bool
	shouldRestart   bool
	hwFailed        bool // per-session fallback latch, reset on Start
	hwErrorSeen     bool // set by the log reader of the current process
	restartAttempts int
	proc            process
	startedAt       time.Time
	settled         chan struct{} // closed when the current process has fully exited
	activeHW        bool
	clients         map[*Client]struct{}
	idleTimer       *time.Timer

	bytesOut     uint64
	frames       uint64
	restarts     int
	lastActivity time.Time
	errs         []string
}

// New builds an encoder for one tuner's display. It does not start anything.
func New(cfg Config) *Encoder {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	settled := make(chan struct{})
	close(settled)
	return &Encoder{
		cfg:         cfg,
		spawn:       spawnFFmpeg,
		restartWait: restartDelay,
		settled:     settled,
		clients:     map[*Client]struct{}{},
	}
}

func (e *Encoder) useHWLocked() bool {
	return e.cfg.HWAccel != "" && e.cfg.HWAccel != "off" && !e.hwFailed
}

// Start spawns the encoder process. If an instance is already running (or
// mid-stop) it is stopped first and Start blocks until the old process has
// exited. Resets the hardware fallback latch for the new session.
func (e *Encoder) Start(ctx context.Context) error {
	for {
		e.mu.Lock()
		if !e.running && !e.stopping {
			break
		}
		if e.running && !e.stopping {
			e.beginStopLocked()
		}
		settled := e.settled
		e.mu.Unlock()
		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.hwFailed = false
	e.hwErrorSeen = false
	e.restartAttempts = 0
	e.shouldRestart = true
	useHW := e.useHWLocked()
	err := e.startLocked(useHW)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if useHW {
		// GPU pipelines need a beat before the first frames land.
		select {
		case <-time.After(hwReadyDelay):
		case <-ctx.Done():
		}
	}
	return nil
}

// startLocked spawns a process and its reader/supervisor goroutines.
// Caller holds e.mu and has verified !running && !stopping.
func (e *Encoder) startLocked(useHW bool) error {
	p, err := e.spawn(e.cfg, useHW)
	if err != nil {
		e.recordErrLocked(fmt.Sprintf("spawn: %v", err))
		return fmt.Errorf("encoder %s: spawn: %w", e.cfg.Display, err)
	}
	e.proc = p
	e.running = true
	e.activeHW = useHW
	e.hwErrorSeen = false
	e.startedAt = time.Now()
	e.lastActivity = time.Now()
	e.settled = make(chan struct{})

	mode := "software"
	if useHW {
		mode = "hardware(" + e.cfg.HWAccel + ")"
	}
	log.Printf("encoder %s: started pid=%d mode=%s %dx%d@%dfps", e.cfg.Display, p.Pid(), mode, e.cfg.Width, e.cfg.Height, e.cfg.FrameRate)

	settled := e.settled
	startedAt := e.startedAt
	go e.readOutput(p.Stdout())
	go e.readLog(p.Stderr())
	go e.supervise(p, settled, useHW, startedAt)
	return nil
}

// supervise waits for the process to exit and applies the restart policy.
func (e *Encoder) supervise(p process, settled chan struct{}, useHW bool, startedAt time.Time) {
	err := p.Wait()
	ran := time.Since(startedAt)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.running = false
	e.proc = nil
	wasStopping := e.stopping
	e.stopping = false
	hwInit := useHW && e.hwErrorSeen && ran < hwFailWindow
	close(settled)

	if err != nil {
		e.recordErrLocked(fmt.Sprintf("exit after %s: %v", ran.Round(time.Millisecond), err))
	}

	switch {
	case wasStopping || !e.shouldRestart:
		log.Printf("encoder %s: stopped pid=%d", e.cfg.Display, p.Pid())
	case err == nil:
		// Clean exit: no restart.
		log.Printf("encoder %s: exited cleanly pid=%d", e.cfg.Display, p.Pid())
	case hwInit && !e.hwFailed:
		// Hardware encoder never initialized: latch software for this
		// session and restart immediately with a fresh attempt budget.
		e.hwFailed = true
		e.restartAttempts = 0
		e.restarts++
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.EncoderRestarts.Inc()
		}
		log.Printf("encoder %s: hardware init failed after %s, falling back to software", e.cfg.Display, ran.Round(time.Millisecond))
		if serr := e.startLocked(false); serr != nil {
			log.Printf("encoder %s: software fallback failed: %v", e.cfg.Display, serr)
			e.abandonLocked()
		}
	case len(e.clients) > 0:
		e.restartAttempts++
		if e.restartAttempts > maxRestartAttempts {
			log.Printf("encoder %s: giving up after %d restart attempts", e.cfg.Display, e.restartAttempts-1)
			e.abandonLocked()
			return
		}
		e.restarts++
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.EncoderRestarts.Inc()
		}
		attempt := e.restartAttempts
		log.Printf("encoder %s: exited with clients attached (attempt %d/%d), restarting in %s: %v",
			e.cfg.Display, attempt, maxRestartAttempts, e.restartWait, err)
		time.AfterFunc(e.restartWait, func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.running || e.stopping || !e.shouldRestart || len(e.clients) == 0 {
				return
			}
			if serr := e.startLocked(e.useHWLocked()); serr != nil {
				log.Printf("encoder %s: restart failed: %v", e.cfg.Display, serr)
				e.abandonLocked()
			}
		})
	default:
		// No clients left; stay down until the next Start.
	}
}

// abandonLocked closes all attached writers. Caller holds e.mu.
func (e *Encoder) abandonLocked() {
	e.shouldRestart = false
	for c := range e.clients {
		c.close()
	}
	e.clients = map[*Client]struct{}{}
}

// beginStopLocked signals the running process to terminate. Caller holds e.mu.
func (e *Encoder) beginStopLocked() {
	if !e.running || e.stopping {
		return
	}
	e.stopping = true
	e.shouldRestart = false
	p := e.proc
	settled := e.settled
	p.Stop()
	// Escalate if SIGTERM is ignored.
	time.AfterFunc(5*time.Second, func() {
		select {
		case <-settled:
		default:
			p.Kill()
		}
	})
}

// Stop asks the process to terminate without waiting for it.
func (e *Encoder) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelIdleLocked()
	e.beginStopLocked()
}

// StopAndWait stops the process and blocks until it has exited.
func (e *Encoder) StopAndWait() {
	e.mu.Lock()
	e.cancelIdleLocked()
	e.beginStopLocked()
	settled := e.settled
	e.mu.Unlock()
	<-settled
}

// Running reports whether an encoder process is live.
func (e *Encoder) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Stats returns a snapshot; the error slice is a copy.
func (e *Encoder) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		Running:      e.running,
		Bytes:        e.bytesOut,
		Frames:       e.frames,
		Restarts:     e.restarts,
		Clients:      len(e.clients),
		LastActivity: e.lastActivity,
		Errors:       append([]string(nil), e.errs...),
	}
	if e.running {
		s.StartedAt = e.startedAt
		s.Uptime = time.Since(e.startedAt).Round(time.Second).String()
		s.Healthy = time.Since(e.lastActivity) < healthWindow
		if e.activeHW {
			s.Encoder = "hardware"
		} else {
			s.Encoder = "software"
		}
		if e.proc != nil {
			s.PID = e.proc.Pid()
		}
	}
	return s
}

func (e *Encoder) recordErrLocked(msg string) {
	e.errs = append(e.errs, time.Now().Format(time.RFC3339)+" "+msg)
	if len(e.errs) > maxErrorRing {
		e.errs = e.errs[len(e.errs)-maxErrorRing:]
	}
}

// readOutput pumps MPEG-TS bytes from the process into the fan-out.
func (e *Encoder) readOutput(r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			e.broadcast(chunk)
		}
		if err != nil {
			return
		}
	}
}

// readLog parses the encoder's progress/error stream.
func (e *Encoder) readLog(r io.Reader) {
	forEachLogLine(r, func(line string) {
		if f, ok := parseFrameCount(line); ok {
			e.mu.Lock()
			e.frames = f
			e.lastActivity = time.Now()
			e.mu.Unlock()
			return
		}
		if isHWInitError(line) {
			e.mu.Lock()
			e.hwErrorSeen = true
			e.recordErrLocked(line)
			e.mu.Unlock()
			return
		}
		if isEncoderError(line) {
			e.mu.Lock()
			e.recordErrLocked(line)
			e.mu.Unlock()
		}
	})
}
