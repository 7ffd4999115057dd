package encoder

import (
	"io"
	"log"
	"sync"
	"time"
)

// clientQueueDepth bounds how far a consumer may lag before it is dropped.
// Live broadcast semantics: a slow client must never stall the others.
const clientQueueDepth = 64

// Client is one attached byte sink. The encoder borrows the writer; its
// lifetime belongs to the HTTP layer. A client sees only bytes produced
// after it attached.
type Client struct {
	w        io.Writer
	ch       chan []byte
	done     chan struct{}
	finished chan struct{}
	once     sync.Once
}

// Done is closed when the client has been detached (write failure, drop for
// slowness, encoder abandon, or RemoveClient). A write already handed to the
// sink may still be in flight; use Wait before releasing the writer.
func (c *Client) Done() <-chan struct{} { return c.done }

// Wait blocks until the pump goroutine has exited. After Wait returns, no
// further Write or Flush call will be made on the sink, so the writer can be
// released (an http.ResponseWriter must not be written after its handler
// returns).
func (c *Client) Wait() { <-c.finished }

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// pump copies queued chunks to the sink, detaching on the first write error.
func (c *Client) pump(detach func(*Client)) {
	defer close(c.finished)
	for {
		select {
		case <-c.done:
			return
		case chunk := <-c.ch:
			if _, err := c.w.Write(chunk); err != nil {
				detach(c)
				return
			}
			if f, ok := c.w.(interface{ Flush() }); ok {
				f.Flush()
			}
		}
	}
}

// AddClient attaches a writer to the fan-out and cancels any pending idle
// timer. The returned Client's Done channel signals detachment.
func (e *Encoder) AddClient(w io.Writer) *Client {
	c := &Client{
		w:        w,
		ch:       make(chan []byte, clientQueueDepth),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	e.mu.Lock()
	e.cancelIdleLocked()
	e.clients[c] = struct{}{}
	n := len(e.clients)
	e.mu.Unlock()
	go c.pump(e.RemoveClient)
	log.Printf("encoder %s: client attached (now %d)", e.cfg.Display, n)
	return c
}

// RemoveClient detaches a client. Idempotent. When the set drains while the
// encoder is still running, the idle timer is armed.
func (e *Encoder) RemoveClient(c *Client) {
	e.mu.Lock()
	if _, ok := e.clients[c]; !ok {
		e.mu.Unlock()
		c.close()
		return
	}
	delete(e.clients, c)
	n := len(e.clients)
	if n == 0 && e.running {
		e.armIdleLocked()
	}
	e.mu.Unlock()
	c.close()
	log.Printf("encoder %s: client detached (now %d)", e.cfg.Display, n)
}

// DropClients detaches and closes every attached writer (hard release).
func (e *Encoder) DropClients() {
	e.mu.Lock()
	dropped := make([]*Client, 0, len(e.clients))
	for c := range e.clients {
		dropped = append(dropped, c)
	}
	e.clients = map[*Client]struct{}{}
	e.mu.Unlock()
	for _, c := range dropped {
		c.close()
	}
}

// ClientCount returns the number of attached clients.
func (e *Encoder) ClientCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.clients)
}

// ArmIdle arms the idle self-stop timer if the encoder is running with no
// clients. Used when a logical client releases without a writer detach.
func (e *Encoder) ArmIdle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running && len(e.clients) == 0 {
		e.armIdleLocked()
	}
}

func (e *Encoder) armIdleLocked() {
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	e.idleTimer = time.AfterFunc(e.cfg.IdleTimeout, func() {
		e.mu.Lock()
		idle := e.running && len(e.clients) == 0
		e.mu.Unlock()
		if idle {
			log.Printf("encoder %s: idle for %s, stopping", e.cfg.Display, e.cfg.IdleTimeout)
			e.Stop()
		}
	})
}

func (e *Encoder) cancelIdleLocked() {
	if e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}
}

// broadcast hands one produced chunk to every attached client. Clients whose
// queues are full are dropped on the spot rather than backpressuring the
// producer.
func (e *Encoder) broadcast(chunk []byte) {
	e.mu.Lock()
	e.bytesOut += uint64(len(chunk))
	e.lastActivity = time.Now()
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.EncoderBytes.Add(float64(len(chunk)))
	}
	var slow []*Client
	for c := range e.clients {
		select {
		case c.ch <- chunk:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(e.clients, c)
	}
	armIdle := len(slow) > 0 && len(e.clients) == 0 && e.running
	if armIdle {
		e.armIdleLocked()
	}
	e.mu.Unlock()
	for _, c := range slow {
		c.close()
		log.Printf("encoder %s: dropped slow client", e.cfg.Display)
	}
}
