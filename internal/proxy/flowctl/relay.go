package flowctl

import (
	"errors"
	"fmt"
	"sync"
)

// ErrRelayClosed reports a send on a relay whose write side has stopped.
var ErrRelayClosed = errors.New("flowctl: relay closed")

// Relay pumps frames from a backend read loop through a Bridge to a client
// writer running on its own goroutine. A slow client parks frames in the
// bridge queue up to the outbound window; once the inbound window is spent
// on frames not yet handed off, Send blocks and the caller stops reading
// from the backend, so the backend's own flow control takes over.
type Relay struct {
	bridge *Bridge
	write  func([]byte) error
	window int

	mu       sync.Mutex
	cond     *sync.Cond
	credit   int
	pending  [][]byte
	writeErr error
	closed   bool
	done     chan struct{}
}

// NewRelay creates a relay and starts its writer goroutine. Both windows
// must cover the largest single frame the caller will send.
func NewRelay(inboundWindow, outboundWindow int, write func([]byte) error) *Relay {
	r := &Relay{
		write:  write,
		window: inboundWindow,
		credit: inboundWindow,
		done:   make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	r.bridge = New(inboundWindow, outboundWindow, r.enqueue, r.release)
	go r.writeLoop()
	return r
}

// enqueue and release are the bridge's forward/ack callbacks. They run with
// the bridge lock held, so they only touch relay state, never the bridge.
func (r *Relay) enqueue(chunk []byte) {
	r.mu.Lock()
	r.pending = append(r.pending, chunk)
	r.mu.Unlock()
	r.cond.Broadcast()
}

func (r *Relay) release(n int) {
	r.mu.Lock()
	r.credit += n
	r.mu.Unlock()
	r.cond.Broadcast()
}

// Send hands one frame to the relay, blocking while the frame does not fit
// in the remaining inbound window. Blocking here is what withholds the
// backend read until earlier frames have been handed off to the client.
func (r *Relay) Send(frame []byte) error {
	n := len(frame)
	if n > r.window {
		return fmt.Errorf("flowctl: frame of %d bytes exceeds the relay window %d", n, r.window)
	}

	r.mu.Lock()
	for r.credit < n && r.writeErr == nil && !r.closed {
		r.cond.Wait()
	}
	if err := r.writeErr; err != nil {
		r.mu.Unlock()
		return err
	}
	if r.closed {
		r.mu.Unlock()
		return ErrRelayClosed
	}
	r.credit -= n
	r.mu.Unlock()

	return r.bridge.OnData(frame)
}

// QueuedBytes reports how many bytes are parked awaiting client writes.
func (r *Relay) QueuedBytes() int {
	return r.bridge.QueuedBytes()
}

func (r *Relay) writeLoop() {
	defer close(r.done)
	for {
		r.mu.Lock()
		for len(r.pending) == 0 && !r.closed && r.writeErr == nil {
			r.cond.Wait()
		}
		if len(r.pending) == 0 || r.writeErr != nil {
			r.mu.Unlock()
			return
		}
		chunk := r.pending[0]
		r.pending = r.pending[1:]
		r.mu.Unlock()

		if err := r.write(chunk); err != nil {
			r.bridge.Reset()
			r.mu.Lock()
			r.writeErr = err
			r.mu.Unlock()
			r.cond.Broadcast()
			return
		}
		// The client consumed the frame; hand the credit back so parked
		// frames flush and the backend read resumes.
		r.bridge.OnWindowUpdate(len(chunk))
	}
}

// Close flushes parked frames, stops the writer and reports its first write
// error. Safe to call more than once.
func (r *Relay) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cond.Broadcast()
	<-r.done

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writeErr
}
