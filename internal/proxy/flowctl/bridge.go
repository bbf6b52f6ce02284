// Package flowctl bridges HTTP/2 flow control between two endpoints that
// each keep their own windows. One bridge serves one stream: bytes arriving
// from the inbound side are forwarded only when the outbound side has
// credit, otherwise they are parked in an ordered queue. The inbound
// WINDOW_UPDATE for a chunk is withheld until the chunk has been handed
// off, so inbound flow control backpressures the sender instead of the
// gateway buffering without bound.
package flowctl

import (
	"fmt"
	"sync"
)

// Bridge is the per-stream credit state machine. Forward delivers bytes to
// the outbound side; Ack emits a WINDOW_UPDATE of n bytes to the inbound
// side. Both are called with the bridge lock held, in delivery order.
type Bridge struct {
	mu sync.Mutex

	inboundCredit  int // bytes the inbound sender may still send
	outboundCredit int // bytes we may still send outbound

	queue       [][]byte
	queuedBytes int
	reset       bool

	forward func(chunk []byte)
	ack     func(n int)
}

// New creates a bridge with the two sides' initial window sizes.
func New(inboundWindow, outboundWindow int, forward func([]byte), ack func(int)) *Bridge {
	return &Bridge{
		inboundCredit:  inboundWindow,
		outboundCredit: outboundWindow,
		forward:        forward,
		ack:            ack,
	}
}

// OnData consumes one inbound DATA chunk. The chunk is forwarded whole when
// outbound credit covers it, otherwise parked. A chunk exceeding the
// remaining inbound window is a protocol violation by the sender.
func (b *Bridge) OnData(chunk []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.reset {
		return nil // stream already reset, drop silently
	}

	n := len(chunk)
	if n > b.inboundCredit {
		return fmt.Errorf("flow control violation: %d bytes received with %d window remaining", n, b.inboundCredit)
	}
	b.inboundCredit -= n

	if len(b.queue) == 0 && n <= b.outboundCredit {
		b.deliver(chunk)
		return nil
	}

	b.queue = append(b.queue, chunk)
	b.queuedBytes += n
	return nil
}

// OnWindowUpdate credits the outbound side and flushes parked chunks in
// order, as far as the new credit allows.
func (b *Bridge) OnWindowUpdate(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.reset {
		return
	}

	b.outboundCredit += n

	for len(b.queue) > 0 && len(b.queue[0]) <= b.outboundCredit {
		chunk := b.queue[0]
		b.queue = b.queue[1:]
		b.queuedBytes -= len(chunk)
		b.deliver(chunk)
	}
}

// deliver forwards a chunk and releases its inbound window. Call with the
// lock held and credit already checked.
func (b *Bridge) deliver(chunk []byte) {
	n := len(chunk)
	b.outboundCredit -= n
	b.forward(chunk)
	b.inboundCredit += n
	b.ack(n)
}

// Reset drops the queue and stops all further delivery. Used when either
// side sends RST_STREAM; the caller propagates the reset to the peer.
func (b *Bridge) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.reset = true
	b.queue = nil
	b.queuedBytes = 0
}

// QueuedBytes reports how many bytes are parked awaiting outbound credit.
func (b *Bridge) QueuedBytes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queuedBytes
}

// InboundCredit reports the remaining inbound window.
func (b *Bridge) InboundCredit() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inboundCredit
}

// OutboundCredit reports the remaining outbound window.
func (b *Bridge) OutboundCredit() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.outboundCredit
}
