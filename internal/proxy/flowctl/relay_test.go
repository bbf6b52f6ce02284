package flowctl

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"
)

// blockingWriter holds every write until released, so tests can observe
// frames parked behind a slow client.
type blockingWriter struct {
	mu      sync.Mutex
	written []byte
	gate    chan struct{}
}

func newBlockingWriter() *blockingWriter {
	return &blockingWriter{gate: make(chan struct{})}
}

func (w *blockingWriter) write(chunk []byte) error {
	<-w.gate
	w.mu.Lock()
	w.written = append(w.written, chunk...)
	w.mu.Unlock()
	return nil
}

func (w *blockingWriter) bytes() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]byte(nil), w.written...)
}

func TestRelayDeliversInOrder(t *testing.T) {
	writer := newBlockingWriter()
	relay := NewRelay(100, 100, writer.write)

	frames := [][]byte{[]byte("first"), []byte("second"), []byte("third")}
	for _, f := range frames {
		if err := relay.Send(f); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	close(writer.gate)
	if err := relay.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if !bytes.Equal(writer.bytes(), []byte("firstsecondthird")) {
		t.Errorf("written = %q", writer.bytes())
	}
}

func TestRelayParksBehindSlowWriter(t *testing.T) {
	writer := newBlockingWriter()
	relay := NewRelay(100, 5, writer.write)

	// The first frame fits the outbound window and is handed to the blocked
	// writer; the rest park until a write returns credit.
	for _, f := range [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cccc")} {
		if err := relay.Send(f); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	if queued := relay.QueuedBytes(); queued != 8 {
		t.Fatalf("queued = %d, want 8 parked behind the writer", queued)
	}

	close(writer.gate)
	if err := relay.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !bytes.Equal(writer.bytes(), []byte("aaaabbbbcccc")) {
		t.Errorf("written = %q", writer.bytes())
	}
}

func TestRelaySendBlocksWhenWindowSpent(t *testing.T) {
	writer := newBlockingWriter()
	relay := NewRelay(10, 10, writer.write)

	// Two frames fill the writer's pipeline, two more park and spend the
	// inbound window.
	for _, f := range []string{"aaaaa", "bbbbb", "ccccc", "ddddd"} {
		if err := relay.Send([]byte(f)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	// The window is spent; the next send must wait for a hand-off.
	sent := make(chan error, 1)
	go func() { sent <- relay.Send([]byte("eeeee")) }()

	select {
	case err := <-sent:
		t.Fatalf("Send returned %v before any frame was handed off", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(writer.gate)
	if err := <-sent; err != nil {
		t.Fatalf("Send after hand-off: %v", err)
	}
	if err := relay.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !bytes.Equal(writer.bytes(), []byte("aaaaabbbbbcccccdddddeeeee")) {
		t.Errorf("written = %q", writer.bytes())
	}
}

func TestRelayWriteErrorPropagates(t *testing.T) {
	writeErr := errors.New("client went away")
	relay := NewRelay(100, 100, func([]byte) error { return writeErr })

	if err := relay.Send([]byte("frame")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The failure surfaces on the next send and on Close.
	deadline := time.After(time.Second)
	for {
		err := relay.Send([]byte("next"))
		if errors.Is(err, writeErr) {
			break
		}
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		select {
		case <-deadline:
			t.Fatal("write error never surfaced")
		case <-time.After(time.Millisecond):
		}
	}

	if err := relay.Close(); !errors.Is(err, writeErr) {
		t.Errorf("Close = %v, want the write error", err)
	}
}

func TestRelayRejectsOversizeFrame(t *testing.T) {
	relay := NewRelay(4, 4, func([]byte) error { return nil })
	defer relay.Close()

	if err := relay.Send([]byte("too big")); err == nil {
		t.Error("expected an error for a frame larger than the window")
	}
}

func TestRelaySendAfterClose(t *testing.T) {
	relay := NewRelay(100, 100, func([]byte) error { return nil })
	if err := relay.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := relay.Send([]byte("late")); !errors.Is(err, ErrRelayClosed) {
		t.Errorf("Send after close = %v, want ErrRelayClosed", err)
	}
}
