package websockets

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/tracdap/gateway/internal/grpc/framing"
)

// fakeStream echoes each sent message back with a prefix, then ends the
// response stream when the send direction closes.
type fakeStream struct {
	ctx       context.Context
	msgs      chan []byte
	closeOnce sync.Once
	recvErr   error
}

func newFakeStream(ctx context.Context, recvErr error) *fakeStream {
	return &fakeStream{ctx: ctx, msgs: make(chan []byte, 16), recvErr: recvErr}
}

func (s *fakeStream) Header() (metadata.MD, error) { return nil, nil }
func (s *fakeStream) Trailer() metadata.MD         { return metadata.MD{"x-trac-request": {"req-1"}} }
func (s *fakeStream) Context() context.Context     { return s.ctx }

func (s *fakeStream) CloseSend() error {
	s.closeOnce.Do(func() { close(s.msgs) })
	return nil
}

func (s *fakeStream) SendMsg(m interface{}) error {
	payload := *(m.(*[]byte))
	s.msgs <- append([]byte("echo:"), payload...)
	return nil
}

func (s *fakeStream) RecvMsg(m interface{}) error {
	if s.recvErr != nil {
		return s.recvErr
	}
	payload, ok := <-s.msgs
	if !ok {
		return io.EOF
	}
	*(m.(*[]byte)) = payload
	return nil
}

type fakeConn struct{ stream grpc.ClientStream }

func (f *fakeConn) Invoke(ctx context.Context, method string, args, reply interface{}, opts ...grpc.CallOption) error {
	return status.Error(codes.Unimplemented, "unary not supported by fake")
}

func (f *fakeConn) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	return f.stream, nil
}

type fakeProvider struct{ conn grpc.ClientConnInterface }

func (p *fakeProvider) Channel(ctx context.Context) (grpc.ClientConnInterface, error) {
	return p.conn, nil
}

func dialTest(t *testing.T, proxy *Proxy) *websocket.Conn {
	t.Helper()

	server := httptest.NewServer(proxy)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/tracdap.api.TracDataApi/createDataset"
	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}

	ws, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	return ws
}

func TestStreamRoundTrip(t *testing.T) {
	stream := newFakeStream(context.Background(), nil)
	proxy := New("data", &fakeProvider{conn: &fakeConn{stream: stream}}, 0)
	ws := dialTest(t, proxy)

	// Two request messages, then half-close.
	for _, msg := range []string{"first", "second"} {
		if err := ws.WriteMessage(websocket.BinaryMessage, framing.Encode([]byte(msg))); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"command": "end-of-stream"}`)); err != nil {
		t.Fatalf("control write failed: %v", err)
	}

	// Echoed responses arrive as binary LPM frames.
	for _, want := range []string{"echo:first", "echo:second"} {
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		frame, _, err := framing.Decode(data, 0)
		if err != nil || frame == nil {
			t.Fatalf("bad frame: %v", err)
		}
		if string(frame.Payload) != want {
			t.Errorf("payload = %q, want %q", frame.Payload, want)
		}
	}

	// Trailer frame closes the logical stream.
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("trailer read failed: %v", err)
	}
	frame, _, err := framing.Decode(data, 0)
	if err != nil || !frame.IsTrailer() {
		t.Fatalf("expected trailer frame: %v %v", frame, err)
	}
	trailers := framing.DecodeTrailers(frame.Payload)
	if trailers["grpc-status"] != "0" {
		t.Errorf("grpc-status = %q", trailers["grpc-status"])
	}
	if trailers["x-trac-request"] != "req-1" {
		t.Errorf("custom trailer lost: %v", trailers)
	}

	// Server then closes normally.
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("expected close after trailer frame")
	} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("close error = %v", err)
	}
}

func TestBackendErrorBecomesTrailer(t *testing.T) {
	stream := newFakeStream(context.Background(), status.Error(codes.ResourceExhausted, "too much data"))
	proxy := New("data", &fakeProvider{conn: &fakeConn{stream: stream}}, 0)
	ws := dialTest(t, proxy)

	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	frame, _, err := framing.Decode(data, 0)
	if err != nil || !frame.IsTrailer() {
		t.Fatalf("expected trailer frame: %v %v", frame, err)
	}
	trailers := framing.DecodeTrailers(frame.Payload)
	if trailers["grpc-status"] != "8" {
		t.Errorf("grpc-status = %q, want 8 (RESOURCE_EXHAUSTED)", trailers["grpc-status"])
	}
}

func TestSubprotocolNegotiation(t *testing.T) {
	stream := newFakeStream(context.Background(), nil)
	proxy := New("data", &fakeProvider{conn: &fakeConn{stream: stream}}, 0)

	server := httptest.NewServer(proxy)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/tracdap.api.TracDataApi/createDataset"
	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}

	ws, resp, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close()

	if got := resp.Header.Get("Sec-Websocket-Protocol"); got != Subprotocol {
		t.Errorf("negotiated subprotocol = %q, want %q", got, Subprotocol)
	}
}

func TestBadPathRejected(t *testing.T) {
	proxy := New("data", &fakeProvider{conn: &fakeConn{}}, 0)

	server := httptest.NewServer(proxy)
	t.Cleanup(server.Close)

	dialer := websocket.Dialer{}
	_, resp, err := dialer.Dial("ws"+strings.TrimPrefix(server.URL, "http")+"/noslash", nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Errorf("resp = %v", resp)
	}
}
