package grpcweb

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/tracdap/gateway/internal/grpc/framing"
)

type fakeConn struct {
	invoke func(ctx context.Context, method string, args, reply interface{}) error
	stream grpc.ClientStream
}

func (f *fakeConn) Invoke(ctx context.Context, method string, args, reply interface{}, opts ...grpc.CallOption) error {
	return f.invoke(ctx, method, args, reply)
}

func (f *fakeConn) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	if f.stream != nil {
		return f.stream, nil
	}
	return nil, status.Error(codes.Unimplemented, "streaming not supported by fake")
}

// fakeStream replays a fixed response sequence for server streaming tests.
type fakeStream struct {
	ctx       context.Context
	responses [][]byte
	idx       int
	sent      [][]byte
}

func (s *fakeStream) Header() (metadata.MD, error) { return nil, nil }
func (s *fakeStream) Trailer() metadata.MD         { return metadata.MD{"x-trac-request": {"req-9"}} }
func (s *fakeStream) Context() context.Context     { return s.ctx }
func (s *fakeStream) CloseSend() error             { return nil }

func (s *fakeStream) SendMsg(m interface{}) error {
	s.sent = append(s.sent, append([]byte(nil), *(m.(*[]byte))...))
	return nil
}

func (s *fakeStream) RecvMsg(m interface{}) error {
	if s.idx >= len(s.responses) {
		return io.EOF
	}
	*(m.(*[]byte)) = s.responses[s.idx]
	s.idx++
	return nil
}

type fakeProvider struct{ conn grpc.ClientConnInterface }

func (p *fakeProvider) Channel(ctx context.Context) (grpc.ClientConnInterface, error) {
	return p.conn, nil
}

func echoConn(t *testing.T, wantMethod string) *fakeConn {
	return &fakeConn{invoke: func(ctx context.Context, method string, args, reply interface{}) error {
		if method != wantMethod {
			t.Errorf("method = %s, want %s", method, wantMethod)
		}
		in := args.(*[]byte)
		out := reply.(*[]byte)
		*out = append([]byte("echo:"), *in...)
		return nil
	}}
}

func newRequest(body []byte, contentType string) *http.Request {
	r := httptest.NewRequest("POST", "/tracdap.api.TracMetadataApi/ReadObject", bytes.NewReader(body))
	r.Header.Set("Content-Type", contentType)
	return r
}

func TestUnaryRoundTrip(t *testing.T) {
	conn := echoConn(t, "/tracdap.api.TracMetadataApi/ReadObject")
	tr := New("metadata", &fakeProvider{conn: conn}, 0)

	payload := []byte("request-proto-bytes")
	w := httptest.NewRecorder()
	tr.ServeHTTP(w, newRequest(framing.Encode(payload), "application/grpc-web+proto"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/grpc-web+proto" {
		t.Errorf("content type = %q", ct)
	}

	// Response: one data frame then one trailer frame.
	data, rem, err := framing.Decode(w.Body.Bytes(), 0)
	if err != nil || data == nil {
		t.Fatalf("data frame: %v", err)
	}
	if string(data.Payload) != "echo:request-proto-bytes" {
		t.Errorf("payload = %q", data.Payload)
	}

	trailer, rem, err := framing.Decode(rem, 0)
	if err != nil || trailer == nil || !trailer.IsTrailer() {
		t.Fatalf("trailer frame: %v %v", trailer, err)
	}
	if len(rem) != 0 {
		t.Errorf("trailing bytes after trailer frame: %d", len(rem))
	}
	trailers := framing.DecodeTrailers(trailer.Payload)
	if trailers["grpc-status"] != "0" {
		t.Errorf("grpc-status = %q", trailers["grpc-status"])
	}
}

func TestTextModeRoundTrip(t *testing.T) {
	conn := echoConn(t, "/tracdap.api.TracMetadataApi/ReadObject")
	tr := New("metadata", &fakeProvider{conn: conn}, 0)

	body := base64Encode(framing.Encode([]byte("abc")))
	w := httptest.NewRecorder()
	tr.ServeHTTP(w, newRequest(body, "application/grpc-web-text+proto"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/grpc-web-text+proto" {
		t.Errorf("content type = %q", ct)
	}

	// Each frame is an independent base64 chunk; the data frame decodes from
	// the first chunk boundary.
	raw := w.Body.Bytes()
	dataLen := len(base64Encode(framing.Encode([]byte("echo:abc")))) // same size as emitted chunk
	decoded, err := base64Decode(raw[:dataLen])
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	frame, _, err := framing.Decode(decoded, 0)
	if err != nil || frame == nil {
		t.Fatalf("decode: %v", err)
	}
	if string(frame.Payload) != "echo:abc" {
		t.Errorf("payload = %q", frame.Payload)
	}
}

func TestServerStreamingRoundTrip(t *testing.T) {
	stream := &fakeStream{
		ctx:       context.Background(),
		responses: [][]byte{[]byte("one"), []byte("two"), []byte("three")},
	}
	tr := New("metadata", &fakeProvider{conn: &fakeConn{stream: stream}}, 0)

	body := framing.Encode([]byte("list-request"))
	r := httptest.NewRequest("POST", "/tracdap.api.TracMetadataApi/listTenants?streaming=server", bytes.NewReader(body))
	r.Header.Set("Content-Type", "application/grpc-web+proto")

	w := httptest.NewRecorder()
	tr.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(stream.sent) != 1 || string(stream.sent[0]) != "list-request" {
		t.Errorf("request sent upstream = %q", stream.sent)
	}

	// One data frame per backend message, in order, then a trailer frame.
	rem := w.Body.Bytes()
	for _, want := range []string{"one", "two", "three"} {
		frame, next, err := framing.Decode(rem, 0)
		if err != nil || frame == nil || frame.IsTrailer() {
			t.Fatalf("data frame for %q: %v %v", want, frame, err)
		}
		if string(frame.Payload) != want {
			t.Errorf("payload = %q, want %q", frame.Payload, want)
		}
		rem = next
	}

	trailer, rem, err := framing.Decode(rem, 0)
	if err != nil || trailer == nil || !trailer.IsTrailer() {
		t.Fatalf("trailer frame: %v %v", trailer, err)
	}
	if len(rem) != 0 {
		t.Errorf("trailing bytes after trailer frame: %d", len(rem))
	}
	trailers := framing.DecodeTrailers(trailer.Payload)
	if trailers["grpc-status"] != "0" {
		t.Errorf("grpc-status = %q", trailers["grpc-status"])
	}
	if trailers["x-trac-request"] != "req-9" {
		t.Errorf("custom trailer lost: %v", trailers)
	}
}

func TestTrailingRequestBytesRejected(t *testing.T) {
	invoked := false
	conn := &fakeConn{invoke: func(ctx context.Context, method string, args, reply interface{}) error {
		invoked = true
		return nil
	}}
	tr := New("metadata", &fakeProvider{conn: conn}, 0)

	// Two concatenated frames; a unary request body carries exactly one.
	body := append(framing.Encode([]byte("first")), framing.Encode([]byte("second"))...)
	w := httptest.NewRecorder()
	tr.ServeHTTP(w, newRequest(body, "application/grpc-web+proto"))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if got := w.Header().Get("Grpc-Status"); got != "3" {
		t.Errorf("Grpc-Status = %q, want 3 (INVALID_ARGUMENT)", got)
	}
	if invoked {
		t.Error("backend was invoked despite the malformed body")
	}
}

func TestBackendErrorBecomesTrailer(t *testing.T) {
	conn := &fakeConn{invoke: func(ctx context.Context, method string, args, reply interface{}) error {
		return status.Error(codes.NotFound, "object missing")
	}}
	tr := New("metadata", &fakeProvider{conn: conn}, 0)

	w := httptest.NewRecorder()
	tr.ServeHTTP(w, newRequest(framing.Encode(nil), "application/grpc-web+proto"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (errors travel in trailers)", w.Code)
	}

	frame, _, err := framing.Decode(w.Body.Bytes(), 0)
	if err != nil || !frame.IsTrailer() {
		t.Fatalf("expected trailer-only response: %v %v", frame, err)
	}
	trailers := framing.DecodeTrailers(frame.Payload)
	if trailers["grpc-status"] != "5" {
		t.Errorf("grpc-status = %q, want 5 (NOT_FOUND)", trailers["grpc-status"])
	}
	if trailers["grpc-message"] != "object missing" {
		t.Errorf("grpc-message = %q", trailers["grpc-message"])
	}
}

func TestUnsupportedCompressionBecomesUnimplemented(t *testing.T) {
	tr := New("metadata", &fakeProvider{conn: &fakeConn{}}, 0)

	// Compression flag set, payload is not gzip.
	body := framing.Encode([]byte("junk"))
	body[0] |= framing.FlagCompressed

	w := httptest.NewRecorder()
	tr.ServeHTTP(w, newRequest(body, "application/grpc-web+proto"))

	frame, _, err := framing.Decode(w.Body.Bytes(), 0)
	if err != nil || !frame.IsTrailer() {
		t.Fatalf("expected trailer-only response: %v %v", frame, err)
	}
	trailers := framing.DecodeTrailers(frame.Payload)
	if trailers["grpc-status"] != "12" {
		t.Errorf("grpc-status = %q, want 12 (UNIMPLEMENTED)", trailers["grpc-status"])
	}
}

func TestBadContentType(t *testing.T) {
	tr := New("metadata", &fakeProvider{conn: &fakeConn{}}, 0)

	w := httptest.NewRecorder()
	tr.ServeHTTP(w, newRequest(nil, "application/json"))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if w.Header().Get("Grpc-Status") == "" {
		t.Error("missing Grpc-Status header")
	}
}

func TestParsePath(t *testing.T) {
	if _, _, err := parsePath("/noslash"); err == nil {
		t.Error("expected error for path without method")
	}
	svc, method, err := parsePath("/tracdap.api.TracDataApi/readSmallDataset")
	if err != nil || svc != "tracdap.api.TracDataApi" || method != "readSmallDataset" {
		t.Errorf("parsed %q %q %v", svc, method, err)
	}
}
