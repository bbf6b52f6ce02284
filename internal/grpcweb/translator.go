// Package grpcweb translates gRPC-Web requests from browsers into native
// gRPC calls on the backend channel. Messages pass through opaquely as LPM
// payloads; only the framing changes between the two protocols.
package grpcweb

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/tracdap/gateway/internal/grpc/framing"
	"github.com/tracdap/gateway/internal/logging"
	"github.com/tracdap/gateway/internal/metrics"
	"github.com/tracdap/gateway/internal/proxy/flowctl"
)

// ChannelProvider supplies the backend channel for this route.
type ChannelProvider interface {
	Channel(ctx context.Context) (grpc.ClientConnInterface, error)
}

// rawCodec passes serialized messages through without unmarshaling, so the
// translator never needs the service's descriptors.
type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.(*[]byte)
	if !ok {
		return nil, fmt.Errorf("rawCodec: expected *[]byte, got %T", v)
	}
	return *b, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("rawCodec: expected *[]byte, got %T", v)
	}
	*b = append((*b)[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "proto" }

// Translator serves one route's gRPC-Web traffic.
type Translator struct {
	routeName  string
	channels   ChannelProvider
	maxMsgSize int
}

// New creates a translator for a route.
func New(routeName string, channels ChannelProvider, maxMsgSize int) *Translator {
	if maxMsgSize <= 0 {
		maxMsgSize = framing.DefaultMaxMessageSize
	}
	return &Translator{
		routeName:  routeName,
		channels:   channels,
		maxMsgSize: maxMsgSize,
	}
}

func (t *Translator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	ct := r.Header.Get("Content-Type")
	if !isGrpcWebContentType(ct) {
		writeHTTPError(w, http.StatusBadRequest, codes.Internal,
			"invalid content type: expected application/grpc-web")
		return
	}
	textMode := isTextMode(ct)

	if r.Method != http.MethodPost {
		writeHTTPError(w, http.StatusMethodNotAllowed, codes.Internal,
			"only POST is allowed for gRPC-Web")
		return
	}

	service, method, err := parsePath(r.URL.Path)
	if err != nil {
		writeHTTPError(w, http.StatusBadRequest, codes.Unknown, err.Error())
		return
	}

	rawBody, err := io.ReadAll(r.Body)
	if err != nil {
		writeHTTPError(w, http.StatusBadRequest, codes.Unknown,
			fmt.Sprintf("failed to read request body: %v", err))
		return
	}

	if textMode {
		rawBody, err = base64Decode(rawBody)
		if err != nil {
			writeHTTPError(w, http.StatusBadRequest, codes.Unknown,
				fmt.Sprintf("base64 decode failed: %v", err))
			return
		}
	}

	frame, leftover, err := framing.Decode(rawBody, t.maxMsgSize)
	if err == framing.ErrUnsupportedCompression {
		writeTrailerError(w, textMode, codes.Unimplemented, "unsupported message compression")
		return
	}
	if err != nil || frame == nil {
		writeHTTPError(w, http.StatusBadRequest, codes.Unknown, "malformed grpc-web frame")
		return
	}
	if len(leftover) != 0 {
		writeHTTPError(w, http.StatusBadRequest, codes.InvalidArgument,
			"unexpected bytes after the request message frame")
		return
	}

	conn, err := t.channels.Channel(r.Context())
	if err != nil {
		logging.Error("backend channel unavailable",
			zap.String("route", t.routeName), zap.Error(err))
		writeTrailerError(w, textMode, codes.Unavailable, "service unavailable")
		return
	}

	ctx := r.Context()
	if md := extractMetadata(r); len(md) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, md)
	}

	fullMethod := "/" + service + "/" + method

	var callErr error
	if isServerStreaming(r) {
		callErr = t.serveServerStream(ctx, w, conn, fullMethod, method, frame.Payload, textMode)
	} else {
		callErr = t.serveUnary(ctx, w, conn, fullMethod, frame.Payload, textMode)
	}

	code := codes.OK
	if callErr != nil {
		st, _ := status.FromError(callErr)
		code = st.Code()
	}
	metrics.RequestsTotal.WithLabelValues(t.routeName, "grpc-web", code.String()).Inc()
	metrics.RequestDuration.WithLabelValues(t.routeName, "grpc-web").Observe(time.Since(started).Seconds())
}

func (t *Translator) serveUnary(
	ctx context.Context, w http.ResponseWriter, conn grpc.ClientConnInterface,
	fullMethod string, reqPayload []byte, textMode bool,
) error {
	var respPayload []byte
	var headerMD, trailerMD metadata.MD

	err := conn.Invoke(ctx, fullMethod, &reqPayload, &respPayload,
		grpc.ForceCodec(rawCodec{}),
		grpc.Header(&headerMD),
		grpc.Trailer(&trailerMD),
	)
	if err != nil {
		st, _ := status.FromError(err)
		writeTrailerError(w, textMode, st.Code(), st.Message())
		return err
	}

	setContentType(w, textMode)
	forwardMetadata(w, headerMD)
	w.WriteHeader(http.StatusOK)

	trailers := map[string]string{"grpc-status": "0"}
	for k, vals := range trailerMD {
		if len(vals) > 0 {
			trailers[k] = vals[0]
		}
	}

	writeFrame(w, textMode, framing.Encode(respPayload))
	writeFrame(w, textMode, framing.EncodeTrailers(trailers))
	return nil
}

// serveServerStream relays each backend message as one data frame, flushed
// as it arrives, then ends with a trailer frame carrying grpc-status.
func (t *Translator) serveServerStream(
	ctx context.Context, w http.ResponseWriter, conn grpc.ClientConnInterface,
	fullMethod, method string, reqPayload []byte, textMode bool,
) error {
	streamDesc := &grpc.StreamDesc{
		StreamName:    method,
		ServerStreams: true,
	}

	stream, err := conn.NewStream(ctx, streamDesc, fullMethod, grpc.ForceCodec(rawCodec{}))
	if err != nil {
		st, _ := status.FromError(err)
		writeTrailerError(w, textMode, st.Code(), st.Message())
		return err
	}

	if err := stream.SendMsg(&reqPayload); err != nil {
		st, _ := status.FromError(err)
		writeTrailerError(w, textMode, st.Code(), st.Message())
		return err
	}
	if err := stream.CloseSend(); err != nil {
		writeTrailerError(w, textMode, codes.Internal, err.Error())
		return err
	}

	headerMD, _ := stream.Header()
	setContentType(w, textMode)
	forwardMetadata(w, headerMD)
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)

	// Data frames go through a flow-control relay: a slow client parks
	// frames behind its write credit, and the backend read below stalls
	// until parked frames are handed off.
	window := t.maxMsgSize + framing.HeaderSize
	relay := flowctl.NewRelay(window, window, func(frame []byte) error {
		if textMode {
			frame = base64Encode(frame)
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
		if canFlush {
			flusher.Flush()
		}
		return nil
	})
	defer relay.Close()

	for {
		var respBytes []byte
		err := stream.RecvMsg(&respBytes)
		if err == io.EOF {
			if werr := relay.Close(); werr != nil {
				return werr
			}
			trailers := map[string]string{"grpc-status": "0"}
			for k, vals := range stream.Trailer() {
				if len(vals) > 0 {
					trailers[k] = vals[0]
				}
			}
			writeFrame(w, textMode, framing.EncodeTrailers(trailers))
			if canFlush {
				flusher.Flush()
			}
			return nil
		}
		if err != nil {
			relay.Close()
			st, _ := status.FromError(err)
			writeFrame(w, textMode, framing.EncodeTrailers(map[string]string{
				"grpc-status":  strconv.Itoa(int(st.Code())),
				"grpc-message": st.Message(),
			}))
			if canFlush {
				flusher.Flush()
			}
			return err
		}

		if err := relay.Send(framing.Encode(respBytes)); err != nil {
			return err
		}
	}
}

func setContentType(w http.ResponseWriter, textMode bool) {
	if textMode {
		w.Header().Set("Content-Type", "application/grpc-web-text+proto")
	} else {
		w.Header().Set("Content-Type", "application/grpc-web+proto")
	}
}

func forwardMetadata(w http.ResponseWriter, md metadata.MD) {
	for k, vals := range md {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
}

func writeFrame(w http.ResponseWriter, textMode bool, frame []byte) {
	if textMode {
		w.Write(base64Encode(frame))
		return
	}
	w.Write(frame)
}

// writeTrailerError writes a trailer-only gRPC-Web response. HTTP status is
// always 200; the gRPC status travels in the trailer frame.
func writeTrailerError(w http.ResponseWriter, textMode bool, code codes.Code, message string) {
	setContentType(w, textMode)
	w.WriteHeader(http.StatusOK)
	writeFrame(w, textMode, framing.EncodeTrailers(map[string]string{
		"grpc-status":  strconv.Itoa(int(code)),
		"grpc-message": message,
	}))
}

// writeHTTPError is for failures before gRPC-Web framing applies, like a bad
// content type.
func writeHTTPError(w http.ResponseWriter, httpStatus int, code codes.Code, message string) {
	w.Header().Set("Content-Type", "application/grpc-web+proto")
	w.Header().Set("Grpc-Status", strconv.Itoa(int(code)))
	w.Header().Set("Grpc-Message", message)
	w.WriteHeader(httpStatus)
}

func parsePath(path string) (service, method string, err error) {
	path = strings.TrimPrefix(path, "/")
	lastSlash := strings.LastIndex(path, "/")
	if lastSlash <= 0 || lastSlash == len(path)-1 {
		return "", "", fmt.Errorf("invalid gRPC-Web path, expected /package.Service/Method")
	}
	return path[:lastSlash], path[lastSlash+1:], nil
}

// isServerStreaming checks the streaming signal sent by gRPC-Web clients
// that expect multiple response messages.
func isServerStreaming(r *http.Request) bool {
	if r.URL.Query().Get("streaming") == "server" {
		return true
	}
	return r.Header.Get("X-Grpc-Web-Streaming") == "server"
}

func isGrpcWebContentType(ct string) bool {
	return strings.HasPrefix(ct, "application/grpc-web")
}

func isTextMode(ct string) bool {
	return strings.HasPrefix(ct, "application/grpc-web-text")
}

// extractMetadata forwards request headers as gRPC metadata, skipping
// transport-level headers that must not cross the protocol boundary.
func extractMetadata(r *http.Request) metadata.MD {
	md := metadata.MD{}
	for k, vals := range r.Header {
		key := strings.ToLower(k)
		switch key {
		case "content-type", "content-length", "accept",
			"user-agent", "host", "connection",
			"transfer-encoding", "te",
			"x-grpc-web-streaming":
			continue
		}
		md[key] = vals
	}
	return md
}
