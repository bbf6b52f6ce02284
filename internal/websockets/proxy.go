// Package websockets carries gRPC streams over WebSocket connections, for
// browser clients that need full client streaming. Each binary message is
// one LPM frame; a JSON control envelope sent as a text message signals
// half-close of the send direction.
package websockets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tracdap/gateway/internal/grpc/framing"
	"github.com/tracdap/gateway/internal/logging"
	"github.com/tracdap/gateway/internal/metrics"
	"github.com/tracdap/gateway/internal/proxy/flowctl"
)

// Subprotocol is the WebSocket subprotocol negotiated with clients.
const Subprotocol = "grpc-websockets"

// controlEnvelope is the JSON body of a text control message.
type controlEnvelope struct {
	Command string `json:"command"`
}

// CommandEndOfStream half-closes the send direction, the way CloseSend does
// for a native gRPC client.
const CommandEndOfStream = "end-of-stream"

// ChannelProvider supplies the backend channel for this route.
type ChannelProvider interface {
	Channel(ctx context.Context) (grpc.ClientConnInterface, error)
}

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

// Proxy upgrades inbound requests and relays gRPC streams over the socket.
type Proxy struct {
	routeName  string
	channels   ChannelProvider
	maxMsgSize int
	upgrader   websocket.Upgrader
}

// New creates a WebSocket proxy for a route.
func New(routeName string, channels ChannelProvider, maxMsgSize int) *Proxy {
	if maxMsgSize <= 0 {
		maxMsgSize = framing.DefaultMaxMessageSize
	}
	return &Proxy{
		routeName:  routeName,
		channels:   channels,
		maxMsgSize: maxMsgSize,
		upgrader: websocket.Upgrader{
			Subprotocols:    []string{Subprotocol},
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Routing already vetted the request; the gateway fronts browser
			// clients from any origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	service, method, err := parsePath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := p.channels.Channel(r.Context())
	if err != nil {
		logging.Error("backend channel unavailable",
			zap.String("route", p.routeName), zap.Error(err))
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the failure response.
		return
	}
	defer ws.Close()

	metrics.ActiveConnections.WithLabelValues("websocket").Inc()
	defer metrics.ActiveConnections.WithLabelValues("websocket").Dec()

	fullMethod := "/" + service + "/" + method
	streamDesc := &grpc.StreamDesc{
		StreamName:    method,
		ClientStreams: true,
		ServerStreams: true,
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	stream, err := conn.NewStream(ctx, streamDesc, fullMethod, grpc.ForceCodec(rawCodec{}))
	if err != nil {
		st, _ := status.FromError(err)
		p.closeWithStatus(ws, st.Code(), st.Message())
		return
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.clientToBackend(ws, stream) })
	g.Go(func() error { return p.backendToClient(ws, stream) })

	if err := g.Wait(); err != nil && err != io.EOF {
		logging.Debug("websocket stream ended with error",
			zap.String("route", p.routeName), zap.Error(err))
	}
}

// clientToBackend relays inbound frames to the backend stream until the
// client half-closes or the socket drops.
func (p *Proxy) clientToBackend(ws *websocket.Conn, stream grpc.ClientStream) error {
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			// Socket closed without half-close; propagate as CloseSend so
			// the backend sees a clean end of the request stream.
			stream.CloseSend()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		switch msgType {
		case websocket.BinaryMessage:
			frame, _, err := framing.Decode(data, p.maxMsgSize)
			if err == framing.ErrUnsupportedCompression {
				return status.Error(codes.Unimplemented, "unsupported message compression")
			}
			if err != nil || frame == nil {
				return status.Error(codes.InvalidArgument, "malformed message frame")
			}
			if err := stream.SendMsg(&frame.Payload); err != nil {
				return err
			}

		case websocket.TextMessage:
			var ctrl controlEnvelope
			if jsonErr := json.Unmarshal(data, &ctrl); jsonErr != nil {
				continue // unknown control messages are ignored
			}
			if ctrl.Command == CommandEndOfStream {
				return stream.CloseSend()
			}
		}
	}
}

// backendToClient relays backend messages as binary frames and finishes
// with a trailer frame carrying grpc-status. Frames pass through a
// flow-control relay, so a slow socket parks them behind its write credit
// and stalls the backend read instead of buffering without bound.
func (p *Proxy) backendToClient(ws *websocket.Conn, stream grpc.ClientStream) error {
	window := p.maxMsgSize + framing.HeaderSize
	relay := flowctl.NewRelay(window, window, func(frame []byte) error {
		return ws.WriteMessage(websocket.BinaryMessage, frame)
	})
	defer relay.Close()

	for {
		var payload []byte
		err := stream.RecvMsg(&payload)
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
			ws.WriteMessage(websocket.BinaryMessage, framing.EncodeTrailers(trailers))
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return io.EOF
		}
		if err != nil {
			relay.Close()
			st, _ := status.FromError(err)
			ws.WriteMessage(websocket.BinaryMessage, framing.EncodeTrailers(map[string]string{
				"grpc-status":  strconv.Itoa(int(st.Code())),
				"grpc-message": st.Message(),
			}))
			ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return err
		}

		if err := relay.Send(framing.Encode(payload)); err != nil {
			return err
		}
	}
}

func (p *Proxy) closeWithStatus(ws *websocket.Conn, code codes.Code, message string) {
	ws.WriteMessage(websocket.BinaryMessage, framing.EncodeTrailers(map[string]string{
		"grpc-status":  strconv.Itoa(int(code)),
		"grpc-message": message,
	}))
	ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func parsePath(path string) (service, method string, err error) {
	path = strings.TrimPrefix(path, "/")
	lastSlash := strings.LastIndex(path, "/")
	if lastSlash <= 0 || lastSlash == len(path)-1 {
		return "", "", fmt.Errorf("invalid path, expected /package.Service/Method")
	}
	return path[:lastSlash], path[lastSlash+1:], nil
}
