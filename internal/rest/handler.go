package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/tracdap/gateway/internal/errors"
	"github.com/tracdap/gateway/internal/logging"
	"github.com/tracdap/gateway/internal/metrics"
)

// ChannelProvider supplies the backend channel for a route. The proxy core
// owns channel lifecycle; translators only borrow connections.
type ChannelProvider interface {
	Channel(ctx context.Context) (grpc.ClientConnInterface, error)
}

// Handler serves a set of compiled REST bindings against one backend route.
type Handler struct {
	routeName string
	bindings  []*Binding
	channels  ChannelProvider
}

// NewHandler builds a REST handler for a route's compiled bindings.
func NewHandler(routeName string, bindings []*Binding, channels ChannelProvider) *Handler {
	return &Handler{
		routeName: routeName,
		bindings:  bindings,
		channels:  channels,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	binding, allow, ok := MatchBinding(h.bindings, r.Method, r.URL.Path)
	if !ok {
		if len(allow) > 0 {
			w.Header().Set("Allow", strings.Join(allow, ", "))
			writeError(w, http.StatusMethodNotAllowed, codes.InvalidArgument, "method not allowed")
			return
		}
		writeError(w, http.StatusNotFound, codes.NotFound, "no matching API route")
		return
	}

	pathValues, _ := binding.MatchPath(r.URL.Path)

	req, err := binding.BuildRequest(r, pathValues)
	if err != nil {
		h.writeTranslationError(w, r, err)
		return
	}

	conn, err := h.channels.Channel(r.Context())
	if err != nil {
		logging.Error("backend channel unavailable",
			zap.String("route", h.routeName), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, codes.Unavailable, "service unavailable")
		return
	}

	ctx := outgoingContext(r)
	accept := r.Header.Get("Accept")

	if binding.Method.IsStreamingServer() {
		h.serveStreaming(ctx, w, binding, conn, req, accept)
		return
	}

	h.serveUnary(ctx, w, binding, conn, req, accept)
}

func (h *Handler) serveUnary(
	ctx context.Context, w http.ResponseWriter,
	binding *Binding, conn grpc.ClientConnInterface, req *dynamicpb.Message, accept string,
) {
	started := time.Now()
	resp := dynamicpb.NewMessage(binding.Method.Output())

	err := conn.Invoke(ctx, binding.GrpcPath(), req, resp, grpc.ForceCodec(dynamicCodec{}))
	h.observe(started, err)
	if err != nil {
		writeGrpcError(w, err)
		return
	}

	body, contentType, err := binding.MarshalResponse(resp, accept)
	if err != nil {
		writeError(w, http.StatusInternalServerError, codes.Internal, "failed to serialize response")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// serveStreaming relays a server-streaming response. Download bindings
// stream raw bytes chunk by chunk; everything else renders a JSON array.
func (h *Handler) serveStreaming(
	ctx context.Context, w http.ResponseWriter,
	binding *Binding, conn grpc.ClientConnInterface, req *dynamicpb.Message, accept string,
) {
	started := time.Now()
	var streamErr error
	defer func() { h.observe(started, streamErr) }()

	streamDesc := &grpc.StreamDesc{
		StreamName:    string(binding.Method.Name()),
		ServerStreams: true,
	}

	stream, err := conn.NewStream(ctx, streamDesc, binding.GrpcPath(), grpc.ForceCodec(dynamicCodec{}))
	if err != nil {
		streamErr = err
		writeGrpcError(w, err)
		return
	}

	if err := stream.SendMsg(req); err != nil {
		streamErr = err
		writeGrpcError(w, err)
		return
	}
	if err := stream.CloseSend(); err != nil {
		streamErr = err
		writeGrpcError(w, err)
		return
	}

	flusher, _ := w.(http.Flusher)
	headerSent := false
	first := true

	for {
		msg := dynamicpb.NewMessage(binding.Method.Output())
		err := stream.RecvMsg(msg)
		if err == io.EOF {
			break
		}
		if err != nil {
			streamErr = err
			if !headerSent {
				writeGrpcError(w, err)
			}
			return
		}

		body, contentType, merr := binding.MarshalResponse(msg, accept)
		if merr != nil {
			if !headerSent {
				writeError(w, http.StatusInternalServerError, codes.Internal, "failed to serialize response")
			}
			return
		}

		if !headerSent {
			w.Header().Set("Content-Type", contentType)
			w.WriteHeader(http.StatusOK)
			if !binding.Download {
				io.WriteString(w, "[")
			}
			headerSent = true
		}

		if binding.Download {
			w.Write(body)
		} else {
			if !first {
				io.WriteString(w, ",")
			}
			w.Write(body)
			first = false
		}

		if flusher != nil {
			flusher.Flush()
		}
	}

	if !headerSent {
		// Empty stream still gets a well formed response.
		if binding.Download {
			w.Header().Set("Content-Type", downloadContentType(accept))
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "[]")
		return
	}

	if !binding.Download {
		io.WriteString(w, "]")
	}
}

func (h *Handler) observe(started time.Time, err error) {
	code := codes.OK
	if err != nil {
		st, _ := status.FromError(err)
		code = st.Code()
	}
	metrics.RequestsTotal.WithLabelValues(h.routeName, "rest", code.String()).Inc()
	metrics.RequestDuration.WithLabelValues(h.routeName, "rest").Observe(time.Since(started).Seconds())
}

// outgoingContext carries auth and tracing headers to the backend.
func outgoingContext(r *http.Request) context.Context {
	md := metadata.MD{}
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if lower == "authorization" || lower == "cookie" || strings.HasPrefix(lower, "x-trac-") {
			md[lower] = values
		}
	}
	if len(md) == 0 {
		return r.Context()
	}
	return metadata.NewOutgoingContext(r.Context(), md)
}

func (h *Handler) writeTranslationError(w http.ResponseWriter, r *http.Request, err error) {
	if ge, ok := errors.AsGatewayError(err); ok {
		msg := ge.Message
		if ge.Details != "" {
			msg = ge.Details
		}
		writeError(w, ge.Code, ge.GRPCCode, msg)
		return
	}
	logging.Error("request translation failed",
		zap.String("route", h.routeName), zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, codes.Internal, "internal server error")
}

func writeGrpcError(w http.ResponseWriter, err error) {
	st, _ := status.FromError(err)
	writeError(w, errors.HTTPStatus(st.Code()), st.Code(), st.Message())
}

// restError is the JSON error shape returned to REST clients.
type restError struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Canonical status names, as they appear on the wire.
var codeNames = map[codes.Code]string{
	codes.OK:                 "OK",
	codes.Canceled:           "CANCELLED",
	codes.Unknown:            "UNKNOWN",
	codes.InvalidArgument:    "INVALID_ARGUMENT",
	codes.DeadlineExceeded:   "DEADLINE_EXCEEDED",
	codes.NotFound:           "NOT_FOUND",
	codes.AlreadyExists:      "ALREADY_EXISTS",
	codes.PermissionDenied:   "PERMISSION_DENIED",
	codes.ResourceExhausted:  "RESOURCE_EXHAUSTED",
	codes.FailedPrecondition: "FAILED_PRECONDITION",
	codes.Aborted:            "ABORTED",
	codes.OutOfRange:         "OUT_OF_RANGE",
	codes.Unimplemented:      "UNIMPLEMENTED",
	codes.Internal:           "INTERNAL",
	codes.Unavailable:        "UNAVAILABLE",
	codes.DataLoss:           "DATA_LOSS",
	codes.Unauthenticated:    "UNAUTHENTICATED",
}

func codeName(c codes.Code) string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

func writeError(w http.ResponseWriter, httpStatus int, grpcCode codes.Code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(restError{Error: message, Code: codeName(grpcCode)})
}

// dynamicCodec passes dynamic proto messages over the wire unchanged.
type dynamicCodec struct{}

func (dynamicCodec) Marshal(v interface{}) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("dynamicCodec: expected proto.Message, got %T", v)
	}
	return proto.Marshal(msg)
}

func (dynamicCodec) Unmarshal(data []byte, v interface{}) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("dynamicCodec: expected proto.Message, got %T", v)
	}
	return proto.Unmarshal(data, msg)
}

func (dynamicCodec) Name() string { return "proto" }
