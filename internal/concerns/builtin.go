package concerns

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	gwerrors "github.com/tracdap/gateway/internal/errors"
	"github.com/tracdap/gateway/internal/logging"
)

// propagatedHeaders are the inbound metadata keys carried across the
// gateway to backend calls and restored on retries.
var propagatedHeaders = []string{"authorization", "cookie"}

const tracHeaderPrefix = "x-trac-"

func isPropagated(key string) bool {
	key = strings.ToLower(key)
	if strings.HasPrefix(key, tracHeaderPrefix) {
		return true
	}
	for _, h := range propagatedHeaders {
		if key == h {
			return true
		}
	}
	return false
}

// Logging logs every server-side call with its method, duration and
// status code.
func Logging() Concern { return loggingConcern{} }

type loggingConcern struct{ Base }

func (loggingConcern) Name() string { return "logging" }

func (loggingConcern) ConfigureServer(b *ServerBuilder) {
	b.AddUnary(func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		started := time.Now()
		resp, err := handler(ctx, req)
		logCall(info.FullMethod, started, err)
		return resp, err
	})
	b.AddStream(func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		started := time.Now()
		err := handler(srv, ss)
		logCall(info.FullMethod, started, err)
		return err
	})
}

func logCall(method string, started time.Time, err error) {
	fields := []zap.Field{
		zap.String("method", method),
		zap.Duration("duration", time.Since(started)),
		zap.String("code", status.Code(err).String()),
	}
	if err != nil {
		logging.Warn("grpc call failed", append(fields, zap.Error(err))...)
		return
	}
	logging.Info("grpc call", fields...)
}

// ErrorMapping converts internal errors to gRPC status errors at the
// server boundary. Unexpected errors are logged with a correlation id and
// surfaced as INTERNAL with a generic message.
func ErrorMapping() Concern { return errorMappingConcern{} }

type errorMappingConcern struct{ Base }

func (errorMappingConcern) Name() string { return "error-mapping" }

func (errorMappingConcern) ConfigureServer(b *ServerBuilder) {
	b.AddUnary(func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		return resp, mapError(info.FullMethod, err)
	})
	b.AddStream(func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		return mapError(info.FullMethod, handler(srv, ss))
	})
}

func mapError(method string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	if ge, ok := gwerrors.AsGatewayError(err); ok {
		return status.Error(ge.GRPCCode, ge.Message)
	}

	correlation := uuid.NewString()
	logging.Error("unexpected error in grpc call",
		zap.String("method", method),
		zap.String("correlationId", correlation),
		zap.Error(err))
	return status.Errorf(codes.Internal, "internal error (correlation id %s)", correlation)
}

// MetadataPropagation carries selected inbound metadata to outbound calls
// and captures it as call state so retries see the same headers.
func MetadataPropagation() Concern { return metadataPropagationConcern{} }

type metadataPropagationConcern struct{ Base }

func (metadataPropagationConcern) Name() string { return "metadata-propagation" }

func (metadataPropagationConcern) PrepareCall(ctx context.Context) (context.Context, CallState) {
	propagated := propagatedFrom(ctx)
	if len(propagated) == 0 {
		return ctx, nil
	}
	state := metadataState{md: propagated}
	return state.Restore(ctx), state
}

type metadataState struct {
	md metadata.MD
}

func (s metadataState) Restore(ctx context.Context) context.Context {
	existing, ok := metadata.FromOutgoingContext(ctx)
	if !ok {
		return metadata.NewOutgoingContext(ctx, s.md.Copy())
	}
	merged := existing.Copy()
	for key, values := range s.md {
		if len(merged.Get(key)) == 0 {
			merged.Set(key, values...)
		}
	}
	return metadata.NewOutgoingContext(ctx, merged)
}

// propagatedFrom collects the inbound metadata keys that cross the gateway.
func propagatedFrom(ctx context.Context) metadata.MD {
	inbound, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil
	}
	propagated := metadata.MD{}
	for key, values := range inbound {
		if isPropagated(key) {
			propagated[strings.ToLower(key)] = values
		}
	}
	return propagated
}

// TokenValidator checks a bearer token and resolves its principal. Token
// issuance is out of scope here; the gateway only consumes validation.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (Principal, error)
}

// Principal is the authenticated identity attached to a call.
type Principal struct {
	Subject string
	Roles   []string
}

type principalKey struct{}

// PrincipalFrom returns the authenticated principal, if any.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Auth validates bearer tokens on inbound calls and attaches the principal
// to the call context.
func Auth(validator TokenValidator) Concern {
	return authConcern{validator: validator}
}

type authConcern struct {
	Base
	validator TokenValidator
}

func (authConcern) Name() string { return "auth" }

func (c authConcern) ConfigureServer(b *ServerBuilder) {
	b.AddUnary(func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		ctx, err := c.authenticate(ctx)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	})
	b.AddStream(func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, err := c.authenticate(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, authStream{ServerStream: ss, ctx: ctx})
	})
}

func (c authConcern) authenticate(ctx context.Context) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing credentials")
	}

	values := md.Get("authorization")
	if len(values) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing credentials")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(values[0], prefix) || values[0] == prefix {
		return nil, status.Error(codes.Unauthenticated, "malformed authorization header")
	}
	token := values[0][len(prefix):]

	principal, err := c.validator.Validate(ctx, token)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid token")
	}
	return context.WithValue(ctx, principalKey{}, principal), nil
}

type authStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s authStream) Context() context.Context { return s.ctx }
