// Package concerns applies cross-cutting behavior to every gRPC call the
// gateway serves or makes. A concern is a named stage contributing server
// interceptors, client interceptors, channel options and per-call state.
// Stages compose through a builder and are frozen once built.
package concerns

import (
	"context"

	"google.golang.org/grpc"
)

// Concern is one named stage. Implementations embed Base and override the
// hooks they need.
type Concern interface {
	Name() string

	// ConfigureServer contributes interceptors and options to the server.
	ConfigureServer(b *ServerBuilder)

	// ConfigureClient contributes interceptors to outbound calls.
	ConfigureClient(b *ClientBuilder)

	// ConfigureChannel contributes dial options to backend channels.
	ConfigureChannel(b *ChannelBuilder)

	// PrepareCall runs before each outbound call. The returned state, if
	// any, restores call context on a transparent retry.
	PrepareCall(ctx context.Context) (context.Context, CallState)
}

// CallState restores per-call context, typically outgoing metadata, when a
// call is transparently retried on a fresh context.
type CallState interface {
	Restore(ctx context.Context) context.Context
}

// Base is a no-op concern for embedding.
type Base struct{}

func (Base) ConfigureServer(*ServerBuilder)   {}
func (Base) ConfigureClient(*ClientBuilder)   {}
func (Base) ConfigureChannel(*ChannelBuilder) {}
func (Base) PrepareCall(ctx context.Context) (context.Context, CallState) {
	return ctx, nil
}

// ServerBuilder collects server-side contributions.
type ServerBuilder struct {
	unary   []grpc.UnaryServerInterceptor
	stream  []grpc.StreamServerInterceptor
	options []grpc.ServerOption
}

func (b *ServerBuilder) AddUnary(i grpc.UnaryServerInterceptor)   { b.unary = append(b.unary, i) }
func (b *ServerBuilder) AddStream(i grpc.StreamServerInterceptor) { b.stream = append(b.stream, i) }
func (b *ServerBuilder) AddOption(o grpc.ServerOption)            { b.options = append(b.options, o) }

// ClientBuilder collects client-side contributions.
type ClientBuilder struct {
	unary  []grpc.UnaryClientInterceptor
	stream []grpc.StreamClientInterceptor
}

func (b *ClientBuilder) AddUnary(i grpc.UnaryClientInterceptor)   { b.unary = append(b.unary, i) }
func (b *ClientBuilder) AddStream(i grpc.StreamClientInterceptor) { b.stream = append(b.stream, i) }

// ChannelBuilder collects dial options for backend channels.
type ChannelBuilder struct {
	options []grpc.DialOption
}

func (b *ChannelBuilder) AddOption(o grpc.DialOption) { b.options = append(b.options, o) }

// Builder composes concerns into an immutable Set.
type Builder struct {
	concerns []Concern
	built    bool
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Add appends a concern. Panics if the set was already built; concern
// composition is a startup-time activity.
func (b *Builder) Add(c Concern) *Builder {
	if b.built {
		panic("concerns: set is already built")
	}
	b.concerns = append(b.concerns, c)
	return b
}

// Build freezes the composition.
func (b *Builder) Build() *Set {
	b.built = true
	concerns := make([]Concern, len(b.concerns))
	copy(concerns, b.concerns)
	return &Set{concerns: concerns}
}

// Set is an immutable ordered list of concerns.
type Set struct {
	concerns []Concern
}

// ServerOptions folds the server-side contributions of every concern. The
// first concern added is the outermost interceptor and fires first on
// inbound calls.
func (s *Set) ServerOptions() []grpc.ServerOption {
	var b ServerBuilder
	for _, c := range s.concerns {
		c.ConfigureServer(&b)
	}

	opts := make([]grpc.ServerOption, 0, len(b.options)+2)
	opts = append(opts, b.options...)
	if len(b.unary) > 0 {
		opts = append(opts, grpc.UnaryInterceptor(ChainUnaryServer(b.unary)))
	}
	if len(b.stream) > 0 {
		opts = append(opts, grpc.StreamInterceptor(ChainStreamServer(b.stream)))
	}
	return opts
}

// ClientInterceptors folds the client-side contributions. Interceptors are
// applied in the order concerns were added, so the first concern runs
// closest to the application and the last closest to the wire.
func (s *Set) ClientInterceptors() (grpc.UnaryClientInterceptor, grpc.StreamClientInterceptor) {
	var b ClientBuilder
	for _, c := range s.concerns {
		c.ConfigureClient(&b)
	}
	return ChainUnaryClient(b.unary), ChainStreamClient(b.stream)
}

// DialOptions folds channel contributions plus the client interceptor
// chains, ready to hand to grpc.NewClient.
func (s *Set) DialOptions() []grpc.DialOption {
	var b ChannelBuilder
	for _, c := range s.concerns {
		c.ConfigureChannel(&b)
	}

	unary, stream := s.ClientInterceptors()
	opts := make([]grpc.DialOption, 0, len(b.options)+2)
	opts = append(opts, b.options...)
	if unary != nil {
		opts = append(opts, grpc.WithUnaryInterceptor(unary))
	}
	if stream != nil {
		opts = append(opts, grpc.WithStreamInterceptor(stream))
	}
	return opts
}

// PrepareCall runs every concern's per-call hook in order and aggregates
// the returned states.
func (s *Set) PrepareCall(ctx context.Context) (context.Context, CallState) {
	var states multiState
	for _, c := range s.concerns {
		next, state := c.PrepareCall(ctx)
		ctx = next
		if state != nil {
			states = append(states, state)
		}
	}
	if len(states) == 0 {
		return ctx, nil
	}
	return ctx, states
}

type multiState []CallState

func (m multiState) Restore(ctx context.Context) context.Context {
	for _, s := range m {
		ctx = s.Restore(ctx)
	}
	return ctx
}

// ChainUnaryServer folds interceptors so interceptors[0] is outermost.
func ChainUnaryServer(interceptors []grpc.UnaryServerInterceptor) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		chained := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			ic, next := interceptors[i], chained
			chained = func(ctx context.Context, req interface{}) (interface{}, error) {
				return ic(ctx, req, info, next)
			}
		}
		return chained(ctx, req)
	}
}

// ChainStreamServer folds interceptors so interceptors[0] is outermost.
func ChainStreamServer(interceptors []grpc.StreamServerInterceptor) grpc.StreamServerInterceptor {
	return func(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		chained := handler
		for i := len(interceptors) - 1; i >= 0; i-- {
			ic, next := interceptors[i], chained
			chained = func(srv interface{}, ss grpc.ServerStream) error {
				return ic(srv, ss, info, next)
			}
		}
		return chained(srv, ss)
	}
}

// ChainUnaryClient folds interceptors in declared order, the first wrapping
// closest to the application.
func ChainUnaryClient(interceptors []grpc.UnaryClientInterceptor) grpc.UnaryClientInterceptor {
	if len(interceptors) == 0 {
		return nil
	}
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		chained := invoker
		for i := len(interceptors) - 1; i >= 0; i-- {
			ic, next := interceptors[i], chained
			chained = func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
				return ic(ctx, method, req, reply, cc, next, opts...)
			}
		}
		return chained(ctx, method, req, reply, cc, opts...)
	}
}

// ChainStreamClient folds interceptors in declared order.
func ChainStreamClient(interceptors []grpc.StreamClientInterceptor) grpc.StreamClientInterceptor {
	if len(interceptors) == 0 {
		return nil
	}
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		chained := streamer
		for i := len(interceptors) - 1; i >= 0; i-- {
			ic, next := interceptors[i], chained
			chained = func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
				return ic(ctx, desc, cc, method, next, opts...)
			}
		}
		return chained(ctx, desc, cc, method, opts...)
	}
}
