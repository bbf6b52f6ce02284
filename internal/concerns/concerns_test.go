package concerns

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	gwerrors "github.com/tracdap/gateway/internal/errors"
)

// recordingConcern tags the trace on the way in and out of each call.
type recordingConcern struct {
	Base
	name  string
	trace *[]string
}

func (c recordingConcern) Name() string { return c.name }

func (c recordingConcern) ConfigureServer(b *ServerBuilder) {
	b.AddUnary(func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		*c.trace = append(*c.trace, c.name+":in")
		resp, err := handler(ctx, req)
		*c.trace = append(*c.trace, c.name+":out")
		return resp, err
	})
}

func (c recordingConcern) ConfigureClient(b *ClientBuilder) {
	b.AddUnary(func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		*c.trace = append(*c.trace, c.name)
		return invoker(ctx, method, req, reply, cc, opts...)
	})
}

func TestServerInterceptorOrder(t *testing.T) {
	var trace []string
	set := NewBuilder().
		Add(recordingConcern{name: "first", trace: &trace}).
		Add(recordingConcern{name: "second", trace: &trace}).
		Build()

	var b ServerBuilder
	for _, c := range set.concerns {
		c.ConfigureServer(&b)
	}
	chain := ChainUnaryServer(b.unary)

	info := &grpc.UnaryServerInfo{FullMethod: "/test.Svc/Call"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		trace = append(trace, "handler")
		return "ok", nil
	}

	if _, err := chain(context.Background(), nil, info, handler); err != nil {
		t.Fatalf("chain: %v", err)
	}

	// The first declared concern is outermost.
	want := []string{"first:in", "second:in", "handler", "second:out", "first:out"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v", trace)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}

func TestClientInterceptorOrder(t *testing.T) {
	var trace []string
	set := NewBuilder().
		Add(recordingConcern{name: "first", trace: &trace}).
		Add(recordingConcern{name: "second", trace: &trace}).
		Build()

	unary, _ := set.ClientInterceptors()
	invoker := func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		trace = append(trace, "invoke")
		return nil
	}

	if err := unary(context.Background(), "/test.Svc/Call", nil, nil, nil, invoker); err != nil {
		t.Fatalf("chain: %v", err)
	}

	want := []string{"first", "second", "invoke"}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace = %v, want %v", trace, want)
		}
	}
}

func TestBuilderImmutableAfterBuild(t *testing.T) {
	var trace []string
	b := NewBuilder().Add(recordingConcern{name: "first", trace: &trace})
	b.Build()

	defer func() {
		if recover() == nil {
			t.Error("add after build did not panic")
		}
	}()
	b.Add(recordingConcern{name: "late", trace: &trace})
}

func TestErrorMapping(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/test.Svc/Call"}

	var b ServerBuilder
	ErrorMapping().ConfigureServer(&b)
	chain := ChainUnaryServer(b.unary)

	// Gateway errors keep their code.
	_, err := chain(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, gwerrors.ErrNotFound
	})
	if status.Code(err) != codes.NotFound {
		t.Errorf("code = %v, want NotFound", status.Code(err))
	}

	// Status errors pass through untouched.
	_, err = chain(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.AlreadyExists, "duplicate")
	})
	if status.Code(err) != codes.AlreadyExists {
		t.Errorf("code = %v, want AlreadyExists", status.Code(err))
	}

	// Unexpected errors become INTERNAL with a generic message.
	_, err = chain(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, errors.New("nil pointer somewhere")
	})
	st, _ := status.FromError(err)
	if st.Code() != codes.Internal {
		t.Errorf("code = %v, want Internal", st.Code())
	}
	if got := st.Message(); got == "nil pointer somewhere" {
		t.Errorf("internal detail leaked to client: %q", got)
	}
}

type fakeValidator struct {
	token     string
	principal Principal
}

func (v fakeValidator) Validate(ctx context.Context, token string) (Principal, error) {
	if token != v.token {
		return Principal{}, errors.New("unknown token")
	}
	return v.principal, nil
}

func TestAuthConcern(t *testing.T) {
	validator := fakeValidator{token: "tok-1", principal: Principal{Subject: "alice"}}

	var b ServerBuilder
	Auth(validator).ConfigureServer(&b)
	chain := ChainUnaryServer(b.unary)
	info := &grpc.UnaryServerInfo{FullMethod: "/test.Svc/Call"}

	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		p, ok := PrincipalFrom(ctx)
		if !ok || p.Subject != "alice" {
			t.Errorf("principal = %+v, ok = %v", p, ok)
		}
		return "ok", nil
	}

	ctx := metadata.NewIncomingContext(context.Background(),
		metadata.Pairs("authorization", "Bearer tok-1"))
	if _, err := chain(ctx, nil, info, handler); err != nil {
		t.Fatalf("authenticated call: %v", err)
	}

	cases := []struct {
		name string
		md   metadata.MD
	}{
		{"missing header", metadata.Pairs()},
		{"not bearer", metadata.Pairs("authorization", "Basic dXNlcg==")},
		{"empty token", metadata.Pairs("authorization", "Bearer ")},
		{"wrong token", metadata.Pairs("authorization", "Bearer nope")},
	}
	for _, tc := range cases {
		ctx := metadata.NewIncomingContext(context.Background(), tc.md)
		_, err := chain(ctx, nil, info, handler)
		if status.Code(err) != codes.Unauthenticated {
			t.Errorf("%s: code = %v, want Unauthenticated", tc.name, status.Code(err))
		}
	}
}

func TestMetadataPropagation(t *testing.T) {
	set := NewBuilder().Add(MetadataPropagation()).Build()

	inbound := metadata.Pairs(
		"authorization", "Bearer tok-1",
		"x-trac-request", "req-9",
		"content-length", "42", // not propagated
	)
	ctx := metadata.NewIncomingContext(context.Background(), inbound)

	prepared, state := set.PrepareCall(ctx)
	if state == nil {
		t.Fatal("expected call state")
	}

	outgoing, ok := metadata.FromOutgoingContext(prepared)
	if !ok {
		t.Fatal("no outgoing metadata")
	}
	if got := outgoing.Get("authorization"); len(got) != 1 || got[0] != "Bearer tok-1" {
		t.Errorf("authorization = %v", got)
	}
	if got := outgoing.Get("x-trac-request"); len(got) != 1 || got[0] != "req-9" {
		t.Errorf("x-trac-request = %v", got)
	}
	if got := outgoing.Get("content-length"); len(got) != 0 {
		t.Errorf("content-length leaked: %v", got)
	}

	// A retry starts from a fresh context; restore brings the headers back.
	restored := state.Restore(context.Background())
	outgoing, ok = metadata.FromOutgoingContext(restored)
	if !ok || len(outgoing.Get("authorization")) != 1 {
		t.Errorf("restored metadata = %v", outgoing)
	}

	// Explicit values on the retry context win over restored ones.
	override := metadata.NewOutgoingContext(context.Background(),
		metadata.Pairs("authorization", "Bearer rotated"))
	outgoing, _ = metadata.FromOutgoingContext(state.Restore(override))
	if got := outgoing.Get("authorization"); len(got) != 1 || got[0] != "Bearer rotated" {
		t.Errorf("override lost: %v", got)
	}
}
