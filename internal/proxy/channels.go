package proxy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/tracdap/gateway/internal/concerns"
	"github.com/tracdap/gateway/internal/logging"
	"github.com/tracdap/gateway/internal/metrics"
	"github.com/tracdap/gateway/internal/routing"
)

// Flow settings for routes serving the data API.
const (
	dataMaxFrame      = 256 << 10 // 256 KiB
	dataInitialWindow = 16 << 20  // 16 MiB
	dataMaxMessage    = 256 << 20
)

// backendConn is the slice of *grpc.ClientConn the channel map needs. Tests
// substitute fakes.
type backendConn interface {
	grpc.ClientConnInterface
	Close() error
}

// Backends dials backend channels and guards each route with a circuit
// breaker, so a dead backend fails fast instead of queueing dials.
type Backends struct {
	concerns *concerns.Set
	dialFn   func(route *routing.Route) (backendConn, error)

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[backendConn]
}

// NewBackends builds the dialer. The concern set contributes dial options
// to every channel.
func NewBackends(set *concerns.Set) *Backends {
	b := &Backends{
		concerns: set,
		breakers: make(map[string]*gobreaker.CircuitBreaker[backendConn]),
	}
	b.dialFn = b.dial
	return b
}

func (b *Backends) dial(route *routing.Route) (backendConn, error) {
	target := fmt.Sprintf("%s:%d", route.Target.Host, route.Target.Port)

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
	if b.concerns != nil {
		opts = append(opts, b.concerns.DialOptions()...)
	}
	if route.BulkData {
		opts = append(opts,
			grpc.WithInitialWindowSize(dataInitialWindow),
			grpc.WithInitialConnWindowSize(dataInitialWindow),
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(dataMaxMessage),
				grpc.MaxCallSendMsgSize(dataMaxMessage),
			))
	}

	return grpc.NewClient(target, opts...)
}

// open dials through the route's breaker.
func (b *Backends) open(route *routing.Route) (backendConn, error) {
	return b.breaker(route).Execute(func() (backendConn, error) {
		conn, err := b.dialFn(route)
		if err != nil {
			return nil, err
		}
		metrics.BackendChannelOpens.WithLabelValues(route.Name).Inc()
		return conn, nil
	})
}

func (b *Backends) breaker(route *routing.Route) *gobreaker.CircuitBreaker[backendConn] {
	b.mu.Lock()
	defer b.mu.Unlock()

	cb, ok := b.breakers[route.Name]
	if !ok {
		cb = gobreaker.NewCircuitBreaker[backendConn](gobreaker.Settings{
			Name:    route.Name,
			Timeout: 5 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logging.Warn("backend breaker state change",
					zap.String("route", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		b.breakers[route.Name] = cb
	}
	return cb
}

// ConnChannels is the per-inbound-connection map of backend channels.
// Channels open lazily on first use and are reused by every stream on the
// same inbound connection; closing the inbound connection closes them all.
type ConnChannels struct {
	backends *Backends

	mu       sync.Mutex
	channels map[string]backendConn
	closed   bool
}

// NewConnChannels creates an empty channel map bound to one inbound
// connection.
func NewConnChannels(backends *Backends) *ConnChannels {
	return &ConnChannels{
		backends: backends,
		channels: make(map[string]backendConn),
	}
}

func (c *ConnChannels) open(route *routing.Route) (backendConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, status.Error(codes.Unavailable, "connection is closing")
	}
	if conn, ok := c.channels[route.Name]; ok {
		return conn, nil
	}

	conn, err := c.backends.open(route)
	if err != nil {
		return nil, err
	}
	c.channels[route.Name] = conn
	return conn, nil
}

// evict drops a failed channel so the next call dials fresh.
func (c *ConnChannels) evict(route *routing.Route) {
	c.mu.Lock()
	conn, ok := c.channels[route.Name]
	delete(c.channels, route.Name)
	c.mu.Unlock()

	if ok {
		conn.Close()
		metrics.BackendChannelEvictions.WithLabelValues(route.Name).Inc()
	}
}

// CloseAll closes every backend channel opened by this inbound connection.
func (c *ConnChannels) CloseAll() {
	c.mu.Lock()
	channels := c.channels
	c.channels = make(map[string]backendConn)
	c.closed = true
	c.mu.Unlock()

	for _, conn := range channels {
		conn.Close()
	}
}

// Provider binds the channel map to one route, satisfying the translators'
// channel provider interfaces.
func (c *ConnChannels) Provider(route *routing.Route) *RouteChannel {
	return &RouteChannel{conns: c, route: route}
}

// RouteChannel is a lazy, self-healing channel for one route. Unary calls
// on an idempotent context get a single transparent retry on UNAVAILABLE,
// with the failed channel evicted first.
type RouteChannel struct {
	conns *ConnChannels
	route *routing.Route
}

// Channel satisfies the translator provider interfaces. The dial itself is
// deferred to the first call on the returned connection.
func (rc *RouteChannel) Channel(ctx context.Context) (grpc.ClientConnInterface, error) {
	return rc, nil
}

func (rc *RouteChannel) Invoke(ctx context.Context, method string, args, reply interface{}, opts ...grpc.CallOption) error {
	prepared, state := rc.prepare(ctx)

	attempt := 0
	op := func() error {
		callCtx := prepared
		if attempt > 0 && state != nil {
			callCtx = state.Restore(ctx)
		}

		conn, err := rc.conns.open(rc.route)
		if err != nil {
			return backoff.Permanent(err)
		}

		err = conn.Invoke(callCtx, method, args, reply, opts...)
		if err == nil {
			return nil
		}
		if attempt == 0 && status.Code(err) == codes.Unavailable && IsIdempotent(ctx) {
			attempt++
			rc.conns.evict(rc.route)
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 1), ctx)
	return backoff.Retry(op, policy)
}

// NewStream opens a backend stream. Streams are never retried: a broken
// stream surfaces UNAVAILABLE to the client and evicts the channel.
func (rc *RouteChannel) NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
	prepared, _ := rc.prepare(ctx)

	conn, err := rc.conns.open(rc.route)
	if err != nil {
		return nil, err
	}

	stream, err := conn.NewStream(prepared, desc, method, opts...)
	if err != nil {
		if status.Code(err) == codes.Unavailable {
			rc.conns.evict(rc.route)
		}
		return nil, err
	}
	return stream, nil
}

func (rc *RouteChannel) prepare(ctx context.Context) (context.Context, concerns.CallState) {
	if rc.conns.backends.concerns == nil {
		return ctx, nil
	}
	return rc.conns.backends.concerns.PrepareCall(ctx)
}

type idempotentKey struct{}

// WithIdempotent marks the request context as safe to retry once. The
// gateway sets it for GET and HEAD requests.
func WithIdempotent(ctx context.Context) context.Context {
	return context.WithValue(ctx, idempotentKey{}, true)
}

// IsIdempotent reports whether the context allows a transparent retry.
func IsIdempotent(ctx context.Context) bool {
	v, _ := ctx.Value(idempotentKey{}).(bool)
	return v
}
