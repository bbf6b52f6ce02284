// Package proxy is the gateway core: it accepts client connections,
// negotiates their protocol, routes requests through the translation
// pipeline and owns the backend channels for each inbound connection.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/tracdap/gateway/internal/concerns"
	"github.com/tracdap/gateway/internal/config"
	"github.com/tracdap/gateway/internal/errors"
	"github.com/tracdap/gateway/internal/grpcweb"
	"github.com/tracdap/gateway/internal/logging"
	"github.com/tracdap/gateway/internal/rest"
	"github.com/tracdap/gateway/internal/routing"
	"github.com/tracdap/gateway/internal/websockets"
)

// Gateway is the assembled proxy: routing table, per-route handlers and
// backend dialer.
type Gateway struct {
	cfg      *config.Config
	table    *routing.Table
	backends *Backends
	handlers map[string]func(*ConnChannels) http.Handler

	server *http.Server
	admin  *http.Server

	mu       sync.Mutex
	connsFor map[net.Conn]*ConnChannels
}

// New builds a gateway from validated configuration. Handler construction
// failures (bad descriptors, malformed HTTP rules) are startup-fatal.
func New(cfg *config.Config, set *concerns.Set) (*Gateway, error) {
	g := &Gateway{
		cfg:      cfg,
		table:    routing.NewTable(cfg),
		backends: NewBackends(set),
		handlers: make(map[string]func(*ConnChannels) http.Handler),
		connsFor: make(map[net.Conn]*ConnChannels),
	}

	for i := range cfg.Routes {
		rc := cfg.Routes[i]
		route := g.table.RouteByName(rc.RouteName)
		if route == nil {
			return nil, fmt.Errorf("route %q missing from compiled table", rc.RouteName)
		}

		handler, err := g.buildHandler(rc, route)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", rc.RouteName, err)
		}
		g.handlers[rc.RouteName] = handler
	}

	return g, nil
}

// buildHandler selects the translation pipeline for one route. Handlers
// that call gRPC backends are built per inbound connection so channels are
// scoped to that connection; plain HTTP handlers are shared.
func (g *Gateway) buildHandler(rc config.RouteConfig, route *routing.Route) (func(*ConnChannels) http.Handler, error) {
	maxMsg := defaultMaxMessage
	if route.BulkData {
		maxMsg = dataMaxMessage
	}

	if len(rc.RestServices) > 0 {
		bindings, err := g.compileRestBindings(rc)
		if err != nil {
			return nil, err
		}
		return func(conns *ConnChannels) http.Handler {
			return rest.NewHandler(route.Name, bindings, conns.Provider(route))
		}, nil
	}

	switch rc.GrpcProtocol {
	case config.GrpcWireGRPCWeb:
		return func(conns *ConnChannels) http.Handler {
			return grpcweb.New(route.Name, conns.Provider(route), maxMsg)
		}, nil

	case config.GrpcWireWebSockets:
		return func(conns *ConnChannels) http.Handler {
			ws := websockets.New(route.Name, conns.Provider(route), maxMsg)
			// The relay hijacks the connection, so no further requests can
			// arrive on it; once the relay returns the channels are done.
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ws.ServeHTTP(w, r)
				conns.CloseAll()
			})
		}, nil

	default:
		shared := newReverseProxy(route)
		return func(*ConnChannels) http.Handler { return shared }, nil
	}
}

const defaultMaxMessage = 4 << 20

// compileRestBindings loads the route's descriptor files and compiles the
// HTTP rules of every named service.
func (g *Gateway) compileRestBindings(rc config.RouteConfig) ([]*rest.Binding, error) {
	files, err := loadDescriptors(rc.DescriptorFiles)
	if err != nil {
		return nil, err
	}

	var bindings []*rest.Binding
	for _, name := range rc.RestServices {
		desc, err := files.FindDescriptorByName(protoreflect.FullName(name))
		if err != nil {
			return nil, fmt.Errorf("service %s not found in descriptors: %w", name, err)
		}
		sd, ok := desc.(protoreflect.ServiceDescriptor)
		if !ok {
			return nil, fmt.Errorf("descriptor %s is not a service", name)
		}

		compiled, err := rest.CompileService(sd)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, compiled...)
	}
	return bindings, nil
}

// loadDescriptors reads serialized FileDescriptorSet files into a resolver.
func loadDescriptors(paths []string) (*protoregistry.Files, error) {
	merged := &descriptorpb.FileDescriptorSet{}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("descriptor file %s: %w", path, err)
		}
		var set descriptorpb.FileDescriptorSet
		if err := proto.Unmarshal(data, &set); err != nil {
			return nil, fmt.Errorf("descriptor file %s: %w", path, err)
		}
		merged.File = append(merged.File, set.File...)
	}
	return protodesc.NewFiles(merged)
}

// ServeHTTP is the top-level request entry: redirects, rewrites, route
// lookup, then dispatch into the route's pipeline.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if target, code, ok := g.table.Redirect(r.URL.Path); ok {
		http.Redirect(w, r, target, code)
		return
	}

	path := g.table.Rewrite(r.URL.Path)
	if path != r.URL.Path {
		r = r.Clone(r.Context())
		r.URL.Path = path
	}

	match, allow, ok := g.table.Lookup(r.Host, path, r.Method)
	if !ok {
		if len(allow) > 0 {
			for _, m := range allow {
				w.Header().Add("Allow", m)
			}
			errors.ErrMethodNotAllowed.WriteJSON(w)
			return
		}
		errors.ErrNotFound.WithDetails("no route matches this request").WriteJSON(w)
		return
	}

	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		r = r.WithContext(WithIdempotent(r.Context()))
	}

	build := g.handlers[match.Route.Name]
	build(g.channelsFor(r)).ServeHTTP(w, r)
}

type connChannelsKey struct{}

// channelsFor finds the channel map of the inbound connection carrying
// this request. Requests outside a managed connection (tests, admin) get a
// throwaway map.
func (g *Gateway) channelsFor(r *http.Request) *ConnChannels {
	if conns, ok := r.Context().Value(connChannelsKey{}).(*ConnChannels); ok {
		return conns
	}
	return NewConnChannels(g.backends)
}

// Start runs the client and admin listeners until the context is
// cancelled.
func (g *Gateway) Start(ctx context.Context) error {
	idleTimeout := time.Duration(g.cfg.IdleTimeoutSeconds) * time.Second

	h2s := &http2.Server{
		IdleTimeout: idleTimeout,
	}
	if g.hasBulkRoutes() {
		h2s.MaxReadFrameSize = dataMaxFrame
		h2s.MaxUploadBufferPerStream = dataInitialWindow
		h2s.MaxUploadBufferPerConnection = dataInitialWindow
	}

	g.server = &http.Server{
		Addr:        g.cfg.Listen.Address,
		Handler:     h2c.NewHandler(g, h2s),
		IdleTimeout: idleTimeout,
		ConnContext: g.connContext,
		ConnState:   g.connState,
	}

	listener, err := net.Listen("tcp", g.cfg.Listen.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", g.cfg.Listen.Address, err)
	}

	g.admin = NewAdminServer(g.cfg.Admin.Address)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		g.server.Shutdown(shutdownCtx)
		g.admin.Shutdown(shutdownCtx)
	}()

	go func() {
		logging.Info("admin listener up", zap.String("address", g.cfg.Admin.Address))
		if err := g.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error("admin listener failed", zap.Error(err))
		}
	}()

	logging.Info("gateway listening",
		zap.String("address", g.cfg.Listen.Address),
		zap.Int("routes", len(g.cfg.Routes)))

	err = g.server.Serve(NewListener(listener, idleTimeout))
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (g *Gateway) hasBulkRoutes() bool {
	for _, rc := range g.cfg.Routes {
		if route := g.table.RouteByName(rc.RouteName); route != nil && route.BulkData {
			return true
		}
	}
	return false
}

// connContext attaches a fresh backend channel map to every inbound
// connection; every stream on the connection shares it.
func (g *Gateway) connContext(ctx context.Context, c net.Conn) context.Context {
	conns := NewConnChannels(g.backends)
	g.mu.Lock()
	g.connsFor[c] = conns
	g.mu.Unlock()
	return context.WithValue(ctx, connChannelsKey{}, conns)
}

// connState closes the connection's backend channels once the inbound
// side is gone. Hijacked connections (websockets) are dropped from
// tracking only; the relay closes its own channels when it finishes.
func (g *Gateway) connState(c net.Conn, state http.ConnState) {
	if state != http.StateClosed && state != http.StateHijacked {
		return
	}

	g.mu.Lock()
	conns, ok := g.connsFor[c]
	delete(g.connsFor, c)
	g.mu.Unlock()

	if ok && state == http.StateClosed {
		conns.CloseAll()
	}
}
