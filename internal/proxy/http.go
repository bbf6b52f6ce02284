package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"

	"github.com/tracdap/gateway/internal/config"
	"github.com/tracdap/gateway/internal/errors"
	"github.com/tracdap/gateway/internal/logging"
	"github.com/tracdap/gateway/internal/metrics"
	"github.com/tracdap/gateway/internal/routing"
)

// newReverseProxy builds the HTTP handler for a non-translated route: web
// content over HTTP/1.1 or HTTP/2, and native gRPC passed through on an
// HTTP/2 cleartext transport. Each inbound request becomes one stream on a
// multiplexed backend connection.
func newReverseProxy(route *routing.Route) http.Handler {
	target := fmt.Sprintf("%s:%d", route.Target.Host, route.Target.Port)

	proxy := &httputil.ReverseProxy{
		Director: func(r *http.Request) {
			r.URL.Scheme = "http"
			r.URL.Host = target
		},
		Transport:     transportFor(route),
		FlushInterval: 100 * time.Millisecond,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logging.Warn("backend request failed",
				zap.String("route", route.Name),
				zap.String("path", r.URL.Path),
				zap.Error(err))
			metrics.RequestsTotal.WithLabelValues(route.Name, "http", "503").Inc()
			errors.ErrServiceUnavailable.WriteJSON(w)
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		proxy.ServeHTTP(w, r)
		metrics.RequestDuration.WithLabelValues(route.Name, "http").Observe(time.Since(started).Seconds())
	})
}

// transportFor picks the backend transport by target protocol. HTTP/2 and
// gRPC targets use a cleartext HTTP/2 transport; gRPC requires it, and web
// targets declared http/2 get per-request multiplexing. Data-API routes
// carry enlarged frame settings.
func transportFor(route *routing.Route) http.RoundTripper {
	switch route.Target.Protocol {
	case config.ProtocolHTTP2, config.ProtocolGRPC:
		t := &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
			ReadIdleTimeout: 30 * time.Second,
			PingTimeout:     10 * time.Second,
		}
		if route.BulkData {
			t.MaxReadFrameSize = dataMaxFrame
		}
		return t

	default:
		return &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: time.Second,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
		}
	}
}
