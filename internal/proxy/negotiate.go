package proxy

import (
	"bytes"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/tracdap/gateway/internal/metrics"
)

// Protocol is the wire protocol negotiated for one inbound connection.
// Once selected it never changes for the life of the connection.
type Protocol string

const (
	ProtoHTTP2     Protocol = "http2"
	ProtoH2C       Protocol = "h2c"
	ProtoWebSocket Protocol = "websocket"
	ProtoHTTP1     Protocol = "http1"
	ProtoUnknown   Protocol = "unknown"
)

// Classify inspects the first bytes read from a connection and names the
// protocol. HTTP/2 prior knowledge is the connection preface; upgrades are
// recognised from the HTTP/1.1 header block; anything else that parses as
// a request line is plain HTTP/1.1.
func Classify(initial []byte) Protocol {
	if len(initial) == 0 {
		return ProtoUnknown
	}

	preface := []byte(http2.ClientPreface)
	if bytes.HasPrefix(initial, preface) || bytes.HasPrefix(preface, initial) {
		return ProtoHTTP2
	}

	headers := strings.ToLower(string(initial))
	if idx := strings.Index(headers, "\r\n\r\n"); idx != -1 {
		headers = headers[:idx]
	}
	if strings.Contains(headers, "upgrade: h2c") {
		return ProtoH2C
	}
	if strings.Contains(headers, "upgrade: websocket") {
		return ProtoWebSocket
	}
	return ProtoHTTP1
}

// idleConn enforces the configured idle timeout on a connection. The
// deadline is pushed forward on every read and write, so any inbound or
// outbound frame resets the timer; a fully idle connection times out and
// closes.
type idleConn struct {
	net.Conn
	timeout time.Duration

	classifyOnce sync.Once
	closeOnce    sync.Once
	protocol     Protocol
}

func newIdleConn(conn net.Conn, timeout time.Duration) *idleConn {
	return &idleConn{Conn: conn, timeout: timeout}
}

func (c *idleConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		c.Conn.SetDeadline(time.Now().Add(c.timeout))
	}
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.classifyOnce.Do(func() {
			c.protocol = Classify(p[:n])
			metrics.ActiveConnections.WithLabelValues(string(c.protocol)).Inc()
		})
	}
	return n, err
}

func (c *idleConn) Write(p []byte) (int, error) {
	if c.timeout > 0 {
		c.Conn.SetDeadline(time.Now().Add(c.timeout))
	}
	return c.Conn.Write(p)
}

func (c *idleConn) Close() error {
	c.closeOnce.Do(func() {
		if c.protocol != "" {
			metrics.ActiveConnections.WithLabelValues(string(c.protocol)).Dec()
		}
	})
	return c.Conn.Close()
}

// Listener wraps an accepted listener so every connection carries the idle
// timeout and protocol accounting.
type Listener struct {
	net.Listener
	timeout time.Duration
}

// NewListener wraps l with the configured idle timeout.
func NewListener(l net.Listener, timeout time.Duration) *Listener {
	return &Listener{Listener: l, timeout: timeout}
}

func (l *Listener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return newIdleConn(conn, l.timeout), nil
}
