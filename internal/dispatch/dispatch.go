package dispatch

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"

	"github.com/lynxproxy/lynxgo/internal/capturefilter"
	"github.com/lynxproxy/lynxgo/internal/certstore"
	"github.com/lynxproxy/lynxgo/internal/eventbus"
	"github.com/lynxproxy/lynxgo/internal/pipeline"
	"github.com/lynxproxy/lynxgo/internal/rules"
	"github.com/lynxproxy/lynxgo/internal/upstream"
)

// Dependencies is the set of connection-scoped extensions every accepted
// connection is handed: CertStore, EventBus, capture Filter,
// UpstreamClient, RuleStore, the self-service prefix and handler, and the
// body/handshake limits — ClientAddr and TraceId are added
// per-connection/request.
type Dependencies struct {
	CertStore          *certstore.Store
	Bus                *eventbus.Bus
	Filter             *capturefilter.Filter
	Client             *upstream.Client
	RuleStore          *rules.Store
	SelfServicePrefix  string
	SelfServiceHandler http.Handler
	MaxBodyBytes       int64
	HandshakeTimeout   time.Duration
}

// Dispatcher drives one accepted connection to completion: HTTP/1.x or
// HTTP/2 parsing with upgrade support, CONNECT+TLS MITM, WebSocket upgrade
// detection, and opaque TCP tunneling.
type Dispatcher struct {
	deps Dependencies
}

// New builds a Dispatcher over deps.
func New(deps Dependencies) *Dispatcher {
	if deps.HandshakeTimeout <= 0 {
		deps.HandshakeTimeout = 10 * time.Second
	}
	return &Dispatcher{deps: deps}
}

func (d *Dispatcher) newPipeline(clientAddr string) *pipeline.Pipeline {
	return pipeline.New(pipeline.Extensions{
		ClientAddr:   clientAddr,
		Bus:          d.deps.Bus,
		RuleStore:    d.deps.RuleStore,
		Filter:       d.deps.Filter,
		Client:       d.deps.Client,
		MaxBodyBytes: d.deps.MaxBodyBytes,
	}, d.deps.SelfServicePrefix, d.deps.SelfServiceHandler)
}

// serveConnSafely recovers from a per-connection panic so one misbehaving
// client can never bring down the Listener.
func (d *Dispatcher) serveConnSafely(conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("connection panic recovered", "remote", conn.RemoteAddr(), "panic", r)
		}
		conn.Close()
	}()
	d.ServeConn(conn)
}

// ServeConn drives one plaintext, not-yet-TLS connection.
func (d *Dispatcher) ServeConn(conn net.Conn) {
	clientAddr := conn.RemoteAddr().String()
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d.route(w, r, clientAddr, false)
		}),
	}
	srv.Serve(newSingleConnListener(conn))
}

// route is the per-request dispatch point shared by plaintext and
// TLS-terminated connections: CONNECT, WebSocket upgrade, or plain HTTP
// through the pipeline.
func (d *Dispatcher) route(w http.ResponseWriter, r *http.Request, clientAddr string, tlsTerminated bool) {
	if tlsTerminated {
		r.URL.Scheme = "https"
		if r.URL.Host == "" {
			r.URL.Host = r.Host
		}
	}

	switch {
	case r.Method == http.MethodConnect:
		d.handleConnect(w, r, clientAddr)
	case isWebSocketUpgrade(r):
		d.handleWebSocket(w, r, clientAddr)
	default:
		d.newPipeline(clientAddr).ServeHTTP(w, r)
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Connection"), "Upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// handleConnect answers a CONNECT with either MITM (reply 200, TLS accept,
// recursively serve HTTP/1.x and HTTP/2) or opaque tunneling, decided by
// the capture filter's include/exclude policy for the target host.
func (d *Dispatcher) handleConnect(w http.ResponseWriter, r *http.Request, clientAddr string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "connection does not support hijacking", http.StatusInternalServerError)
		return
	}

	authority := certstore.ParseAuthority(r.Host)
	mitm := d.deps.Filter == nil || d.deps.Filter.ShouldMITM(authority.Host)

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		slog.Error("hijack failed", "error", err)
		return
	}

	if !mitm {
		d.tunnel(clientConn, r.Host, clientAddr)
		return
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		clientConn.Close()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.deps.HandshakeTimeout)
	tlsCfg, err := d.deps.CertStore.ServerConfig(ctx, authority)
	cancel()
	if err != nil {
		slog.Error("minting leaf certificate for CONNECT target", "authority", authority.String(), "error", err)
		clientConn.Close()
		return
	}

	tlsConn := tls.Server(clientConn, tlsCfg)
	hsCtx, hsCancel := context.WithTimeout(context.Background(), d.deps.HandshakeTimeout)
	defer hsCancel()
	if err := tlsConn.HandshakeContext(hsCtx); err != nil {
		slog.Warn("TLS handshake with client failed", "authority", authority.String(), "error", err)
		tlsConn.Close()
		return
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Host = authority.String()
		d.route(w, r, clientAddr, true)
	})

	srv := &http.Server{Handler: handler}
	if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
		slog.Warn("configuring http2 on MITM connection", "error", err)
	}
	srv.Serve(newSingleConnListener(tlsConn))
}

// tunnel splices clientConn to a raw TCP connection to target, without
// attempting TLS interception.
func (d *Dispatcher) tunnel(clientConn net.Conn, target, clientAddr string) {
	defer clientConn.Close()

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	upstreamConn, err := net.DialTimeout("tcp", target, 10*time.Second)
	if err != nil {
		slog.Warn("dialing opaque tunnel target", "target", target, "error", err)
		return
	}
	defer upstreamConn.Close()

	traceID := uuid.NewString()
	bus := d.deps.Bus
	if bus != nil {
		bus.Publish(eventbus.Event{Kind: eventbus.TunnelStart, TraceID: traceID, At: time.Now()})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(upstreamConn, clientConn) }()
	go func() { defer wg.Done(); io.Copy(clientConn, upstreamConn) }()
	wg.Wait()

	if bus != nil {
		bus.Publish(eventbus.Event{Kind: eventbus.TunnelEnd, TraceID: traceID, At: time.Now()})
	}
	_ = clientAddr
}

// singleConnListener adapts one already-accepted net.Conn into a
// net.Listener with exactly one real Accept, letting http.Server's
// internal per-connection keep-alive loop own that conn afterward. This is
// the standard way to hand a hijacked/TLS-upgraded connection back into
// net/http without a second real listening socket.
type singleConnListener struct {
	conn   net.Conn
	once   sync.Once
	taken  chan struct{}
	closed chan struct{}
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	return &singleConnListener{conn: conn, taken: make(chan struct{}), closed: make(chan struct{})}
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	select {
	case <-l.taken:
		<-l.closed
		return nil, io.EOF
	default:
	}
	close(l.taken)
	return l.conn, nil
}

func (l *singleConnListener) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}

func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }
