// Package upstream implements the pooled HTTP(S)+WebSocket client the
// pipeline hands (possibly modified) requests to. Pool
// tuning follows a hand-tuned http.Transport with deliberate idle-conn
// limits and ALPN preference, and hop-by-hop headers are stripped before
// forwarding, same as any well-behaved reverse proxy.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

func newBodyReader(body []byte) io.Reader {
	return bytes.NewReader(body)
}

// EgressMode selects how outbound connections reach the public internet.
type EgressMode int

const (
	EgressNone EgressMode = iota
	EgressSystem
	EgressCustom
)

// Config configures the pooled client.
type Config struct {
	Egress         EgressMode
	EgressURL      string // used when Egress == EgressCustom
	CustomRoots    *x509.CertPool
	RequestTimeout time.Duration // default 30s
}

// Client is the pooled HTTP(S) client shared across requests.
type Client struct {
	http *http.Client
}

// New builds a Client with connection pooling and ALPN preference
// h2,http/1.1,http/1.0, matching a hand-tuned transport.
func New(cfg Config) (*Client, error) {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     120 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSClientConfig: &tls.Config{
			RootCAs:    cfg.CustomRoots, // nil = system webpki roots
			NextProtos: []string{"h2", "http/1.1", "http/1.0"},
		},
	}

	switch cfg.Egress {
	case EgressSystem:
		transport.Proxy = http.ProxyFromEnvironment
	case EgressCustom:
		u, err := url.Parse(cfg.EgressURL)
		if err != nil {
			return nil, fmt.Errorf("parsing egress proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}, nil
}

var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// Send forwards req to targetURL, copying headers minus hop-by-hop and
// Host, and returns the raw response. The caller owns closing the body.
func (c *Client) Send(ctx context.Context, targetURL, method string, headers http.Header, body []byte) (*http.Response, error) {
	upstreamReq, err := http.NewRequestWithContext(ctx, method, targetURL, newBodyReader(body))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	copyHeaders(upstreamReq.Header, headers)
	upstreamReq.ContentLength = int64(len(body))

	resp, err := c.http.Do(upstreamReq)
	if err != nil {
		return nil, fmt.Errorf("forwarding to upstream %s: %w", targetURL, err)
	}
	return resp, nil
}

// WebSocketURL rewrites an http(s) URL to its ws(s) equivalent, per the
// "rewrite scheme http→ws / https→wss" contract the dispatcher relies on.
func WebSocketURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url for websocket upgrade: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String(), nil
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] {
			continue
		}
		if strings.EqualFold(key, "Host") {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

// CopyResponseHeaders copies response headers from src to dst, skipping
// hop-by-hop headers.
func CopyResponseHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeaders[key] {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
