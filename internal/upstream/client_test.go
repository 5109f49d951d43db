package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSend_ForwardsMethodHeadersAndBody(t *testing.T) {
	var gotMethod, gotBody string
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Test")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("X-Reply", "ok")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("served"))
	}))
	defer srv.Close()

	c, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	hdr := make(http.Header)
	hdr.Set("X-Test", "v1")
	hdr.Set("Connection", "keep-alive")
	resp, err := c.Send(context.Background(), srv.URL+"/path", "POST", hdr, []byte("hello"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	defer resp.Body.Close()

	if gotMethod != "POST" {
		t.Errorf("expected method POST, got %q", gotMethod)
	}
	if gotHeader != "v1" {
		t.Errorf("expected X-Test header forwarded, got %q", gotHeader)
	}
	if gotBody != "hello" {
		t.Errorf("expected body forwarded, got %q", gotBody)
	}
	if resp.StatusCode != http.StatusTeapot {
		t.Errorf("expected upstream status forwarded, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Reply") != "ok" {
		t.Error("expected response header round-tripped")
	}
}

func TestCopyHeaders_StripsHopByHopAndHost(t *testing.T) {
	dst := make(http.Header)
	src := make(http.Header)
	src.Set("Connection", "keep-alive")
	src.Set("Proxy-Authorization", "secret")
	src.Set("Host", "example.com")
	src.Set("X-Keep", "yes")

	copyHeaders(dst, src)

	if dst.Get("Connection") != "" || dst.Get("Proxy-Authorization") != "" || dst.Get("Host") != "" {
		t.Errorf("expected hop-by-hop and Host stripped, got %+v", dst)
	}
	if dst.Get("X-Keep") != "yes" {
		t.Error("expected non-hop-by-hop header preserved")
	}
}

func TestCopyResponseHeaders_StripsHopByHop(t *testing.T) {
	dst := make(http.Header)
	src := make(http.Header)
	src.Set("Upgrade", "websocket")
	src.Set("X-Keep", "yes")

	CopyResponseHeaders(dst, src)

	if dst.Get("Upgrade") != "" {
		t.Error("expected Upgrade header stripped")
	}
	if dst.Get("X-Keep") != "yes" {
		t.Error("expected non-hop-by-hop header preserved")
	}
}

func TestWebSocketURL_RewritesScheme(t *testing.T) {
	tests := []struct{ in, want string }{
		{"http://example.com/chat", "ws://example.com/chat"},
		{"https://example.com/chat", "wss://example.com/chat"},
		{"ftp://example.com/x", "ftp://example.com/x"},
	}
	for _, tt := range tests {
		got, err := WebSocketURL(tt.in)
		if err != nil {
			t.Fatalf("WebSocketURL(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("WebSocketURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWebSocketURL_InvalidURL(t *testing.T) {
	if _, err := WebSocketURL("://bad"); err == nil {
		t.Error("expected error for malformed url")
	}
}

func TestNew_CustomEgressInvalidURL(t *testing.T) {
	_, err := New(Config{Egress: EgressCustom, EgressURL: "://bad"})
	if err == nil {
		t.Error("expected error constructing client with malformed egress url")
	}
}
