package dispatch

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lynxproxy/lynxgo/internal/upstream"
)

func TestIsWebSocketUpgrade(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("Connection", "Upgrade")
	r.Header.Set("Upgrade", "websocket")
	if !isWebSocketUpgrade(r) {
		t.Error("expected websocket upgrade to be detected")
	}

	plain := httptest.NewRequest(http.MethodGet, "/x", nil)
	if isWebSocketUpgrade(plain) {
		t.Error("expected plain request to not be a websocket upgrade")
	}
}

func TestSingleConnListener_AcceptOnceThenBlocks(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	l := newSingleConnListener(server)

	conn, err := l.Accept()
	if err != nil || conn != server {
		t.Fatalf("expected first Accept to return the wrapped conn, got %v, %v", conn, err)
	}

	done := make(chan struct{})
	go func() {
		l.Accept()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Accept should block until Close")
	case <-time.After(50 * time.Millisecond):
	}

	l.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected second Accept to unblock after Close")
	}
}

func TestSingleConnListener_Addr(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	l := newSingleConnListener(server)
	if l.Addr() != server.LocalAddr() {
		t.Error("expected Addr to return the wrapped conn's local address")
	}
}

func TestTunnel_SplicesBothDirections(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer upstreamLn.Close()

	upstreamDone := make(chan struct{})
	go func() {
		defer close(upstreamDone)
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		io.ReadFull(conn, buf)
		conn.Write([]byte("world"))
	}()

	client, proxySide := net.Pipe()
	defer client.Close()

	d := New(Dependencies{Client: mustUpstreamClient(t)})

	tunnelDone := make(chan struct{})
	go func() {
		defer close(tunnelDone)
		d.tunnel(proxySide, upstreamLn.Addr().String(), "1.2.3.4:5678")
	}()

	reader := bufio.NewReader(client)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading CONNECT response: %v", err)
	}
	if line != "HTTP/1.1 200 Connection Established\r\n" {
		t.Fatalf("unexpected CONNECT response line: %q", line)
	}
	// consume the trailing blank line
	reader.ReadString('\n')

	if _, err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	reply := make([]byte, 5)
	if _, err := io.ReadFull(reader, reply); err != nil {
		t.Fatalf("reading spliced reply: %v", err)
	}
	if string(reply) != "world" {
		t.Errorf("expected spliced reply \"world\", got %q", reply)
	}

	client.Close()
	<-tunnelDone
	<-upstreamDone
}

func mustUpstreamClient(t *testing.T) *upstream.Client {
	t.Helper()
	c, err := upstream.New(upstream.Config{})
	if err != nil {
		t.Fatalf("upstream.New: %v", err)
	}
	return c
}
