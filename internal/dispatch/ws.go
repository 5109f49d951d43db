package dispatch

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lynxproxy/lynxgo/internal/eventbus"
	"github.com/lynxproxy/lynxgo/internal/upstream"
)

// wsUpgrader upgrades the client-facing side. CheckOrigin always allows:
// the proxy is intentionally intercepting third-party traffic, not serving
// a same-origin app, so origin checks would reject every real client.
var wsUpgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// handleWebSocket dials the upstream with the scheme rewritten ws/wss,
// upgrades the client side, then relays frames in both directions,
// emitting WebSocketStart/WebSocketMessage/WebSocketError events for
// capture.
func (d *Dispatcher) handleWebSocket(w http.ResponseWriter, r *http.Request, clientAddr string) {
	targetURL, err := upstream.WebSocketURL(absoluteURL(r))
	if err != nil {
		http.Error(w, "invalid websocket target", http.StatusBadGateway)
		return
	}

	dialHeader := make(http.Header)
	for k, vs := range r.Header {
		if isWSHopByHop(k) {
			continue
		}
		for _, v := range vs {
			dialHeader.Add(k, v)
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	upstreamConn, upstreamResp, err := dialer.Dial(targetURL, dialHeader)
	if err != nil {
		status := http.StatusBadGateway
		if upstreamResp != nil {
			status = upstreamResp.StatusCode
		}
		http.Error(w, "websocket upstream dial failed", status)
		return
	}
	defer upstreamConn.Close()

	clientConn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer clientConn.Close()

	traceID := uuid.NewString()
	bus := d.deps.Bus
	if bus != nil {
		bus.Publish(eventbus.Event{Kind: eventbus.WebSocketStart, TraceID: traceID, At: time.Now()})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		relayWS(clientConn, upstreamConn, traceID, eventbus.WSDirectionClientToServer, bus)
	}()
	go func() {
		defer wg.Done()
		relayWS(upstreamConn, clientConn, traceID, eventbus.WSDirectionServerToClient, bus)
	}()
	wg.Wait()
	_ = clientAddr
}

func relayWS(src, dst *websocket.Conn, traceID string, dir eventbus.WSDirection, bus *eventbus.Bus) {
	for {
		kind, data, err := src.ReadMessage()
		if err != nil {
			if bus != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				bus.Publish(eventbus.Event{Kind: eventbus.WebSocketError, TraceID: traceID, Reason: err.Error()})
			}
			return
		}
		if bus != nil {
			bus.Publish(eventbus.Event{
				Kind:    eventbus.WebSocketMessage,
				TraceID: traceID,
				WSFrame: &eventbus.WSFrame{
					Direction:   dir,
					TimestampMs: time.Now().UnixMilli(),
					FrameKind:   wsFrameKindName(kind),
					FrameBytes:  data,
				},
			})
		}
		if err := dst.WriteMessage(kind, data); err != nil {
			return
		}
	}
}

func wsFrameKindName(kind int) string {
	switch kind {
	case websocket.TextMessage:
		return "text"
	case websocket.BinaryMessage:
		return "binary"
	case websocket.CloseMessage:
		return "close"
	case websocket.PingMessage:
		return "ping"
	case websocket.PongMessage:
		return "pong"
	default:
		return "unknown"
	}
}

func isWSHopByHop(name string) bool {
	switch strings.ToLower(name) {
	case "connection", "upgrade", "sec-websocket-key", "sec-websocket-version",
		"sec-websocket-extensions", "sec-websocket-protocol":
		return true
	default:
		return false
	}
}

func absoluteURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
