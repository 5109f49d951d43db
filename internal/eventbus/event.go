// Package eventbus implements the lifecycle event broadcast (EventBus) and
// the in-memory request record store (CaptureStore). The broadcast
// concurrency model — one hub goroutine owning
// subscriber registration/unregistration and per-subscriber send queues
// that drop on backpressure — is adapted from the single-goroutine
// WebSocket broadcast hub.
package eventbus

import "time"

// Kind enumerates the lifecycle events a trace can emit.
type Kind int

const (
	RequestStart Kind = iota
	RequestBody
	RequestEnd
	ProxyStart
	ResponseStart
	ResponseBody
	ProxyEnd
	TunnelStart
	TunnelEnd
	WebSocketStart
	WebSocketMessage
	WebSocketError
	Error
	RuleDecision
)

func (k Kind) String() string {
	names := [...]string{
		"requestStart", "requestBody", "requestEnd",
		"proxyStart", "responseStart", "responseBody", "proxyEnd",
		"tunnelStart", "tunnelEnd",
		"websocketStart", "websocketMessage", "websocketError",
		"error", "ruleDecision",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "unknown"
}

// RequestMeta mirrors the request-side metadata captured per trace.
type RequestMeta struct {
	Method         string
	URL            string
	Version        string
	Headers        map[string][]string
	HeaderByteSize int
}

// ResponseMeta mirrors the response-side metadata captured per trace.
type ResponseMeta struct {
	Status         int
	Version        string
	Headers        map[string][]string
	HeaderByteSize int
}

// WSDirection is the direction of a captured WebSocket frame.
type WSDirection int

const (
	WSDirectionClientToServer WSDirection = iota
	WSDirectionServerToClient
)

// WSFrame is one captured WebSocket frame.
type WSFrame struct {
	Direction   WSDirection
	TimestampMs int64
	FrameKind   string
	FrameBytes  []byte
}

// Event is one lifecycle occurrence for a trace, fanned out to subscribers.
// Body is shared (not copied) across subscribers; callers must not mutate
// it after emitting, matching the "owned, cheaply-cloneable byte buffer"
// discipline broadcast body chunks require.
type Event struct {
	Kind     Kind
	TraceID  string
	At       time.Time
	ReqMeta  *RequestMeta
	RespMeta *ResponseMeta
	Body     []byte // nil Body + BodyEnd=true marks end-of-stream
	BodyEnd  bool
	WSFrame  *WSFrame
	Reason   string

	// RuleName and Decision are set on a RuleDecision event: which rule
	// matched and what its handler chain did (e.g. "block", "forward").
	RuleName string
	Decision string
}
