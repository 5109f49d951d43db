// Package pipeline implements RequestPipeline: the fixed ordered stack of
// cross-cutting stages every inbound request traverses —
// ErrorMap, Log, ExtensionInject, TraceId, CaptureGate, CaptureStart,
// RuleEval, UpstreamCall.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lynxproxy/lynxgo/internal/bodytee"
	"github.com/lynxproxy/lynxgo/internal/capturefilter"
	"github.com/lynxproxy/lynxgo/internal/eventbus"
	"github.com/lynxproxy/lynxgo/internal/handler"
	"github.com/lynxproxy/lynxgo/internal/perror"
	"github.com/lynxproxy/lynxgo/internal/rules"
	"github.com/lynxproxy/lynxgo/internal/upstream"
)

// Extensions is the per-connection (and, copied, per-request) set of
// collaborators the pipeline needs, as typed struct fields: ClientAddr,
// EventBus, RuleStore, capture Filter, UpstreamClient and the request body
// size limit.
type Extensions struct {
	ClientAddr   string
	Bus          *eventbus.Bus
	RuleStore    *rules.Store
	Filter       *capturefilter.Filter
	Client       *upstream.Client
	MaxBodyBytes int64
}

// Pipeline wires the fixed ordered stages together around one upstream
// call. selfServicePrefix marks URLs that bypass stages 6-8 (CaptureGate).
type Pipeline struct {
	ext                Extensions
	selfServicePrefix  string
	selfServiceHandler http.Handler
}

// New builds a Pipeline over ext. selfServiceHandler (may be nil) serves
// requests whose path has selfServicePrefix, bypassing capture/rule/
// upstream stages entirely at the CaptureGate stage.
func New(ext Extensions, selfServicePrefix string, selfServiceHandler http.Handler) *Pipeline {
	return &Pipeline{ext: ext, selfServicePrefix: selfServicePrefix, selfServiceHandler: selfServiceHandler}
}

// ServeHTTP is stage 1 (ErrorMap) wrapping everything below it: it
// recovers panics and maps pipeline errors to an error response with a
// reason header, its status picked by perror.StatusClass (400 protocol,
// 500 config, 502 otherwise).
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("pipeline panic recovered", "panic", rec)
			writeErrorResponse(w, perror.Wrap(perror.KindInternal, fmt.Sprintf("panic: %v", rec), nil))
		}
	}()

	if err := p.serve(w, r); err != nil {
		writeErrorResponse(w, err)
	}
}

func writeErrorResponse(w http.ResponseWriter, err error) {
	status := perror.StatusClass(perror.KindOf(err))
	w.Header().Set("x-lynx-error", err.Error())
	w.WriteHeader(status)
	fmt.Fprintf(w, "upstream request failed: %v", err)
}

func (p *Pipeline) serve(w http.ResponseWriter, r *http.Request) error {
	// Stage 2: Log — structured log span per request.
	start := time.Now()
	logger := slog.With("method", r.Method, "host", r.Host, "url", r.URL.String())

	// Stage 3/4: ExtensionInject + TraceId.
	traceID := uuid.NewString()
	logger = logger.With("trace_id", traceID)

	// Stage 5: CaptureGate — self-service API bypasses capture/rule/upstream.
	if p.selfServiceHandler != nil && p.selfServicePrefix != "" && strings.HasPrefix(r.URL.Path, p.selfServicePrefix) {
		p.selfServiceHandler.ServeHTTP(w, r)
		return nil
	}

	recording := p.ext.Filter == nil || p.ext.Filter.IsRecording()

	// Stage 6: CaptureStart. RequestStart carries headers/method/url, which
	// are already known before the body is read.
	if recording && p.ext.Bus != nil {
		p.ext.Bus.Publish(eventbus.Event{
			Kind:    eventbus.RequestStart,
			TraceID: traceID,
			At:      start,
			ReqMeta: &eventbus.RequestMeta{
				Method:         r.Method,
				URL:            r.URL.String(),
				Version:        r.Proto,
				Headers:        map[string][]string(r.Header),
				HeaderByteSize: headerByteSize(r.Header),
			},
		})
	}

	body, err := p.teeRequestBody(r, p.ext.MaxBodyBytes, traceID, recording)
	if err != nil {
		return perror.Wrap(perror.KindProtocol, "reading request body", err)
	}

	if recording && p.ext.Bus != nil {
		p.ext.Bus.Publish(eventbus.Event{Kind: eventbus.RequestEnd, TraceID: traceID})
	}

	// Cancellation guard: emit exactly one Error if the client disconnects
	// before UpstreamCall returns, disarmed on normal completion.
	guard := newCancelGuard(r.Context(), p.ext.Bus, traceID)
	defer guard.disarm()

	// Stage 7: RuleEval.
	req := &handler.Request{Method: r.Method, URL: absoluteURL(r), Headers: r.Header.Clone(), Body: body}
	matchedRule, outcome, err := p.evalRules(req)
	if err != nil {
		return perror.Wrap(perror.KindConfig, "evaluating rules", err)
	}

	if matchedRule != nil && p.ext.Bus != nil {
		decision := "forward"
		if outcome.ShortCircuited {
			decision = "block"
		}
		p.ext.Bus.Publish(eventbus.Event{
			Kind:     eventbus.RuleDecision,
			TraceID:  traceID,
			At:       time.Now(),
			RuleName: matchedRule.Name,
			Decision: decision,
		})
	}

	if outcome.ShortCircuited {
		guard.disarm()
		resp := outcome.Response
		if matchedRule != nil {
			if err := handler.RunResponse(*matchedRule, resp); err != nil {
				return perror.Wrap(perror.KindConfig, "applying response handlers", err)
			}
		}
		writeResponse(w, resp)
		return nil
	}

	if outcome.Request != nil {
		req = outcome.Request
	}

	// Stage 8: UpstreamCall.
	if recording && p.ext.Bus != nil {
		p.ext.Bus.Publish(eventbus.Event{Kind: eventbus.ProxyStart, TraceID: traceID})
	}

	resp, err := p.ext.Client.Send(r.Context(), req.URL, req.Method, req.Headers, req.Body)
	guard.disarm()
	if err != nil {
		if recording && p.ext.Bus != nil {
			p.ext.Bus.Publish(eventbus.Event{Kind: eventbus.Error, TraceID: traceID, Reason: err.Error()})
		}
		return perror.Wrap(perror.KindTransport, "upstream call failed", err)
	}
	defer resp.Body.Close()

	// ResponseStart carries the upstream's own status/headers, published
	// before BodyTee(response) so ordering matches RequestStart/RequestBody.
	if recording && p.ext.Bus != nil {
		p.ext.Bus.Publish(eventbus.Event{
			Kind:    eventbus.ResponseStart,
			TraceID: traceID,
			RespMeta: &eventbus.ResponseMeta{
				Status:         resp.StatusCode,
				Version:        resp.Proto,
				Headers:        map[string][]string(resp.Header),
				HeaderByteSize: headerByteSize(resp.Header),
			},
		})
	}

	// BodyTee(response): the forward copy is fully buffered for
	// HandlerChain(response) below (ModifyResponse/HtmlInject need the
	// whole body to rewrite it); the observer copy feeds capture.
	respBody, err := p.teeResponseBody(resp.Body, resp.Header.Get("Content-Encoding"), traceID, recording)
	if err != nil {
		return perror.Wrap(perror.KindTransport, "reading upstream response body", err)
	}

	hresp := &handler.Response{StatusCode: resp.StatusCode, Headers: resp.Header.Clone(), Body: respBody}
	if matchedRule != nil {
		if err := handler.RunResponse(*matchedRule, hresp); err != nil {
			return perror.Wrap(perror.KindConfig, "applying response handlers", err)
		}
	}

	if recording && p.ext.Bus != nil {
		p.ext.Bus.Publish(eventbus.Event{Kind: eventbus.ProxyEnd, TraceID: traceID})
	}

	writeResponse(w, hresp)
	logger.Debug("request completed", "status", hresp.StatusCode, "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

func (p *Pipeline) evalRules(req *handler.Request) (*rules.Rule, handler.Outcome, error) {
	if p.ext.RuleStore == nil {
		return nil, handler.Outcome{Request: req}, nil
	}
	allRules, err := p.ext.RuleStore.List()
	if err != nil {
		return nil, handler.Outcome{}, fmt.Errorf("listing rules: %w", err)
	}
	matched, err := p.ext.RuleStore.Matcher().Match(allRules, rules.RequestInfo{
		URL: req.URL, Method: req.Method, Host: req.Headers.Get("Host"),
	})
	if err != nil {
		return nil, handler.Outcome{}, err
	}

	cur := req
	for i := range matched {
		rule := matched[i]
		outcome, err := handler.RunRequest(rule, cur)
		if err != nil {
			return nil, handler.Outcome{}, err
		}
		if outcome.ShortCircuited {
			return &rule, outcome, nil
		}
		if outcome.Request != nil {
			cur = outcome.Request
		}
	}
	if len(matched) > 0 {
		return &matched[len(matched)-1], handler.Outcome{Request: cur}, nil
	}
	return nil, handler.Outcome{Request: cur}, nil
}

func writeResponse(w http.ResponseWriter, resp *handler.Response) {
	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := resp.StatusCode
	if status == 0 {
		status = 200
	}
	w.WriteHeader(status)
	w.Write(resp.Body)
}

// teeRequestBody reads r.Body to completion through bodytee.Tee: the
// forward copy is fully buffered for RuleEval/UpstreamCall below (handler
// rewrites such as ModifyRequest need the whole body), while the observer
// copy is drained on its own goroutine and published as RequestBody frames
// as they arrive — not after the whole payload has already been collected.
// When recording is off nobody drains the observer; its bounded channel
// just drops frames once full, per BodyTee's never-block-the-origin-path
// contract, and nothing is buffered twice.
func (p *Pipeline) teeRequestBody(r *http.Request, limit int64, traceID string, recording bool) ([]byte, error) {
	if limit <= 0 {
		limit = 10 << 20 // 10MB default ceiling on buffered bodies
	}
	body, observer := bodytee.Tee(r.Body)

	drained := make(chan struct{})
	if recording && p.ext.Bus != nil {
		go func() {
			defer close(drained)
			for frame := range observer.Frames() {
				switch {
				case frame.End:
					p.ext.Bus.Publish(eventbus.Event{Kind: eventbus.RequestBody, TraceID: traceID, BodyEnd: true})
				case len(frame.Data) > 0:
					p.ext.Bus.Publish(eventbus.Event{Kind: eventbus.RequestBody, TraceID: traceID, Body: frame.Data})
				}
			}
		}()
	} else {
		close(drained)
	}

	data, err := io.ReadAll(io.LimitReader(body, limit))
	body.Close() // flushes the end-of-stream frame and closes the observer channel
	<-drained
	return data, err
}

// teeResponseBody reads the upstream response body to completion through
// bodytee.Tee, immediately after UpstreamClient and before
// HandlerChain(response) runs on it: the forward copy is fully buffered for
// the response handler chain, while the observer copy is accumulated on its
// own goroutine and decompressed once complete, per contentEncoding,
// matching Decompressor's "decode the whole body at end" contract
// (gzip/deflate/br are not byte-aligned per chunk). Same drop-on-backpressure
// contract as teeRequestBody when recording is off.
func (p *Pipeline) teeResponseBody(body io.ReadCloser, contentEncoding, traceID string, recording bool) ([]byte, error) {
	teed, observer := bodytee.Tee(body)

	var raw []byte
	drained := make(chan struct{})
	if recording && p.ext.Bus != nil {
		go func() {
			defer close(drained)
			for frame := range observer.Frames() {
				if frame.End {
					decoded := decompressedOrRaw(raw, contentEncoding)
					if len(decoded) > 0 {
						p.ext.Bus.Publish(eventbus.Event{Kind: eventbus.ResponseBody, TraceID: traceID, Body: decoded})
					}
					p.ext.Bus.Publish(eventbus.Event{Kind: eventbus.ResponseBody, TraceID: traceID, BodyEnd: true})
					continue
				}
				raw = append(raw, frame.Data...)
			}
		}()
	} else {
		close(drained)
	}

	data, err := io.ReadAll(teed)
	teed.Close()
	<-drained
	return data, err
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

func headerByteSize(h http.Header) int {
	total := 0
	for k, vs := range h {
		for _, v := range vs {
			total += len(k) + len(v) + 4
		}
	}
	return total
}

func decompressedOrRaw(body []byte, encoding string) []byte {
	decoded, err := bodytee.Decompress(body, encoding)
	if err != nil {
		slog.Warn("decompressing response body for capture failed, capturing raw", "error", err)
		return body
	}
	return decoded
}

// cancelGuard emits exactly one Error event if the client disconnects
// before the guard is disarmed.
type cancelGuard struct {
	once    sync.Once
	bus     *eventbus.Bus
	traceID string
	done    chan struct{}
}

func newCancelGuard(ctx context.Context, bus *eventbus.Bus, traceID string) *cancelGuard {
	g := &cancelGuard{bus: bus, traceID: traceID, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			g.fire()
		case <-g.done:
		}
	}()
	return g
}

func (g *cancelGuard) fire() {
	g.once.Do(func() {
		if g.bus != nil {
			g.bus.Publish(eventbus.Event{Kind: eventbus.Error, TraceID: g.traceID, Reason: "Proxy request canceled"})
		}
	})
}

func (g *cancelGuard) disarm() {
	select {
	case <-g.done:
	default:
		close(g.done)
	}
}
