// Package handler executes a matched rule's handler list against a
// request/response pair, implementing the Block/Delay/ModifyRequest/
// ModifyResponse/LocalFile/HtmlInject/ProxyForward semantics.
// Body-surgery style (surgical field edits, never-panic marshaling)
// and egress-safe header copying follow the usual reverse-proxy idiom for
// response/request rewriting.
package handler

import (
	"fmt"
	"math/rand"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/lynxproxy/lynxgo/internal/bodytee"
	"github.com/lynxproxy/lynxgo/internal/rules"
)

// Request is the mutable request state handlers operate on.
type Request struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
}

// Response is the mutable response state handlers operate on.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Outcome is the result of running one rule's handler chain against a
// request: either the (possibly modified) request continues to
// UpstreamCall, or a response was short-circuited.
type Outcome struct {
	ShortCircuited bool
	Response       *Response
	Request        *Request
}

const headerBlockedBy = "x-blocked-by"
const blockedByValue = "lynx-proxy"

// RunRequest executes a rule's enabled handlers, sorted by execution order,
// against req. Returns Continue (possibly mutated request) or ShortCircuit
// (response) on the first handler that short-circuits; subsequent request
// handlers and UpstreamCall are skipped, per the first-ShortCircuit-wins
// rule.
func RunRequest(rule rules.Rule, req *Request) (Outcome, error) {
	handlers := enabledSorted(rule.Handlers)

	out := Outcome{Request: req}
	for _, h := range handlers {
		switch h.HandlerType {
		case rules.HandlerDelay:
			runDelayBefore(h)
		case rules.HandlerBlock:
			resp := runBlock(h)
			out.ShortCircuited = true
			out.Response = resp
			return out, nil
		case rules.HandlerModifyRequest:
			if err := runModifyRequest(h, req); err != nil {
				return out, fmt.Errorf("modify_request %q: %w", h.Name, err)
			}
		case rules.HandlerLocalFile:
			resp, err := runLocalFile(h)
			if err != nil {
				return out, fmt.Errorf("local_file %q: %w", h.Name, err)
			}
			out.ShortCircuited = true
			out.Response = resp
			return out, nil
		case rules.HandlerProxyForward:
			resp, shortCircuit, err := runProxyForward(h, req)
			if err != nil {
				return out, fmt.Errorf("proxy_forward %q: %w", h.Name, err)
			}
			if shortCircuit {
				out.ShortCircuited = true
				out.Response = resp
				return out, nil
			}
		case rules.HandlerModifyResponse, rules.HandlerHtmlInject:
			// response-phase only; applied in RunResponse.
		}
	}
	return out, nil
}

// RunResponse applies the same rule's response-phase handlers (and any
// Delay/ModifyResponse/HtmlInject work) to resp, in execution order. Per
// convention, response handlers that would have followed a short-circuited
// request are still applied in order.
func RunResponse(rule rules.Rule, resp *Response) error {
	handlers := enabledSorted(rule.Handlers)
	for _, h := range handlers {
		switch h.HandlerType {
		case rules.HandlerDelay:
			runDelayAfter(h)
		case rules.HandlerModifyResponse:
			if err := runModifyResponse(h, resp); err != nil {
				return fmt.Errorf("modify_response %q: %w", h.Name, err)
			}
		case rules.HandlerHtmlInject:
			if err := runHtmlInject(h, resp); err != nil {
				return fmt.Errorf("html_inject %q: %w", h.Name, err)
			}
		}
	}
	return nil
}

func enabledSorted(hs []rules.HandlerRule) []rules.HandlerRule {
	out := make([]rules.HandlerRule, 0, len(hs))
	for _, h := range hs {
		if h.Enabled {
			out = append(out, h)
		}
	}
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && out[j].ExecutionOrder < out[j-1].ExecutionOrder {
			out[j], out[j-1] = out[j-1], out[j]
			j--
		}
	}
	return out
}

// --- Block ---

func runBlock(h rules.HandlerRule) *Response {
	status := 403
	reason := "Access blocked by proxy"
	if cfg := h.Config.Block; cfg != nil {
		if cfg.StatusCode != 0 {
			status = cfg.StatusCode
		}
		if cfg.Reason != "" {
			reason = cfg.Reason
		}
	}
	hdr := make(http.Header)
	hdr.Set(headerBlockedBy, blockedByValue)
	hdr.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{StatusCode: status, Headers: hdr, Body: []byte(reason)}
}

// --- Delay ---

func actualDelay(cfg *rules.DelayConfig) time.Duration {
	ms := cfg.DelayMs
	if cfg.VarianceMs > 0 {
		ms = cfg.DelayMs - cfg.VarianceMs + rand.Intn(2*cfg.VarianceMs+1)
		if ms < 0 {
			ms = 0
		}
	}
	return time.Duration(ms) * time.Millisecond
}

func runDelayBefore(h rules.HandlerRule) {
	cfg := h.Config.Delay
	if cfg == nil {
		return
	}
	switch cfg.Phase {
	case rules.PhaseBefore:
		time.Sleep(actualDelay(cfg))
	case rules.PhaseBoth:
		half := *cfg
		half.DelayMs /= 2
		half.VarianceMs /= 2
		time.Sleep(actualDelay(&half))
	case rules.PhaseAfter:
		// handled entirely in runDelayAfter once the response is known.
	}
}

func runDelayAfter(h rules.HandlerRule) {
	cfg := h.Config.Delay
	if cfg == nil {
		return
	}
	switch cfg.Phase {
	case rules.PhaseAfter:
		time.Sleep(actualDelay(cfg))
	case rules.PhaseBoth:
		half := *cfg
		half.DelayMs /= 2
		half.VarianceMs /= 2
		time.Sleep(actualDelay(&half))
	}
}

// --- ModifyRequest / ModifyResponse ---

func runModifyRequest(h rules.HandlerRule, req *Request) error {
	cfg := h.Config.ModifyRequest
	if cfg == nil {
		return nil
	}
	mergeHeaders(req.Headers, cfg.Headers)
	if cfg.HasBody {
		req.Body = cfg.Body
		req.Headers.Set("Content-Length", strconv.Itoa(len(cfg.Body)))
		req.Headers.Del("Content-Encoding")
		req.Headers.Del("Transfer-Encoding")
	}
	if cfg.Method != "" {
		req.Method = cfg.Method
	}
	if cfg.URL != "" {
		req.URL = cfg.URL
	}
	return nil
}

func runModifyResponse(h rules.HandlerRule, resp *Response) error {
	cfg := h.Config.ModifyResponse
	if cfg == nil {
		return nil
	}
	mergeHeaders(resp.Headers, cfg.Headers)
	if cfg.HasBody {
		resp.Body = cfg.Body
		resp.Headers.Set("Content-Length", strconv.Itoa(len(cfg.Body)))
		resp.Headers.Del("Content-Encoding")
		resp.Headers.Del("Transfer-Encoding")
	}
	if cfg.ContentType != "" {
		resp.Headers.Set("Content-Type", cfg.ContentType)
	}
	if cfg.StatusCode != 0 && cfg.StatusCode >= 100 && cfg.StatusCode <= 599 {
		resp.StatusCode = cfg.StatusCode
	}
	return nil
}

// mergeHeaders replaces on key collision, inserts otherwise. Invalid
// header names/values are silently skipped.
func mergeHeaders(dst http.Header, add map[string]string) {
	for k, v := range add {
		if !validHeaderName(k) {
			continue
		}
		dst.Set(k, v)
	}
}

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r <= ' ' || r == ':' || r > 0x7e {
			return false
		}
	}
	return true
}

// --- LocalFile ---

func runLocalFile(h rules.HandlerRule) (*Response, error) {
	cfg := h.Config.LocalFile
	hdr := make(http.Header)
	hdr.Set("x-served-by", "lynx-proxy-local-file")
	if cfg == nil || cfg.Path == "" {
		hdr.Set("Content-Type", "text/plain; charset=utf-8")
		return &Response{StatusCode: 400, Headers: hdr, Body: []byte("local_file handler missing path")}, nil
	}

	data, err := readRegularFile(cfg.Path)
	if err != nil {
		hdr.Set("Content-Type", "text/plain; charset=utf-8")
		return &Response{StatusCode: 404, Headers: hdr, Body: []byte("file not found: " + cfg.Path)}, nil
	}

	status := 200
	if cfg.StatusCode != 0 {
		status = cfg.StatusCode
	}
	ct := cfg.ContentType
	if ct == "" {
		ct = mime.TypeByExtension(filepath.Ext(cfg.Path))
		if ct == "" {
			ct = "application/octet-stream"
		}
	}
	hdr.Set("Content-Type", ct)
	hdr.Set("Content-Length", strconv.Itoa(len(data)))
	return &Response{StatusCode: status, Headers: hdr, Body: data}, nil
}

func readRegularFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s is not a regular file", path)
	}
	return os.ReadFile(path)
}

// --- HtmlInject ---

var cacheValidatorHeaders = []string{"etag", "last-modified", "expires", "cache-control", "if-none-match", "if-modified-since"}

func runHtmlInject(h rules.HandlerRule, resp *Response) error {
	cfg := h.Config.HtmlInject
	if cfg == nil {
		return nil
	}
	ct := resp.Headers.Get("Content-Type")
	if !strings.HasPrefix(strings.ToLower(ct), "text/html") {
		return nil
	}

	encoding := strings.ToLower(resp.Headers.Get("Content-Encoding"))
	plain, err := bodytee.Decompress(resp.Body, encoding)
	if err != nil {
		// Unsupported or malformed encoding: inject into the raw bytes
		// rather than failing the whole response handler chain.
		plain = resp.Body
	}

	injected := splice(string(plain), cfg.Content, cfg.Position)
	resp.Body = []byte(injected)

	resp.Headers.Del("Content-Encoding")
	resp.Headers.Del("Content-Length")
	for _, ch := range cacheValidatorHeaders {
		resp.Headers.Del(ch)
	}
	if strings.EqualFold(resp.Headers.Get("Transfer-Encoding"), "chunked") {
		resp.Headers.Del("Content-Length")
	} else {
		resp.Headers.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	}
	return nil
}

func splice(html, content string, pos rules.InjectPosition) string {
	lower := strings.ToLower(html)
	switch pos {
	case rules.PositionHead:
		if i := strings.Index(lower, "</head>"); i >= 0 {
			return html[:i] + content + html[i:]
		}
		if i := findTagEnd(lower, "<head"); i >= 0 {
			return html[:i] + content + html[i:]
		}
		return content + html
	case rules.PositionBodyStart:
		if i := findTagEnd(lower, "<body"); i >= 0 {
			return html[:i] + content + html[i:]
		}
		return content + html
	case rules.PositionBodyEnd:
		if i := strings.Index(lower, "</body>"); i >= 0 {
			return html[:i] + content + html[i:]
		}
		return html + content
	default:
		return html
	}
}

// findTagEnd returns the index right after the '>' that closes an opening
// tag whose lowercase text starts with prefix, or -1 if absent.
func findTagEnd(lowerHTML, prefix string) int {
	start := strings.Index(lowerHTML, prefix)
	if start < 0 {
		return -1
	}
	end := strings.Index(lowerHTML[start:], ">")
	if end < 0 {
		return -1
	}
	return start + end + 1
}

// --- ProxyForward ---

func runProxyForward(h rules.HandlerRule, req *Request) (*Response, bool, error) {
	cfg := h.Config.ProxyForward
	if cfg == nil || cfg.Target == "" {
		hdr := make(http.Header)
		hdr.Set("Content-Type", "text/plain; charset=utf-8")
		return &Response{StatusCode: 400, Headers: hdr, Body: []byte("proxy_forward handler requires a target")}, true, nil
	}

	originalHost, originalScheme, err := splitURL(req.URL)
	if err != nil {
		return nil, false, err
	}

	newURL, err := rewriteAuthority(req.URL, cfg.Target)
	if err != nil {
		return nil, false, err
	}
	req.URL = newURL
	req.Headers.Set("x-forwarded-by", blockedByValue)
	req.Headers.Set("x-forwarded-host", originalHost)
	req.Headers.Set("x-forwarded-proto", originalScheme)
	return nil, false, nil
}

func splitURL(raw string) (host, scheme string, err error) {
	i := strings.Index(raw, "://")
	if i < 0 {
		return "", "", fmt.Errorf("url %q has no scheme", raw)
	}
	scheme = raw[:i]
	rest := raw[i+3:]
	end := strings.IndexAny(rest, "/?#")
	if end < 0 {
		end = len(rest)
	}
	return rest[:end], scheme, nil
}

func rewriteAuthority(raw, target string) (string, error) {
	if strings.Contains(target, "://") {
		return target, nil
	}
	host, scheme, err := splitURL(raw)
	if err != nil {
		return "", err
	}
	h := host
	if idx := strings.LastIndex(host, ":"); idx >= 0 {
		h = host[:idx]
	}
	i := strings.Index(raw, "://")
	rest := raw[i+3+len(host):]
	return scheme + "://" + h + ":" + target + rest, nil
}
