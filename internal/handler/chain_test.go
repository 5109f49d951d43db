package handler

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/lynxproxy/lynxgo/internal/rules"
)

func newHeaders() http.Header { return make(http.Header) }

func TestRunRequest_Block_ShortCircuits(t *testing.T) {
	rule := rules.Rule{
		Name: "block-it",
		Handlers: []rules.HandlerRule{
			{HandlerType: rules.HandlerBlock, Name: "b", Enabled: true, ExecutionOrder: 0,
				Config: rules.HandlerConfig{Block: &rules.BlockConfig{StatusCode: 418, Reason: "nope"}}},
		},
	}
	req := &Request{Method: "GET", URL: "http://example.com/x", Headers: newHeaders()}
	out, err := RunRequest(rule, req)
	if err != nil {
		t.Fatalf("RunRequest: %v", err)
	}
	if !out.ShortCircuited {
		t.Fatal("expected block handler to short-circuit")
	}
	if out.Response.StatusCode != 418 || string(out.Response.Body) != "nope" {
		t.Errorf("unexpected response: %+v", out.Response)
	}
	if out.Response.Headers.Get(headerBlockedBy) != blockedByValue {
		t.Error("expected x-blocked-by header on block response")
	}
}

func TestRunRequest_Block_DefaultsWhenConfigEmpty(t *testing.T) {
	rule := rules.Rule{
		Handlers: []rules.HandlerRule{
			{HandlerType: rules.HandlerBlock, Enabled: true},
		},
	}
	req := &Request{Headers: newHeaders()}
	out, err := RunRequest(rule, req)
	if err != nil {
		t.Fatalf("RunRequest: %v", err)
	}
	if out.Response.StatusCode != 403 {
		t.Errorf("expected default status 403, got %d", out.Response.StatusCode)
	}
}

func TestRunRequest_ModifyRequest_MutatesAndContinues(t *testing.T) {
	rule := rules.Rule{
		Handlers: []rules.HandlerRule{
			{HandlerType: rules.HandlerModifyRequest, Enabled: true, Config: rules.HandlerConfig{
				ModifyRequest: &rules.ModifyRequestConfig{
					Headers: map[string]string{"x-injected": "1"},
					HasBody: true,
					Body:    []byte("new body"),
					Method:  "PUT",
					URL:     "http://upstream.example.com/y",
				},
			}},
		},
	}
	req := &Request{Method: "GET", URL: "http://example.com/x", Headers: newHeaders(), Body: []byte("old")}
	out, err := RunRequest(rule, req)
	if err != nil {
		t.Fatalf("RunRequest: %v", err)
	}
	if out.ShortCircuited {
		t.Fatal("modify_request should not short-circuit")
	}
	if req.Method != "PUT" || req.URL != "http://upstream.example.com/y" {
		t.Errorf("request not mutated as expected: %+v", req)
	}
	if string(req.Body) != "new body" {
		t.Errorf("expected body replaced, got %q", req.Body)
	}
	if req.Headers.Get("x-injected") != "1" {
		t.Error("expected injected header")
	}
	if req.Headers.Get("Content-Length") != "8" {
		t.Errorf("expected Content-Length updated, got %q", req.Headers.Get("Content-Length"))
	}
}

func TestRunRequest_LocalFile_ServesExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page.html")
	if err := os.WriteFile(path, []byte("<html>hi</html>"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	rule := rules.Rule{
		Handlers: []rules.HandlerRule{
			{HandlerType: rules.HandlerLocalFile, Enabled: true, Config: rules.HandlerConfig{
				LocalFile: &rules.LocalFileConfig{Path: path},
			}},
		},
	}
	req := &Request{Headers: newHeaders()}
	out, err := RunRequest(rule, req)
	if err != nil {
		t.Fatalf("RunRequest: %v", err)
	}
	if !out.ShortCircuited {
		t.Fatal("local_file handler should short-circuit")
	}
	if out.Response.StatusCode != 200 || string(out.Response.Body) != "<html>hi</html>" {
		t.Errorf("unexpected response: %+v", out.Response)
	}
	if ct := out.Response.Headers.Get("Content-Type"); ct == "" {
		t.Error("expected content type inferred from extension")
	}
}

func TestRunRequest_LocalFile_MissingFileReturns404(t *testing.T) {
	rule := rules.Rule{
		Handlers: []rules.HandlerRule{
			{HandlerType: rules.HandlerLocalFile, Enabled: true, Config: rules.HandlerConfig{
				LocalFile: &rules.LocalFileConfig{Path: "/nonexistent/does-not-exist"},
			}},
		},
	}
	req := &Request{Headers: newHeaders()}
	out, err := RunRequest(rule, req)
	if err != nil {
		t.Fatalf("RunRequest: %v", err)
	}
	if out.Response.StatusCode != 404 {
		t.Errorf("expected 404 for missing file, got %d", out.Response.StatusCode)
	}
}

func TestRunRequest_ProxyForward_RewritesURLAndContinues(t *testing.T) {
	rule := rules.Rule{
		Handlers: []rules.HandlerRule{
			{HandlerType: rules.HandlerProxyForward, Enabled: true, Config: rules.HandlerConfig{
				ProxyForward: &rules.ProxyForwardConfig{Target: "8081"},
			}},
		},
	}
	req := &Request{Method: "GET", URL: "http://example.com:80/path", Headers: newHeaders()}
	out, err := RunRequest(rule, req)
	if err != nil {
		t.Fatalf("RunRequest: %v", err)
	}
	if out.ShortCircuited {
		t.Fatal("proxy_forward with valid target should not short-circuit")
	}
	if req.URL != "http://example.com:8081/path" {
		t.Errorf("expected rewritten authority, got %q", req.URL)
	}
	if req.Headers.Get("x-forwarded-host") != "example.com:80" {
		t.Errorf("expected original host preserved in x-forwarded-host, got %q", req.Headers.Get("x-forwarded-host"))
	}
}

func TestRunRequest_ProxyForward_MissingTargetShortCircuits(t *testing.T) {
	rule := rules.Rule{
		Handlers: []rules.HandlerRule{
			{HandlerType: rules.HandlerProxyForward, Enabled: true, Config: rules.HandlerConfig{
				ProxyForward: &rules.ProxyForwardConfig{},
			}},
		},
	}
	req := &Request{Method: "GET", URL: "http://example.com/path", Headers: newHeaders()}
	out, err := RunRequest(rule, req)
	if err != nil {
		t.Fatalf("RunRequest: %v", err)
	}
	if !out.ShortCircuited || out.Response.StatusCode != 400 {
		t.Errorf("expected 400 short-circuit for missing target, got %+v", out)
	}
}

func TestRunRequest_DisabledHandlersSkipped(t *testing.T) {
	rule := rules.Rule{
		Handlers: []rules.HandlerRule{
			{HandlerType: rules.HandlerBlock, Enabled: false},
		},
	}
	req := &Request{Headers: newHeaders()}
	out, err := RunRequest(rule, req)
	if err != nil {
		t.Fatalf("RunRequest: %v", err)
	}
	if out.ShortCircuited {
		t.Error("disabled block handler should not short-circuit")
	}
}

func TestRunRequest_ExecutionOrderRespected(t *testing.T) {
	rule := rules.Rule{
		Handlers: []rules.HandlerRule{
			{HandlerType: rules.HandlerModifyRequest, Enabled: true, ExecutionOrder: 1, Config: rules.HandlerConfig{
				ModifyRequest: &rules.ModifyRequestConfig{Headers: map[string]string{"x-order": "second"}},
			}},
			{HandlerType: rules.HandlerModifyRequest, Enabled: true, ExecutionOrder: 0, Config: rules.HandlerConfig{
				ModifyRequest: &rules.ModifyRequestConfig{Headers: map[string]string{"x-order": "first"}},
			}},
		},
	}
	req := &Request{Headers: newHeaders()}
	if _, err := RunRequest(rule, req); err != nil {
		t.Fatalf("RunRequest: %v", err)
	}
	// Both handlers set the same header; the one with the higher execution
	// order (1, "second") runs last and wins.
	if req.Headers.Get("x-order") != "second" {
		t.Errorf("expected handlers applied in execution order, got %q", req.Headers.Get("x-order"))
	}
}

func TestRunResponse_ModifyResponse(t *testing.T) {
	rule := rules.Rule{
		Handlers: []rules.HandlerRule{
			{HandlerType: rules.HandlerModifyResponse, Enabled: true, Config: rules.HandlerConfig{
				ModifyResponse: &rules.ModifyResponseConfig{
					Headers:     map[string]string{"x-via": "proxy"},
					StatusCode:  201,
					ContentType: "application/json",
					HasBody:     true,
					Body:        []byte(`{"ok":true}`),
				},
			}},
		},
	}
	resp := &Response{StatusCode: 200, Headers: newHeaders(), Body: []byte("old")}
	if err := RunResponse(rule, resp); err != nil {
		t.Fatalf("RunResponse: %v", err)
	}
	if resp.StatusCode != 201 {
		t.Errorf("expected status overridden to 201, got %d", resp.StatusCode)
	}
	if resp.Headers.Get("Content-Type") != "application/json" {
		t.Errorf("expected content type set, got %q", resp.Headers.Get("Content-Type"))
	}
	if resp.Headers.Get("x-via") != "proxy" {
		t.Error("expected extra header merged in")
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("expected body replaced, got %q", resp.Body)
	}
}

func TestRunResponse_ModifyResponse_RejectsOutOfRangeStatus(t *testing.T) {
	rule := rules.Rule{
		Handlers: []rules.HandlerRule{
			{HandlerType: rules.HandlerModifyResponse, Enabled: true, Config: rules.HandlerConfig{
				ModifyResponse: &rules.ModifyResponseConfig{StatusCode: 9999},
			}},
		},
	}
	resp := &Response{StatusCode: 200, Headers: newHeaders()}
	if err := RunResponse(rule, resp); err != nil {
		t.Fatalf("RunResponse: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("out-of-range status code should be ignored, got %d", resp.StatusCode)
	}
}

func TestRunResponse_HtmlInject_BodyEnd(t *testing.T) {
	rule := rules.Rule{
		Handlers: []rules.HandlerRule{
			{HandlerType: rules.HandlerHtmlInject, Enabled: true, Config: rules.HandlerConfig{
				HtmlInject: &rules.HtmlInjectConfig{
					Content:  "<script>tag</script>",
					Position: rules.PositionBodyEnd,
				},
			}},
		},
	}
	hdr := newHeaders()
	hdr.Set("Content-Type", "text/html; charset=utf-8")
	resp := &Response{StatusCode: 200, Headers: hdr, Body: []byte("<html><body>hi</body></html>")}
	if err := RunResponse(rule, resp); err != nil {
		t.Fatalf("RunResponse: %v", err)
	}
	want := "<html><body>hi<script>tag</script></body></html>"
	if string(resp.Body) != want {
		t.Errorf("got %q, want %q", resp.Body, want)
	}
}

func TestRunResponse_HtmlInject_DecompressesGzipBody(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write([]byte("<html><head></head><body></body></html>")); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}

	rule := rules.Rule{
		Handlers: []rules.HandlerRule{
			{HandlerType: rules.HandlerHtmlInject, Enabled: true, Config: rules.HandlerConfig{
				HtmlInject: &rules.HtmlInjectConfig{
					Content:  "<script>x</script>",
					Position: rules.PositionBodyEnd,
				},
			}},
		},
	}
	hdr := newHeaders()
	hdr.Set("Content-Type", "text/html; charset=utf-8")
	hdr.Set("Content-Encoding", "gzip")
	hdr.Set("Content-Length", strconv.Itoa(buf.Len()))
	resp := &Response{StatusCode: 200, Headers: hdr, Body: buf.Bytes()}

	if err := RunResponse(rule, resp); err != nil {
		t.Fatalf("RunResponse: %v", err)
	}
	want := "<html><head></head><body><script>x</script></body></html>"
	if string(resp.Body) != want {
		t.Errorf("got %q, want %q", resp.Body, want)
	}
	if resp.Headers.Get("Content-Encoding") != "" {
		t.Error("content-encoding should be stripped after injection")
	}
	if got := resp.Headers.Get("Content-Length"); got != strconv.Itoa(len(want)) {
		t.Errorf("content-length = %q, want %d", got, len(want))
	}
}

func TestRunResponse_HtmlInject_SkipsNonHTML(t *testing.T) {
	rule := rules.Rule{
		Handlers: []rules.HandlerRule{
			{HandlerType: rules.HandlerHtmlInject, Enabled: true, Config: rules.HandlerConfig{
				HtmlInject: &rules.HtmlInjectConfig{Content: "<script></script>", Position: rules.PositionBodyEnd},
			}},
		},
	}
	hdr := newHeaders()
	hdr.Set("Content-Type", "application/json")
	resp := &Response{StatusCode: 200, Headers: hdr, Body: []byte(`{"a":1}`)}
	if err := RunResponse(rule, resp); err != nil {
		t.Fatalf("RunResponse: %v", err)
	}
	if string(resp.Body) != `{"a":1}` {
		t.Error("html_inject should not touch a non-HTML response body")
	}
}

func TestRunResponse_HtmlInject_HeadPosition(t *testing.T) {
	rule := rules.Rule{
		Handlers: []rules.HandlerRule{
			{HandlerType: rules.HandlerHtmlInject, Enabled: true, Config: rules.HandlerConfig{
				HtmlInject: &rules.HtmlInjectConfig{Content: "<meta>", Position: rules.PositionHead},
			}},
		},
	}
	hdr := newHeaders()
	hdr.Set("Content-Type", "text/html")
	resp := &Response{StatusCode: 200, Headers: hdr, Body: []byte("<html><head></head><body></body></html>")}
	if err := RunResponse(rule, resp); err != nil {
		t.Fatalf("RunResponse: %v", err)
	}
	want := "<html><head><meta></head><body></body></html>"
	if string(resp.Body) != want {
		t.Errorf("got %q, want %q", resp.Body, want)
	}
}

func TestRunRequest_Delay_Before(t *testing.T) {
	rule := rules.Rule{
		Handlers: []rules.HandlerRule{
			{HandlerType: rules.HandlerDelay, Enabled: true, Config: rules.HandlerConfig{
				Delay: &rules.DelayConfig{DelayMs: 1, Phase: rules.PhaseBefore},
			}},
		},
	}
	req := &Request{Headers: newHeaders()}
	out, err := RunRequest(rule, req)
	if err != nil {
		t.Fatalf("RunRequest: %v", err)
	}
	if out.ShortCircuited {
		t.Error("delay-only rule should not short-circuit")
	}
}

func TestMergeHeaders_SkipsInvalidNames(t *testing.T) {
	dst := newHeaders()
	mergeHeaders(dst, map[string]string{"valid-name": "ok", "": "bad", "has space": "bad"})
	if dst.Get("valid-name") != "ok" {
		t.Error("expected valid header to be set")
	}
	if dst.Get("") != "" || dst.Get("has space") != "" {
		t.Error("expected invalid header names to be skipped")
	}
}

func TestEnabledSorted_FiltersAndSorts(t *testing.T) {
	hs := []rules.HandlerRule{
		{Name: "c", Enabled: true, ExecutionOrder: 2},
		{Name: "disabled", Enabled: false, ExecutionOrder: 0},
		{Name: "a", Enabled: true, ExecutionOrder: 0},
		{Name: "b", Enabled: true, ExecutionOrder: 1},
	}
	out := enabledSorted(hs)
	if len(out) != 3 {
		t.Fatalf("expected 3 enabled handlers, got %d", len(out))
	}
	if out[0].Name != "a" || out[1].Name != "b" || out[2].Name != "c" {
		t.Errorf("expected sorted by execution order, got %v, %v, %v", out[0].Name, out[1].Name, out[2].Name)
	}
}
