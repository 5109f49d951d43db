package dispatch

import (
	"io"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/lynxproxy/lynxgo/internal/rules"
)

// blockAllStore returns a rule store whose one rule short-circuits every
// request, so a test server under dispatch never tries to forward to
// itself as an upstream.
func blockAllStore(t *testing.T) *rules.Store {
	t.Helper()
	s, err := rules.Open(filepath.Join(t.TempDir(), "rules.db"))
	if err != nil {
		t.Fatalf("rules.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if _, err := s.Create(rules.Rule{
		Name:    "block-all",
		Enabled: true,
		Capture: rules.CaptureRule{Simple: &rules.SimpleCondition{Kind: rules.KindContains, Pattern: "/"}},
		Handlers: []rules.HandlerRule{
			{HandlerType: rules.HandlerBlock, Name: "deny", Enabled: true,
				Config: rules.HandlerConfig{Block: &rules.BlockConfig{StatusCode: 403}}},
		},
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s
}

func TestBind_KernelChosenPortAndServe(t *testing.T) {
	d := New(Dependencies{Client: mustUpstreamClient(t), RuleStore: blockAllStore(t)})
	l, err := Bind(0, d)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer l.Close()

	addrs := l.AccessAddrList()
	if len(addrs) == 0 {
		t.Fatal("expected at least one bound address")
	}

	go l.Serve()

	var resp *http.Response
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err = http.Get("http://" + addrs[0] + "/anything")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("expected the bound listener to accept a connection: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func TestListener_CloseStopsAccepting(t *testing.T) {
	d := New(Dependencies{Client: mustUpstreamClient(t), RuleStore: blockAllStore(t)})
	l, err := Bind(0, d)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	addrs := l.AccessAddrList()

	done := make(chan struct{})
	go func() {
		l.Serve()
		close(done)
	}()

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Serve to return after Close")
	}

	if _, err := http.Get("http://" + addrs[0] + "/x"); err == nil {
		t.Error("expected connections to be refused after Close")
	}
}
