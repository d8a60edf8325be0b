package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway-go/internal/metrics"
	"github.com/ggoodman/mcp-gateway-go/internal/slogtest"
	"github.com/ggoodman/mcp-gateway-go/sse"
	"github.com/prometheus/client_golang/prometheus"
)

type discardReceiver struct{}

func (discardReceiver) Receive(context.Context, jsonrpc.Message) error { return nil }

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	log, _ := slogtest.New(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	b := sse.NewBinding(sse.WithBindingLogger(log), sse.WithBindingMetrics(m))
	h, err := sse.NewHandler(b, discardReceiver{}, sse.WithLogger(log), sse.WithMetrics(m))
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	if opts.MetricsPath != "" && opts.Gatherer == nil {
		opts.Gatherer = reg
	}
	srv := httptest.NewServer(New(h, opts))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestHealth(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := newTestServer(t, Options{HealthPath: "/healthz", Healthy: healthy.Load})

	if code, body := get(t, srv.URL+"/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("unexpected health response %d %q", code, body)
	}
	healthy.Store(false)
	if code, _ := get(t, srv.URL+"/healthz"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when unhealthy, got %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, Options{MetricsPath: "/metrics"})

	// A POST without a session is counted as a drop.
	resp, err := http.Post(srv.URL+"/message", "application/json", strings.NewReader(`{"jsonrpc":"2.0","method":"ping"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}

	code, body := get(t, srv.URL+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("unexpected metrics status %d", code)
	}
	if !strings.Contains(body, `mcp_gateway_messages_dropped_total{direction="client_to_child",reason="no_session"} 1`) {
		t.Fatalf("drop not exported:\n%s", body)
	}
}

func TestDisabledEndpointsAreNotRouted(t *testing.T) {
	srv := newTestServer(t, Options{})
	if code, _ := get(t, srv.URL+"/healthz"); code != http.StatusNotFound {
		t.Fatalf("expected 404 for disabled health endpoint, got %d", code)
	}
	if code, _ := get(t, srv.URL+"/metrics"); code != http.StatusNotFound {
		t.Fatalf("expected 404 for disabled metrics endpoint, got %d", code)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, Options{AllowedOrigins: []string{"https://app.example"}})

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/message", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Fatalf("unexpected allow origin %q", got)
	}
}

func TestMessageRouteRequiresPost(t *testing.T) {
	srv := newTestServer(t, Options{})
	if code, _ := get(t, srv.URL+"/message"); code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", code)
	}
}
