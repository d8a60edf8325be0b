package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway-go/internal/logctx"
	"github.com/ggoodman/mcp-gateway-go/internal/metrics"
	"github.com/ggoodman/mcp-gateway-go/internal/slogtest"
	"github.com/ggoodman/mcp-gateway-go/sse"
	"github.com/ggoodman/mcp-gateway-go/stdio"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeChild struct {
	events chan stdio.Event

	mu       sync.Mutex
	writes   []string
	writeErr error
	closed   bool
	once     sync.Once
}

func newFakeChild() *fakeChild {
	return &fakeChild{events: make(chan stdio.Event, 16)}
}

func (f *fakeChild) Write(ctx context.Context, msg jsonrpc.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, string(msg))
	return nil
}

func (f *fakeChild) Events() <-chan stdio.Event { return f.events }

func (f *fakeChild) Close() error {
	f.once.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.events)
	})
	return nil
}

func (f *fakeChild) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.writes...)
}

func (f *fakeChild) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (s *fakeSender) Send(ctx context.Context, msg jsonrpc.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, string(msg))
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSender) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func runRelay(t *testing.T, r *Relay, timeout time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := r.Run(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("relay did not finish within %s", timeout)
	}
	return err
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func startChild(t *testing.T, command string) *stdio.Child {
	t.Helper()
	requireShell(t)
	log, _ := slogtest.New(t)
	c, err := stdio.Start(context.Background(), command, stdio.WithLogger(log), stdio.WithKillGrace(200*time.Millisecond))
	if err != nil {
		t.Fatalf("start child: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRelayChildOutputSplitAcrossWrites(t *testing.T) {
	child := startChild(t, `printf '{"a":1}\n{"b":'; sleep 0.1; printf '2}\n'`)
	log, _ := slogtest.New(t)
	sender := &fakeSender{}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	err := runRelay(t, New(child, sender, WithLogger(log), WithMetrics(m)), 5*time.Second)
	if code := ExitCode(err); code != 0 {
		t.Fatalf("expected exit code 0, got %d (%v)", code, err)
	}

	got := sender.messages()
	if len(got) != 2 || got[0] != `{"a":1}` || got[1] != `{"b":2}` {
		t.Fatalf("unexpected relayed messages %q", got)
	}
	if n, err := testutil.GatherAndCount(reg, "mcp_gateway_messages_dropped_total"); err != nil || n != 0 {
		t.Fatalf("expected no drops: n=%d err=%v", n, err)
	}
}

func TestRelayDropsNonJSONLine(t *testing.T) {
	child := startChild(t, `echo 'not json'`)
	log, rec := slogtest.New(t)
	sender := &fakeSender{}

	runRelay(t, New(child, sender, WithLogger(log)), 5*time.Second)

	if got := sender.messages(); len(got) != 0 {
		t.Fatalf("expected nothing relayed, got %q", got)
	}
	if n := rec.Count("child.output.nonjson"); n != 1 {
		t.Fatalf("expected one non-JSON diagnostic, got %d", n)
	}
}

func TestRelayExitCodeMirrorsChild(t *testing.T) {
	child := startChild(t, `exit 2`)
	log, _ := slogtest.New(t)

	err := runRelay(t, New(child, &fakeSender{}, WithLogger(log)), 5*time.Second)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %T (%v)", err, err)
	}
	if exitErr.Code != 2 {
		t.Fatalf("expected child code 2, got %d", exitErr.Code)
	}
	if code := ExitCode(err); code != 2 {
		t.Fatalf("expected gateway exit code 2, got %d", code)
	}
}

func TestRelaySignalUsesFallbackCode(t *testing.T) {
	child := startChild(t, `kill -9 $$`)
	log, _ := slogtest.New(t)

	err := runRelay(t, New(child, &fakeSender{}, WithLogger(log)), 5*time.Second)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected *ExitError, got %T (%v)", err, err)
	}
	if exitErr.Signal == "" {
		t.Fatalf("expected signal to be reported")
	}
	if code := ExitCode(err); code != FallbackExitCode {
		t.Fatalf("expected fallback code %d, got %d", FallbackExitCode, code)
	}
}

func TestRelayNoSessionIsNonFatal(t *testing.T) {
	child := newFakeChild()
	log, rec := slogtest.New(t)
	sender := &fakeSender{err: sse.ErrNoActiveSession}
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	child.events <- stdio.Output{Lines: []string{`{"x":1}`, "   ", ""}}
	child.events <- stdio.Diagnostic{Text: "starting up\n"}
	child.events <- stdio.Exited{Code: 0}

	err := runRelay(t, New(child, sender, WithLogger(log), WithMetrics(m)), 2*time.Second)
	if code := ExitCode(err); code != 0 {
		t.Fatalf("expected exit code 0, got %d (%v)", code, err)
	}
	if n := rec.Count("relay.send.drop"); n != 1 {
		t.Fatalf("expected one dropped message, got %d", n)
	}
	if n := rec.Count("child.output.nonjson"); n != 0 {
		t.Fatalf("blank lines must not be reported, got %d", n)
	}
	if n := rec.Count("child.stderr"); n != 1 {
		t.Fatalf("expected stderr to be logged once, got %d", n)
	}
	if got := child.written(); len(got) != 0 {
		t.Fatalf("dropping a message must not touch the child, got writes %q", got)
	}
}

func TestRelayReceiveWritesToChild(t *testing.T) {
	child := newFakeChild()
	log, _ := slogtest.New(t)
	r := New(child, &fakeSender{}, WithLogger(log))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	if err := r.Receive(context.Background(), jsonrpc.Message(`{"jsonrpc":"2.0","method":"ping","id":1}`)); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if got := child.written(); len(got) != 1 {
		t.Fatalf("expected one write, got %q", got)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if code := ExitCode(err); code != 0 {
			t.Fatalf("expected exit code 0 on shutdown, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("relay did not stop")
	}
	if !child.isClosed() {
		t.Fatalf("expected child to be closed on shutdown")
	}
	if err := r.Receive(context.Background(), jsonrpc.Message(`{}`)); !errors.Is(err, ErrRelayStopped) {
		t.Fatalf("expected ErrRelayStopped, got %v", err)
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("expected error when running twice")
	}
}

func TestRelayWriteFailureReachesCaller(t *testing.T) {
	child := newFakeChild()
	child.writeErr = stdio.ErrChildExited
	log, _ := slogtest.New(t)
	r := New(child, &fakeSender{}, WithLogger(log))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	if err := r.Receive(context.Background(), jsonrpc.Message(`{}`)); !errors.Is(err, stdio.ErrChildExited) {
		t.Fatalf("expected ErrChildExited, got %v", err)
	}
}

func TestRelayInputFailureIsFatal(t *testing.T) {
	child := newFakeChild()
	log, _ := slogtest.New(t)
	child.events <- stdio.InputFailed{Err: errors.New("broken pipe")}

	err := runRelay(t, New(child, &fakeSender{}, WithLogger(log)), 2*time.Second)
	if !errors.Is(err, ErrChildInput) {
		t.Fatalf("expected ErrChildInput, got %v", err)
	}
	if code := ExitCode(err); code != FallbackExitCode {
		t.Fatalf("expected exit code %d, got %d", FallbackExitCode, code)
	}
	if !child.isClosed() {
		t.Fatalf("expected child to be closed")
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"cancelled", context.Canceled, 0},
		{"child code", &ExitError{Code: 3}, 3},
		{"signal", &ExitError{Code: -1, Signal: "killed"}, FallbackExitCode},
		{"other", errors.New("boom"), FallbackExitCode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.err); got != tt.want {
				t.Fatalf("want %d got %d", tt.want, got)
			}
		})
	}
}

func TestRelayKeepsReadingChildWhileInputBacksUp(t *testing.T) {
	// The child ignores stdin while it floods stdout, and only then drains
	// its input. Client messages pile up meanwhile.
	const lines = 20000
	line := `{"jsonrpc":"2.0","method":"notifications/message","params":{"data":"` + strings.Repeat("x", 40) + `"}}`
	child := startChild(t, fmt.Sprintf(`sleep 1; yes '%s' | head -n %d; cat >/dev/null`, line, lines))
	log, _ := slogtest.New(t)
	sender := &fakeSender{}
	relay := New(child, sender, WithLogger(log))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- relay.Run(ctx) }()

	const clients = 1000
	pad := strings.Repeat("y", 2048)
	recvErr := make(chan error, clients)
	for i := range clients {
		go func() {
			rctx, rcancel := context.WithTimeout(context.Background(), 6*time.Second)
			defer rcancel()
			msg := jsonrpc.Message(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"tools/call","params":{"pad":%q}}`, i, pad))
			recvErr <- relay.Receive(rctx, msg)
		}()
	}

	deadline := time.Now().Add(10 * time.Second)
	for sender.count() < lines {
		if time.Now().After(deadline) {
			t.Fatalf("relay stalled: %d of %d child lines reached the client", sender.count(), lines)
		}
		time.Sleep(20 * time.Millisecond)
	}
	for range clients {
		if err := <-recvErr; err != nil {
			t.Fatalf("receive failed: %v", err)
		}
	}

	cancel()
	if err := <-runErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestRelayAnnotatesOnlyLoggedMessages(t *testing.T) {
	const msg = `{"jsonrpc":"2.0","method":"notifications/progress"}`
	tests := []struct {
		name    string
		sendErr error
		wantLog string
		wantRPC bool
	}{
		{name: "relayed at info level", wantRPC: false},
		{name: "dropped without session", sendErr: sse.ErrNoActiveSession, wantLog: "relay.send.drop", wantRPC: true},
		{name: "send failure", sendErr: errors.New("stream gone"), wantLog: "relay.send.fail", wantRPC: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log := logctx.New(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
			child := newFakeChild()
			child.events <- stdio.Output{Lines: []string{msg}}
			child.events <- stdio.Exited{Code: 0}

			_ = runRelay(t, New(child, &fakeSender{err: tt.sendErr}, WithLogger(log)), 5*time.Second)

			out := buf.String()
			if tt.wantLog != "" && !strings.Contains(out, tt.wantLog) {
				t.Fatalf("expected %s record, got %s", tt.wantLog, out)
			}
			if got := strings.Contains(out, `"method":"notifications/progress"`); got != tt.wantRPC {
				t.Fatalf("rpc attributes logged=%v, want %v: %s", got, tt.wantRPC, out)
			}
		})
	}
}
