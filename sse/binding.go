package sse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway-go/internal/logctx"
	"github.com/ggoodman/mcp-gateway-go/internal/metrics"
)

// ErrNoActiveSession is returned by Send when no client is connected.
var ErrNoActiveSession = errors.New("no active SSE session")

// ErrSuperseded is the close reason given to a session replaced by a newer
// connection when superseded sessions are closed.
var ErrSuperseded = errors.New("sse session superseded by a newer connection")

// Binding is a single-slot register holding the currently active session.
// Installing a session replaces the previous one; sends always address the
// latest installed session.
type Binding struct {
	mu  sync.Mutex
	cur Conn

	log             *slog.Logger
	metrics         *metrics.Metrics
	closeSuperseded bool
}

// BindingOption configures a Binding.
type BindingOption func(*Binding)

// WithBindingLogger sets the logger used by the binding.
func WithBindingLogger(l *slog.Logger) BindingOption {
	return func(b *Binding) {
		if l != nil {
			b.log = l
		}
	}
}

// WithBindingMetrics records session installs and clears.
func WithBindingMetrics(m *metrics.Metrics) BindingOption {
	return func(b *Binding) { b.metrics = m }
}

// WithCloseSuperseded controls whether a session displaced by a newer
// connection has its stream ended. When false (the default) the old stream
// stays open but no longer receives messages.
func WithCloseSuperseded(v bool) BindingOption {
	return func(b *Binding) { b.closeSuperseded = v }
}

// NewBinding constructs an empty Binding.
func NewBinding(opts ...BindingOption) *Binding {
	b := &Binding{log: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	b.log = logctx.New(b.log)
	return b
}

// Install makes c the active session and returns the session it replaced,
// if any.
func (b *Binding) Install(c Conn) Conn {
	b.mu.Lock()
	prev := b.cur
	b.cur = c
	b.mu.Unlock()

	b.metrics.SessionInstalled(prev != nil)

	ctx := logctx.WithSessionData(context.Background(), &logctx.SessionData{SessionID: c.ID()})
	if prev != nil {
		b.log.InfoContext(ctx, "sse.session.supersede", slog.String("previous", prev.ID()), slog.Bool("close_previous", b.closeSuperseded))
		if b.closeSuperseded {
			prev.Close(ErrSuperseded)
		}
	} else {
		b.log.InfoContext(ctx, "sse.session.install")
	}
	return prev
}

// Clear removes c if it is still the active session and reports whether it
// was.
func (b *Binding) Clear(c Conn) bool {
	b.mu.Lock()
	if b.cur == nil || b.cur != c {
		b.mu.Unlock()
		return false
	}
	b.cur = nil
	b.mu.Unlock()

	b.metrics.SessionCleared()
	b.log.InfoContext(logctx.WithSessionData(context.Background(), &logctx.SessionData{SessionID: c.ID()}), "sse.session.clear")
	return true
}

// Current returns the active session, or nil.
func (b *Binding) Current() Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur
}

// Send forwards msg to the active session. It returns ErrNoActiveSession
// when nobody is connected. A session whose stream fails is treated as
// closed and removed.
func (b *Binding) Send(ctx context.Context, msg jsonrpc.Message) error {
	c := b.Current()
	if c == nil {
		return ErrNoActiveSession
	}
	if err := c.Send(ctx, msg); err != nil {
		c.Close(err)
		b.Clear(c)
		return fmt.Errorf("send to session %s: %w", c.ID(), err)
	}
	return nil
}
