package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway-go/internal/logctx"
	"github.com/ggoodman/mcp-gateway-go/internal/metrics"
	"github.com/ggoodman/mcp-gateway-go/sse"
	"github.com/ggoodman/mcp-gateway-go/stdio"
)

// Child is the subprocess side of the relay. *stdio.Child implements it.
// Write is called on the relay goroutine and must queue rather than wait for
// the process to read.
type Child interface {
	Write(ctx context.Context, msg jsonrpc.Message) error
	Events() <-chan stdio.Event
	Close() error
}

// Sender is the client side of the relay. *sse.Binding implements it.
// Send must give up on a client that stops reading; the binding does so
// with a per-event write deadline.
type Sender interface {
	Send(ctx context.Context, msg jsonrpc.Message) error
}

var (
	_ Child        = (*stdio.Child)(nil)
	_ Sender       = (*sse.Binding)(nil)
	_ sse.Receiver = (*Relay)(nil)
)

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger used by the relay.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) {
		if l != nil {
			r.log = l
		}
	}
}

// WithMetrics records relayed and dropped messages.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

type inbound struct {
	ctx    context.Context
	msg    jsonrpc.Message
	result chan error
}

// Relay moves messages between one child process and the active client
// session. All routing happens on the goroutine running Run; Receive only
// hands messages to it.
type Relay struct {
	child   Child
	sender  Sender
	log     *slog.Logger
	metrics *metrics.Metrics

	inbound chan inbound
	stopped chan struct{}
	started atomic.Bool
}

// New constructs a Relay between child and sender. Call Run to start it.
func New(child Child, sender Sender, opts ...Option) *Relay {
	r := &Relay{
		child:   child,
		sender:  sender,
		log:     slog.Default(),
		inbound: make(chan inbound),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logctx.New(r.log)
	return r
}

// Receive queues msg for the child's stdin. It implements sse.Receiver.
func (r *Relay) Receive(ctx context.Context, msg jsonrpc.Message) error {
	in := inbound{ctx: ctx, msg: msg, result: make(chan error, 1)}
	select {
	case r.inbound <- in:
	case <-r.stopped:
		return ErrRelayStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-in.result:
		return err
	case <-r.stopped:
		return ErrRelayStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the relay until the child goes away or ctx is cancelled. When
// the child exits the result is an *ExitError carrying its status; on
// cancellation the child is closed and ctx.Err() is returned.
func (r *Relay) Run(ctx context.Context) error {
	if !r.started.CompareAndSwap(false, true) {
		return fmt.Errorf("relay already started")
	}
	defer close(r.stopped)

	r.metrics.ChildUp(true)
	defer r.metrics.ChildUp(false)

	events := r.child.Events()
	for {
		select {
		case <-ctx.Done():
			r.log.InfoContext(ctx, "relay.stop", slog.String("reason", context.Cause(ctx).Error()))
			_ = r.child.Close()
			return ctx.Err()

		case in := <-r.inbound:
			in.result <- r.toChild(in.ctx, in.msg)

		case ev, ok := <-events:
			if !ok {
				return &ExitError{Code: FallbackExitCode, Err: stdio.ErrChildClosed}
			}
			if err := r.handle(ctx, ev); err != nil {
				return err
			}
		}
	}
}

func (r *Relay) toChild(ctx context.Context, msg jsonrpc.Message) error {
	if err := r.child.Write(ctx, msg); err != nil {
		r.metrics.Dropped(metrics.ClientToChild, metrics.DropSendFailed)
		r.log.WarnContext(ctx, "relay.write.fail", slog.String("err", err.Error()))
		return err
	}
	r.metrics.Relayed(metrics.ClientToChild)
	r.log.DebugContext(ctx, "relay.client_to_child")
	return nil
}

// handle processes one child event. A non-nil result ends Run.
func (r *Relay) handle(ctx context.Context, ev stdio.Event) error {
	switch ev := ev.(type) {
	case stdio.Output:
		for _, line := range ev.Lines {
			r.toClient(ctx, line)
		}
	case stdio.Diagnostic:
		r.metrics.ChildDiagnostic(len(ev.Text))
		r.log.InfoContext(ctx, "child.stderr", slog.String("text", strings.TrimRight(ev.Text, "\r\n")))
	case stdio.InputFailed:
		r.log.ErrorContext(ctx, "relay.child_input.fail", slog.String("err", ev.Err.Error()))
		_ = r.child.Close()
		r.drain()
		return &ExitError{Code: FallbackExitCode, Err: fmt.Errorf("%w: %v", ErrChildInput, ev.Err)}
	case stdio.Exited:
		return &ExitError{Code: ev.Code, Signal: ev.Signal, Err: ev.Err}
	}
	return nil
}

// toClient decodes one line of child output and forwards it. Lines that are
// not JSON are logged and dropped; blank lines are ignored silently.
func (r *Relay) toClient(ctx context.Context, line string) {
	msg, err := stdio.Decode(line)
	switch {
	case errors.Is(err, stdio.ErrBlankLine):
		return
	case err != nil:
		r.metrics.Dropped(metrics.ChildToClient, metrics.DropNotJSON)
		r.log.WarnContext(ctx, "child.output.nonjson", slog.String("line", line))
		return
	}

	if err := r.sender.Send(ctx, msg); err != nil {
		ctx = withRPCMessage(ctx, msg)
		if errors.Is(err, sse.ErrNoActiveSession) {
			r.metrics.Dropped(metrics.ChildToClient, metrics.DropNoSession)
			r.log.WarnContext(ctx, "relay.send.drop")
			return
		}
		r.metrics.Dropped(metrics.ChildToClient, metrics.DropSendFailed)
		r.log.WarnContext(ctx, "relay.send.fail", slog.String("err", err.Error()))
		return
	}
	r.metrics.Relayed(metrics.ChildToClient)
	if r.log.Enabled(ctx, slog.LevelDebug) {
		r.log.DebugContext(withRPCMessage(ctx, msg), "relay.child_to_client")
	}
}

// withRPCMessage attaches the message's method, id and kind for logging.
// It parses msg, so callers only use it when a record will be written.
func withRPCMessage(ctx context.Context, msg jsonrpc.Message) context.Context {
	method, id, typ := jsonrpc.Peek(msg)
	return logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: method, ID: id, Type: typ})
}

// drain discards remaining child events after the child has been closed.
func (r *Relay) drain() {
	for range r.child.Events() {
	}
}
