package sse

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
	"github.com/google/uuid"
)

// ErrSessionClosed is returned when sending on a session whose stream has
// ended.
var ErrSessionClosed = errors.New("sse session closed")

// Conn is the handle of one connected client as seen by the Binding.
type Conn interface {
	ID() string
	Send(ctx context.Context, msg jsonrpc.Message) error
	Close(err error)
}

// lockedWriteFlusher serializes writes and flushes to a streaming response
// and refuses both once closed, since the ResponseWriter must not be touched
// after the handler returns. When timeout is set every event must reach the
// connection within it.
type lockedWriteFlusher struct {
	w       io.Writer
	rc      *http.ResponseController
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (l *lockedWriteFlusher) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrSessionClosed
	}
	return l.rc.Flush()
}

func (l *lockedWriteFlusher) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// setDeadline applies a write deadline. Writers without deadline support
// are left unbounded.
func (l *lockedWriteFlusher) setDeadline(t time.Time) error {
	if err := l.rc.SetWriteDeadline(t); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// writeEvent writes one complete Server-Sent Event and flushes it. The frame
// is written under a single lock so concurrent events never interleave.
func (l *lockedWriteFlusher) writeEvent(event string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrSessionClosed
	}
	if l.timeout > 0 {
		if err := l.setDeadline(time.Now().Add(l.timeout)); err != nil {
			return fmt.Errorf("failed to set SSE write deadline: %w", err)
		}
	}
	if _, err := fmt.Fprintf(l.w, "event: %s\ndata: ", event); err != nil {
		return fmt.Errorf("failed to write SSE event header: %w", err)
	}
	if _, err := l.w.Write(data); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := io.WriteString(l.w, "\n\n"); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	if err := l.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush SSE event: %w", err)
	}
	if l.timeout > 0 {
		// The stream idles between events.
		if err := l.setDeadline(time.Time{}); err != nil {
			return fmt.Errorf("failed to clear SSE write deadline: %w", err)
		}
	}
	return nil
}

// Session is a single long-lived event stream to a remote client.
type Session struct {
	id string
	wf *lockedWriteFlusher

	once sync.Once
	done chan struct{}
	err  error
}

// newSession wraps w. A positive writeTimeout bounds each event write; a
// client that stops reading fails the send instead of stalling it.
func newSession(w http.ResponseWriter, writeTimeout time.Duration) *Session {
	return &Session{
		id: uuid.NewString(),
		wf: &lockedWriteFlusher{
			w:       w,
			rc:      http.NewResponseController(w),
			timeout: writeTimeout,
		},
		done: make(chan struct{}),
	}
}

// ID returns the session id advertised in the endpoint URL.
func (s *Session) ID() string { return s.id }

// Send delivers msg as a "message" event.
func (s *Session) Send(ctx context.Context, msg jsonrpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	compact, err := msg.Compact()
	if err != nil {
		return err
	}
	return s.wf.writeEvent("message", compact)
}

func (s *Session) sendEndpoint(endpoint string) error {
	return s.wf.writeEvent("endpoint", []byte(endpoint))
}

// Close ends the stream. The first error recorded is kept; a nil err marks a
// normal closure.
func (s *Session) Close(err error) {
	s.once.Do(func() {
		s.wf.close()
		s.err = err
		close(s.done)
	})
}

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the reason the session was closed, if any. Only valid after
// Done is closed.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}
