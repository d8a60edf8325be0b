// Package slogtest bridges slog output into the testing package and records
// emitted messages so tests can assert on logged events.
package slogtest

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
)

// Recorder is the shared state behind a Bridge and its derived handlers.
type Recorder struct {
	mu       sync.Mutex
	t        testing.TB
	buf      *bytes.Buffer
	done     bool
	messages []string
}

// Bridge is an implementation of slog.Handler that works
// with the stdlib testing pkg.
type Bridge struct {
	slog.Handler
	rec *Recorder
}

// New returns a debug-level logger writing through t.Log and the recorder
// capturing its messages.
func New(t testing.TB) (*slog.Logger, *Recorder) {
	rec := &Recorder{t: t, buf: new(bytes.Buffer)}
	// Goroutines may outlive the test; t.Log panics once it has completed.
	t.Cleanup(func() {
		rec.mu.Lock()
		rec.done = true
		rec.mu.Unlock()
	})
	h := &Bridge{
		Handler: slog.NewTextHandler(rec.buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
		rec:     rec,
	}
	return slog.New(h), rec
}

// Handle implements slog.Handler.
func (b *Bridge) Handle(ctx context.Context, r slog.Record) error {
	b.rec.mu.Lock()
	defer b.rec.mu.Unlock()

	b.rec.messages = append(b.rec.messages, r.Message)

	err := b.Handler.Handle(ctx, r)
	if err != nil {
		return err
	}

	output, err := io.ReadAll(b.rec.buf)
	if err != nil {
		return err
	}
	output = bytes.TrimSuffix(output, []byte("\n"))

	if !b.rec.done {
		b.rec.t.Helper()
		b.rec.t.Log(string(output))
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (b *Bridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Bridge{Handler: b.Handler.WithAttrs(attrs), rec: b.rec}
}

// WithGroup implements slog.Handler.
func (b *Bridge) WithGroup(name string) slog.Handler {
	return &Bridge{Handler: b.Handler.WithGroup(name), rec: b.rec}
}

// Count returns how many records with the given message were logged.
func (r *Recorder) Count(msg string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.messages {
		if m == msg {
			n++
		}
	}
	return n
}

// Messages returns a copy of every message logged so far.
func (r *Recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}
