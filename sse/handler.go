package sse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway-go/internal/logctx"
	"github.com/ggoodman/mcp-gateway-go/internal/metrics"
	"github.com/google/uuid"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	sessionIDParam = "sessionId"

	// DefaultMaxMessageBytes caps a single POSTed message.
	DefaultMaxMessageBytes = 4 << 20

	// DefaultWriteTimeout bounds writing one event to a client stream.
	DefaultWriteTimeout = 10 * time.Second
)

// Receiver accepts messages posted by the connected client.
type Receiver interface {
	Receive(ctx context.Context, msg jsonrpc.Message) error
}

// writeJSONError emits a minimal JSON body for HTTP-layer rejections. This is
// transport-level, not JSON-RPC framing. Shape:
// {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*handlerConfig)

type handlerConfig struct {
	logger          *slog.Logger
	metrics         *metrics.Metrics
	baseURL         string
	ssePath         string
	messagePath     string
	maxMessageBytes int64
	writeTimeout    time.Duration
}

// WithLogger sets the logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(c *handlerConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records relayed and rejected inbound messages.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *handlerConfig) { c.metrics = m }
}

// WithBaseURL sets the externally visible prefix of the endpoint URL handed
// to clients, e.g. "https://gw.example.com". Empty yields a path-only URL.
func WithBaseURL(base string) Option {
	return func(c *handlerConfig) { c.baseURL = strings.TrimRight(strings.TrimSpace(base), "/") }
}

// WithPaths overrides the event-stream and message paths.
func WithPaths(ssePath, messagePath string) Option {
	return func(c *handlerConfig) {
		if ssePath != "" {
			c.ssePath = ssePath
		}
		if messagePath != "" {
			c.messagePath = messagePath
		}
	}
}

// WithMaxMessageBytes caps the size of a POSTed message.
func WithMaxMessageBytes(n int64) Option {
	return func(c *handlerConfig) {
		if n > 0 {
			c.maxMessageBytes = n
		}
	}
}

// WithWriteTimeout bounds how long one event may take to reach a client.
// A stream that misses it is closed and the session cleared. Zero disables
// the deadline.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *handlerConfig) {
		if d >= 0 {
			c.writeTimeout = d
		}
	}
}

// Handler serves the SSE transport: GET on the event-stream path opens a
// session, POST on the message path submits one message to the active one.
type Handler struct {
	mux     *http.ServeMux
	log     *slog.Logger
	metrics *metrics.Metrics

	binding *Binding
	recv    Receiver

	baseURL         string
	ssePath         string
	messagePath     string
	maxMessageBytes int64
	writeTimeout    time.Duration
}

// NewHandler constructs a Handler routing sessions through binding and
// inbound messages to recv.
func NewHandler(binding *Binding, recv Receiver, opts ...Option) (*Handler, error) {
	if binding == nil {
		return nil, fmt.Errorf("binding is required")
	}
	if recv == nil {
		return nil, fmt.Errorf("receiver is required")
	}

	cfg := &handlerConfig{
		logger:          slog.Default(),
		ssePath:         "/sse",
		messagePath:     "/message",
		maxMessageBytes: DefaultMaxMessageBytes,
		writeTimeout:    DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.baseURL != "" {
		u, err := url.Parse(cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base URL %q: %w", cfg.baseURL, err)
		}
		if u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("base URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
		}
	}
	for _, p := range []string{cfg.ssePath, cfg.messagePath} {
		if !strings.HasPrefix(p, "/") {
			return nil, fmt.Errorf("path %q must start with /", p)
		}
	}
	if cfg.ssePath == cfg.messagePath {
		return nil, fmt.Errorf("event-stream and message paths must differ")
	}

	h := &Handler{
		log:             logctx.New(cfg.logger),
		metrics:         cfg.metrics,
		binding:         binding,
		recv:            recv,
		baseURL:         cfg.baseURL,
		ssePath:         cfg.ssePath,
		messagePath:     cfg.messagePath,
		maxMessageBytes: cfg.maxMessageBytes,
		writeTimeout:    cfg.writeTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("GET %s", h.ssePath), h.HandleStream)
	mux.HandleFunc(fmt.Sprintf("POST %s", h.messagePath), h.HandleMessage)
	h.mux = mux
	return h, nil
}

// SSEPath returns the event-stream path.
func (h *Handler) SSEPath() string { return h.ssePath }

// MessagePath returns the message submission path.
func (h *Handler) MessagePath() string { return h.messagePath }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func withRequestData(r *http.Request) context.Context {
	return logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
}

// endpointURL is the URL a session's client must POST its messages to.
func (h *Handler) endpointURL(sessionID string) string {
	q := url.Values{sessionIDParam: []string{sessionID}}
	return h.baseURL + h.messagePath + "?" + q.Encode()
}

// HandleStream opens a new event stream, installs it as the active session
// and blocks until the client goes away or the session is closed.
func (h *Handler) HandleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := withRequestData(r)

	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
			h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", acc))
			return
		}
	}

	if _, ok := w.(http.Flusher); !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	sess := newSession(w, h.writeTimeout)
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID()})
	h.log.InfoContext(ctx, "sse.stream.start")

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := sess.wf.Flush(); err != nil {
		sess.Close(err)
		h.log.ErrorContext(ctx, "sse.stream.flush.fail", slog.String("err", err.Error()))
		return
	}

	// The endpoint event must precede any relayed message on this stream.
	if err := sess.sendEndpoint(h.endpointURL(sess.ID())); err != nil {
		sess.Close(err)
		h.log.ErrorContext(ctx, "sse.endpoint.write.fail", slog.String("err", err.Error()))
		return
	}
	h.binding.Install(sess)

	select {
	case <-r.Context().Done():
		sess.Close(nil)
	case <-sess.Done():
	}
	h.binding.Clear(sess)

	if err := sess.Err(); err != nil && !errors.Is(err, ErrSuperseded) {
		h.log.WarnContext(ctx, "sse.stream.error", slog.String("err", err.Error()), slog.Duration("dur", time.Since(start)))
		return
	}
	h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
}

// HandleMessage accepts one JSON-RPC message and hands it to the Receiver on
// behalf of the active session.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := withRequestData(r)

	sess := h.binding.Current()
	if sess == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "no SSE connection active")
		h.metrics.Dropped(metrics.ClientToChild, metrics.DropNoSession)
		h.log.WarnContext(ctx, "message.session.none")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID()})

	if id := r.URL.Query().Get(sessionIDParam); id != "" && id != sess.ID() {
		// Only one session exists at a time; messages go to whichever is current.
		h.log.WarnContext(ctx, "message.session.stale", slog.String("requested", id))
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxMessageBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "message too large")
			h.log.WarnContext(ctx, "message.too_large", slog.Int64("limit", tooLarge.Limit))
			return
		}
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		h.log.WarnContext(ctx, "message.read.fail", slog.String("err", err.Error()))
		return
	}

	msg := jsonrpc.Message(body)
	parsed, err := jsonrpc.Validate(msg)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.metrics.Dropped(metrics.ClientToChild, metrics.DropInvalid)
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: parsed.Method, ID: parsed.ID.String(), Type: parsed.Type()})

	if err := h.recv.Receive(ctx, msg); err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "relay unavailable")
		h.log.ErrorContext(ctx, "message.relay.fail", slog.String("err", err.Error()))
		return
	}

	w.WriteHeader(http.StatusAccepted)
	_, _ = io.WriteString(w, "Accepted")
	h.log.InfoContext(ctx, "message.accept", slog.Duration("dur", time.Since(start)))
}
