// Command mcp-gateway exposes a stdio MCP server over HTTP with Server-Sent
// Events. The gateway exits when the child does, with the child's status.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/ggoodman/mcp-gateway-go/gateway"
	"github.com/ggoodman/mcp-gateway-go/internal/config"
	"github.com/ggoodman/mcp-gateway-go/internal/logctx"
	"github.com/ggoodman/mcp-gateway-go/internal/metrics"
	"github.com/ggoodman/mcp-gateway-go/internal/server"
	"github.com/ggoodman/mcp-gateway-go/sse"
	"github.com/ggoodman/mcp-gateway-go/stdio"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args, os.Stderr)
	if errors.Is(err, config.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcp-gateway: %v\n", err)
		return 2
	}

	log := logctx.New(cfg.NewLogger(os.Stderr))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	log.InfoContext(ctx, "gateway.start",
		slog.Int("port", cfg.Port),
		slog.String("stdio", cfg.Stdio),
		slog.String("base_url", cfg.BaseURL),
		slog.String("sse_path", cfg.SSEPath),
		slog.String("message_path", cfg.MessagePath),
	)

	child, err := stdio.Start(ctx, cfg.Stdio, stdio.WithLogger(log))
	if err != nil {
		log.ErrorContext(ctx, "child.start.fail", slog.String("err", err.Error()))
		return gateway.FallbackExitCode
	}
	relayCtx := logctx.WithChildData(ctx, &logctx.ChildData{PID: child.PID(), Command: child.Command()})

	binding := sse.NewBinding(
		sse.WithBindingLogger(log),
		sse.WithBindingMetrics(m),
		sse.WithCloseSuperseded(cfg.CloseSuperseded),
	)
	relay := gateway.New(child, binding, gateway.WithLogger(log), gateway.WithMetrics(m))
	transport, err := sse.NewHandler(binding, relay,
		sse.WithLogger(log),
		sse.WithMetrics(m),
		sse.WithBaseURL(cfg.BaseURL),
		sse.WithPaths(cfg.SSEPath, cfg.MessagePath),
		sse.WithWriteTimeout(cfg.WriteTimeout),
	)
	if err != nil {
		log.ErrorContext(ctx, "transport.init.fail", slog.String("err", err.Error()))
		_ = child.Close()
		return gateway.FallbackExitCode
	}

	handler := server.New(transport, server.Options{
		AllowedOrigins: cfg.CORSOrigins(),
		HealthPath:     cfg.HealthEndpoint,
		Healthy:        func() bool { return child.State() == stdio.StateRunning },
		MetricsPath:    cfg.MetricsEndpoint,
		Gatherer:       reg,
	})

	// Streams are tied to serveCtx so they end before the server shuts down.
	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return serveCtx },
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()
	log.InfoContext(ctx, "http.listen",
		slog.String("addr", srv.Addr),
		slog.String("sse", cfg.BaseURL+cfg.SSEPath),
		slog.String("message", cfg.BaseURL+cfg.MessagePath),
	)

	relayErr := make(chan error, 1)
	go func() { relayErr <- relay.Run(relayCtx) }()

	var result error
	select {
	case result = <-relayErr:
	case err := <-serveErr:
		log.ErrorContext(ctx, "http.serve.fail", slog.String("err", err.Error()))
		stop()
		<-relayErr
		result = err
	}

	cancelServe()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WarnContext(ctx, "http.shutdown.fail", slog.String("err", err.Error()))
		_ = srv.Close()
	}

	code := gateway.ExitCode(result)
	if code != 0 {
		log.ErrorContext(context.Background(), "gateway.exit", slog.Int("code", code), slog.String("reason", result.Error()))
	} else {
		log.InfoContext(context.Background(), "gateway.exit", slog.Int("code", code))
	}
	return code
}
