// Package config loads gateway settings from GATEWAY_* environment variables
// and command-line flags. Flags take precedence over the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/pflag"
)

// ErrHelp is returned by Load when --help was requested.
var ErrHelp = pflag.ErrHelp

// Config holds everything needed to run the gateway.
type Config struct {
	// Port to listen on. ENV: GATEWAY_PORT
	Port int `env:"GATEWAY_PORT,default=8000"`

	// Stdio is the shell command spawned as the child process. ENV: GATEWAY_STDIO
	Stdio string `env:"GATEWAY_STDIO"`

	// BaseURL prefixes the endpoint URL handed to clients. ENV: GATEWAY_BASE_URL
	BaseURL string `env:"GATEWAY_BASE_URL"`

	SSEPath         string `env:"GATEWAY_SSE_PATH,default=/sse"`
	MessagePath     string `env:"GATEWAY_MESSAGE_PATH,default=/message"`
	HealthEndpoint  string `env:"GATEWAY_HEALTH_ENDPOINT,default=/healthz"`
	MetricsEndpoint string `env:"GATEWAY_METRICS_ENDPOINT,default=/metrics"`

	// CORS is a comma separated list of allowed origins; "*" allows any.
	// Empty disables CORS handling. ENV: GATEWAY_CORS
	CORS string `env:"GATEWAY_CORS"`

	CloseSuperseded bool          `env:"GATEWAY_CLOSE_SUPERSEDED,default=false"`
	LogLevel        string        `env:"GATEWAY_LOG_LEVEL,default=info"`
	LogFormat       string        `env:"GATEWAY_LOG_FORMAT,default=text"`
	ShutdownTimeout time.Duration `env:"GATEWAY_SHUTDOWN_TIMEOUT,default=5s"`
	WriteTimeout    time.Duration `env:"GATEWAY_WRITE_TIMEOUT,default=10s"`
}

// Load reads the environment, then applies args (without the program name)
// on top of it and validates the result. usage receives help and parse
// errors; pass io.Discard to silence it.
func Load(args []string, usage io.Writer) (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	fs := pflag.NewFlagSet("mcp-gateway", pflag.ContinueOnError)
	fs.SetOutput(usage)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "port to listen on")
	fs.StringVar(&cfg.Stdio, "stdio", cfg.Stdio, "command that runs the stdio MCP server (required)")
	fs.StringVar(&cfg.BaseURL, "baseUrl", cfg.BaseURL, "externally visible base URL used in the endpoint event")
	fs.StringVar(&cfg.SSEPath, "ssePath", cfg.SSEPath, "path of the event stream endpoint")
	fs.StringVar(&cfg.MessagePath, "messagePath", cfg.MessagePath, "path of the message endpoint")
	fs.StringVar(&cfg.HealthEndpoint, "healthEndpoint", cfg.HealthEndpoint, "path of the health endpoint (empty disables)")
	fs.StringVar(&cfg.MetricsEndpoint, "metricsEndpoint", cfg.MetricsEndpoint, "path of the Prometheus metrics endpoint (empty disables)")
	fs.StringVar(&cfg.CORS, "cors", cfg.CORS, `comma separated allowed origins, "*" for any`)
	fs.BoolVar(&cfg.CloseSuperseded, "closeSuperseded", cfg.CloseSuperseded, "end a session's stream when a newer client connects")
	fs.StringVar(&cfg.LogLevel, "logLevel", cfg.LogLevel, "log level: debug, info, warn or error")
	fs.StringVar(&cfg.LogFormat, "logFormat", cfg.LogFormat, "log format: text or json")
	fs.DurationVar(&cfg.ShutdownTimeout, "shutdownTimeout", cfg.ShutdownTimeout, "time allowed for HTTP shutdown")
	fs.DurationVar(&cfg.WriteTimeout, "writeTimeout", cfg.WriteTimeout, "time allowed to write one event to a client before its stream is dropped (0 disables)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Stdio) == "" {
		return fmt.Errorf("--stdio (or GATEWAY_STDIO) is required")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.BaseURL != "" {
		u, err := url.Parse(c.BaseURL)
		if err != nil {
			return fmt.Errorf("invalid base URL %q: %w", c.BaseURL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("base URL must use HTTP or HTTPS scheme, got %q", u.Scheme)
		}
	}
	paths := map[string]string{}
	for name, p := range map[string]string{
		"ssePath":         c.SSEPath,
		"messagePath":     c.MessagePath,
		"healthEndpoint":  c.HealthEndpoint,
		"metricsEndpoint": c.MetricsEndpoint,
	} {
		if p == "" && (name == "healthEndpoint" || name == "metricsEndpoint") {
			continue
		}
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s %q must start with /", name, p)
		}
		if other, dup := paths[p]; dup {
			return fmt.Errorf("%s and %s both use %q", other, name, p)
		}
		paths[p] = name
	}
	if c.WriteTimeout < 0 {
		return fmt.Errorf("invalid write timeout %s", c.WriteTimeout)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q: want text or json", c.LogFormat)
	}
	return nil
}

// Addr is the listen address derived from Port.
func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// CORSOrigins splits CORS into its origins.
func (c *Config) CORSOrigins() []string {
	var out []string
	for _, o := range strings.Split(c.CORS, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// NewLogger builds the process logger writing to w in the configured format.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	lvl, _ := c.Level()
	opts := &slog.HandlerOptions{Level: lvl}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
