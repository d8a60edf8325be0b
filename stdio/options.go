package stdio

import (
	"log/slog"
	"time"
)

// Option customizes how a Child is started.
type Option func(*startConfig)

type startConfig struct {
	logger     *slog.Logger
	shell      []string
	env        []string
	dir        string
	killGrace  time.Duration
	drainAfter time.Duration
	maxPending int
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *startConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithShell overrides the shell used to interpret the command. The command
// string is appended as the final argument, e.g. WithShell("bash", "-lc").
func WithShell(shell string, args ...string) Option {
	return func(c *startConfig) {
		if shell != "" {
			c.shell = append([]string{shell}, args...)
		}
	}
}

// WithEnv sets the child's environment. By default the gateway's own
// environment is inherited.
func WithEnv(env []string) Option {
	return func(c *startConfig) { c.env = env }
}

// WithDir sets the child's working directory.
func WithDir(dir string) Option {
	return func(c *startConfig) { c.dir = dir }
}

// WithKillGrace sets how long Close waits between closing stdin, sending
// SIGTERM and sending SIGKILL.
func WithKillGrace(d time.Duration) Option {
	return func(c *startConfig) {
		if d > 0 {
			c.killGrace = d
		}
	}
}

// WithDrainTimeout bounds how long output is still read after the process
// exits, for commands whose descendants inherit the output pipes.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *startConfig) {
		if d > 0 {
			c.drainAfter = d
		}
	}
}

// WithMaxPendingWrites caps how many lines may wait for stdin. Beyond it
// Write fails with ErrInputBacklog instead of queueing. Zero, the default,
// means no limit.
func WithMaxPendingWrites(n int) Option {
	return func(c *startConfig) {
		if n >= 0 {
			c.maxPending = n
		}
	}
}
