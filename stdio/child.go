package stdio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-gateway-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-gateway-go/internal/logctx"
)

var (
	// ErrChildExited is returned by Write once the process has terminated.
	ErrChildExited = errors.New("child process exited")
	// ErrChildClosed is returned by Write after Close.
	ErrChildClosed = errors.New("child process closed")
	// ErrInputClosed is returned by Write after a previous write to the
	// child's stdin failed.
	ErrInputClosed = errors.New("child stdin closed")
	// ErrInputBacklog is returned by Write when the pending line limit set
	// with WithMaxPendingWrites has been reached.
	ErrInputBacklog = errors.New("child stdin backlog full")
)

// State is the lifecycle state of a Child.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateExited
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Event is emitted by a Child on its Events channel.
type Event interface{ childEvent() }

// Output carries the complete stdout lines produced by one read.
type Output struct {
	Lines []string
}

// Diagnostic carries one unmodified chunk of the child's stderr.
type Diagnostic struct {
	Text string
}

// InputFailed reports that writing to the child's stdin failed. No further
// writes will be attempted.
type InputFailed struct {
	Err error
}

// Exited is the terminal event. Code is -1 when the process was terminated by
// a signal, in which case Signal names it.
type Exited struct {
	Code   int
	Signal string
	Err    error
}

func (Output) childEvent()      {}
func (Diagnostic) childEvent()  {}
func (InputFailed) childEvent() {}
func (Exited) childEvent()      {}

// Child owns a subprocess speaking newline-delimited JSON on stdin/stdout.
//
// Stdout is framed into lines by a Framer confined to the reading goroutine.
// Every Output event is delivered before the Exited event, after which the
// Events channel is closed.
type Child struct {
	command string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	log     *slog.Logger
	logCtx  context.Context

	state  atomic.Int32
	events chan Event

	// Lines waiting for stdin. inErr is set once no more lines are accepted;
	// the queue is discarded at the same time.
	inMu       sync.Mutex
	inQueue    [][]byte
	inErr      error
	inReady    chan struct{}
	maxPending int

	stop       chan struct{} // closed by Close
	exited     chan struct{} // closed once the process has been reaped
	closeOnce  sync.Once
	killGrace  time.Duration
	drainAfter time.Duration
}

// Start spawns command through the configured shell and begins pumping its
// output. ctx only scopes logging; use Close to terminate the process.
func Start(ctx context.Context, command string, opts ...Option) (*Child, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("command is required")
	}

	cfg := &startConfig{
		logger:      slog.Default(),
		shell:       []string{"/bin/sh", "-c"},
		killGrace:   2 * time.Second,
		drainAfter:  time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	args := append(append([]string{}, cfg.shell[1:]...), command)
	cmd := exec.Command(cfg.shell[0], args...)
	cmd.Env = cfg.env
	cmd.Dir = cfg.dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	c := &Child{
		command:    command,
		cmd:        cmd,
		stdin:      stdin,
		log:        logctx.New(cfg.logger),
		events:     make(chan Event, 16),
		inReady:    make(chan struct{}, 1),
		maxPending: cfg.maxPending,
		stop:       make(chan struct{}),
		exited:     make(chan struct{}),
		killGrace:  cfg.killGrace,
		drainAfter: cfg.drainAfter,
	}
	c.state.Store(int32(StateStarting))

	err = cmd.Start()
	// The child holds its own copies of the write ends.
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if err != nil {
		_ = stdoutR.Close()
		_ = stderrR.Close()
		return nil, fmt.Errorf("start %q: %w", command, err)
	}
	c.state.Store(int32(StateRunning))
	c.logCtx = logctx.WithChildData(context.WithoutCancel(ctx), &logctx.ChildData{PID: cmd.Process.Pid, Command: command})
	c.log.InfoContext(c.logCtx, "child.start")

	pumpsDone := make(chan struct{})
	var pumps sync.WaitGroup
	pumps.Add(2)
	go func() {
		defer pumps.Done()
		c.pumpStdout(stdoutR)
	}()
	go func() {
		defer pumps.Done()
		c.pumpStderr(stderrR)
	}()
	go func() {
		pumps.Wait()
		close(pumpsDone)
	}()
	go c.writeLoop()
	go c.reap(pumpsDone, stdoutR, stderrR)

	return c, nil
}

// Events returns the ordered stream of child events.
func (c *Child) Events() <-chan Event { return c.events }

// State returns the current lifecycle state.
func (c *Child) State() State { return State(c.state.Load()) }

// PID returns the operating system process id.
func (c *Child) PID() int { return c.cmd.Process.Pid }

// Command returns the shell command the child was started with.
func (c *Child) Command() string { return c.command }

// Done is closed once the process has exited.
func (c *Child) Done() <-chan struct{} { return c.exited }

// Write serializes msg as one line and queues it for the child's stdin.
// It never waits for the child to read: lines are held in memory until the
// writer goroutine can deliver them, in order. Write fails once the child
// has exited, been closed or lost its stdin. A failure of the underlying
// write is reported asynchronously as an InputFailed event.
func (c *Child) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := msg.Line()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	c.inMu.Lock()
	switch {
	case c.inErr != nil:
		err = c.inErr
	case c.State() == StateExited:
		err = ErrChildExited
	case c.maxPending > 0 && len(c.inQueue) >= c.maxPending:
		err = ErrInputBacklog
	default:
		c.inQueue = append(c.inQueue, line)
	}
	c.inMu.Unlock()
	if err != nil {
		return err
	}

	select {
	case c.inReady <- struct{}{}:
	default:
	}
	return nil
}

// Pending reports how many lines are queued for stdin.
func (c *Child) Pending() int {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	return len(c.inQueue)
}

// failInput stops accepting lines and discards the queue. The first error
// recorded wins.
func (c *Child) failInput(err error) {
	c.inMu.Lock()
	if c.inErr == nil {
		c.inErr = err
	}
	c.inQueue = nil
	c.inMu.Unlock()
}

// nextLine pops the oldest queued line.
func (c *Child) nextLine() ([]byte, bool) {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	if c.inErr != nil || len(c.inQueue) == 0 {
		return nil, false
	}
	line := c.inQueue[0]
	c.inQueue[0] = nil
	c.inQueue = c.inQueue[1:]
	return line, true
}

// Close closes the child's stdin and terminates the process if it has not
// exited within the grace period: first with SIGTERM, then SIGKILL. Close
// blocks until the process is gone and is safe to call more than once.
func (c *Child) Close() error {
	c.closeOnce.Do(func() {
		c.failInput(ErrChildClosed)
		close(c.stop)
		_ = c.stdin.Close()

		select {
		case <-c.exited:
			return
		case <-time.After(c.killGrace):
		}
		c.log.WarnContext(c.logCtx, "child.terminate", slog.Duration("grace", c.killGrace))
		_ = c.cmd.Process.Signal(syscall.SIGTERM)

		select {
		case <-c.exited:
			return
		case <-time.After(c.killGrace):
		}
		c.log.WarnContext(c.logCtx, "child.kill")
		_ = c.cmd.Process.Kill()
		<-c.exited
	})
	return nil
}

// emit delivers ev unless the child has been closed, in which case the event
// is discarded because nobody is consuming the stream anymore.
func (c *Child) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.stop:
	}
}

func (c *Child) pumpStdout(r io.Reader) {
	var f Framer
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if lines := f.Feed(buf[:n]); len(lines) > 0 {
				c.emit(Output{Lines: lines})
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				c.log.WarnContext(c.logCtx, "child.stdout.read.fail", slog.String("err", err.Error()))
			}
			if tail := f.Pending(); strings.TrimSpace(tail) != "" {
				c.log.WarnContext(c.logCtx, "child.stdout.unterminated", slog.String("tail", tail))
			}
			return
		}
	}
}

func (c *Child) pumpStderr(r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.emit(Diagnostic{Text: string(buf[:n])})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				c.log.WarnContext(c.logCtx, "child.stderr.read.fail", slog.String("err", err.Error()))
			}
			return
		}
	}
}

func (c *Child) writeLoop() {
	for {
		select {
		case <-c.inReady:
		case <-c.stop:
			return
		case <-c.exited:
			return
		}
		for {
			line, ok := c.nextLine()
			if !ok {
				break
			}
			if _, err := c.stdin.Write(line); err != nil {
				c.failInput(ErrInputClosed)
				select {
				case <-c.stop:
					return
				default:
				}
				c.log.ErrorContext(c.logCtx, "child.stdin.write.fail", slog.String("err", err.Error()))
				c.emit(InputFailed{Err: fmt.Errorf("%w: %v", ErrInputClosed, err)})
				return
			}
		}
	}
}

func (c *Child) reap(pumpsDone <-chan struct{}, outputs ...io.Closer) {
	waitErr := c.cmd.Wait()
	c.state.Store(int32(StateExited))
	c.failInput(ErrChildExited)
	close(c.exited)

	// Descendants of the shell may keep the output pipes open after the
	// child itself is gone. Give the pumps a bounded window to drain.
	select {
	case <-pumpsDone:
	case <-time.After(c.drainAfter):
		c.log.WarnContext(c.logCtx, "child.output.drain.timeout", slog.Duration("after", c.drainAfter))
	}
	for _, o := range outputs {
		_ = o.Close()
	}
	<-pumpsDone

	ev := Exited{Code: -1}
	if ps := c.cmd.ProcessState; ps != nil {
		ev.Code = ps.ExitCode()
		if ev.Code == -1 {
			ev.Signal = strings.TrimPrefix(ps.String(), "signal: ")
		}
	}
	var exitErr *exec.ExitError
	if waitErr != nil && !errors.As(waitErr, &exitErr) {
		ev.Err = waitErr
	}

	c.log.InfoContext(c.logCtx, "child.exit", slog.Int("code", ev.Code), slog.String("signal", ev.Signal))

	c.emit(ev)
	close(c.events)
}
