package gateway

import (
	"context"
	"errors"
	"fmt"
)

// FallbackExitCode is used when the child did not report an exit code of its
// own, e.g. because it was killed by a signal.
const FallbackExitCode = 1

var (
	// ErrRelayStopped is returned by Receive once Run has returned.
	ErrRelayStopped = errors.New("relay stopped")
	// ErrChildInput reports that the child's stdin could no longer be
	// written. The gateway cannot continue without it.
	ErrChildInput = errors.New("child input failed")
)

// ExitError is the terminal result of Run when the child process is gone.
type ExitError struct {
	Code   int
	Signal string
	Err    error
}

func (e *ExitError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("child process failed (exit code %d): %v", e.Code, e.Err)
	case e.Signal != "":
		return fmt.Sprintf("child process terminated by signal %s", e.Signal)
	default:
		return fmt.Sprintf("child process exited with code %d", e.Code)
	}
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps the result of Run to the status the gateway process should
// exit with: the child's own code, 0 for a requested shutdown, and
// FallbackExitCode otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Code < 0 {
			return FallbackExitCode
		}
		return exitErr.Code
	}
	if errors.Is(err, context.Canceled) {
		return 0
	}
	return FallbackExitCode
}
