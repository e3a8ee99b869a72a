// Command lockctl acquires, inspects and releases distributed locks and runs
// commands under them.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	lockerrors "github.com/mirkobrombin/go-lockable/v1/errors"
)

// exitContention is returned when the lock is held elsewhere.
const exitContention = 2

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0
	case errors.Is(err, lockerrors.ErrLockContention):
		return exitContention
	case errors.As(err, &exitErr) && exitErr.ExitCode() > 0:
		return exitErr.ExitCode()
	default:
		return 1
	}
}

func main() {
	ctx, stop := signalContext(context.Background())
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, "lockctl:", err)
		}
	}
	os.Exit(exitCode(err))
}
