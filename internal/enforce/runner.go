package enforce

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/keithlinneman/server-guardian/internal/log"
	"github.com/keithlinneman/server-guardian/internal/xerrors"
)

// Runner executes one external command to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands with os/exec. Every invocation is bounded by
// Timeout so a wedged tool cannot stall the control loop.
type ExecRunner struct {
	Timeout time.Duration
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err == nil {
		return nil
	}
	cmdline := name + " " + strings.Join(args, " ")
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return xerrors.Wrapf(ctx.Err(), "%s: timed out after %s", cmdline, r.Timeout)
	}
	if msg := strings.TrimSpace(string(out)); msg != "" {
		return xerrors.Wrapf(err, "%s: %s", cmdline, msg)
	}
	return xerrors.Wrapf(err, "%s", cmdline)
}

// DryRunner logs the command line instead of executing it.
type DryRunner struct {
	Logger log.Logger
}

func (r DryRunner) Run(ctx context.Context, name string, args ...string) error {
	L := r.Logger
	if L == nil {
		L = log.FromContext(ctx)
	}
	L.Info(ctx, "dry-run: command not executed", "cmd", name, "args", strings.Join(args, " "))
	return nil
}
