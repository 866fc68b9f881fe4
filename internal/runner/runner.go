// Package runner executes crontab commands as child processes with
// passthrough logging: whatever the job writes to its stdout/stderr is
// forwarded live and unmodified to the supervisor's own streams.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	logx "qrond/pkg/logx"
)

// Config controls how job commands are executed.
type Config struct {
	// Shell interprets the crontab command. Default "/bin/sh".
	Shell string

	// TermGrace is how long a cancelled job gets between SIGTERM and SIGKILL.
	// Default 10s.
	TermGrace time.Duration

	// Stdout/Stderr are the passthrough sinks. Default: the process's own
	// stdout and stderr.
	Stdout io.Writer
	Stderr io.Writer

	// RatePerSec caps forwarded output lines per second per stream.
	// 0 disables the cap.
	RatePerSec int
}

// Result describes one finished run.
type Result struct {
	ExitCode int
	Started  time.Time
	Duration time.Duration
}

type Runner struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *Runner {
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.TermGrace <= 0 {
		cfg.TermGrace = 10 * time.Second
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{cfg: cfg, log: log}
}

// Run executes one command through the shell and blocks until it exits.
//
// On context cancellation the child gets SIGTERM, then SIGKILL after the
// configured grace period. The returned Result always carries the exit code
// (-1 when the process died on a signal or never ran).
func (r *Runner) Run(ctx context.Context, command string) (Result, error) {
	if ctx == nil {
		return Result{ExitCode: -1}, errors.New("nil context")
	}
	if err := ctx.Err(); err != nil {
		return Result{ExitCode: -1}, err
	}

	cmd := exec.CommandContext(ctx, r.cfg.Shell, "-c", command)
	stdout := r.sink(r.cfg.Stdout, "stdout")
	stderr := r.sink(r.cfg.Stderr, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// Give the job a chance to exit cleanly before the hard kill.
	cmd.Cancel = func() error {
		r.log.Debug("sending SIGTERM", logx.String("command", command))
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.cfg.TermGrace

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1, Started: start}, fmt.Errorf("start %q: %w", command, err)
	}

	err := cmd.Wait()
	flush(stdout)
	flush(stderr)
	res := Result{
		ExitCode: cmd.ProcessState.ExitCode(),
		Started:  start,
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, fmt.Errorf("command %q: %w", command, err)
		}
		return res, err
	}
	return res, nil
}

// sink wraps the passthrough writer with the optional line rate cap.
// Without a cap the child writes straight into the sink, byte for byte.
func (r *Runner) sink(w io.Writer, stream string) io.Writer {
	if r.cfg.RatePerSec <= 0 {
		return w
	}
	limited := logx.NewLineLimitedWriter(w, r.cfg.RatePerSec, func(dropped uint64) {
		r.log.Warn("job output lines dropped by rate cap",
			logx.String("stream", stream), logx.Uint64("dropped", dropped))
	})
	return newLineWriter(limited)
}

func flush(w io.Writer) {
	if f, ok := w.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
}
