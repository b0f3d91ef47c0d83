package cellar

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// Runner launches child processes. Builder and the smoke test go through
// it so tests can record launches without running anything.
type Runner interface {
	Run(ctx context.Context, cmd *exec.Cmd) error
}

// Executor is the production Runner.
type Executor struct {
	// ApplyIdlePriority wraps commands in nice -n 19.
	ApplyIdlePriority bool
}

// NewExecutor returns an executor configured from cfg.
func NewExecutor(cfg *Config) *Executor {
	return &Executor{ApplyIdlePriority: cfg.IdlePriority}
}

// Run executes cmd in its own process group. When ctx is canceled the whole
// group is killed, so configure and make children do not outlive the
// invocation. A command is never started once ctx is done.
func (e *Executor) Run(ctx context.Context, cmd *exec.Cmd) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCanceled, err)
	}

	basePath := cmd.Path
	baseArgs := cmd.Args[1:]
	if e.ApplyIdlePriority {
		baseArgs = append([]string{"-n", "19", basePath}, baseArgs...)
		basePath = "nice"
	}

	finalCmd := exec.Command(basePath, baseArgs...)
	finalCmd.Dir = cmd.Dir
	finalCmd.Env = cmd.Env
	finalCmd.Stdin = cmd.Stdin
	finalCmd.Stdout = cmd.Stdout
	finalCmd.Stderr = cmd.Stderr
	finalCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := finalCmd.Start(); err != nil {
		return fmt.Errorf("failed to start command: %w", err)
	}

	pgid := finalCmd.Process.Pid
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = syscall.Kill(-pgid, syscall.SIGKILL)
		case <-done:
		}
	}()

	if waitErr := finalCmd.Wait(); waitErr != nil {
		if ctx.Err() != nil {
			// Give the killed group a moment to release file handles.
			time.Sleep(100 * time.Millisecond)
			return fmt.Errorf("%w: command aborted: %v", ErrCanceled, ctx.Err())
		}
		return waitErr
	}
	return nil
}

// exitCodeOf extracts a process exit status, or -1 when the process never
// ran to completion.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var coded interface{ ExitCode() int }
	if errors.As(err, &coded) {
		return coded.ExitCode()
	}
	return -1
}
