package cellar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// SmokeTester runs a formula's post-install check against an installed
// prefix. It never modifies the prefix.
type SmokeTester struct {
	Runner  Runner
	Prefix  string
	Timeout time.Duration
}

// Expand substitutes {prefix} and {bin} in each token.
func (s *SmokeTester) Expand(argv []string) []string {
	r := strings.NewReplacer("{prefix}", s.Prefix, "{bin}", filepath.Join(s.Prefix, "bin"))
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}

// Run executes the test command with no stdin. A non-zero exit, a timeout
// or output lacking the expected text is a *SmokeTestFailure.
func (s *SmokeTester) Run(ctx context.Context, t TestProcedure) error {
	if len(t.Command) == 0 {
		logger := GetLogger("test")
		logger.Debug().Msg("Formula declares no smoke test")
		return nil
	}
	argv := s.Expand(t.Command)
	display := shellJoin(argv)

	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	var out bytes.Buffer
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.Prefix
	cmd.Env = os.Environ()
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := s.Runner.Run(ctx, cmd)
	output := strings.TrimSpace(out.String())
	if err != nil {
		if errors.Is(err, ErrCanceled) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &SmokeTestFailure{Command: display, ExitCode: -1, Reason: fmt.Sprintf("timed out after %s", s.Timeout), Output: output, Cause: err}
		}
		if errors.Is(err, ErrCanceled) {
			return err
		}
		code := exitCodeOf(err)
		reason := fmt.Sprintf("exit status %d", code)
		if code < 0 {
			reason = "could not run"
		}
		return &SmokeTestFailure{Command: display, ExitCode: code, Reason: reason, Output: output, Cause: err}
	}
	if t.Expect != "" && !strings.Contains(out.String(), t.Expect) {
		return &SmokeTestFailure{Command: display, Reason: fmt.Sprintf("output does not contain %q", t.Expect), Output: output}
	}
	return nil
}
