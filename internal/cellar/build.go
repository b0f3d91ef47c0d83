package cellar

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Build step names, also used as log file names.
const (
	StepBootstrap = "bootstrap"
	StepConfigure = "configure"
	StepMake      = "make"
	StepInstall   = "install"
)

// tailLines is how much of a failed step's log is echoed.
const tailLines = 50

// Step is one subprocess of the build.
type Step struct {
	Name string
	Argv []string
}

// Builder runs the native build tools for one staged source tree.
type Builder struct {
	Runner   Runner
	Settings BuildSettings
	Touches  []Touch
	Platform PlatformInfo
	// Jobs is the make parallelism passed through MAKEFLAGS.
	Jobs   int
	CFlags string
	LogDir string
	// Verbose copies step output to stderr; Progress prints an elapsed
	// timer instead.
	Verbose  bool
	Progress bool
	// Environ is the base environment, os.Environ() when nil.
	Environ []string

	logger zerolog.Logger
}

// NewBuilder returns a builder for f. A formula-level jobs setting always
// wins over the configured default.
func NewBuilder(f *Formula, cfg *Config, r Runner, plat PlatformInfo, logDir string) *Builder {
	jobs := cfg.MakeJobs
	if f.Build.Jobs > 0 {
		jobs = f.Build.Jobs
	}
	return &Builder{
		Runner:   r,
		Settings: f.Build,
		Touches:  f.Touches,
		Platform: plat,
		Jobs:     max(jobs, 1),
		CFlags:   cfg.CFlags,
		LogDir:   logDir,
		logger:   GetLogger("build"),
	}
}

func (b *Builder) makeProgram() string {
	if b.Settings.Make != "" {
		return b.Settings.Make
	}
	return "make"
}

// Steps lists the subprocesses Build and Install run for srcDir, in order.
func (b *Builder) Steps(srcDir string, args BuildArgs) []Step {
	var steps []Step
	if len(b.Settings.Bootstrap) > 0 && b.bootstrapWanted(srcDir) {
		steps = append(steps, Step{Name: StepBootstrap, Argv: b.Settings.Bootstrap})
	}
	steps = append(steps,
		Step{Name: StepConfigure, Argv: append([]string{"./configure"}, args.Configure...)},
		Step{Name: StepMake, Argv: []string{b.makeProgram()}},
	)
	return append(steps, b.installStep())
}

func (b *Builder) installStep() Step {
	target := b.Settings.InstallTarget
	if target == "" {
		target = "install"
	}
	return Step{Name: StepInstall, Argv: []string{b.makeProgram(), target}}
}

func (b *Builder) bootstrapWanted(srcDir string) bool {
	if b.Settings.BootstrapIfExists == "" {
		return true
	}
	_, err := os.Stat(filepath.Join(srcDir, b.Settings.BootstrapIfExists))
	return err == nil
}

// Env returns the child environment. Inherited make and compiler flags are
// dropped so only the values computed here reach the build.
func (b *Builder) Env(args BuildArgs) []string {
	base := b.Environ
	if base == nil {
		base = os.Environ()
	}
	env := make([]string, 0, len(base)+3)
	for _, e := range base {
		k, _, _ := strings.Cut(e, "=")
		switch k {
		case "MAKEFLAGS", "MFLAGS", "MAKELEVEL", "CFLAGS", "CXXFLAGS":
			continue
		}
		env = append(env, e)
	}
	env = append(env, fmt.Sprintf("MAKEFLAGS=-j%d", b.Jobs))

	flags := append(strings.Fields(b.CFlags), args.CFlags...)
	if len(flags) > 0 {
		joined := strings.Join(flags, " ")
		env = append(env, "CFLAGS="+joined, "CXXFLAGS="+joined)
	}
	return env
}

// Build runs bootstrap (when wanted), configure and make. Platform marker
// files are created between configure and make.
func (b *Builder) Build(ctx context.Context, srcDir string, args BuildArgs) error {
	env := b.Env(args)
	steps := b.Steps(srcDir, args)
	for _, s := range steps[:len(steps)-1] {
		if s.Name == StepMake {
			if err := b.applyTouches(srcDir); err != nil {
				return &BuildStepError{Step: StepMake, ExitCode: -1, Cause: err}
			}
		}
		if err := b.runStep(ctx, srcDir, s, env); err != nil {
			return err
		}
	}
	return nil
}

// Install runs the install target.
func (b *Builder) Install(ctx context.Context, srcDir string, args BuildArgs) error {
	return b.runStep(ctx, srcDir, b.installStep(), b.Env(args))
}

func (b *Builder) applyTouches(srcDir string) error {
	for _, t := range b.Touches {
		if !t.Matches(b.Platform) {
			continue
		}
		rel, err := cleanEntryName(t.Path)
		if err != nil || rel == "" {
			return fmt.Errorf("invalid touch path %q", t.Path)
		}
		p := filepath.Join(srcDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		f.Close()
		b.logger.Debug().Str("path", rel).Msg("Created platform marker")
	}
	return nil
}

func (b *Builder) runStep(ctx context.Context, dir string, s Step, env []string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCanceled, err)
	}
	if err := os.MkdirAll(b.LogDir, 0o755); err != nil {
		return &BuildStepError{Step: s.Name, ExitCode: -1, Cause: err}
	}
	logPath := filepath.Join(b.LogDir, s.Name+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return &BuildStepError{Step: s.Name, ExitCode: -1, Cause: err}
	}
	defer logFile.Close()

	fmt.Fprintf(logFile, "$ %s\n", shellJoin(s.Argv))
	var out io.Writer = logFile
	if b.Verbose {
		out = io.MultiWriter(logFile, os.Stderr)
	}

	cmd := exec.Command(s.Argv[0], s.Argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = out
	cmd.Stderr = out

	b.logger.Info().Str("step", s.Name).Str("cmd", shellJoin(s.Argv)).Str("dir", dir).Msg("Running build step")
	start := time.Now()
	stop := b.startTimer(s.Name, start)
	runErr := b.Runner.Run(ctx, cmd)
	stop()

	if runErr != nil {
		if errors.Is(runErr, ErrCanceled) {
			return runErr
		}
		stepErr := &BuildStepError{Step: s.Name, ExitCode: exitCodeOf(runErr), Log: logPath, Cause: runErr}
		b.logger.Error().Err(runErr).Str("step", s.Name).Str("log", logPath).Msg("Build step failed")
		b.printTail(logPath)
		return stepErr
	}
	b.logger.Info().Str("step", s.Name).Dur("elapsed", time.Since(start).Truncate(time.Second)).Msg("Build step finished")
	return nil
}

// startTimer prints an elapsed counter until the returned func is called.
func (b *Builder) startTimer(step string, start time.Time) func() {
	if !b.Progress || b.Verbose {
		return func() {}
	}
	doneCh := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				colArrow.Print("-> ")
				colSuccess.Printf("Running %s elapsed: %s\r", step, time.Since(start).Truncate(time.Second))
			case <-doneCh:
				fmt.Print("\r\033[K")
				return
			}
		}
	}()
	return func() {
		close(doneCh)
		wg.Wait()
	}
}

func (b *Builder) printTail(logPath string) {
	lines, err := tailFile(logPath, tailLines)
	if err != nil || len(lines) == 0 {
		return
	}
	colError.Printf("Last %d lines of %s:\n", len(lines), logPath)
	for _, l := range lines {
		fmt.Println(l)
	}
}

// tailFile returns the last n lines of a file.
func tailFile(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, sc.Text())
	}
	return ring, sc.Err()
}
