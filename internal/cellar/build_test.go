package cellar

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBuilder(t *testing.T, f *Formula, r Runner, plat PlatformInfo) (*Builder, string) {
	t.Helper()
	cfg := testConfig(t)
	cfg.CFlags = "-O2"
	logDir := filepath.Join(t.TempDir(), "log")
	b := NewBuilder(f, cfg, r, plat, logDir)
	b.Environ = []string{"PATH=/usr/bin:/bin", "MAKEFLAGS=-j64", "MAKELEVEL=1", "CFLAGS=-g", "HOME=/root"}
	return b, logDir
}

func TestBuilderSteps(t *testing.T) {
	f := loadErlang(t)
	runner := &fakeRunner{}
	b, logDir := newTestBuilder(t, f, runner, platform64)
	src := t.TempDir()
	stagedOTP(t, src)
	args, err := NewAssembler(f, "/opt/erlang").Assemble(mustOptions(t, f), platform64)
	require.NoError(t, err)

	require.NoError(t, b.Build(context.Background(), src, args))
	require.NoError(t, b.Install(context.Background(), src, args))

	got := runner.argv0s()
	require.Len(t, got, 4)
	assert.Equal(t, "./otp_build autoconf", got[0])
	assert.True(t, strings.HasPrefix(got[1], "./configure --disable-debug --prefix=/opt/erlang"))
	assert.Equal(t, "make", got[2])
	assert.Equal(t, "make install", got[3])

	for _, l := range runner.launches {
		assert.Equal(t, src, l.Dir)
		jobs, _ := envValue(l.Env, "MAKEFLAGS")
		assert.Equal(t, "-j1", jobs, "formula jobs setting wins")
		_, inherited := envValue(l.Env, "MAKELEVEL")
		assert.False(t, inherited)
		cflags, _ := envValue(l.Env, "CFLAGS")
		assert.Equal(t, "-O2 -DERTS_DO_INCL_GLB_INLINE_FUNC_DEF", cflags)
		home, _ := envValue(l.Env, "HOME")
		assert.Equal(t, "/root", home)
	}

	for _, step := range []string{StepBootstrap, StepConfigure, StepMake, StepInstall} {
		log := readFileT(t, filepath.Join(logDir, step+".log"))
		assert.True(t, strings.HasPrefix(log, "$ "), step)
	}
}

func TestBuilderSkipsBootstrapWithoutMarker(t *testing.T) {
	f := loadErlang(t)
	b, _ := newTestBuilder(t, f, &fakeRunner{}, platform64)
	steps := b.Steps(t.TempDir(), BuildArgs{Configure: []string{"--prefix=/x"}})
	var names []string
	for _, s := range steps {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{StepConfigure, StepMake, StepInstall}, names)
}

func TestBuilderJobs(t *testing.T) {
	cfg := testConfig(t)
	cfg.MakeJobs = 6
	f := &Formula{}
	b := NewBuilder(f, cfg, &fakeRunner{}, platform64, t.TempDir())
	assert.Equal(t, 6, b.Jobs)

	f.Build.Jobs = 2
	assert.Equal(t, 2, NewBuilder(f, cfg, &fakeRunner{}, platform64, t.TempDir()).Jobs)

	b.Environ = []string{}
	env := b.Env(BuildArgs{})
	assert.Equal(t, []string{"MAKEFLAGS=-j6"}, env)
}

func TestBuilderTouchesBeforeMake(t *testing.T) {
	f := loadErlang(t)
	src := t.TempDir()
	marker := filepath.Join(src, "lib/wx/SKIP")

	var atConfigure, atMake bool
	runner := &fakeRunner{hook: func(cmd *exec.Cmd) error {
		_, err := os.Stat(marker)
		switch cmd.Args[0] {
		case "./configure":
			atConfigure = err == nil
		case "make":
			atMake = err == nil
		}
		return nil
	}}
	b, _ := newTestBuilder(t, f, runner, darwin64)
	require.NoError(t, b.Build(context.Background(), src, BuildArgs{}))
	assert.False(t, atConfigure)
	assert.True(t, atMake)

	linuxSrc := t.TempDir()
	b, _ = newTestBuilder(t, f, &fakeRunner{}, platform64)
	require.NoError(t, b.Build(context.Background(), linuxSrc, BuildArgs{}))
	assert.NoFileExists(t, filepath.Join(linuxSrc, "lib/wx/SKIP"))
}

func TestBuilderStepFailure(t *testing.T) {
	f := loadErlang(t)
	runner := &fakeRunner{hook: func(cmd *exec.Cmd) error {
		if cmd.Args[0] == "make" {
			fmt.Fprintln(cmd.Stdout, "beam_bp.c:499: error: redefinition of 'bp_sched2ix'")
			return exitStatus(2)
		}
		return nil
	}}
	b, logDir := newTestBuilder(t, f, runner, platform64)

	err := b.Build(context.Background(), t.TempDir(), BuildArgs{})
	var stepErr *BuildStepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, StepMake, stepErr.Step)
	assert.Equal(t, 2, stepErr.ExitCode)
	assert.Equal(t, filepath.Join(logDir, "make.log"), stepErr.Log)
	assert.Contains(t, readFileT(t, stepErr.Log), "redefinition of 'bp_sched2ix'")
	assert.Equal(t, []string{"./configure", "make"}, runner.argv0s())
}

func TestBuilderStopsOnCancel(t *testing.T) {
	f := loadErlang(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := &fakeRunner{hook: func(cmd *exec.Cmd) error {
		if cmd.Args[0] == "./configure" {
			cancel()
		}
		return nil
	}}
	b, _ := newTestBuilder(t, f, runner, platform64)

	err := b.Build(ctx, t.TempDir(), BuildArgs{})
	assert.True(t, errors.Is(err, ErrCanceled))
	assert.Equal(t, 1, runner.count())
}

func TestTailFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "make.log")
	var sb strings.Builder
	for i := 1; i <= 120; i++ {
		fmt.Fprintf(&sb, "line %d\n", i)
	}
	writeFileT(t, path, []byte(sb.String()))

	lines, err := tailFile(path, tailLines)
	require.NoError(t, err)
	require.Len(t, lines, tailLines)
	assert.Equal(t, "line 71", lines[0])
	assert.Equal(t, "line 120", lines[tailLines-1])

	short, err := tailFile(path, 500)
	require.NoError(t, err)
	assert.Len(t, short, 120)
}
