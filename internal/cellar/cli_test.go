package cellar

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI executes the root command with an empty config file so host
// configuration does not leak into the test.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	saved := log.Logger
	t.Cleanup(func() { log.Logger = saved })

	conf := filepath.Join(t.TempDir(), "cellar.conf")
	writeFileT(t, conf, []byte("CELLAR_TMPDIR="+t.TempDir()+"\n"))

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", conf}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestArgsCommand(t *testing.T) {
	out, err := runCLI(t, "args", "erlang-r14", "--bits", "32", "--prefix", "/opt/erlang", "-o", "halfword")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, append(append([]string{}, erlangBaseline...), "--enable-hipe", "CFLAGS=-DERTS_DO_INCL_GLB_INLINE_FUNC_DEF"), lines)

	out, err = runCLI(t, "args", "erlang-r14", "--bits", "64", "--prefix", "/opt/erlang", "--option", "disable-hipe")
	require.NoError(t, err)
	assert.Contains(t, out, "--enable-darwin-64bit")
	assert.NotContains(t, out, "--enable-hipe")

	_, err = runCLI(t, "args", "erlang-r14", "--bits", "16")
	require.Error(t, err)

	_, err = runCLI(t, "args", "erlang-r14", "-o", "enable-jit")
	var unknown *UnknownOptionError
	assert.ErrorAs(t, err, &unknown)

	_, err = runCLI(t, "args", "erlang-r14", "--bits", "64", "-o", "enable-jit", "--permissive")
	assert.NoError(t, err)
}

func TestInfoCommand(t *testing.T) {
	out, err := runCLI(t, "info", "erlang-r14")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "erlang-r14 R14B04\n"))
	assert.Contains(t, out, "disable-hipe")
	assert.Contains(t, out, "autoconf (build)")
	assert.Contains(t, out, "man -> share/man (skipped with no-docs)")
	assert.Contains(t, out, "erlbrew-bp-sched2ix (-p0) defines ERTS_DO_INCL_GLB_INLINE_FUNC_DEF")
}

func TestInstallRequiresPrefix(t *testing.T) {
	_, err := runCLI(t, "install", "erlang-r14")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prefix")
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "cellar version dev")
}

func TestLogCommandWithoutLogs(t *testing.T) {
	_, err := runCLI(t, "log", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--keep-tmp")
}
