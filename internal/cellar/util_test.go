package cellar

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/gookit/color"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellJoin(t *testing.T) {
	assert.Equal(t, "./configure --prefix=/opt/erlang", shellJoin([]string{"./configure", "--prefix=/opt/erlang"}))
	assert.Equal(t, `erl -eval 'crypto:start().'`, shellJoin([]string{"erl", "-eval", "crypto:start()."}))
	assert.Equal(t, `echo ''`, shellJoin([]string{"echo", ""}))
	assert.Equal(t, `./configure CFLAGS=-DERTS_DO_INCL_GLB_INLINE_FUNC_DEF 'CC=gcc -m32'`,
		shellJoin([]string{"./configure", "CFLAGS=-DERTS_DO_INCL_GLB_INLINE_FUNC_DEF", "CC=gcc -m32"}))
	assert.Equal(t, `'FOO=bar' make`, shellJoin([]string{"FOO=bar", "make"}))
}

func TestSetupLoggerWritesJSONFile(t *testing.T) {
	saved := log.Logger
	t.Cleanup(func() { log.Logger = saved })

	path := filepath.Join(t.TempDir(), "logs", "cellar.json")
	closer, err := SetupLogger(0, path)
	require.NoError(t, err)
	logger := GetLogger("test")
	logger.Debug().Str("step", "configure").Msg("hidden from console")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"test"`)
	assert.Contains(t, string(data), `"message":"hidden from console"`)
}

func TestStatusLines(t *testing.T) {
	var buf bytes.Buffer
	color.SetOutput(&buf)
	t.Cleanup(color.ResetOutput)

	infof("Working directory kept at %s", "/tmp/cellar-w")
	status("Applied patch %s", "erlbrew-bp-sched2ix")
	warnf("Build dependency %s not found in PATH", "autoconf")

	assert.Equal(t, "-> Working directory kept at /tmp/cellar-w\n"+
		"-> Applied patch erlbrew-bp-sched2ix\n"+
		"-> Build dependency autoconf not found in PATH\n", color.ClearCode(buf.String()))
}
