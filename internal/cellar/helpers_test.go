package cellar

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"
)

// launch is one command seen by fakeRunner.
type launch struct {
	Argv []string
	Dir  string
	Env  []string
}

// fakeRunner records launches instead of running anything. hook, when set,
// decides the outcome of each launch.
type fakeRunner struct {
	mu       sync.Mutex
	launches []launch
	hook     func(cmd *exec.Cmd) error
}

func (f *fakeRunner) Run(ctx context.Context, cmd *exec.Cmd) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrCanceled, err)
	}
	f.mu.Lock()
	f.launches = append(f.launches, launch{Argv: cmd.Args, Dir: cmd.Dir, Env: cmd.Env})
	f.mu.Unlock()
	if f.hook != nil {
		return f.hook(cmd)
	}
	return nil
}

func (f *fakeRunner) argv0s() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, l := range f.launches {
		out = append(out, strings.Join(l.Argv, " "))
	}
	return out
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.launches)
}

// exitStatus mimics *exec.ExitError for fake launches.
type exitStatus int

func (e exitStatus) Error() string { return fmt.Sprintf("exit status %d", int(e)) }
func (e exitStatus) ExitCode() int { return int(e) }

func envValue(env []string, key string) (string, bool) {
	var val string
	found := false
	for _, e := range env {
		if k, v, ok := strings.Cut(e, "="); ok && k == key {
			val, found = v, true
		}
	}
	return val, found
}

func sha256Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// makeTarGz builds a gzip-compressed tarball. Keys ending in "/" are
// directories; files are written with mode 0644 unless the name ends in
// "configure" or "otp_build".
func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	writeTar(t, gz, files)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func makeTar(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	writeTar(t, &buf, files)
	return buf.Bytes()
}

func writeTar(t *testing.T, w interface{ Write([]byte) (int, error) }, files map[string]string) {
	t.Helper()
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)

	tw := tar.NewWriter(w)
	for _, name := range names {
		if strings.HasSuffix(name, "/") {
			require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeDir, Mode: 0o755}))
			continue
		}
		mode := int64(0o644)
		if strings.HasSuffix(name, "configure") || strings.HasSuffix(name, "otp_build") {
			mode = 0o755
		}
		body := files[name]
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: mode, Size: int64(len(body))}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
}

func writeFileT(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func readFileT(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func filler(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("/* %s %d */", prefix, i+1)
	}
	return out
}

// beamBPC is a stand-in for erts/emulator/beam/beam_bp.c with the context
// the Erlbrew patch expects, shifted away from the declared line numbers.
func beamBPC() string {
	lines := filler("beam_bp.c", 480)
	lines = append(lines,
		"}",
		"",
		"/* bp_hash */",
		"ERTS_INLINE Uint bp_sched2ix() {",
		"#ifdef ERTS_SMP",
		"    ErtsSchedulerData *esdp;",
		"    esdp = erts_get_scheduler_data();",
		"    return esdp->no - 1;",
		"#else",
		"    return 0;",
		"#endif",
		"}",
		"static void bp_hash_init(bp_time_hash_t *hash, Uint n) {",
		"    Uint size = sizeof(bp_data_time_item_t)*n;",
		"    Uint i;",
		"}",
	)
	return strings.Join(lines, "\n") + "\n"
}

func beamBPH() string {
	lines := filler("beam_bp.h", 143)
	lines = append(lines,
		"#define ErtsSmpBPUnlock(BDC)",
		"#endif",
		"",
		"ERTS_INLINE Uint bp_sched2ix(void);",
		"",
		"#ifdef ERTS_SMP",
		"#define bp_sched2ix_proc(p) ((p)->scheduler_data->no - 1)",
		"#endif",
	)
	return strings.Join(lines, "\n") + "\n"
}

// otpTree is a minimal OTP source tree under a single top-level directory.
func otpTree() map[string]string {
	return map[string]string{
		"otp-OTP_R14B04/":                             "",
		"otp-OTP_R14B04/otp_build":                    "#!/bin/sh\n",
		"otp-OTP_R14B04/configure":                    "#!/bin/sh\n",
		"otp-OTP_R14B04/erts/emulator/beam/beam_bp.c": beamBPC(),
		"otp-OTP_R14B04/erts/emulator/beam/beam_bp.h": beamBPH(),
		"otp-OTP_R14B04/lib/wx/src/wxe.erl":           "-module(wxe).\n",
		"otp-OTP_R14B04/README":                       "Erlang/OTP\n",
	}
}

// stagedOTP writes otpTree into dir with the top-level directory stripped.
func stagedOTP(t *testing.T, dir string) {
	t.Helper()
	for name, body := range otpTree() {
		rel := stripComponents(name, 1)
		if rel == "" || strings.HasSuffix(name, "/") {
			continue
		}
		writeFileT(t, filepath.Join(dir, rel), []byte(body))
	}
}

func loadErlang(t *testing.T) *Formula {
	t.Helper()
	f, err := LoadBuiltinFormula("erlang-r14")
	require.NoError(t, err)
	return f
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CacheDir = t.TempDir()
	cfg.TmpDir = t.TempDir()
	cfg.MakeJobs = 8
	cfg.FetchBackoff = 0
	return cfg
}

var (
	platform64 = PlatformInfo{OS: "linux", Version: "6.1.0", Arch: "x86_64", PointerWidth: 64, Prefer64: true}
	platform32 = PlatformInfo{OS: "linux", Version: "6.1.0", Arch: "i686", PointerWidth: 32}
	darwin64   = PlatformInfo{OS: "darwin", Version: "10.6.8", Arch: "x86_64", PointerWidth: 64, Prefer64: true}
)

func mustOptions(t *testing.T, f *Formula, names ...string) OptionSet {
	t.Helper()
	opts, _, err := ResolveOptions(f.Options, names, OptionPolicyStrict)
	require.NoError(t, err)
	return opts
}
