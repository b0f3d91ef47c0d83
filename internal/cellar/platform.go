package cellar

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
	"golang.org/x/sys/unix"
)

// PlatformInfo is the host description the build arguments are derived
// from. It is probed once per invocation.
type PlatformInfo struct {
	OS           string `yaml:"os"`
	Version      string `yaml:"version"`
	Arch         string `yaml:"arch"`
	PointerWidth int    `yaml:"pointer_width"`
	// Prefer64 is true when a 64-bit build should be produced.
	Prefer64 bool `yaml:"prefer_64bit"`
}

// AtLeast reports whether the platform version is >= min. Both are compared
// as dotted numeric versions; missing components count as zero.
func (p PlatformInfo) AtLeast(min string) bool {
	have, want := canonicalVersion(p.Version), canonicalVersion(min)
	if have == "" || want == "" {
		return false
	}
	return semver.Compare(have, want) >= 0
}

func (p PlatformInfo) String() string {
	return fmt.Sprintf("%s %s %s (%d-bit)", p.OS, p.Version, p.Arch, p.PointerWidth)
}

// canonicalVersion turns "10.6.8" or "6.1.0-13-amd64" into a semver string
// comparable by x/mod/semver. It returns "" when no leading number exists.
func canonicalVersion(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	end := 0
	for end < len(v) && (v[end] == '.' || (v[end] >= '0' && v[end] <= '9')) {
		end++
	}
	parts := strings.Split(strings.Trim(v[:end], "."), ".")
	if parts[0] == "" {
		return ""
	}
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	for i, s := range parts[:3] {
		n, err := strconv.Atoi(s)
		if err != nil {
			return ""
		}
		parts[i] = strconv.Itoa(n)
	}
	return "v" + strings.Join(parts[:3], ".")
}

// Prober reads platform attributes.
type Prober interface {
	Probe() (PlatformInfo, error)
}

// HostProber reads the running kernel through uname(2).
type HostProber struct {
	Force32Bit bool
}

// Probe implements Prober.
func (h HostProber) Probe() (PlatformInfo, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return PlatformInfo{}, &PlatformDetectionError{Cause: err}
	}
	return newPlatformInfo(
		strings.ToLower(unix.ByteSliceToString(uts.Sysname[:])),
		unix.ByteSliceToString(uts.Release[:]),
		unix.ByteSliceToString(uts.Machine[:]),
		h.Force32Bit,
	)
}

func newPlatformInfo(osName, release, machine string, force32 bool) (PlatformInfo, error) {
	if osName == "" || machine == "" {
		return PlatformInfo{}, &PlatformDetectionError{Cause: fmt.Errorf("uname returned empty system or machine name")}
	}
	if canonicalVersion(release) == "" {
		return PlatformInfo{}, &PlatformDetectionError{Cause: fmt.Errorf("unparseable release %q", release)}
	}

	width := strconv.IntSize
	switch {
	case strings.Contains(machine, "64"), machine == "s390x":
		width = 64
	case machine == "i386", machine == "i686", strings.HasPrefix(machine, "armv"):
		width = 32
	}

	return PlatformInfo{
		OS:           osName,
		Version:      release,
		Arch:         machine,
		PointerWidth: width,
		Prefer64:     width == 64 && !force32,
	}, nil
}

// ProbePlatform probes the host using the invocation config.
func ProbePlatform(cfg *Config) (PlatformInfo, error) {
	return HostProber{Force32Bit: cfg.Force32Bit}.Probe()
}

// StaticProber returns a fixed platform. It backs `cellar args --bits` and
// tests.
type StaticProber struct {
	Info PlatformInfo
}

// Probe implements Prober.
func (s StaticProber) Probe() (PlatformInfo, error) {
	return s.Info, nil
}

// SyntheticPlatform describes the running OS with the given pointer width,
// used to preview arguments for another word size.
func SyntheticPlatform(bits int) PlatformInfo {
	p := PlatformInfo{OS: runtime.GOOS, Version: "0", Arch: runtime.GOARCH, PointerWidth: bits, Prefer64: bits == 64}
	if h, err := (HostProber{}).Probe(); err == nil {
		p.Version = h.Version
		p.OS = h.OS
	}
	return p
}
