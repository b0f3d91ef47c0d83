package cellar

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

// ConfigFile is the system-wide configuration file. A per-user file under
// $XDG_CONFIG_HOME/cellar/cellar.conf is read after it.
var ConfigFile = "/etc/cellar.conf"

// OptionPolicy decides what happens to requested options a formula does not
// declare.
type OptionPolicy string

const (
	OptionPolicyStrict     OptionPolicy = "strict"
	OptionPolicyPermissive OptionPolicy = "permissive"
)

// DocsFailurePolicy decides how a documentation staging failure is reported
// once the binary install has succeeded.
type DocsFailurePolicy string

const (
	DocsFailureWarn DocsFailurePolicy = "warn"
	DocsFailureFail DocsFailurePolicy = "fail"
)

// Config holds the resolved settings for one invocation.
type Config struct {
	CacheDir     string
	TmpDir       string
	MakeJobs     int
	CFlags       string
	Force32Bit   bool
	Debug        bool
	IdlePriority bool
	OptionPolicy OptionPolicy
	DocsFailure  DocsFailurePolicy

	FetchRetries  int
	FetchBackoff  time.Duration
	FetchParallel int
	FetchTimeout  time.Duration
	TestTimeout   time.Duration

	Mirror MirrorConfig
}

// MirrorConfig describes an S3-compatible bucket holding copies of source
// archives, and the credentials used for s3:// resource URLs.
type MirrorConfig struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	// Debug turns on SDK request logging.
	Debug bool
}

// Enabled reports whether a mirror bucket is configured.
func (m MirrorConfig) Enabled() bool {
	return m.Bucket != ""
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cellar_cache_dir", filepath.Join(xdg.CacheHome, "cellar"))
	v.SetDefault("cellar_tmpdir", os.TempDir())
	v.SetDefault("cellar_make_jobs", runtime.NumCPU())
	v.SetDefault("cellar_cflags", "")
	v.SetDefault("cellar_force_32bit", false)
	v.SetDefault("cellar_debug", false)
	v.SetDefault("cellar_idle_priority", false)
	v.SetDefault("cellar_option_policy", string(OptionPolicyStrict))
	v.SetDefault("cellar_docs_failure", string(DocsFailureWarn))
	v.SetDefault("cellar_fetch_retries", 0)
	v.SetDefault("cellar_fetch_backoff", "2s")
	v.SetDefault("cellar_fetch_parallel", 4)
	v.SetDefault("cellar_fetch_timeout", "5m")
	v.SetDefault("cellar_test_timeout", "2m")
	v.SetDefault("cellar_mirror_region", "auto")
}

// LoadConfig reads KEY=VALUE configuration files and applies CELLAR_*
// environment overrides. When path is empty the system file and then the
// user file are read; missing files are not an error.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("env")
	setDefaults(v)
	v.AutomaticEnv()

	files := []string{path}
	if path == "" {
		files = []string{ConfigFile, filepath.Join(xdg.ConfigHome, "cellar", "cellar.conf")}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			if path != "" {
				return nil, fmt.Errorf("config file %s: %w", f, err)
			}
			continue
		}
		v.SetConfigFile(f)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", f, err)
		}
	}

	return configFromViper(v)
}

func configFromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		CacheDir:      v.GetString("cellar_cache_dir"),
		TmpDir:        v.GetString("cellar_tmpdir"),
		MakeJobs:      v.GetInt("cellar_make_jobs"),
		CFlags:        v.GetString("cellar_cflags"),
		Force32Bit:    v.GetBool("cellar_force_32bit"),
		Debug:         v.GetBool("cellar_debug"),
		IdlePriority:  v.GetBool("cellar_idle_priority"),
		OptionPolicy:  OptionPolicy(strings.ToLower(v.GetString("cellar_option_policy"))),
		DocsFailure:   DocsFailurePolicy(strings.ToLower(v.GetString("cellar_docs_failure"))),
		FetchRetries:  v.GetInt("cellar_fetch_retries"),
		FetchBackoff:  v.GetDuration("cellar_fetch_backoff"),
		FetchParallel: v.GetInt("cellar_fetch_parallel"),
		FetchTimeout:  v.GetDuration("cellar_fetch_timeout"),
		TestTimeout:   v.GetDuration("cellar_test_timeout"),
		Mirror: MirrorConfig{
			Endpoint:  v.GetString("cellar_mirror_endpoint"),
			Region:    v.GetString("cellar_mirror_region"),
			Bucket:    v.GetString("cellar_mirror_bucket"),
			AccessKey: v.GetString("cellar_mirror_access_key"),
			SecretKey: v.GetString("cellar_mirror_secret_key"),
			Debug:     v.GetBool("cellar_debug"),
		},
	}

	switch cfg.OptionPolicy {
	case OptionPolicyStrict, OptionPolicyPermissive:
	default:
		return nil, fmt.Errorf("CELLAR_OPTION_POLICY must be %q or %q, got %q",
			OptionPolicyStrict, OptionPolicyPermissive, cfg.OptionPolicy)
	}
	switch cfg.DocsFailure {
	case DocsFailureWarn, DocsFailureFail:
	default:
		return nil, fmt.Errorf("CELLAR_DOCS_FAILURE must be %q or %q, got %q",
			DocsFailureWarn, DocsFailureFail, cfg.DocsFailure)
	}
	if cfg.MakeJobs < 1 {
		cfg.MakeJobs = 1
	}
	if cfg.FetchRetries < 0 {
		cfg.FetchRetries = 0
	}
	if cfg.FetchParallel < 1 {
		cfg.FetchParallel = 1
	}
	return cfg, nil
}

// DefaultConfig returns the configuration used when no file or environment
// override is present.
func DefaultConfig() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, _ := configFromViper(v)
	return cfg
}
