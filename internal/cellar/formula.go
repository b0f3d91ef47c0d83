package cellar

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Formula describes how to install one package from source. It is loaded
// once per invocation and never modified afterwards.
type Formula struct {
	Name      string          `toml:"name"`
	Homepage  string          `toml:"homepage"`
	Version   string          `toml:"version"`
	Notice    string          `toml:"notice"`
	Source    Resource        `toml:"source"`
	Options   []Option        `toml:"option"`
	Deps      []Dependency    `toml:"dependency"`
	Resources []Resource      `toml:"resource"`
	Patches   []Patch         `toml:"patch"`
	Configure []ConfigureRule `toml:"configure"`
	Build     BuildSettings   `toml:"build"`
	Touches   []Touch         `toml:"touch"`
	Test      TestProcedure   `toml:"test"`
}

// Option is a named boolean build switch.
type Option struct {
	Name        string `toml:"name"`
	Description string `toml:"description"`
	Default     bool   `toml:"default"`
}

// DependencyPhase says when a dependency is needed.
type DependencyPhase string

const (
	PhaseBuild   DependencyPhase = "build"
	PhaseRuntime DependencyPhase = "runtime"
)

// Dependency declares an external package the formula needs. Provisioning
// it is left to the caller.
type Dependency struct {
	Name  string          `toml:"name"`
	Phase DependencyPhase `toml:"phase"`
}

// Resource is a fetchable archive with an expected content hash.
type Resource struct {
	Name string `toml:"name"`
	URL  string `toml:"url"`
	Hash string `toml:"hash"`
	// StripComponents drops leading path components on extraction. Nil
	// strips a single top-level directory when the archive has one.
	StripComponents *int `toml:"strip_components"`
	// Unless names an option that, when enabled, skips this resource.
	Unless string `toml:"unless"`
	// From is the subdirectory of the staged tree whose contents are
	// installed, and Install the prefix-relative destination.
	From    string `toml:"from"`
	Install string `toml:"install"`
}

// Patch is a unified diff applied to the staged source before configure.
type Patch struct {
	ID    string `toml:"id"`
	Diff  string `toml:"diff"`
	File  string `toml:"file"`
	Strip int    `toml:"strip"`
	// Define is the preprocessor symbol the patched code is gated on. The
	// matching -D flag is emitted exactly when this patch is applied.
	Define string `toml:"define"`
	Unless string `toml:"unless"`
}

// Applies reports whether the patch is selected under opts.
func (p Patch) Applies(opts OptionSet) bool {
	return p.Unless == "" || !opts.Enabled(p.Unless)
}

// BuildSettings tune the build executor for this formula.
type BuildSettings struct {
	// Jobs caps make's parallelism; zero means the configured default.
	Jobs int `toml:"jobs"`
	// Bootstrap runs before configure when BootstrapIfExists names a file
	// present in the source tree (or unconditionally when it is empty).
	Bootstrap         []string `toml:"bootstrap"`
	BootstrapIfExists string   `toml:"bootstrap_if_exists"`
	Make              string   `toml:"make"`
	InstallTarget     string   `toml:"install_target"`
}

// Touch creates an empty marker file in the source tree before make runs,
// when the platform matches.
type Touch struct {
	Path       string `toml:"path"`
	OS         string `toml:"os"`
	MinVersion string `toml:"min_version"`
}

// Matches reports whether the touch applies to the probed platform.
func (t Touch) Matches(p PlatformInfo) bool {
	if t.OS != "" && t.OS != p.OS {
		return false
	}
	if t.MinVersion != "" && !p.AtLeast(t.MinVersion) {
		return false
	}
	return true
}

// TestProcedure is the post-install smoke test.
type TestProcedure struct {
	Command []string `toml:"command"`
	Expect  string   `toml:"expect"`
}

// LoadFormula reads a formula from a TOML file. Patch files are resolved
// relative to the formula's directory.
func LoadFormula(file string) (*Formula, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read formula: %w", err)
	}
	dir := filepath.Dir(file)
	return parseFormula(data, func(name string) ([]byte, error) {
		return os.ReadFile(filepath.Join(dir, name))
	})
}

// LoadFormulaFS reads a formula from a file system, e.g. the embedded
// built-in formulas.
func LoadFormulaFS(fsys fs.FS, file string) (*Formula, error) {
	data, err := fs.ReadFile(fsys, file)
	if err != nil {
		return nil, fmt.Errorf("failed to read formula: %w", err)
	}
	dir := path.Dir(file)
	return parseFormula(data, func(name string) ([]byte, error) {
		return fs.ReadFile(fsys, path.Join(dir, name))
	})
}

func parseFormula(data []byte, readFile func(string) ([]byte, error)) (*Formula, error) {
	var f Formula
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return nil, fmt.Errorf("invalid formula: %s", strict.String())
		}
		return nil, fmt.Errorf("invalid formula: %w", err)
	}

	for i := range f.Patches {
		p := &f.Patches[i]
		if p.File == "" {
			continue
		}
		if p.Diff != "" {
			return nil, fmt.Errorf("patch %s: diff and file are mutually exclusive", p.ID)
		}
		body, err := readFile(p.File)
		if err != nil {
			return nil, fmt.Errorf("patch %s: %w", p.ID, err)
		}
		p.Diff = string(body)
	}

	if f.Source.Name == "" {
		f.Source.Name = f.Name
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// Validate checks the formula for structural errors.
func (f *Formula) Validate() error {
	var errs []error
	if f.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if f.Source.URL == "" {
		errs = append(errs, errors.New("source.url is required"))
	}
	if _, err := ParseHash(f.Source.Hash); err != nil {
		errs = append(errs, fmt.Errorf("source: %w", err))
	}

	options := make(map[string]bool, len(f.Options))
	for _, o := range f.Options {
		if o.Name == "" {
			errs = append(errs, errors.New("option with empty name"))
			continue
		}
		if options[o.Name] {
			errs = append(errs, fmt.Errorf("option %q declared twice", o.Name))
		}
		options[o.Name] = true
	}
	checkOption := func(where, name string) {
		if name != "" && !options[name] {
			errs = append(errs, fmt.Errorf("%s refers to undeclared option %q", where, name))
		}
	}

	names := map[string]bool{f.Source.Name: true}
	for _, r := range f.Resources {
		where := fmt.Sprintf("resource %q", r.Name)
		if r.Name == "" || r.URL == "" {
			errs = append(errs, fmt.Errorf("%s: name and url are required", where))
		}
		if names[r.Name] {
			errs = append(errs, fmt.Errorf("%s declared twice", where))
		}
		names[r.Name] = true
		if _, err := ParseHash(r.Hash); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", where, err))
		}
		if filepath.IsAbs(r.Install) || strings.Contains(r.Install, "..") {
			errs = append(errs, fmt.Errorf("%s: install path must stay inside the prefix", where))
		}
		checkOption(where, r.Unless)
	}

	for _, d := range f.Deps {
		if d.Phase != PhaseBuild && d.Phase != PhaseRuntime {
			errs = append(errs, fmt.Errorf("dependency %q: phase must be build or runtime", d.Name))
		}
	}

	patches := make(map[string]bool, len(f.Patches))
	for _, p := range f.Patches {
		where := fmt.Sprintf("patch %q", p.ID)
		if p.ID == "" || patches[p.ID] {
			errs = append(errs, fmt.Errorf("%s: id must be set and unique", where))
		}
		patches[p.ID] = true
		if strings.TrimSpace(p.Diff) == "" {
			errs = append(errs, fmt.Errorf("%s: empty diff", where))
		}
		if p.Strip < 0 {
			errs = append(errs, fmt.Errorf("%s: negative strip level", where))
		}
		checkOption(where, p.Unless)
	}

	if err := validateRules(f.Configure, checkOption); err != nil {
		errs = append(errs, err)
	}
	if f.Build.Jobs < 0 {
		errs = append(errs, errors.New("build.jobs must not be negative"))
	}
	return errors.Join(errs...)
}

// SelectedResources returns the secondary resources not gated off by opts.
func (f *Formula) SelectedResources(opts OptionSet) []Resource {
	var out []Resource
	for _, r := range f.Resources {
		if r.Unless != "" && opts.Enabled(r.Unless) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// SelectedPatches returns the patches applied under opts, in declaration order.
func (f *Formula) SelectedPatches(opts OptionSet) []Patch {
	var out []Patch
	for _, p := range f.Patches {
		if p.Applies(opts) {
			out = append(out, p)
		}
	}
	return out
}

// BuildDependencies returns the names of build-phase dependencies.
func (f *Formula) BuildDependencies() []string {
	var out []string
	for _, d := range f.Deps {
		if d.Phase == PhaseBuild {
			out = append(out, d.Name)
		}
	}
	return out
}
