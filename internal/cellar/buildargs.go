package cellar

import (
	"errors"
	"fmt"
	"strings"
)

// Platform predicates a configure rule can require.
const (
	PlatformAny   = "any"
	Platform64Bit = "64bit"
	Platform32Bit = "32bit"
)

// ConfigureRule contributes configure tokens when its conditions hold. Rules
// are evaluated in declaration order.
type ConfigureRule struct {
	ID   string   `toml:"id"`
	Args []string `toml:"args"`
	// If and Unless name options that must be on or off respectively.
	If     string `toml:"if"`
	Unless string `toml:"unless"`
	// Platform is one of "any" (or empty), "64bit" and "32bit", where 64bit
	// means the probed platform prefers a 64-bit build.
	Platform string `toml:"platform"`
	// Within names an earlier rule that must have fired for this one to be
	// considered.
	Within string `toml:"within"`
}

func (r ConfigureRule) platformMatches(p PlatformInfo) bool {
	switch r.Platform {
	case Platform64Bit:
		return p.Prefer64
	case Platform32Bit:
		return !p.Prefer64
	default:
		return true
	}
}

func (r ConfigureRule) fires(opts OptionSet, p PlatformInfo, fired map[string]bool) bool {
	if r.Within != "" && !fired[r.Within] {
		return false
	}
	if r.If != "" && !opts.Enabled(r.If) {
		return false
	}
	if r.Unless != "" && opts.Enabled(r.Unless) {
		return false
	}
	return r.platformMatches(p)
}

// validateRules checks rule ids, option references and nesting. A rule's
// parent must be declared before it.
func validateRules(rules []ConfigureRule, checkOption func(where, name string)) error {
	var errs []error
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		where := fmt.Sprintf("configure rule %q", r.ID)
		if r.ID == "" {
			where = fmt.Sprintf("configure rule #%d", i+1)
			errs = append(errs, fmt.Errorf("%s: id is required", where))
		} else if seen[r.ID] {
			errs = append(errs, fmt.Errorf("%s declared twice", where))
		}
		if len(r.Args) == 0 {
			errs = append(errs, fmt.Errorf("%s: no args", where))
		}
		switch r.Platform {
		case "", PlatformAny, Platform64Bit, Platform32Bit:
		default:
			errs = append(errs, fmt.Errorf("%s: unknown platform predicate %q", where, r.Platform))
		}
		if r.Within != "" && !seen[r.Within] {
			errs = append(errs, fmt.Errorf("%s: parent rule %q must be declared before it", where, r.Within))
		}
		checkOption(where, r.If)
		checkOption(where, r.Unless)
		seen[r.ID] = true
	}
	return errors.Join(errs...)
}

// BuildArgs is the assembled configure invocation.
type BuildArgs struct {
	Configure []string `yaml:"configure"`
	// CFlags holds the compile flags coupled to applied patches.
	CFlags []string `yaml:"cflags,omitempty"`
	// Rules lists the ids of the rules that fired, in order.
	Rules []string `yaml:"rules"`
}

// Assembler turns an option set and platform into BuildArgs.
type Assembler struct {
	Rules   []ConfigureRule
	Patches []Patch
	Prefix  string
}

// NewAssembler returns an assembler for the formula's rules and patches.
func NewAssembler(f *Formula, prefix string) Assembler {
	return Assembler{Rules: f.Configure, Patches: f.Patches, Prefix: prefix}
}

// Assemble evaluates the rule table. The result depends only on opts, plat
// and the assembler's fields.
func (a Assembler) Assemble(opts OptionSet, plat PlatformInfo) (BuildArgs, error) {
	if err := validateRules(a.Rules, func(string, string) {}); err != nil {
		return BuildArgs{}, err
	}

	var out BuildArgs
	fired := make(map[string]bool, len(a.Rules))
	for _, r := range a.Rules {
		if !r.fires(opts, plat, fired) {
			continue
		}
		fired[r.ID] = true
		out.Rules = append(out.Rules, r.ID)
		for _, tok := range r.Args {
			out.Configure = append(out.Configure, strings.ReplaceAll(tok, "{prefix}", a.Prefix))
		}
	}

	for _, p := range a.Patches {
		if p.Define != "" && p.Applies(opts) {
			out.CFlags = append(out.CFlags, "-D"+p.Define)
		}
	}
	return out, nil
}
