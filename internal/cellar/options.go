package cellar

import (
	"sort"
	"strings"
)

// OptionSet is the resolved value of every declared option. It is built
// once by ResolveOptions and has no mutators.
type OptionSet struct {
	values    map[string]bool
	requested []string
}

// Enabled reports whether the named option is on. Undeclared names are off.
func (s OptionSet) Enabled(name string) bool {
	return s.values[name]
}

// Names returns every declared option name, sorted.
func (s OptionSet) Names() []string {
	names := make([]string, 0, len(s.values))
	for n := range s.values {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Requested returns the enabled option names, sorted.
func (s OptionSet) Requested() []string {
	return append([]string(nil), s.requested...)
}

// String renders the enabled options for logs.
func (s OptionSet) String() string {
	if len(s.requested) == 0 {
		return "(none)"
	}
	return strings.Join(s.requested, ",")
}

// ResolveOptions maps the requested flag names onto the declared options.
// Each declared option is on when requested or when it defaults to on.
//
// Requests for options the formula does not declare fail with
// *UnknownOptionError under OptionPolicyStrict. Under
// OptionPolicyPermissive they are dropped and returned as ignored so the
// caller can report them.
func ResolveOptions(declared []Option, requested []string, policy OptionPolicy) (OptionSet, []string, error) {
	known := make(map[string]bool, len(declared))
	values := make(map[string]bool, len(declared))
	for _, o := range declared {
		known[o.Name] = true
		values[o.Name] = o.Default
	}

	var ignored []string
	for _, raw := range requested {
		name := strings.TrimPrefix(strings.TrimSpace(raw), "--")
		if name == "" {
			continue
		}
		if !known[name] {
			if policy == OptionPolicyPermissive {
				ignored = append(ignored, name)
				continue
			}
			names := make([]string, 0, len(declared))
			for _, o := range declared {
				names = append(names, o.Name)
			}
			return OptionSet{}, nil, &UnknownOptionError{Option: name, Known: names}
		}
		values[name] = true
	}

	set := OptionSet{values: values}
	for name, on := range values {
		if on {
			set.requested = append(set.requested, name)
		}
	}
	sort.Strings(set.requested)
	return set, ignored, nil
}
