package cellar

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
)

//go:embed formulas/*.toml formulas/*.patch
var builtinFormulas embed.FS

// BuiltinFormulas lists the names of the formulas compiled into the binary.
func BuiltinFormulas() []string {
	entries, err := fs.ReadDir(builtinFormulas, "formulas")
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".toml") {
			names = append(names, strings.TrimSuffix(e.Name(), ".toml"))
		}
	}
	sort.Strings(names)
	return names
}

// LoadBuiltinFormula loads one of the embedded formulas by name.
func LoadBuiltinFormula(name string) (*Formula, error) {
	f, err := LoadFormulaFS(builtinFormulas, "formulas/"+name+".toml")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("no built-in formula %q (available: %s)", name, strings.Join(BuiltinFormulas(), ", "))
		}
		return nil, err
	}
	return f, nil
}

// ResolveFormula loads ref as a formula file when it names one, and as a
// built-in formula otherwise.
func ResolveFormula(ref string) (*Formula, error) {
	if strings.HasSuffix(ref, ".toml") || strings.ContainsRune(ref, os.PathSeparator) {
		return LoadFormula(ref)
	}
	if st, err := os.Stat(ref); err == nil && !st.IsDir() {
		return LoadFormula(ref)
	}
	return LoadBuiltinFormula(ref)
}
