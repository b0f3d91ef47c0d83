package cellar

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Diff is a parsed unified diff.
type Diff struct {
	ID    string
	Strip int
	Files []*FileDiff
}

// FileDiff holds the hunks for one file.
type FileDiff struct {
	OldName string
	NewName string
	Hunks   []*Hunk
	// first is the 1-based index of the first hunk across the whole diff.
	first int
}

// Hunk is one @@ section. Lines keep their ' ', '-' or '+' prefix.
type Hunk struct {
	OldStart, OldLines int
	NewStart, NewLines int
	Lines              []string
	// NoNewlineOld and NoNewlineNew record "\ No newline at end of file"
	// markers for each side.
	NoNewlineOld bool
	NoNewlineNew bool
}

const devNull = "/dev/null"

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// HunkCount returns the number of hunks across all files.
func (d *Diff) HunkCount() int {
	n := 0
	for _, f := range d.Files {
		n += len(f.Hunks)
	}
	return n
}

// ParsePatch parses unified diff text. Lines before the first file header
// (e.g. "diff -u" or "Index:" lines) are ignored.
func ParsePatch(id, text string, strip int) (*Diff, error) {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}

	d := &Diff{ID: id, Strip: strip}
	next := 1
	for i := 0; i < len(lines); {
		if !strings.HasPrefix(lines[i], "--- ") || i+1 >= len(lines) || !strings.HasPrefix(lines[i+1], "+++ ") {
			i++
			continue
		}
		fd := &FileDiff{
			OldName: headerName(lines[i][4:]),
			NewName: headerName(lines[i+1][4:]),
			first:   next,
		}
		i += 2
		for i < len(lines) && strings.HasPrefix(lines[i], "@@ ") {
			h, end, err := parseHunk(lines, i)
			if err != nil {
				return nil, fmt.Errorf("hunk #%d: %w", next, err)
			}
			fd.Hunks = append(fd.Hunks, h)
			next++
			i = end
		}
		if len(fd.Hunks) == 0 {
			return nil, fmt.Errorf("no hunks for %s", fd.NewName)
		}
		d.Files = append(d.Files, fd)
	}
	if len(d.Files) == 0 {
		return nil, errors.New("no file headers found")
	}
	return d, nil
}

// headerName drops the timestamp that follows a tab in ---/+++ lines.
func headerName(s string) string {
	if i := strings.IndexByte(s, '\t'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func parseHunk(lines []string, i int) (*Hunk, int, error) {
	m := hunkHeader.FindStringSubmatch(lines[i])
	if m == nil {
		return nil, 0, fmt.Errorf("malformed header %q", lines[i])
	}
	atoi := func(s string) int {
		if s == "" {
			return 1
		}
		n, _ := strconv.Atoi(s)
		return n
	}
	h := &Hunk{OldStart: atoi(m[1]), OldLines: atoi(m[2]), NewStart: atoi(m[3]), NewLines: atoi(m[4])}

	oldLeft, newLeft := h.OldLines, h.NewLines
	j := i + 1
	for oldLeft > 0 || newLeft > 0 {
		if j >= len(lines) {
			return nil, 0, errors.New("truncated hunk")
		}
		line := lines[j]
		if line == "" {
			line = " "
		}
		switch line[0] {
		case ' ':
			oldLeft--
			newLeft--
		case '-':
			oldLeft--
		case '+':
			newLeft--
		case '\\':
			h.markNoNewline()
			j++
			continue
		default:
			return nil, 0, fmt.Errorf("unexpected line %q", line)
		}
		if oldLeft < 0 || newLeft < 0 {
			return nil, 0, errors.New("line counts do not match header")
		}
		h.Lines = append(h.Lines, line)
		j++
	}
	if j < len(lines) && strings.HasPrefix(lines[j], "\\") {
		h.markNoNewline()
		j++
	}
	return h, j, nil
}

func (h *Hunk) markNoNewline() {
	if len(h.Lines) == 0 {
		return
	}
	switch h.Lines[len(h.Lines)-1][0] {
	case '-':
		h.NoNewlineOld = true
	case '+':
		h.NoNewlineNew = true
	default:
		h.NoNewlineOld = true
		h.NoNewlineNew = true
	}
}

func (h *Hunk) sides() (old, new []string) {
	for _, l := range h.Lines {
		switch l[0] {
		case ' ':
			old = append(old, l[1:])
			new = append(new, l[1:])
		case '-':
			old = append(old, l[1:])
		case '+':
			new = append(new, l[1:])
		}
	}
	return old, new
}

// fileState is the in-memory view of one file while a patch is computed.
type fileState struct {
	path     string
	lines    []string
	eol      bool
	mode     os.FileMode
	existed  bool
	original []byte
	deleted  bool
}

func (s *fileState) bytes() []byte {
	if len(s.lines) == 0 {
		return nil
	}
	out := strings.Join(s.lines, "\n")
	if s.eol {
		out += "\n"
	}
	return []byte(out)
}

func splitLines(data []byte) ([]string, bool) {
	if len(data) == 0 {
		return nil, false
	}
	text := string(data)
	eol := strings.HasSuffix(text, "\n")
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n"), eol
}

// ApplyPatch applies p to the tree at dir. Every hunk is matched in memory
// before anything is written, so a rejected patch leaves dir untouched.
func ApplyPatch(dir string, p Patch) error {
	d, err := ParsePatch(p.ID, p.Diff, p.Strip)
	if err != nil {
		return &PatchRejectedError{Patch: p.ID, Reason: "malformed diff: " + err.Error()}
	}
	return d.Apply(dir)
}

// Apply applies the diff to the tree at dir.
func (d *Diff) Apply(dir string) error {
	states := make(map[string]*fileState)
	var order []*fileState
	logger := GetLogger("patch")

	for _, fd := range d.Files {
		st, display, err := d.loadTarget(dir, fd, states)
		if err != nil {
			return &PatchRejectedError{Patch: d.ID, Hunk: fd.first, File: display, Reason: err.Error()}
		}
		if _, seen := states[st.path]; !seen {
			states[st.path] = st
			order = append(order, st)
		}

		delta, floor := 0, 0
		for k, h := range fd.Hunks {
			old, repl := h.sides()
			want := h.OldStart - 1 + delta
			if h.OldLines == 0 {
				want = h.OldStart + delta
			}
			pos := findHunk(st.lines, old, want, floor)
			if pos < 0 {
				return &PatchRejectedError{Patch: d.ID, Hunk: fd.first + k, File: display, Reason: "context does not match"}
			}
			if off := pos - want; off != 0 {
				logger.Debug().Str("patch", d.ID).Int("hunk", fd.first+k).Int("offset", off).Msg("Hunk applied at offset")
			}

			spliced := make([]string, 0, len(st.lines)-len(old)+len(repl))
			spliced = append(spliced, st.lines[:pos]...)
			spliced = append(spliced, repl...)
			spliced = append(spliced, st.lines[pos+len(old):]...)
			st.lines = spliced
			floor = pos + len(repl)
			delta += len(repl) - len(old)

			if h.NoNewlineNew {
				st.eol = false
			} else if h.NoNewlineOld {
				st.eol = true
			}
		}
		if fd.NewName == devNull {
			if len(st.lines) != 0 {
				return &PatchRejectedError{Patch: d.ID, Hunk: fd.first, File: display, Reason: "file to delete is not empty after patching"}
			}
			st.deleted = true
		}
	}

	return commitFiles(order)
}

// loadTarget picks the file a FileDiff refers to. The new name wins when it
// exists, matching patch(1) for "file.orig"/"file" style headers.
func (d *Diff) loadTarget(dir string, fd *FileDiff, states map[string]*fileState) (*fileState, string, error) {
	resolve := func(name string) (string, string, error) {
		if name == devNull {
			return "", "", nil
		}
		rel := stripComponents(path.Clean(name), d.Strip)
		if rel == "" {
			return "", name, fmt.Errorf("strip level %d removes the whole path", d.Strip)
		}
		clean, err := cleanEntryName(rel)
		if err != nil || clean == "" {
			return "", rel, fmt.Errorf("path escapes the source tree")
		}
		return filepath.Join(dir, filepath.FromSlash(clean)), clean, nil
	}

	newPath, newRel, err := resolve(fd.NewName)
	if err != nil {
		return nil, newRel, err
	}
	oldPath, oldRel, err := resolve(fd.OldName)
	if err != nil {
		return nil, oldRel, err
	}

	candidates := []struct{ p, rel string }{{newPath, newRel}, {oldPath, oldRel}}
	for _, c := range candidates {
		if c.p == "" {
			continue
		}
		if st, ok := states[c.p]; ok && !st.deleted {
			return st, c.rel, nil
		}
		info, err := os.Stat(c.p)
		if err != nil {
			continue
		}
		if !info.Mode().IsRegular() {
			return nil, c.rel, errors.New("not a regular file")
		}
		data, err := os.ReadFile(c.p)
		if err != nil {
			return nil, c.rel, err
		}
		if fd.OldName == devNull {
			return nil, c.rel, errors.New("file to create already exists")
		}
		lines, eol := splitLines(data)
		return &fileState{path: c.p, lines: lines, eol: eol, mode: info.Mode().Perm(), existed: true, original: data}, c.rel, nil
	}

	if fd.OldName == devNull && newPath != "" {
		return &fileState{path: newPath, eol: true, mode: 0o644}, newRel, nil
	}
	display := newRel
	if display == "" {
		display = oldRel
	}
	return nil, display, errors.New("file not found")
}

// findHunk searches for old at want, then at growing offsets on both sides,
// never before floor.
func findHunk(lines, old []string, want, floor int) int {
	last := len(lines) - len(old)
	if last < floor {
		return -1
	}
	matches := func(pos int) bool {
		if pos < floor || pos > last {
			return false
		}
		for i, l := range old {
			if lines[pos+i] != l {
				return false
			}
		}
		return true
	}
	for off := 0; want-off >= floor || want+off <= last; off++ {
		if matches(want - off) {
			return want - off
		}
		if off > 0 && matches(want+off) {
			return want + off
		}
	}
	return -1
}

// commitFiles writes every computed file via temp file and rename. If a
// rename fails, files already replaced are restored.
func commitFiles(files []*fileState) error {
	type pending struct {
		st  *fileState
		tmp string
	}
	var staged []pending
	cleanup := func() {
		for _, p := range staged {
			if p.tmp != "" {
				_ = os.Remove(p.tmp)
			}
		}
	}

	for _, st := range files {
		if st.deleted {
			staged = append(staged, pending{st: st})
			continue
		}
		if err := os.MkdirAll(filepath.Dir(st.path), 0o755); err != nil {
			cleanup()
			return err
		}
		tmp, err := writeTemp(filepath.Dir(st.path), st.bytes(), st.mode)
		if err != nil {
			cleanup()
			return err
		}
		staged = append(staged, pending{st: st, tmp: tmp})
	}

	for i, p := range staged {
		var err error
		if p.st.deleted {
			err = os.Remove(p.st.path)
		} else {
			err = os.Rename(p.tmp, p.st.path)
		}
		if err != nil {
			for _, done := range staged[:i] {
				restoreFile(done.st)
			}
			for _, rest := range staged[i:] {
				if rest.tmp != "" {
					_ = os.Remove(rest.tmp)
				}
			}
			return fmt.Errorf("failed to write %s: %w", p.st.path, err)
		}
	}
	return nil
}

func writeTemp(dir string, data []byte, mode os.FileMode) (string, error) {
	f, err := os.CreateTemp(dir, ".cellar-patch-*")
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Chmod(mode); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func restoreFile(st *fileState) {
	if !st.existed {
		_ = os.Remove(st.path)
		return
	}
	if tmp, err := writeTemp(filepath.Dir(st.path), st.original, st.mode); err == nil {
		_ = os.Rename(tmp, st.path)
	}
}
