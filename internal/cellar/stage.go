package cellar

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Stager extracts verified artifacts into the invocation's working
// directory. Each resource is staged at most once.
type Stager struct {
	Root string

	mu     sync.Mutex
	staged map[string]string
}

// NewStager stages under <workdir>/src.
func NewStager(workdir string) *Stager {
	return &Stager{Root: filepath.Join(workdir, "src"), staged: make(map[string]string)}
}

// Stage extracts art into <root>/<name> and returns that directory. The
// tree only appears under its final name once extraction completed.
func (s *Stager) Stage(art *Artifact, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := art.Resource.Name
	if _, ok := s.staged[name]; ok {
		return "", &ExtractionError{Resource: res, Archive: art.Path, Cause: fmt.Errorf("%s already staged in this invocation", name)}
	}

	dir := filepath.Join(s.Root, name)
	partial := dir + ".partial"
	if err := os.RemoveAll(partial); err != nil {
		return "", &ExtractionError{Resource: res, Archive: art.Path, Cause: err}
	}
	if _, err := os.Stat(dir); err == nil {
		return "", &ExtractionError{Resource: res, Archive: art.Path, Cause: fmt.Errorf("%s already exists", dir)}
	}

	done := LogOperationStart(GetLogger("stage"), "extract "+res)
	defer done()
	if err := extractArchive(art.Path, partial, art.Resource.StripComponents); err != nil {
		_ = os.RemoveAll(partial)
		if errors.Is(err, errUnsupportedArchive) {
			err = fmt.Errorf("%w (%s)", err, filepath.Base(art.Path))
		}
		return "", &ExtractionError{Resource: res, Archive: art.Path, Cause: err}
	}
	if err := os.Rename(partial, dir); err != nil {
		_ = os.RemoveAll(partial)
		return "", &ExtractionError{Resource: res, Archive: art.Path, Cause: err}
	}

	s.staged[name] = dir
	return dir, nil
}

// Staged returns the directory a resource was staged into.
func (s *Stager) Staged(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir, ok := s.staged[name]
	return dir, ok
}
