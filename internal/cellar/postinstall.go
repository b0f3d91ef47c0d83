package cellar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// DocStager installs the secondary resources that carry an install path,
// such as man pages and HTML documentation, after the main install.
type DocStager struct {
	Fetcher ResourceFetcher
	Stager  *Stager
	Prefix  string

	fetched map[string]*Artifact
	pending map[string]error
}

// PostInstallResources returns the selected resources installed into the
// prefix after the build.
func PostInstallResources(f *Formula, opts OptionSet) []Resource {
	var out []Resource
	for _, r := range f.SelectedResources(opts) {
		if r.Install != "" {
			out = append(out, r)
		}
	}
	return out
}

// fatalDocErr reports whether a doc resource failure must stop the pipeline
// instead of being reported as a *DocStagingError.
func fatalDocErr(err error) bool {
	var integrity *IntegrityError
	return errors.As(err, &integrity) || errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}

// Fetch downloads and verifies every selected post-install resource ahead of
// the build. An *IntegrityError is returned at once. Other failures are kept
// and surface from Install as *DocStagingError.
func (d *DocStager) Fetch(ctx context.Context, f *Formula, opts OptionSet) error {
	d.fetched = make(map[string]*Artifact)
	d.pending = make(map[string]error)
	for _, res := range PostInstallResources(f, opts) {
		if err := canceled(ctx); err != nil {
			return err
		}
		arts, err := d.Fetcher.FetchAll(ctx, []Resource{res})
		if err != nil {
			if fatalDocErr(err) {
				return err
			}
			d.pending[res.Name] = err
			continue
		}
		d.fetched[res.Name] = arts[0]
	}
	return nil
}

// Install stages and copies every post-install resource selected by opts.
// Resources gated off by an option are neither fetched nor written. Resources
// not already fetched by Fetch are fetched here. Failures are collected per
// resource as *DocStagingError, except hash mismatches, which are returned
// as they are.
func (d *DocStager) Install(ctx context.Context, f *Formula, opts OptionSet) error {
	resources := PostInstallResources(f, opts)
	if len(resources) == 0 {
		return nil
	}
	logger := GetLogger("docs")

	var errs []error
	for _, res := range resources {
		if err := canceled(ctx); err != nil {
			return err
		}
		if err := d.installOne(ctx, res); err != nil {
			if fatalDocErr(err) {
				return err
			}
			logger.Warn().Err(err).Str("resource", res.Name).Msg("Documentation staging failed")
			errs = append(errs, &DocStagingError{Resource: res.Name, Cause: err})
			continue
		}
		status("Installed %s into %s", res.Name, filepath.Join(d.Prefix, res.Install))
	}
	return errors.Join(errs...)
}

func (d *DocStager) installOne(ctx context.Context, res Resource) error {
	if err, ok := d.pending[res.Name]; ok {
		return err
	}
	art, ok := d.fetched[res.Name]
	if !ok {
		arts, err := d.Fetcher.FetchAll(ctx, []Resource{res})
		if err != nil {
			return err
		}
		art = arts[0]
	}
	dir, err := d.Stager.Stage(art, res.Name)
	if err != nil {
		return err
	}
	src := dir
	if res.From != "" {
		rel, err := cleanEntryName(res.From)
		if err != nil {
			return err
		}
		src = filepath.Join(dir, filepath.FromSlash(rel))
	}
	if st, err := os.Stat(src); err != nil || !st.IsDir() {
		return fmt.Errorf("%s has no %q directory", res.Name, res.From)
	}
	return copyTree(src, filepath.Join(d.Prefix, filepath.FromSlash(res.Install)))
}

// copyTree copies the contents of src into dst, preserving modes and
// symlinks. Existing files are overwritten.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := e.Info()
		if err != nil {
			return err
		}

		switch {
		case e.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(p, target, info.Mode().Perm())
		}
		return nil
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
