package cellar

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Artifact is a resource whose bytes are on disk and match the declared hash.
type Artifact struct {
	Resource Resource
	Path     string
	Digest   Digest
	// Cached is true when the verified file was already in the cache and
	// nothing was downloaded.
	Cached bool
}

// Fetcher downloads resources into a content cache and verifies them.
type Fetcher struct {
	CacheDir string
	Client   *http.Client
	// Store serves s3:// URLs and the optional source mirror. It is created
	// from Mirror on first use when nil.
	Store    ObjectStore
	Mirror   MirrorConfig
	Retries  int
	Backoff  time.Duration
	Parallel int
	Progress bool

	logger zerolog.Logger
}

// NewFetcher builds a fetcher from the invocation config.
func NewFetcher(cfg *Config) *Fetcher {
	return &Fetcher{
		CacheDir: cfg.CacheDir,
		Client:   newHttpClient(cfg.FetchTimeout),
		Mirror:   cfg.Mirror,
		Retries:  cfg.FetchRetries,
		Backoff:  cfg.FetchBackoff,
		Parallel: cfg.FetchParallel,
		Progress: term.IsTerminal(int(os.Stderr.Fd())),
		logger:   GetLogger("fetch"),
	}
}

func newHttpClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	// Some upstream mirrors are slow to complete the handshake.
	transport.TLSHandshakeTimeout = 30 * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// cachePath returns the cache location for a resource. The key covers the
// URL so that renamed upstream files never collide.
func (f *Fetcher) cachePath(res Resource) string {
	base := res.Name
	if u, err := url.Parse(res.URL); err == nil && path.Base(u.Path) != "/" && path.Base(u.Path) != "." {
		base = path.Base(u.Path)
	}
	return filepath.Join(f.CacheDir, "downloads", hashString(res.URL)[:16]+"-"+base)
}

// Fetch returns a verified artifact for res, downloading it only when the
// cache has no verified copy. Hash mismatches return *IntegrityError and are
// never retried; transport failures return *FetchError after at most
// Retries additional attempts.
func (f *Fetcher) Fetch(ctx context.Context, res Resource) (*Artifact, error) {
	digest, err := ParseHash(res.Hash)
	if err != nil {
		return nil, fmt.Errorf("resource %s: %w", res.Name, err)
	}
	dest := f.cachePath(res)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, &FetchError{Resource: res.Name, URL: res.URL, Cause: err}
	}

	unlock, err := lockPath(dest + ".lock")
	if err != nil {
		return nil, &FetchError{Resource: res.Name, URL: res.URL, Cause: fmt.Errorf("failed to acquire lock: %w", err)}
	}
	defer unlock()

	art := &Artifact{Resource: res, Path: dest, Digest: digest}
	if _, err := os.Stat(dest); err == nil {
		verr := digest.Verify(res.Name, dest)
		if verr == nil {
			f.logger.Debug().Str("resource", res.Name).Str("path", dest).Msg("Verified cached copy")
			art.Cached = true
			return art, nil
		}
		f.logger.Warn().Err(verr).Str("resource", res.Name).Msg("Discarding cached copy that no longer verifies")
		if err := os.Remove(dest); err != nil {
			return nil, &FetchError{Resource: res.Name, URL: res.URL, Cause: err}
		}
	}

	part := dest + ".part"
	attempts := 0
	op := func() error {
		attempts++
		err := f.download(ctx, res, digest, part)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err != nil {
			f.logger.Debug().Err(err).Int("attempt", attempts).Str("resource", res.Name).Msg("Download attempt failed")
		}
		return err
	}
	if err := backoff.Retry(op, f.retryPolicy(ctx)); err != nil {
		_ = os.Remove(part)
		return nil, &FetchError{Resource: res.Name, URL: res.URL, Attempts: attempts, Cause: err}
	}

	if err := digest.Verify(res.Name, part); err != nil {
		_ = os.Remove(part)
		return nil, err
	}
	if err := os.Rename(part, dest); err != nil {
		_ = os.Remove(part)
		return nil, &FetchError{Resource: res.Name, URL: res.URL, Cause: err}
	}
	f.logger.Info().Str("resource", res.Name).Int("attempts", attempts).Msg("Fetched and verified")
	return art, nil
}

func (f *Fetcher) retryPolicy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	if f.Backoff > 0 {
		b.InitialInterval = f.Backoff
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(f.Retries, 0))), ctx)
}

// FetchAll fetches resources concurrently, bounded by Parallel. Each
// artifact is verified before it is returned. When several fetches fail the
// error of the earliest declared resource is reported.
func (f *Fetcher) FetchAll(ctx context.Context, resources []Resource) ([]*Artifact, error) {
	arts := make([]*Artifact, len(resources))
	errs := make([]error, len(resources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(f.Parallel, 1))
	for i, res := range resources {
		g.Go(func() error {
			arts[i], errs[i] = f.Fetch(gctx, res)
			return errs[i]
		})
	}
	_ = g.Wait()

	var first error
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, context.Canceled) {
			return nil, err
		}
		if first == nil {
			first = err
		}
	}
	if first != nil {
		return nil, first
	}
	return arts, nil
}

func (f *Fetcher) download(ctx context.Context, res Resource, digest Digest, dest string) error {
	u, err := url.Parse(res.URL)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("invalid url: %w", err))
	}

	switch u.Scheme {
	case "", "file":
		p := u.Path
		if u.Scheme == "" {
			p = res.URL
		}
		return copyToFile(ctx, dest, func() (io.ReadCloser, int64, error) {
			fh, err := os.Open(p)
			if err != nil {
				return nil, 0, backoff.Permanent(err)
			}
			st, err := fh.Stat()
			if err != nil {
				fh.Close()
				return nil, 0, err
			}
			return fh, st.Size(), nil
		}, nil)
	case "s3":
		store, err := f.store(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		return copyToFile(ctx, dest, func() (io.ReadCloser, int64, error) {
			return store.Open(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
		}, nil)
	case "http", "https":
		if f.Mirror.Enabled() {
			err := f.downloadMirror(ctx, res, digest, dest)
			if err == nil {
				return nil
			}
			var integrity *IntegrityError
			if errors.As(err, &integrity) {
				f.logger.Warn().Err(err).Str("resource", res.Name).Msg("Mirror copy is corrupt, using origin")
			} else {
				f.logger.Debug().Err(err).Str("resource", res.Name).Msg("Mirror miss, using origin")
			}
		}
		return f.downloadHTTP(ctx, res, dest)
	default:
		return backoff.Permanent(fmt.Errorf("unsupported url scheme %q", u.Scheme))
	}
}

func (f *Fetcher) downloadHTTP(ctx context.Context, res Resource, dest string) error {
	var bar *progressbar.ProgressBar
	open := func() (io.ReadCloser, int64, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, res.URL, nil)
		if err != nil {
			return nil, 0, backoff.Permanent(err)
		}
		resp, err := f.Client.Do(req)
		if err != nil {
			return nil, 0, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			err := fmt.Errorf("download failed with status: %s", resp.Status)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return nil, 0, backoff.Permanent(err)
			}
			return nil, 0, err
		}
		if f.Progress {
			bar = progressbar.NewOptions64(resp.ContentLength,
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowBytes(true),
				progressbar.OptionSetDescription(res.Name),
				progressbar.OptionClearOnFinish(),
			)
		}
		return resp.Body, resp.ContentLength, nil
	}
	progress := func() io.Writer {
		if bar == nil {
			return nil
		}
		return bar
	}
	err := copyToFile(ctx, dest, open, progress)
	if bar != nil {
		_ = bar.Finish()
	}
	return err
}

func (f *Fetcher) downloadMirror(ctx context.Context, res Resource, digest Digest, dest string) error {
	store, err := f.store(ctx)
	if err != nil {
		return err
	}
	key := MirrorKey(res, digest)
	err = copyToFile(ctx, dest, func() (io.ReadCloser, int64, error) {
		return store.Open(ctx, f.Mirror.Bucket, key)
	}, nil)
	if err != nil {
		return err
	}
	// The origin is tried once more before a bad mirror object fails the fetch.
	return digest.Verify(res.Name, dest)
}

func (f *Fetcher) store(ctx context.Context) (ObjectStore, error) {
	if f.Store != nil {
		return f.Store, nil
	}
	s, err := NewS3Store(ctx, f.Mirror)
	if err != nil {
		return nil, err
	}
	f.Store = s
	return s, nil
}

// copyToFile streams the body returned by open into dest, truncating any
// previous partial content.
func copyToFile(ctx context.Context, dest string, open func() (io.ReadCloser, int64, error), progress func() io.Writer) error {
	body, size, err := open()
	if err != nil {
		return err
	}
	defer body.Close()

	out, err := os.Create(dest)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("failed to create %s: %w", dest, err))
	}
	defer out.Close()

	var w io.Writer = out
	if progress != nil {
		if p := progress(); p != nil {
			w = io.MultiWriter(out, p)
		}
	}
	n, err := io.Copy(w, &ctxReader{ctx: ctx, r: body})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", dest, err)
	}
	if size > 0 && n != size {
		return fmt.Errorf("short download: got %d of %d bytes", n, size)
	}
	return out.Sync()
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// lockPath takes an exclusive flock on path, creating it if needed. Another
// process downloading the same resource blocks here until it finishes.
func lockPath(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}
