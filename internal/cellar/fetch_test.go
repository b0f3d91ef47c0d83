package cellar

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory ObjectStore.
type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	opens   int
}

func newMemStore() *memStore {
	return &memStore{objects: make(map[string][]byte)}
}

func (m *memStore) Open(_ context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opens++
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, 0, errors.New("NoSuchKey")
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (m *memStore) Put(_ context.Context, bucket, key, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = data
	return nil
}

func testFetcher(t *testing.T) *Fetcher {
	t.Helper()
	f := NewFetcher(testConfig(t))
	f.Backoff = time.Millisecond
	f.Progress = false
	return f
}

// countingServer serves body at every path and counts requests. The first
// failures requests answer with status fail.
func countingServer(t *testing.T, body []byte, failures int32, fail int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n <= failures {
			w.WriteHeader(fail)
			return
		}
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestFetchVerifiesAndCaches(t *testing.T) {
	body := []byte("otp source bytes")
	srv, hits := countingServer(t, body, 0, 0)
	f := testFetcher(t)
	res := Resource{Name: "otp", URL: srv.URL + "/OTP_R14B04.tar.gz", Hash: sha256Hash(body)}

	art, err := f.Fetch(context.Background(), res)
	require.NoError(t, err)
	assert.False(t, art.Cached)
	assert.Equal(t, string(body), readFileT(t, art.Path))
	assert.Equal(t, "OTP_R14B04.tar.gz", filepath.Base(art.Path)[17:])
	assert.EqualValues(t, 1, hits.Load())

	again, err := f.Fetch(context.Background(), res)
	require.NoError(t, err)
	assert.True(t, again.Cached)
	assert.Equal(t, art.Path, again.Path)
	assert.EqualValues(t, 1, hits.Load(), "verified cache hit must not download")
}

func TestFetchIntegrityMismatchIsFinal(t *testing.T) {
	srv, hits := countingServer(t, []byte("tampered"), 0, 0)
	f := testFetcher(t)
	f.Retries = 3
	res := Resource{Name: "otp", URL: srv.URL + "/otp.tar.gz", Hash: sha256Hash([]byte("genuine"))}

	_, err := f.Fetch(context.Background(), res)
	var integrity *IntegrityError
	require.True(t, errors.As(err, &integrity))
	assert.Equal(t, "otp", integrity.Resource)
	assert.EqualValues(t, 1, hits.Load(), "integrity failures are not retried")

	dest := f.cachePath(res)
	assert.NoFileExists(t, dest)
	assert.NoFileExists(t, dest+".part")
}

func TestFetchRetries(t *testing.T) {
	body := []byte("eventually")

	t.Run("server errors are retried", func(t *testing.T) {
		srv, hits := countingServer(t, body, 2, http.StatusBadGateway)
		f := testFetcher(t)
		f.Retries = 2
		art, err := f.Fetch(context.Background(), Resource{Name: "otp", URL: srv.URL + "/a.tgz", Hash: sha256Hash(body)})
		require.NoError(t, err)
		assert.FileExists(t, art.Path)
		assert.EqualValues(t, 3, hits.Load())
	})

	t.Run("no retries by default", func(t *testing.T) {
		srv, hits := countingServer(t, body, 1, http.StatusServiceUnavailable)
		f := testFetcher(t)
		_, err := f.Fetch(context.Background(), Resource{Name: "otp", URL: srv.URL + "/a.tgz", Hash: sha256Hash(body)})
		var fetchErr *FetchError
		require.True(t, errors.As(err, &fetchErr))
		assert.Equal(t, 1, fetchErr.Attempts)
		assert.EqualValues(t, 1, hits.Load())
	})

	t.Run("client errors are permanent", func(t *testing.T) {
		srv, hits := countingServer(t, body, 10, http.StatusNotFound)
		f := testFetcher(t)
		f.Retries = 3
		_, err := f.Fetch(context.Background(), Resource{Name: "otp", URL: srv.URL + "/a.tgz", Hash: sha256Hash(body)})
		var fetchErr *FetchError
		require.True(t, errors.As(err, &fetchErr))
		assert.Contains(t, fetchErr.Error(), "404")
		assert.EqualValues(t, 1, hits.Load())
	})
}

func TestFetchReplacesStaleCache(t *testing.T) {
	body := []byte("fresh")
	srv, hits := countingServer(t, body, 0, 0)
	f := testFetcher(t)
	res := Resource{Name: "otp", URL: srv.URL + "/a.tgz", Hash: sha256Hash(body)}
	writeFileT(t, f.cachePath(res), []byte("stale"))

	art, err := f.Fetch(context.Background(), res)
	require.NoError(t, err)
	assert.False(t, art.Cached)
	assert.Equal(t, "fresh", readFileT(t, art.Path))
	assert.EqualValues(t, 1, hits.Load())
}

func TestFetchLocalAndS3(t *testing.T) {
	body := []byte("local archive")
	src := writeArchive(t, "local.tar.gz", body)

	f := testFetcher(t)
	for _, u := range []string{src, "file://" + src} {
		art, err := f.Fetch(context.Background(), Resource{Name: "local", URL: u, Hash: sha256Hash(body)})
		require.NoError(t, err, u)
		assert.Equal(t, string(body), readFileT(t, art.Path))
	}

	store := newMemStore()
	store.objects["sources/pkg/pkg.tar.gz"] = body
	f.Store = store
	art, err := f.Fetch(context.Background(), Resource{Name: "pkg", URL: "s3://sources/pkg/pkg.tar.gz", Hash: sha256Hash(body)})
	require.NoError(t, err)
	assert.Equal(t, string(body), readFileT(t, art.Path))

	_, err = f.Fetch(context.Background(), Resource{Name: "missing", URL: "s3://sources/none.tar.gz", Hash: sha256Hash(body)})
	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))

	_, err = f.Fetch(context.Background(), Resource{Name: "ftp", URL: "ftp://example.com/x.tgz", Hash: sha256Hash(body)})
	require.True(t, errors.As(err, &fetchErr))
	assert.Contains(t, fetchErr.Error(), "unsupported url scheme")
}

func TestFetchPrefersMirror(t *testing.T) {
	body := []byte("mirrored")
	srv, hits := countingServer(t, body, 0, 0)
	res := Resource{Name: "otp", URL: srv.URL + "/OTP_R14B04.tar.gz", Hash: sha256Hash(body)}
	d, err := ParseHash(res.Hash)
	require.NoError(t, err)

	store := newMemStore()
	store.objects["mirror/"+MirrorKey(res, d)] = body
	f := testFetcher(t)
	f.Store = store
	f.Mirror = MirrorConfig{Bucket: "mirror"}

	_, err = f.Fetch(context.Background(), res)
	require.NoError(t, err)
	assert.EqualValues(t, 0, hits.Load())
	assert.Equal(t, 1, store.opens)

	// A miss falls back to the origin.
	other := Resource{Name: "other", URL: srv.URL + "/other.tar.gz", Hash: sha256Hash(body)}
	_, err = f.Fetch(context.Background(), other)
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load())
}

func TestFetchCorruptMirrorFallsBackToOrigin(t *testing.T) {
	body := []byte("pristine")
	srv, hits := countingServer(t, body, 0, 0)
	res := Resource{Name: "otp", URL: srv.URL + "/OTP_R14B04.tar.gz", Hash: sha256Hash(body)}
	d, err := ParseHash(res.Hash)
	require.NoError(t, err)

	store := newMemStore()
	store.objects["mirror/"+MirrorKey(res, d)] = []byte("bit rot")
	f := testFetcher(t)
	f.Store = store
	f.Mirror = MirrorConfig{Bucket: "mirror"}

	art, err := f.Fetch(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, 1, store.opens)
	assert.EqualValues(t, 1, hits.Load())
	assert.Equal(t, string(body), readFileT(t, art.Path))

	// When the origin serves the same bad bytes the fetch still fails.
	bad := []byte("bit rot")
	badSrv, _ := countingServer(t, bad, 0, 0)
	res2 := Resource{Name: "otp2", URL: badSrv.URL + "/OTP_R14B04.tar.gz", Hash: sha256Hash(body)}
	store.objects["mirror/"+MirrorKey(res2, d)] = bad
	_, err = f.Fetch(context.Background(), res2)
	var integrity *IntegrityError
	assert.True(t, errors.As(err, &integrity))
}

func TestFetchAll(t *testing.T) {
	a, b := []byte("alpha"), []byte("beta")
	mux := http.NewServeMux()
	mux.HandleFunc("/a.tgz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write(a) })
	mux.HandleFunc("/b.tgz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write(b) })
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	t.Run("returns artifacts in declaration order", func(t *testing.T) {
		f := testFetcher(t)
		arts, err := f.FetchAll(context.Background(), []Resource{
			{Name: "a", URL: srv.URL + "/a.tgz", Hash: sha256Hash(a)},
			{Name: "b", URL: srv.URL + "/b.tgz", Hash: sha256Hash(b)},
		})
		require.NoError(t, err)
		require.Len(t, arts, 2)
		assert.Equal(t, "a", arts[0].Resource.Name)
		assert.Equal(t, "beta", readFileT(t, arts[1].Path))
	})

	t.Run("reports the earliest declared failure", func(t *testing.T) {
		f := testFetcher(t)
		f.Parallel = 1
		_, err := f.FetchAll(context.Background(), []Resource{
			{Name: "a", URL: srv.URL + "/a.tgz", Hash: sha256Hash(b)},
			{Name: "b", URL: srv.URL + "/missing.tgz", Hash: sha256Hash(b)},
		})
		var integrity *IntegrityError
		require.True(t, errors.As(err, &integrity))
		assert.Equal(t, "a", integrity.Resource)
	})

	t.Run("canceled context", func(t *testing.T) {
		f := testFetcher(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := f.FetchAll(ctx, []Resource{{Name: "a", URL: srv.URL + "/a.tgz", Hash: sha256Hash(a)}})
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestMirrorKeyAndPublish(t *testing.T) {
	res := Resource{Name: "otp", URL: "https://github.com/erlang/otp/archive/OTP_R14B04.tar.gz"}
	d := Digest{Algo: HashSHA1, Hex: "4c8f1dcb5cc9e39e7637a8022a93588823076f0e"}
	key := MirrorKey(res, d)
	assert.Equal(t, "sources/sha1/4c8f1dcb5cc9e39e7637a8022a93588823076f0e/OTP_R14B04.tar.gz", key)

	store := newMemStore()
	art := &Artifact{Resource: res, Digest: d, Path: writeArchive(t, "otp.tar.gz", []byte("bytes"))}
	require.Error(t, PublishArtifacts(context.Background(), store, MirrorConfig{}, []*Artifact{art}))

	require.NoError(t, PublishArtifacts(context.Background(), store, MirrorConfig{Bucket: "m"}, []*Artifact{art}))
	assert.Equal(t, []byte("bytes"), store.objects["m/"+key])
	assert.Equal(t, "application/gzip", contentTypeFor(key))
}
