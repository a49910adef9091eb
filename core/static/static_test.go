package static

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/rawserve/core/http"
	"github.com/searchktools/rawserve/core/observability"
	"github.com/searchktools/rawserve/core/stream"
)

type countingSource struct {
	http.OSFileSource
	stats atomic.Int32
}

func (c *countingSource) Stat(ctx context.Context, path string) (http.FileInfo, error) {
	c.stats.Add(1)
	return c.OSFileSource.Stat(ctx, path)
}

func (c *countingSource) Open(ctx context.Context, path string) (stream.ReadAtCloser, error) {
	return c.OSFileSource.Open(ctx, path)
}

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		p := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func get(t *testing.T, target string) *http.Request {
	t.Helper()
	req, err := http.NewRequest("GET", target, nil)
	require.NoError(t, err)
	return req
}

func TestMountResolve(t *testing.T) {
	m := Mount{URLPath: "/assets/", ServerFilePath: "/srv/www"}

	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"assets", "/srv/www", true},
		{"assets/app.js", "/srv/www/app.js", true},
		{"assets/css/site%20main.css", "/srv/www/css/site main.css", true},
		{"assetsx/app.js", "", false},
		{"other/app.js", "", false},
		{"assets/../etc/passwd", "", false},
		{"assets/%2e%2e/etc/passwd", "", false},
		{"assets/a%2F..%2F..%2Fetc", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := m.Resolve(tt.path)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}

	root := Mount{URLPath: "/", ServerFilePath: "public"}
	got, ok := root.Resolve("index.html")
	require.True(t, ok)
	require.Equal(t, "public/index.html", got)
}

func TestServeFile(t *testing.T) {
	root := writeFiles(t, map[string]string{"index.html": "<h1>hi</h1>"})
	srv := NewServer(NewCache(CacheOptions{}), nil, Mount{URLPath: "static", ServerFilePath: root})

	req := get(t, "/static/index.html")
	resp, err := srv.Serve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status(req))
	require.Equal(t, CacheControl, resp.Header(req).Get("Cache-Control"))
	require.Equal(t, "text/html", resp.Header(req).Get("Content-Type"))
	require.Equal(t, "<h1>hi</h1>", string(resp.Body(req).Bytes()))

	again, err := srv.Serve(context.Background(), get(t, "/static/index.html"))
	require.NoError(t, err)
	require.Same(t, resp, again)
}

func TestServeMisses(t *testing.T) {
	root := writeFiles(t, map[string]string{"a.txt": "a"})
	cache := NewCache(CacheOptions{})
	srv := NewServer(cache, nil, Mount{URLPath: "files", ServerFilePath: root})

	_, err := srv.Serve(context.Background(), get(t, "/files/missing.txt"))
	require.True(t, errors.Is(err, http.ErrNotFound))
	require.False(t, errors.Is(err, ErrNoMount))
	require.Zero(t, cache.Len())

	_, err = srv.Serve(context.Background(), get(t, "/elsewhere/a.txt"))
	require.True(t, errors.Is(err, ErrNoMount))
	require.True(t, errors.Is(err, http.ErrNotFound))

	post, err := http.NewRequest("POST", "/files/a.txt", nil)
	require.NoError(t, err)
	_, err = srv.Serve(context.Background(), post)
	require.True(t, errors.Is(err, ErrNoMount))

	// directories are not served without a listing
	_, err = srv.Serve(context.Background(), get(t, "/files"))
	require.True(t, errors.Is(err, http.ErrNotFound))
}

func TestConcurrentMissStatsOnce(t *testing.T) {
	root := writeFiles(t, map[string]string{"big.bin": "0123456789"})
	source := &countingSource{}
	srv := NewServer(NewCache(CacheOptions{File: http.FileOptions{Source: source}}), nil,
		Mount{URLPath: "", ServerFilePath: root})

	var wg sync.WaitGroup
	responses := make([]http.Response, 32)
	for i := range responses {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest("GET", "/big.bin", nil)
			if err != nil {
				return
			}
			responses[i], _ = srv.Serve(context.Background(), req)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), source.stats.Load())
	for _, r := range responses {
		require.Same(t, responses[0], r)
	}
}

func TestCacheBoundAndInvalidate(t *testing.T) {
	files := map[string]string{}
	for i := range 5 {
		files[fmt.Sprintf("f%d.txt", i)] = "x"
	}
	root := writeFiles(t, files)
	metrics := observability.New()
	cache := NewCache(CacheOptions{Limit: 3, Metrics: metrics})

	blocked := cache.Load(Mount{}, filepath.Join(root, "f0.txt"))
	blocked.Block()
	for i := 1; i < 5; i++ {
		cache.Load(Mount{}, filepath.Join(root, fmt.Sprintf("f%d.txt", i)))
		require.LessOrEqual(t, cache.Len(), 3)
	}

	_, ok := cache.entries.Load(entryKey{path: filepath.Join(root, "f0.txt")})
	require.True(t, ok, "blocked entries are never evicted")
	_, ok = cache.entries.Load(entryKey{path: filepath.Join(root, "f4.txt")})
	require.True(t, ok, "the newest entry survives its own eviction pass")

	latest := cache.Load(Mount{}, filepath.Join(root, "f4.txt"))
	other := cache.Load(Mount{URLPath: "other"}, filepath.Join(root, "f4.txt"))
	cache.Invalidate(filepath.Join(root, "f4.txt"))
	require.True(t, latest.Blocked())
	require.True(t, other.Blocked())
	require.NotSame(t, latest, cache.Load(Mount{}, filepath.Join(root, "f4.txt")))

	cache.Clear()
	require.Zero(t, cache.Len())
	require.True(t, blocked.Blocked())
}

// rootedSource reads paths relative to root.
type rootedSource struct {
	http.OSFileSource
	root string
}

func (r rootedSource) Stat(ctx context.Context, p string) (http.FileInfo, error) {
	return r.OSFileSource.Stat(ctx, filepath.Join(r.root, p))
}

func (r rootedSource) Open(ctx context.Context, p string) (stream.ReadAtCloser, error) {
	return r.OSFileSource.Open(ctx, filepath.Join(r.root, p))
}

func (r rootedSource) ReadDir(ctx context.Context, p string) ([]http.FileInfo, error) {
	return r.OSFileSource.ReadDir(ctx, filepath.Join(r.root, p))
}

func TestMountsWithSamePathKeepTheirSources(t *testing.T) {
	one := writeFiles(t, map[string]string{"a.txt": "one"})
	two := writeFiles(t, map[string]string{"a.txt": "two"})
	cache := NewCache(CacheOptions{})
	srv := NewServer(cache, nil,
		Mount{URLPath: "one", ServerFilePath: "/", Source: rootedSource{root: one}},
		Mount{URLPath: "two", ServerFilePath: "/", Source: rootedSource{root: two}})

	for _, name := range []string{"one", "two", "one"} {
		req := get(t, "/"+name+"/a.txt")
		resp, err := srv.Serve(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, name, string(resp.Body(req).Bytes()))
	}
	require.Equal(t, 2, cache.Len())
}

func TestDirectoryListing(t *testing.T) {
	root := writeFiles(t, map[string]string{
		"docs/readme.md":        "r",
		"docs/<script>.txt":     "x",
		"docs/sub/nested.txt":   "n",
		"docs/with space.txt":   "s",
		"docs/sub/another.text": "a",
	})
	srv := NewServer(NewCache(CacheOptions{}), nil,
		Mount{URLPath: "browse", ServerFilePath: root, ShowWholeDirectory: true})

	req := get(t, "/browse/docs")
	resp, err := srv.Serve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status(req))

	body := string(resp.Body(req).Bytes())
	require.Contains(t, body, "<title>Index of /browse/docs</title>")
	require.Contains(t, body, `<a href="/browse">..</a>`)
	require.Contains(t, body, `<a href="/browse/docs/sub">sub/</a>`)
	require.Contains(t, body, `<a href="/browse/docs/with%20space.txt">with space.txt</a>`)
	require.Contains(t, body, "&lt;script&gt;.txt")
	require.NotContains(t, body, "<script>")
}

func TestListingYieldsAndCancels(t *testing.T) {
	files := map[string]string{}
	for i := range 600 {
		files[fmt.Sprintf("f%03d", i)] = ""
	}
	root := writeFiles(t, files)

	resp, err := Listing(context.Background(), http.OSFileSource{}, root, "")
	require.NoError(t, err)
	require.Contains(t, string(resp.Body(nil).Bytes()), "f599")
	require.NotContains(t, string(resp.Body(nil).Bytes()), ">..<")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Listing(ctx, http.OSFileSource{}, root, "x")
	require.ErrorIs(t, err, context.Canceled)
}
