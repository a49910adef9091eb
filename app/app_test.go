package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"

	"github.com/searchktools/rawserve/config"
	"github.com/searchktools/rawserve/core"
	"github.com/searchktools/rawserve/core/http"
)

func TestAppLifecycle(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.txt"), []byte("read me"), 0o644))

	cfg, err := config.LoadFrom(map[string]string{
		"HOST":      "127.0.0.1",
		"PORT":      "0",
		"LOG_LEVEL": "error",
		"MOUNTS":    "files=" + root,
	})
	require.NoError(t, err)

	a := New(cfg, fx.Invoke(func(e *core.Engine) {
		e.GET("hello", func(context.Context, *http.Request) (http.Response, error) {
			return http.NewHTMLResponse("hello", 200), nil
		})
	}))
	require.NoError(t, a.Err())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Start(ctx))
	require.NotNil(t, a.Addr())
	base := "http://" + a.Addr().String()

	var body string
	require.NoError(t, requests.URL(base).Path("/hello").ToString(&body).Fetch(ctx))
	require.Equal(t, "hello", body)

	require.NoError(t, requests.URL(base).Path("/files/readme.txt").ToString(&body).Fetch(ctx))
	require.Equal(t, "read me", body)

	require.NoError(t, requests.URL(base).Path("/metrics").ToString(&body).Fetch(ctx))
	require.Contains(t, body, "rawserve_http_requests_total")

	var stats core.PoolStats
	require.NoError(t, requests.URL(base).Path("/debug/pools").ToJSON(&stats).Fetch(ctx))
	require.Equal(t, 1, stats.StaticEntries)
	require.GreaterOrEqual(t, stats.OpenConns, 1)

	require.NoError(t, a.Stop(ctx))
}

func TestAppRejectsBadConfig(t *testing.T) {
	cfg, err := config.LoadFrom(map[string]string{"HOST": "127.0.0.1", "PORT": "0", "GC_PROFILE": "turbo"})
	require.NoError(t, err)

	a := New(cfg)
	require.NoError(t, a.Err())
	require.Error(t, a.Start(context.Background()))

	bad := New(&config.Config{Mounts: []string{"x="}})
	require.Error(t, bad.Err())
}
