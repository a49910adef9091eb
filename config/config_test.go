package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/searchktools/rawserve/core/static"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	require.NoError(t, err)

	require.Equal(t, "0.0.0.0:8080", cfg.Addr())
	require.Equal(t, zapcore.InfoLevel, cfg.LogLevel)
	require.Equal(t, 10*time.Second, cfg.ReadTimeout)
	require.Equal(t, 60*time.Second, cfg.IdleTimeout)
	require.Equal(t, 500, cfg.StaticCacheLimit)
	require.Equal(t, "metrics", cfg.MetricsPath)
	require.False(t, cfg.Development())
	require.Equal(t, int64(32<<20), cfg.Limits().MaxJSONBytes)
	require.Equal(t, 40_000_000, cfg.Limits().MultipartWindow)
	require.Equal(t, 4<<20, cfg.FileOptions().FullChunk)
	require.Equal(t, 512<<10, cfg.FileOptions().RangeChunk)
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"HOST":             "127.0.0.1",
		"PORT":             "9000",
		"ENV":              "development",
		"LOG_LEVEL":        "debug",
		"WRITE_TIMEOUT":    "250ms",
		"MAX_JSON_BYTES":   "64",
		"MOUNTS":           "assets=./public,./site",
		"LIST_DIRECTORIES": "true",
		"MULTIPART_WINDOW": "1024",
	})
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:9000", cfg.Addr())
	require.True(t, cfg.Development())
	require.Equal(t, zapcore.DebugLevel, cfg.LogLevel)
	require.Equal(t, 250*time.Millisecond, cfg.WriteTimeout)
	require.Equal(t, int64(64), cfg.Limits().MaxJSONBytes)
	require.Equal(t, 1024, cfg.Limits().MultipartWindow)

	mounts, err := cfg.StaticMounts()
	require.NoError(t, err)
	require.Equal(t, []static.Mount{
		{URLPath: "assets", ServerFilePath: "./public", ShowWholeDirectory: true},
		{URLPath: "", ServerFilePath: "./site", ShowWholeDirectory: true},
	}, mounts)

	_, err = LoadFrom(map[string]string{"PORT": "eighty"})
	require.Error(t, err)
}

func TestParseMount(t *testing.T) {
	m, err := ParseMount("/media/=/srv/media")
	require.NoError(t, err)
	require.Equal(t, static.Mount{URLPath: "media", ServerFilePath: "/srv/media"}, m)

	_, err = ParseMount("media=")
	require.Error(t, err)
}

func TestMountFile(t *testing.T) {
	dir := t.TempDir()

	arrayFile := filepath.Join(dir, "array.json")
	require.NoError(t, os.WriteFile(arrayFile, []byte(
		`[{"url_path": "/docs/", "server_file_path": "./docs", "show_whole_directory": true}]`), 0o644))
	mounts, err := LoadMounts(arrayFile)
	require.NoError(t, err)
	require.Equal(t, []static.Mount{{URLPath: "docs", ServerFilePath: "./docs", ShowWholeDirectory: true}}, mounts)

	objectFile := filepath.Join(dir, "object.json")
	want := []static.Mount{{URLPath: "a", ServerFilePath: "/a"}, {URLPath: "b", ServerFilePath: "/b"}}
	require.NoError(t, SaveMounts(objectFile, want))
	mounts, err = LoadMounts(objectFile)
	require.NoError(t, err)
	require.Equal(t, want, mounts)

	cfg := &Config{Mounts: []string{"x=/x"}, MountFile: objectFile}
	mounts, err = cfg.StaticMounts()
	require.NoError(t, err)
	require.Len(t, mounts, 3)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`[{"url_path": "x"}]`), 0o644))
	_, err = LoadMounts(bad)
	require.Error(t, err)

	_, err = LoadMounts(filepath.Join(dir, "missing.json"))
	require.Error(t, err)
}
