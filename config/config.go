// Package config loads server settings from RAWSERVE_* environment
// variables and static mount files.
package config

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap/zapcore"

	"github.com/searchktools/rawserve/core/http"
	"github.com/searchktools/rawserve/core/static"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "RAWSERVE_"

// Config holds all application configuration.
type Config struct {
	Host     string        `env:"HOST" envDefault:"0.0.0.0"`
	Port     int           `env:"PORT" envDefault:"8080"`
	Env      string        `env:"ENV" envDefault:"production"`
	LogLevel zapcore.Level `env:"LOG_LEVEL" envDefault:"info"`

	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	MaxConnections int           `env:"MAX_CONNECTIONS" envDefault:"10000"`

	MaxFormBytes int64 `env:"MAX_FORM_BYTES" envDefault:"1048576"`
	MaxJSONBytes int64 `env:"MAX_JSON_BYTES" envDefault:"33554432"`
	MaxBodyBytes int64 `env:"MAX_BODY_BYTES" envDefault:"536870912"`

	// MultipartWindow is the number of bytes scanned between yields.
	MultipartWindow int `env:"MULTIPART_WINDOW" envDefault:"40000000"`
	FullChunkBytes  int `env:"FULL_CHUNK_BYTES" envDefault:"4194304"`
	RangeChunkBytes int `env:"RANGE_CHUNK_BYTES" envDefault:"524288"`

	// Mounts are "urlPath=directory" pairs.
	Mounts           []string `env:"MOUNTS" envSeparator:","`
	MountFile        string   `env:"MOUNT_FILE"`
	ListDirectories  bool     `env:"LIST_DIRECTORIES"`
	StaticCacheLimit int      `env:"STATIC_CACHE_LIMIT" envDefault:"500"`

	S3Bucket  string `env:"S3_BUCKET"`
	S3Prefix  string `env:"S3_PREFIX"`
	S3Region  string `env:"S3_REGION"`
	S3URLPath string `env:"S3_URL_PATH" envDefault:"s3"`

	MetricsPath string `env:"METRICS_PATH" envDefault:"metrics"`
	GCProfile   string `env:"GC_PROFILE" envDefault:"default"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	return LoadFrom(nil)
}

// LoadFrom reads the configuration from environment, a map of unprefixed
// names to values. A nil map reads the process environment.
func LoadFrom(environment map[string]string) (*Config, error) {
	cfg := &Config{}
	opts := env.Options{Prefix: EnvPrefix}
	if environment != nil {
		opts.Environment = make(map[string]string, len(environment))
		for k, v := range environment {
			opts.Environment[EnvPrefix+k] = v
		}
	}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, errors.Wrap(err, "failed to parse environment")
	}
	return cfg, nil
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Development reports whether the server runs in development mode
func (c *Config) Development() bool {
	return strings.EqualFold(c.Env, "development")
}

// Limits returns the body decoding limits
func (c *Config) Limits() http.Limits {
	l := http.DefaultLimits()
	l.MaxFormBytes = c.MaxFormBytes
	l.MaxJSONBytes = c.MaxJSONBytes
	l.MaxBodyBytes = c.MaxBodyBytes
	if c.MultipartWindow > 0 {
		l.MultipartWindow = c.MultipartWindow
	}
	return l
}

// FileOptions returns the chunk sizes for served files
func (c *Config) FileOptions() http.FileOptions {
	return http.FileOptions{FullChunk: c.FullChunkBytes, RangeChunk: c.RangeChunkBytes}
}

// StaticMounts returns the mounts from Mounts followed by those of
// MountFile.
func (c *Config) StaticMounts() ([]static.Mount, error) {
	var mounts []static.Mount
	for _, spec := range c.Mounts {
		m, err := ParseMount(spec)
		if err != nil {
			return nil, err
		}
		m.ShowWholeDirectory = c.ListDirectories
		mounts = append(mounts, m)
	}
	if c.MountFile != "" {
		fromFile, err := LoadMounts(c.MountFile)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, fromFile...)
	}
	return mounts, nil
}

// ParseMount parses "urlPath=directory". A bare directory is mounted at
// the root.
func ParseMount(spec string) (static.Mount, error) {
	spec = strings.TrimSpace(spec)
	urlPath, dir, ok := strings.Cut(spec, "=")
	if !ok {
		urlPath, dir = "", spec
	}
	if dir == "" {
		return static.Mount{}, errors.Newf("mount %q has no directory", spec)
	}
	return static.Mount{URLPath: strings.Trim(urlPath, "/"), ServerFilePath: dir}, nil
}
