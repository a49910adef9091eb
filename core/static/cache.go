// Package static serves files from mounted directories through a bounded
// cache of file responses.
package static

import (
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/searchktools/rawserve/core/http"
	"github.com/searchktools/rawserve/core/observability"
)

const (
	// DefaultLimit is the default number of cached responses.
	DefaultLimit = 500
	// CacheControl is sent with every static file.
	CacheControl = "public, max-age=432000"
)

// CacheOptions configure a Cache.
type CacheOptions struct {
	Limit   int
	File    http.FileOptions
	Metrics *observability.Metrics
	Logger  *zap.Logger
}

// Cache maps a mount and a resolved file path to a shared file response.
// Concurrent first requests for a file get the same response, so the file is
// looked up once. Entries live until they are invalidated or evicted.
type Cache struct {
	entries *xsync.MapOf[entryKey, *http.FileResponse]
	limit   int
	file    http.FileOptions
	metrics *observability.Metrics
	log     *zap.Logger
}

// entryKey separates mounts whose sources resolve to the same path.
type entryKey struct {
	mount string
	path  string
}

func NewCache(opts CacheOptions) *Cache {
	if opts.Limit <= 0 {
		opts.Limit = DefaultLimit
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Cache{
		entries: xsync.NewMapOf[entryKey, *http.FileResponse](),
		limit:   opts.Limit,
		file:    opts.File,
		metrics: opts.Metrics,
		log:     opts.Logger,
	}
}

// Load returns the cached response for path under m, creating it on a miss
// with m's source, or the configured one when m has none.
func (c *Cache) Load(m Mount, path string) *http.FileResponse {
	key := entryKey{mount: m.prefix(), path: path}
	resp, loaded := c.entries.LoadOrCompute(key, func() *http.FileResponse {
		opts := c.file
		if m.Source != nil {
			opts.Source = m.Source
		}
		r := http.NewFileResponse(path, 200, opts)
		r.SetHeader("Cache-Control", CacheControl)
		return r
	})

	if loaded {
		c.metrics.CacheEvent(observability.CacheHit)
		return resp
	}
	c.metrics.CacheEvent(observability.CacheMiss)
	c.evict(key)
	return resp
}

// Forget drops path under m if it still maps to resp. Used for responses
// that failed to resolve so a later request looks again.
func (c *Cache) Forget(m Mount, path string, resp *http.FileResponse) {
	c.forget(entryKey{mount: m.prefix(), path: path}, resp)
}

func (c *Cache) forget(key entryKey, resp *http.FileResponse) {
	c.entries.Compute(key, func(old *http.FileResponse, loaded bool) (*http.FileResponse, bool) {
		return old, !loaded || old == resp
	})
}

// Invalidate blocks the entries for path under every mount, stopping their
// streams in flight, and removes them.
func (c *Cache) Invalidate(path string) {
	c.entries.Range(func(key entryKey, resp *http.FileResponse) bool {
		if key.path != path {
			return true
		}
		resp.Block()
		c.forget(key, resp)
		c.metrics.CacheEvent(observability.CacheInvalidate)
		c.log.Debug("static entry invalidated", zap.String("mount", key.mount), zap.String("path", path))
		return true
	})
}

// Clear blocks and removes every entry.
func (c *Cache) Clear() {
	c.entries.Range(func(_ entryKey, resp *http.FileResponse) bool {
		resp.Block()
		c.metrics.CacheEvent(observability.CacheInvalidate)
		return true
	})
	c.entries.Clear()
	c.log.Debug("static cache cleared")
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return c.entries.Size()
}

// evict removes one arbitrary unblocked entry other than keep while the
// cache is over its limit.
func (c *Cache) evict(keep entryKey) {
	if c.entries.Size() <= c.limit {
		return
	}
	c.entries.Range(func(key entryKey, resp *http.FileResponse) bool {
		if key == keep || resp.Blocked() {
			return true
		}
		c.forget(key, resp)
		c.metrics.CacheEvent(observability.CacheEviction)
		return false
	})
}
