package static

import (
	"context"
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/searchktools/rawserve/core/http"
)

// Mount exposes ServerFilePath under the URL prefix URLPath.
type Mount struct {
	URLPath            string `json:"url_path"`
	ServerFilePath     string `json:"server_file_path"`
	ShowWholeDirectory bool   `json:"show_whole_directory"`

	// Source reads the mounted tree; nil means the cache's file source.
	Source http.FileSource `json:"-"`
}

func (m Mount) prefix() string {
	return strings.Trim(m.URLPath, "/")
}

// Resolve maps a request path (slash-joined, escaped, no leading slash) to
// a file path under the mount. It reports false when the path is outside
// the mount or tries to leave it.
func (m Mount) Resolve(reqPath string) (string, bool) {
	prefix := m.prefix()
	rest := reqPath
	if prefix != "" {
		if reqPath != prefix && !strings.HasPrefix(reqPath, prefix+"/") {
			return "", false
		}
		rest = strings.TrimPrefix(strings.TrimPrefix(reqPath, prefix), "/")
	}

	var segments []string
	for _, s := range strings.Split(rest, "/") {
		if s == "" {
			continue
		}
		decoded, err := url.PathUnescape(s)
		if err != nil || decoded == "." || decoded == ".." || strings.ContainsAny(decoded, "/\\\x00") {
			return "", false
		}
		segments = append(segments, decoded)
	}

	return path.Join(append([]string{m.ServerFilePath}, segments...)...), true
}

// ErrNoMount is returned, marked http.ErrNotFound, when no mount covers
// the request.
var ErrNoMount = errors.New("no static mount for path")

// Server answers GET and HEAD requests from its mounts.
type Server struct {
	mounts []Mount
	cache  *Cache
	log    *zap.Logger
}

// NewServer returns a server for mounts. The longest URL prefix wins when
// mounts overlap.
func NewServer(cache *Cache, log *zap.Logger, mounts ...Mount) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	sorted := slices.Clone(mounts)
	slices.SortStableFunc(sorted, func(a, b Mount) int {
		return len(b.prefix()) - len(a.prefix())
	})
	return &Server{mounts: sorted, cache: cache, log: log}
}

// Mounts returns the configured mounts, longest prefix first.
func (s *Server) Mounts() []Mount { return s.mounts }

// Cache returns the response cache.
func (s *Server) Cache() *Cache { return s.cache }

// Match reports the mount serving req, if any.
func (s *Server) Match(req *http.Request) (Mount, string, bool) {
	if m := req.Method(); m != "GET" && m != "HEAD" {
		return Mount{}, "", false
	}
	for _, m := range s.mounts {
		if file, ok := m.Resolve(req.Path()); ok {
			return m, file, true
		}
	}
	return Mount{}, "", false
}

// Serve answers req from the mounts. It returns ErrNoMount when no mount
// covers the path and an error marked http.ErrNotFound when the file does
// not exist.
func (s *Server) Serve(ctx context.Context, req *http.Request) (http.Response, error) {
	m, file, ok := s.Match(req)
	if !ok {
		return nil, errors.Mark(ErrNoMount, http.ErrNotFound)
	}

	resp := s.cache.Load(m, file)
	info, err := resp.Info(ctx)
	if err == nil {
		return resp, nil
	}
	s.cache.Forget(m, file, resp)

	if info.IsDir && m.ShowWholeDirectory {
		source := m.Source
		if source == nil {
			source = s.cache.file.Source
		}
		if source == nil {
			source = http.OSFileSource{}
		}
		return Listing(ctx, source, file, req.Path())
	}

	s.log.Debug("static file not found", zap.String("path", file), zap.Error(err))
	return nil, err
}
