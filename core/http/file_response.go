package http

import (
	"context"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/searchktools/rawserve/core/mime"
	"github.com/searchktools/rawserve/core/pools"
	"github.com/searchktools/rawserve/core/stream"
)

// FileInfo describes a file or directory of a FileSource.
type FileInfo struct {
	Name    string
	Size    int64
	IsDir   bool
	ModTime time.Time
}

// FileSource is where file responses read from. Stat and ReadDir report a
// missing path with an error matching os.ErrNotExist or ErrNotFound.
type FileSource interface {
	Stat(ctx context.Context, path string) (FileInfo, error)
	Open(ctx context.Context, path string) (stream.ReadAtCloser, error)
	ReadDir(ctx context.Context, path string) ([]FileInfo, error)
}

// OSFileSource reads the local filesystem.
type OSFileSource struct{}

func (OSFileSource) Stat(_ context.Context, path string) (FileInfo, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Name: fi.Name(), Size: fi.Size(), IsDir: fi.IsDir(), ModTime: fi.ModTime()}, nil
}

func (OSFileSource) Open(_ context.Context, path string) (stream.ReadAtCloser, error) {
	return os.Open(path)
}

func (OSFileSource) ReadDir(_ context.Context, path string) ([]FileInfo, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{Name: e.Name(), Size: fi.Size(), IsDir: e.IsDir(), ModTime: fi.ModTime()})
	}
	return out, nil
}

// FileOptions configure a FileResponse. Zero values take the defaults.
type FileOptions struct {
	Source      FileSource
	ContentType string
	// StreamThreshold is the size above which the body is streamed.
	StreamThreshold int64
	// MaxFragment caps an open-ended range.
	MaxFragment int64
	FullChunk   int
	RangeChunk  int
	Pool        *pools.BytePool
}

func (o FileOptions) withDefaults() FileOptions {
	if o.Source == nil {
		o.Source = OSFileSource{}
	}
	if o.StreamThreshold <= 0 {
		o.StreamThreshold = stream.DefaultMaxFragment
	}
	if o.MaxFragment <= 0 {
		o.MaxFragment = stream.DefaultMaxFragment
	}
	if o.FullChunk <= 0 {
		o.FullChunk = stream.DefaultFullChunk
	}
	if o.RangeChunk <= 0 {
		o.RangeChunk = stream.DefaultRangeChunk
	}
	return o
}

var fileNotFoundBody = []byte(`{"message":"File not found"}`)

// FileResponse serves a file. Small files are read into memory; large and
// audio/video files are streamed in chunks and honor single-range requests.
// The file is looked up once; a missing file renders a 404 JSON body.
type FileResponse struct {
	responseMeta
	path string
	code int
	opts FileOptions

	once        sync.Once
	info        FileInfo
	contentType string
	data        []byte
	streamed    bool
	err         error

	blocked atomic.Bool
}

// NewFileResponse returns a response for the file at path. A zero code
// means 200.
func NewFileResponse(path string, code int, opts FileOptions) *FileResponse {
	if code == 0 {
		code = 200
	}
	return &FileResponse{path: path, code: code, opts: opts.withDefaults()}
}

// Path returns the file path.
func (r *FileResponse) Path() string { return r.path }

// Resolve stats the file and, when it is small enough, reads it. Errors
// are marked ErrNotFound.
func (r *FileResponse) Resolve(ctx context.Context) error {
	r.once.Do(func() {
		r.err = r.load(ctx)
	})
	return r.err
}

func (r *FileResponse) load(ctx context.Context) error {
	info, err := r.opts.Source.Stat(ctx, r.path)
	if err != nil {
		return NotFound(err, "stat "+r.path)
	}
	r.info = info
	if info.IsDir {
		return errors.Mark(errors.Newf("%s is a directory", r.path), ErrNotFound)
	}

	r.contentType = r.opts.ContentType
	if r.contentType == "" {
		r.contentType = mime.TypeByPath(r.path)
	}
	r.streamed = stream.Streamable(info.Size, r.contentType, r.opts.StreamThreshold)
	if r.streamed {
		return nil
	}

	f, err := r.opts.Source.Open(ctx, r.path)
	if err != nil {
		return NotFound(err, "open "+r.path)
	}
	defer f.Close()

	data := make([]byte, info.Size)
	if n, err := f.ReadAt(data, 0); n < len(data) {
		return NotFound(err, "read "+r.path)
	}
	r.data = data
	return nil
}

// Info returns the stat result. For a directory the info is filled in and
// the error is marked ErrNotFound.
func (r *FileResponse) Info(ctx context.Context) (FileInfo, error) {
	err := r.Resolve(ctx)
	return r.info, err
}

// Block marks the file invalidated; streams in flight stop with
// stream.ErrInvalidated.
func (r *FileResponse) Block() { r.blocked.Store(true) }

// Blocked reports whether Block was called.
func (r *FileResponse) Blocked() bool { return r.blocked.Load() }

type fragment struct {
	window stream.Window
	ok     bool
}

// fragment returns the range window for req, computed once per request.
func (r *FileResponse) fragment(req *Request) fragment {
	if req == nil || r.err != nil || !r.streamed || r.code < 200 || r.code > 299 {
		return fragment{}
	}
	return req.remember(r, func() any {
		w, ok := stream.ParseRange(req.Header("range"), r.info.Size, r.opts.MaxFragment)
		return fragment{window: w, ok: ok}
	}).(fragment)
}

func (r *FileResponse) resolveFor(req *Request) error {
	ctx := context.Background()
	if req != nil {
		ctx = req.Context()
	}
	return r.Resolve(ctx)
}

func (r *FileResponse) Status(req *Request) int {
	if r.resolveFor(req) != nil {
		return 404
	}
	if r.fragment(req).ok {
		return 206
	}
	return r.code
}

func (r *FileResponse) Header(req *Request) Header {
	if r.resolveFor(req) != nil {
		return r.merge(Header{"Content-Type": {"application/json"}})
	}

	h := Header{
		"Content-Type":   {r.contentType},
		"Content-Length": {strconv.FormatInt(r.info.Size, 10)},
	}
	if r.streamed {
		h.Set("Accept-Ranges", "bytes")
	}
	if f := r.fragment(req); f.ok {
		h.Set("Content-Range", f.window.ContentRange())
		h.Set("Content-Length", strconv.FormatInt(f.window.Length, 10))
	}
	return r.merge(h)
}

func (r *FileResponse) Body(req *Request) Body {
	if r.resolveFor(req) != nil {
		return BytesBody(fileNotFoundBody)
	}
	if !r.streamed {
		return BytesBody(r.data)
	}

	off, n := int64(0), r.info.Size
	chunk := r.opts.FullChunk
	f := r.fragment(req)
	if f.ok {
		off, n = f.window.Start, f.window.Length
	}
	if f.ok || mime.IsMedia(r.contentType) {
		chunk = r.opts.RangeChunk
	}

	ctx := context.Background()
	if req != nil {
		ctx = req.Context()
	}
	open := func(ctx context.Context) (stream.ReadAtCloser, error) {
		return r.opts.Source.Open(ctx, r.path)
	}
	return StreamBody(stream.Chunks(ctx, open, off, n, stream.ChunkOptions{
		ChunkSize: chunk,
		Pool:      r.opts.Pool,
		Blocked:   r.Blocked,
	}), n)
}
