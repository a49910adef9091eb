package http

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// Limits bound how much of a request body is buffered for decoding.
type Limits struct {
	MaxFormBytes    int64 // application/x-www-form-urlencoded
	MaxJSONBytes    int64 // application/json
	MaxBodyBytes    int64 // multipart and raw payloads
	MultipartWindow int   // bytes scanned between cooperative yields
}

// DefaultLimits returns the stock decoding limits.
func DefaultLimits() Limits {
	return Limits{
		MaxFormBytes:    1 << 20,
		MaxJSONBytes:    32 << 20,
		MaxBodyBytes:    512 << 20,
		MultipartWindow: DefaultMultipartWindow,
	}
}

// Promoted is a connection takeover (a WebSocket session) that keeps the
// connection after the handler returns.
type Promoted interface {
	Serve(ctx context.Context) error
}

// Request is one inbound HTTP request.
type Request struct {
	ctx context.Context

	method     string
	proto      string
	path       string
	headers    map[string]string
	query      map[string]string
	queryOrder []Field
	params     map[string]string
	remoteAddr string
	closeAfter bool

	limits Limits
	body   io.Reader

	rawOnce sync.Once
	raw     []byte
	rawErr  error

	bodyOnce  sync.Once
	bodyValue any
	bodyErr   error

	allOnce sync.Once
	all     map[string]any
	allErr  error

	cookiesOnce sync.Once
	cookies     map[string]string

	customData any

	memoMu sync.Mutex
	memo   map[any]any

	conn     net.Conn
	reader   *bufio.Reader
	hijacked bool
	promoted Promoted
}

// NewRequest builds a request for method and target ("/path?query"). body
// may be nil.
func NewRequest(method, target string, body io.Reader) (*Request, error) {
	u, err := url.ParseRequestURI(target)
	if err != nil {
		return nil, errors.Mark(errors.Mark(errors.Wrapf(err, "parse target %q", target), ErrMalformedTarget), ErrClientInput)
	}

	if body == nil {
		body = strings.NewReader("")
	}

	r := &Request{
		ctx:     context.Background(),
		method:  strings.ToUpper(method),
		proto:   "HTTP/1.1",
		path:    joinSegments(u.EscapedPath()),
		headers: make(map[string]string),
		params:  make(map[string]string),
		limits:  DefaultLimits(),
		body:    body,
	}

	r.queryOrder = ParseURLEncoded(u.RawQuery)
	r.query = make(map[string]string, len(r.queryOrder))
	for _, f := range r.queryOrder {
		r.query[f.Name] = lastString(f.Value)
	}

	return r, nil
}

// joinSegments drops empty segments: "/a//b/" becomes "a/b".
func joinSegments(p string) string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "/")
}

func lastString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		if len(t) > 0 {
			if s, ok := t[len(t)-1].(string); ok {
				return s
			}
		}
	}
	return ""
}

// Context returns the request's context.
func (r *Request) Context() context.Context {
	if r.ctx == nil {
		return context.Background()
	}
	return r.ctx
}

// WithContext sets the request's context and returns r.
func (r *Request) WithContext(ctx context.Context) *Request {
	r.ctx = ctx
	return r
}

// Method returns the upper-case request method.
func (r *Request) Method() string { return r.method }

// Proto returns the protocol version, e.g. "HTTP/1.1".
func (r *Request) Proto() string { return r.proto }

// Path returns the slash-joined path without leading or trailing slashes.
func (r *Request) Path() string { return r.path }

// RemoteAddr returns the peer address, if known.
func (r *Request) RemoteAddr() string { return r.remoteAddr }

// Headers returns the lower-cased header map.
func (r *Request) Headers() map[string]string { return r.headers }

// Header returns a header value by case-insensitive name.
func (r *Request) Header(key string) string {
	return r.headers[strings.ToLower(key)]
}

// SetHeader sets a header; the name is lower-cased.
func (r *Request) SetHeader(key, value string) {
	r.headers[strings.ToLower(key)] = value
}

// Query returns the query parameters; a repeated key keeps its last value.
func (r *Request) Query() map[string]string { return r.query }

// QueryParam returns one query parameter.
func (r *Request) QueryParam(key string) string { return r.query[key] }

// Params returns the path parameters bound by the router.
func (r *Request) Params() map[string]string { return r.params }

// Param returns one path parameter.
func (r *Request) Param(key string) string { return r.params[key] }

// SetParams installs the path parameters. The dispatcher calls it once
// before the handler runs.
func (r *Request) SetParams(params map[string]string) {
	if params == nil {
		params = make(map[string]string)
	}
	r.params = params
}

// SetLimits replaces the body decoding limits. It has no effect once the
// body has been read.
func (r *Request) SetLimits(l Limits) { r.limits = l }

// Limits returns the body decoding limits.
func (r *Request) Limits() Limits { return r.limits }

// SetCustomData stores an opaque value for middlewares and handlers.
func (r *Request) SetCustomData(v any) { r.customData = v }

// CustomData returns the value stored by SetCustomData.
func (r *Request) CustomData() any { return r.customData }

// Cookies parses the Cookie header once.
func (r *Request) Cookies() map[string]string {
	r.cookiesOnce.Do(func() {
		r.cookies = make(map[string]string)
		for _, pair := range strings.Split(r.Header("cookie"), ";") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			name, value, _ := strings.Cut(pair, "=")
			r.cookies[unescapeComponent(strings.TrimSpace(name))] = unescapeComponent(strings.TrimSpace(value))
		}
	})
	return r.cookies
}

// Cookie returns one request cookie.
func (r *Request) Cookie(name string) string {
	return r.Cookies()[name]
}

// remember memoizes compute per key for the lifetime of the request.
func (r *Request) remember(key any, compute func() any) any {
	r.memoMu.Lock()
	defer r.memoMu.Unlock()

	if v, ok := r.memo[key]; ok {
		return v
	}
	if r.memo == nil {
		r.memo = make(map[any]any)
	}
	v := compute()
	r.memo[key] = v
	return v
}

// attachConn binds the transport so the request can be hijacked.
func (r *Request) attachConn(conn net.Conn, br *bufio.Reader) {
	r.conn = conn
	r.reader = br
	if conn != nil {
		r.remoteAddr = conn.RemoteAddr().String()
	}
}

// Hijack takes over the underlying connection. The engine writes nothing
// for a hijacked request.
func (r *Request) Hijack() (net.Conn, *bufio.Reader, error) {
	if r.conn == nil {
		return nil, nil, errors.New("request has no connection to hijack")
	}
	if r.hijacked {
		return nil, nil, errors.New("connection already hijacked")
	}
	r.hijacked = true
	return r.conn, r.reader, nil
}

// Hijacked reports whether Hijack was called.
func (r *Request) Hijacked() bool { return r.hijacked }

// Promote hands the hijacked connection to p; the engine runs p.Serve once
// the handler chain has finished.
func (r *Request) Promote(p Promoted) { r.promoted = p }

// Promoted returns the connection takeover, if any.
func (r *Request) Promoted() Promoted { return r.promoted }

func unescapeComponent(s string) string {
	if u, err := url.PathUnescape(s); err == nil {
		return u
	}
	return s
}
