package http

import (
	"context"
	"encoding/json"
	"iter"
	nethttp "net/http"
	"slices"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
	"google.golang.org/protobuf/proto"
)

// Header is a response header map.
type Header = nethttp.Header

// Body is a response payload: a byte slice, or a lazy chunk producer with a
// declared length. Length is -1 when unknown.
type Body struct {
	data   []byte
	chunks iter.Seq2[[]byte, error]
	length int64
}

// BytesBody returns a buffered body.
func BytesBody(data []byte) Body {
	return Body{data: data, length: int64(len(data))}
}

// StreamBody returns a body produced by chunks, n bytes long.
func StreamBody(chunks iter.Seq2[[]byte, error], n int64) Body {
	return Body{chunks: chunks, length: n}
}

// Bytes returns the buffered payload; nil for a streamed body.
func (b Body) Bytes() []byte { return b.data }

// Chunks returns the chunk producer; nil for a buffered body.
func (b Body) Chunks() iter.Seq2[[]byte, error] { return b.chunks }

// Streamed reports whether the body is produced lazily.
func (b Body) Streamed() bool { return b.chunks != nil }

// Len returns the declared length.
func (b Body) Len() int64 { return b.length }

// Response is the closed set of values a handler can answer with:
// *RawResponse, *JSONResponse, *HTMLResponse, *RedirectResponse,
// *ProtobufResponse, *StreamResponse and *FileResponse.
//
// Status, Header and Body take the request because a file response depends
// on its Range header; the others ignore it.
type Response interface {
	Status(req *Request) int
	Header(req *Request) Header
	Body(req *Request) Body

	Cookies() map[string]*Cookie
	SetCookie(name string, c *Cookie)
	SetHeader(key, value string)
	RemoveHeader(key string)

	meta() *responseMeta
}

// resolver is implemented by responses that do fallible work before they
// can be rendered.
type resolver interface {
	Resolve(ctx context.Context) error
}

// responseMeta holds what every response variant shares: cookies and
// headers added on top of the variant's own.
type responseMeta struct {
	mu      sync.Mutex
	cookies map[string]*Cookie
	custom  Header
	removed map[string]bool
}

func (m *responseMeta) meta() *responseMeta { return m }

// Cookies returns a copy of the cookies set on the response.
func (m *responseMeta) Cookies() map[string]*Cookie {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*Cookie, len(m.cookies))
	for k, v := range m.cookies {
		out[k] = v
	}
	return out
}

// SetCookie sets a cookie; a nil c clears the cookie on the client.
func (m *responseMeta) SetCookie(name string, c *Cookie) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cookies == nil {
		m.cookies = make(map[string]*Cookie)
	}
	m.cookies[name] = c
}

// SetHeader adds or overrides a header.
func (m *responseMeta) SetHeader(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.custom == nil {
		m.custom = make(Header)
	}
	m.custom.Set(key, value)
	delete(m.removed, nethttp.CanonicalHeaderKey(key))
}

// RemoveHeader drops a header, including one the variant sets itself.
func (m *responseMeta) RemoveHeader(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key = nethttp.CanonicalHeaderKey(key)
	if m.removed == nil {
		m.removed = make(map[string]bool)
	}
	m.removed[key] = true
	m.custom.Del(key)
}

// merge layers cookies and custom headers over base.
func (m *responseMeta) merge(base Header) Header {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := base.Clone()
	if h == nil {
		h = make(Header)
	}

	names := lo.Keys(m.cookies)
	slices.Sort(names)
	for _, name := range names {
		h.Add("Set-Cookie", m.cookies[name].render(name))
	}

	for k, v := range m.custom {
		h[k] = slices.Clone(v)
	}
	for k := range m.removed {
		h.Del(k)
	}
	return h
}

// RawResponse sends bytes as they are.
type RawResponse struct {
	responseMeta
	data   []byte
	code   int
	header Header
}

// NewRawResponse returns a response with data and code. A nil header means
// Content-Type application/octet-stream; an empty one sends no Content-Type.
func NewRawResponse(data []byte, code int, header Header) *RawResponse {
	if header == nil {
		header = Header{"Content-Type": {"application/octet-stream"}}
	}
	return &RawResponse{data: data, code: code, header: header}
}

// EmptyResponse is a 200 with no body and no Content-Type.
func EmptyResponse() *RawResponse {
	return NewRawResponse(nil, nethttp.StatusOK, Header{})
}

func (r *RawResponse) Status(*Request) int    { return r.code }
func (r *RawResponse) Header(*Request) Header { return r.merge(r.header) }
func (r *RawResponse) Body(*Request) Body     { return BytesBody(r.data) }
func (r *RawResponse) Data() []byte           { return r.data }
func (r *RawResponse) SetData(data []byte)    { r.data = data }

// JSONResponse encodes a value as JSON.
type JSONResponse struct {
	responseMeta
	value any
	code  int

	once    sync.Once
	encoded []byte
	err     error
}

// NewJSONResponse returns a JSON response for v.
func NewJSONResponse(v any, code int) *JSONResponse {
	return &JSONResponse{value: v, code: code}
}

// Message returns a JSON response with body {"message": msg}.
func Message(code int, msg string) *JSONResponse {
	return NewJSONResponse(map[string]string{"message": msg}, code)
}

// Resolve encodes the value once.
func (r *JSONResponse) Resolve(context.Context) error {
	r.once.Do(func() {
		r.encoded, r.err = json.Marshal(r.value)
		if r.err != nil {
			r.err = errors.Wrap(r.err, "encode JSON response")
		}
	})
	return r.err
}

func (r *JSONResponse) Status(*Request) int { return r.code }

func (r *JSONResponse) Header(*Request) Header {
	return r.merge(Header{"Content-Type": {"application/json"}})
}

func (r *JSONResponse) Body(*Request) Body {
	_ = r.Resolve(context.Background())
	return BytesBody(r.encoded)
}

// Value returns the value to encode.
func (r *JSONResponse) Value() any { return r.value }

// HTMLResponse sends an HTML document.
type HTMLResponse struct {
	responseMeta
	html string
	code int
}

// NewHTMLResponse returns an HTML response.
func NewHTMLResponse(html string, code int) *HTMLResponse {
	return &HTMLResponse{html: html, code: code}
}

func (r *HTMLResponse) Status(*Request) int { return r.code }

func (r *HTMLResponse) Header(*Request) Header {
	return r.merge(Header{"Content-Type": {"text/html; charset=utf-8"}})
}

func (r *HTMLResponse) Body(*Request) Body { return BytesBody([]byte(r.html)) }

// String returns the document.
func (r *HTMLResponse) String() string { return r.html }

// RedirectResponse points the client at another URL.
type RedirectResponse struct {
	responseMeta
	url  string
	code int
}

// NewRedirectResponse returns a redirect to url. A zero code means 301.
func NewRedirectResponse(url string, code int) *RedirectResponse {
	if code == 0 {
		code = nethttp.StatusMovedPermanently
	}
	return &RedirectResponse{url: url, code: code}
}

func (r *RedirectResponse) Status(*Request) int { return r.code }

func (r *RedirectResponse) Header(*Request) Header {
	return r.merge(Header{
		"Content-Type":  {"text/html; charset=utf-8"},
		"Cache-Control": {"no-store, no-cache, must-revalidate"},
		"Location":      {r.url},
	})
}

func (r *RedirectResponse) Body(*Request) Body { return BytesBody(nil) }

// URL returns the redirect target.
func (r *RedirectResponse) URL() string { return r.url }

// StreamResponse sends chunks as they are produced, without a declared
// length. The connection is closed after it, which ends the body for the
// client.
type StreamResponse struct {
	responseMeta
	code   int
	header Header
	chunks iter.Seq2[[]byte, error]
}

// NewStreamResponse returns a response whose body is produced by chunks.
func NewStreamResponse(code int, header Header, chunks iter.Seq2[[]byte, error]) *StreamResponse {
	return &StreamResponse{code: code, header: header, chunks: chunks}
}

func (r *StreamResponse) Status(*Request) int    { return r.code }
func (r *StreamResponse) Header(*Request) Header { return r.merge(r.header) }
func (r *StreamResponse) Body(*Request) Body     { return StreamBody(r.chunks, -1) }

// ProtobufResponse encodes a protobuf message in its binary wire format.
type ProtobufResponse struct {
	responseMeta
	msg  proto.Message
	code int

	once    sync.Once
	encoded []byte
	err     error
}

// NewProtobufResponse returns a protobuf response for msg.
func NewProtobufResponse(msg proto.Message, code int) *ProtobufResponse {
	return &ProtobufResponse{msg: msg, code: code}
}

// Resolve marshals the message once.
func (r *ProtobufResponse) Resolve(context.Context) error {
	r.once.Do(func() {
		r.encoded, r.err = proto.Marshal(r.msg)
		if r.err != nil {
			r.err = errors.Wrap(r.err, "encode protobuf response")
		}
	})
	return r.err
}

func (r *ProtobufResponse) Status(*Request) int { return r.code }

func (r *ProtobufResponse) Header(*Request) Header {
	return r.merge(Header{"Content-Type": {"application/x-protobuf"}})
}

func (r *ProtobufResponse) Body(*Request) Body {
	_ = r.Resolve(context.Background())
	return BytesBody(r.encoded)
}

// Wrap turns a handler's plain return value into a Response: a Response is
// kept, a string becomes HTML, a byte slice becomes a raw response and
// anything else is encoded as JSON. A nil pointer to a Response counts as
// nil.
func Wrap(v any) Response {
	if lo.IsNil(v) {
		v = nil
	}
	switch t := v.(type) {
	case Response:
		return t
	case nil:
		return NewHTMLResponse("", nethttp.StatusOK)
	case string:
		return NewHTMLResponse(t, nethttp.StatusOK)
	case []byte:
		return NewRawResponse(t, nethttp.StatusOK, nil)
	default:
		return NewJSONResponse(t, nethttp.StatusOK)
	}
}

// Rendered is a response finalized against one request.
type Rendered struct {
	Status int
	Header Header
	Body   Body
}

// Finalize resolves resp and computes its status, headers and body for req.
// A nil response, including a nil pointer of a response type, and a panic
// while rendering are internal errors.
func Finalize(ctx context.Context, req *Request, resp Response) (rendered Rendered, err error) {
	if lo.IsNil(resp) {
		return Rendered{}, errors.Mark(errors.New("nil response"), ErrInternal)
	}
	defer func() {
		if r := recover(); r != nil {
			rendered, err = Rendered{}, errors.Mark(errors.Newf("panic while rendering response: %v", r), ErrInternal)
		}
	}()
	if r, ok := resp.(resolver); ok {
		if err := r.Resolve(ctx); err != nil && !errors.Is(err, ErrNotFound) {
			return Rendered{}, err
		}
	}
	return Rendered{
		Status: resp.Status(req),
		Header: resp.Header(req),
		Body:   resp.Body(req),
	}, nil
}
