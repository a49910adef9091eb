package http

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func newTestRequest(t *testing.T, method, target, contentType, body string) *Request {
	t.Helper()
	req, err := NewRequest(method, target, strings.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.SetHeader("Content-Type", contentType)
	}
	return req
}

func TestBodyJSONRoundTrip(t *testing.T) {
	req := newTestRequest(t, "POST", "/items", "application/json", `{"a":[1,2,{"b":true}]}`)

	got, err := req.Body(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"a": []any{float64(1), float64(2), map[string]any{"b": true}},
	}, got)
}

func TestBodyJSONStrict(t *testing.T) {
	for _, body := range []string{`{"a":1} {"b":2}`, `{"a":`, ``, `[1,2]x`} {
		req := newTestRequest(t, "POST", "/", "application/json; charset=utf-8", body)
		_, err := req.Body(context.Background())
		require.True(t, errors.Is(err, ErrMalformedJSON), body)
		require.True(t, errors.Is(err, ErrClientInput), body)
		require.False(t, errors.Is(err, ErrPayloadTooLarge), body)
		require.False(t, errors.Is(err, ErrBadBoundary), body)
	}
}

func TestBodyLimits(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		limits      Limits
	}{
		{"json", "application/json", Limits{MaxJSONBytes: 8}},
		{"form", "application/x-www-form-urlencoded", Limits{MaxFormBytes: 8}},
		{"raw", "text/plain", Limits{MaxBodyBytes: 8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newTestRequest(t, "POST", "/", tt.contentType, `{"key":"0123456789"}`)
			req.SetLimits(tt.limits)

			_, err := req.Body(context.Background())
			require.True(t, errors.Is(err, ErrPayloadTooLarge))
			require.True(t, errors.Is(err, ErrClientInput))
			require.False(t, errors.Is(err, ErrMalformedJSON))
		})
	}
}

func TestBodyURLEncoded(t *testing.T) {
	req := newTestRequest(t, "POST", "/", "application/x-www-form-urlencoded",
		"list[]=1&list[]=2&list[]=3&obj[a][b]=x")

	got, err := req.Body(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"list": []any{"1", "2", "3"},
		"obj":  map[string]any{"a": map[string]any{"b": "x"}},
	}, got)
}

func TestBodyMultipart(t *testing.T) {
	body := multipartBody("XB", filePart("f", "x.txt", "text/plain", "hi"))
	req := newTestRequest(t, "POST", "/upload", "multipart/form-data; boundary=XB", string(body))

	got, err := req.Body(context.Background())
	require.NoError(t, err)
	file := got.(map[string]any)["f"].(*UploadedFile)
	require.Equal(t, "hi", string(file.Content()))
}

func TestBodyMultipartWithoutBoundary(t *testing.T) {
	req := newTestRequest(t, "POST", "/upload", "multipart/form-data", "--x\r\n")

	_, err := req.Body(context.Background())
	require.True(t, errors.Is(err, ErrBadBoundary))
}

func TestBodyGETUsesQuery(t *testing.T) {
	req := newTestRequest(t, "GET", "/search?q=go&tags[]=a&tags[]=b", "", "ignored")

	got, err := req.Body(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]any{"q": "go", "tags": []any{"a", "b"}}, got)
}

func TestBodyRaw(t *testing.T) {
	req := newTestRequest(t, "PUT", "/blob", "application/pdf", "%PDF")

	got, err := req.Body(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]any{"body": []byte("%PDF")}, got)
}

type countingReader struct {
	r     io.Reader
	mu    sync.Mutex
	reads int
}

func (c *countingReader) Read(p []byte) (int, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.r.Read(p)
}

func TestBodyIsMemoized(t *testing.T) {
	src := &countingReader{r: bytes.NewReader([]byte(`{"n":1}`))}
	req, err := NewRequest("POST", "/", src)
	require.NoError(t, err)
	req.SetHeader("content-type", "application/json")

	var wg sync.WaitGroup
	results := make([]any, 8)
	errs := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = req.Body(context.Background())
		}()
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	first, err := req.Body(context.Background())
	require.NoError(t, err)
	for _, v := range results {
		require.Equal(t, first, v)
	}

	reads := src.reads
	_, _ = req.Body(context.Background())
	require.Equal(t, reads, src.reads)
}

func TestAllParams(t *testing.T) {
	req := newTestRequest(t, "POST", "/users/7?page=2&id=query", "application/json", `{"name":"ann"}`)
	req.SetParams(map[string]string{"id": "7"})

	all, err := req.AllParams(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]any{"page": "2", "id": "7", "name": "ann"}, all)

	req = newTestRequest(t, "POST", "/", "application/json", `[1]`)
	all, err = req.AllParams(context.Background())
	require.NoError(t, err)
	require.Equal(t, []any{float64(1)}, all["body"])
}

func TestBindJSON(t *testing.T) {
	req := newTestRequest(t, "POST", "/", "application/json", `{"name":"ann","age":30}`)

	var v struct {
		Name string `json:"name"`
		Age  int    `json:"age"`
	}
	require.NoError(t, req.BindJSON(&v))
	require.Equal(t, "ann", v.Name)
	require.Equal(t, 30, v.Age)

	// The decoded body is still available after binding.
	body, err := req.Body(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ann", body.(map[string]any)["name"])
}

func TestRequestBasics(t *testing.T) {
	req := newTestRequest(t, "get", "//api/users//42/?a=1&a=2&b=%20x", "", "")
	req.SetHeader("Cookie", "session=abc; theme=dark%20mode ; flag")

	require.Equal(t, "GET", req.Method())
	require.Equal(t, "api/users/42", req.Path())
	require.Equal(t, map[string]string{"a": "2", "b": " x"}, req.Query())
	require.Equal(t, "abc", req.Cookie("session"))
	require.Equal(t, "dark mode", req.Cookie("theme"))
	require.Equal(t, "", req.Cookie("flag"))
	require.Contains(t, req.Cookies(), "flag")
	require.Equal(t, "session=abc; theme=dark%20mode ; flag", req.Header("COOKIE"))
}

func TestNewRequestRejectsBadTarget(t *testing.T) {
	_, err := NewRequest("GET", "not a target", nil)
	require.True(t, errors.Is(err, ErrMalformedTarget))
	require.True(t, errors.Is(err, ErrClientInput))
	require.False(t, errors.Is(err, ErrPayloadTooLarge))
}
