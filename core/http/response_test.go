package http

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestCookieRender(t *testing.T) {
	tests := []struct {
		name   string
		cookie *Cookie
		want   string
	}{
		{
			name:   "defaults",
			cookie: &Cookie{Value: "abc"},
			want:   "session=abc; Max-Age=157680000; Path=/",
		},
		{
			name:   "clear",
			cookie: nil,
			want:   "session=; Max-Age=0; Path=/",
		},
		{
			name: "all attributes",
			cookie: &Cookie{
				Value:       "a b;c",
				Domain:      "example.com",
				Expires:     time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC),
				HTTPOnly:    true,
				MaxAge:      MaxAge(60),
				Partitioned: true,
				Path:        "/app",
				SameSite:    "Strict",
				Secure:      true,
			},
			want: "session=a%20b%3Bc; Max-Age=60; Path=/app; Domain=example.com; " +
				"Expires=Wed, 02 Jan 2030 03:04:05 GMT; HttpOnly; Partitioned; SameSite=Strict; Secure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, tt.cookie.render("session"))
		})
	}
}

func TestResponseHeaders(t *testing.T) {
	resp := NewJSONResponse(map[string]int{"n": 1}, 201)
	resp.SetCookie("b", &Cookie{Value: "2"})
	resp.SetCookie("a", nil)
	resp.SetHeader("x-request-id", "r1")
	resp.SetHeader("Content-Type", "application/problem+json")

	h := resp.Header(nil)
	require.Equal(t, 201, resp.Status(nil))
	require.Equal(t, "application/problem+json", h.Get("Content-Type"))
	require.Equal(t, "r1", h.Get("X-Request-Id"))
	require.Equal(t, []string{
		"a=; Max-Age=0; Path=/",
		"b=2; Max-Age=157680000; Path=/",
	}, h.Values("Set-Cookie"))
	require.Equal(t, `{"n":1}`, string(resp.Body(nil).Bytes()))

	resp.RemoveHeader("content-type")
	require.Empty(t, resp.Header(nil).Get("Content-Type"))
}

func TestResponseVariants(t *testing.T) {
	raw := NewRawResponse([]byte{1, 2}, 200, nil)
	require.Equal(t, "application/octet-stream", raw.Header(nil).Get("Content-Type"))

	empty := EmptyResponse()
	require.Empty(t, empty.Header(nil))
	require.Equal(t, int64(0), empty.Body(nil).Len())

	html := NewHTMLResponse("<p>hi</p>", 200)
	require.Equal(t, "text/html; charset=utf-8", html.Header(nil).Get("Content-Type"))

	redirect := NewRedirectResponse("/login", 0)
	require.Equal(t, 301, redirect.Status(nil))
	require.Equal(t, "/login", redirect.Header(nil).Get("Location"))
	require.Equal(t, "no-store, no-cache, must-revalidate", redirect.Header(nil).Get("Cache-Control"))

	pb := NewProtobufResponse(wrapperspb.String("hello"), 200)
	rendered, err := Finalize(context.Background(), nil, pb)
	require.NoError(t, err)
	require.Equal(t, "application/x-protobuf", rendered.Header.Get("Content-Type"))

	var decoded wrapperspb.StringValue
	require.NoError(t, proto.Unmarshal(rendered.Body.Bytes(), &decoded))
	require.Equal(t, "hello", decoded.GetValue())
}

func TestFinalizeReportsEncodingFailure(t *testing.T) {
	_, err := Finalize(context.Background(), nil, NewJSONResponse(make(chan int), 200))
	require.Error(t, err)
}

func TestWrap(t *testing.T) {
	require.IsType(t, &HTMLResponse{}, Wrap("hi"))
	require.IsType(t, &HTMLResponse{}, Wrap(nil))
	require.IsType(t, &RawResponse{}, Wrap([]byte("x")))
	require.IsType(t, &JSONResponse{}, Wrap(map[string]any{"a": 1}))

	json := NewJSONResponse(nil, 200)
	require.Same(t, json, Wrap(json))
}

type explosive struct{}

func (explosive) MarshalJSON() ([]byte, error) { panic("marshal exploded") }

func TestWrapNilPointer(t *testing.T) {
	var resp *JSONResponse
	require.IsType(t, &HTMLResponse{}, Wrap(resp))
	require.IsType(t, &HTMLResponse{}, Wrap(Response(resp)))
}

func TestFinalizeInternalFailures(t *testing.T) {
	ctx := context.Background()

	_, err := Finalize(ctx, nil, nil)
	require.True(t, errors.Is(err, ErrInternal))

	_, err = Finalize(ctx, nil, (*JSONResponse)(nil))
	require.True(t, errors.Is(err, ErrInternal))

	require.NotPanics(t, func() {
		_, err = Finalize(ctx, nil, NewJSONResponse(explosive{}, 200))
	})
	require.True(t, errors.Is(err, ErrInternal))
	require.Contains(t, err.Error(), "marshal exploded")
}

func TestHalt(t *testing.T) {
	resp := Message(403, "forbidden")
	err := Halt(resp)

	got, ok := AsHalt(err)
	require.True(t, ok)
	require.Same(t, resp, got)

	_, ok = AsHalt(ClientInput(err, "wrapped"))
	require.True(t, ok)

	_, ok = AsHalt(ErrNotFound)
	require.False(t, ok)
}
