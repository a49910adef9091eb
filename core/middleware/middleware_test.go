package middleware

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/searchktools/rawserve/core/http"
	"github.com/searchktools/rawserve/core/observability"
)

func newRequest(t *testing.T, method string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, "/test", nil)
	require.NoError(t, err)
	return req
}

func recordPre(order *[]string, name string) PreFunc {
	return func(context.Context, *http.Request) (*http.Request, error) {
		*order = append(*order, name)
		return nil, nil
	}
}

func recordPost(order *[]string, name string) PostFunc {
	return func(context.Context, *http.Request, http.Response) (http.Response, error) {
		*order = append(*order, name)
		return nil, nil
	}
}

// TestChainOrder 测试中间件执行顺序
func TestChainOrder(t *testing.T) {
	var order []string
	chain := NewChain(
		[]PreFunc{recordPre(&order, "pre1"), recordPre(&order, "pre2")},
		func(context.Context, *http.Request) (http.Response, error) {
			order = append(order, "handler")
			return http.NewHTMLResponse("ok", 200), nil
		},
		[]PostFunc{recordPost(&order, "post1"), recordPost(&order, "post2")},
	)

	resp, _, err := chain.Execute(context.Background(), newRequest(t, "GET"))
	require.NoError(t, err)
	require.Equal(t, 200, resp.Status(nil))
	require.Equal(t, []string{"pre1", "pre2", "handler", "post1", "post2"}, order)
}

func TestChainReplacesRequestAndResponse(t *testing.T) {
	replacement := newRequest(t, "POST")
	chain := NewChain(
		[]PreFunc{func(context.Context, *http.Request) (*http.Request, error) { return replacement, nil }},
		func(_ context.Context, req *http.Request) (http.Response, error) {
			return http.NewHTMLResponse(req.Method(), 200), nil
		},
		[]PostFunc{func(_ context.Context, _ *http.Request, resp http.Response) (http.Response, error) {
			return http.NewJSONResponse(map[string]string{"was": resp.(*http.HTMLResponse).String()}, 201), nil
		}},
	)

	resp, req, err := chain.Execute(context.Background(), newRequest(t, "GET"))
	require.NoError(t, err)
	require.Same(t, replacement, req)
	require.Equal(t, 201, resp.Status(nil))
	require.JSONEq(t, `{"was":"POST"}`, string(resp.Body(nil).Bytes()))
}

// TestChainHalt 测试中间件终止
func TestChainHalt(t *testing.T) {
	tests := []struct {
		name      string
		haltAt    string
		wantOrder []string
	}{
		{"pre", "pre1", []string{"pre1"}},
		{"handler", "handler", []string{"pre1", "pre2", "handler"}},
		{"post", "post1", []string{"pre1", "pre2", "handler", "post1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var order []string
			halt := http.Message(403, "stop")

			step := func(name string) error {
				order = append(order, name)
				if name == tt.haltAt {
					return http.Halt(halt)
				}
				return nil
			}

			chain := NewChain(
				[]PreFunc{
					func(context.Context, *http.Request) (*http.Request, error) { return nil, step("pre1") },
					func(context.Context, *http.Request) (*http.Request, error) { return nil, step("pre2") },
				},
				func(context.Context, *http.Request) (http.Response, error) { return nil, step("handler") },
				[]PostFunc{
					func(context.Context, *http.Request, http.Response) (http.Response, error) { return nil, step("post1") },
					func(context.Context, *http.Request, http.Response) (http.Response, error) { return nil, step("post2") },
				},
			)

			resp, _, err := chain.Execute(context.Background(), newRequest(t, "GET"))
			require.NoError(t, err)
			require.Same(t, halt, resp)
			require.Equal(t, tt.wantOrder, order)
		})
	}
}

func TestChainPanicHalt(t *testing.T) {
	halt := http.Message(401, "login")
	chain := NewChain(nil, func(context.Context, *http.Request) (http.Response, error) {
		panic(http.Halt(halt))
	}, nil)

	resp, _, err := chain.Execute(context.Background(), newRequest(t, "GET"))
	require.NoError(t, err)
	require.Same(t, halt, resp)
}

func TestChainErrors(t *testing.T) {
	boom := errors.New("boom")

	chain := NewChain([]PreFunc{func(context.Context, *http.Request) (*http.Request, error) {
		return nil, boom
	}}, nil, nil)
	_, _, err := chain.Execute(context.Background(), newRequest(t, "GET"))
	require.ErrorIs(t, err, boom)
	stage, ok := StageOf(err)
	require.True(t, ok)
	require.Equal(t, StagePre, stage)

	chain = NewChain(nil, func(context.Context, *http.Request) (http.Response, error) {
		panic("nil map")
	}, nil)
	_, _, err = chain.Execute(context.Background(), newRequest(t, "GET"))
	require.True(t, errors.Is(err, http.ErrInternal))
	stage, _ = StageOf(err)
	require.Equal(t, StageHandler, stage)
}

func TestChainWrapsPlainResult(t *testing.T) {
	chain := NewChain(nil, func(context.Context, *http.Request) (http.Response, error) {
		return nil, nil
	}, nil)

	resp, _, err := chain.Execute(context.Background(), newRequest(t, "GET"))
	require.NoError(t, err)
	require.IsType(t, &http.HTMLResponse{}, resp)
}

func TestChainIgnoresNilPointerFromPost(t *testing.T) {
	chain := NewChain(nil, func(context.Context, *http.Request) (http.Response, error) {
		return http.NewHTMLResponse("kept", 200), nil
	}, []PostFunc{
		func(context.Context, *http.Request, http.Response) (http.Response, error) {
			return (*http.JSONResponse)(nil), nil
		},
	})

	resp, _, err := chain.Execute(context.Background(), newRequest(t, "GET"))
	require.NoError(t, err)
	require.IsType(t, &http.HTMLResponse{}, resp)
	require.Equal(t, "kept", string(resp.Body(nil).Bytes()))
}

func TestChainPreflight(t *testing.T) {
	var order []string
	chain := NewChain(
		[]PreFunc{recordPre(&order, "pre")},
		func(context.Context, *http.Request) (http.Response, error) {
			order = append(order, "handler")
			return http.NewHTMLResponse("body", 200), nil
		},
		[]PostFunc{recordPost(&order, "post")},
	)

	resp, _, err := chain.Preflight(context.Background(), newRequest(t, "OPTIONS"))
	require.NoError(t, err)
	require.Equal(t, []string{"pre", "post"}, order)
	require.Equal(t, 200, resp.Status(nil))
	require.Empty(t, resp.Header(nil).Get("Content-Type"))
	require.Zero(t, resp.Body(nil).Len())
}

func TestCORS(t *testing.T) {
	chain := NewChain(nil, func(context.Context, *http.Request) (http.Response, error) {
		return http.NewHTMLResponse("", 200), nil
	}, []PostFunc{CORS(CORSOptions{})})

	resp, _, err := chain.Execute(context.Background(), newRequest(t, "GET"))
	require.NoError(t, err)
	require.Equal(t, "*", resp.Header(nil).Get("Access-Control-Allow-Origin"))
	require.Equal(t, "Content-Type, Authorization", resp.Header(nil).Get("Access-Control-Allow-Headers"))
}

// TestRateLimiter 测试限流
func TestRateLimiter(t *testing.T) {
	limit := RateLimiter(2)
	req := newRequest(t, "GET")

	for range 2 {
		_, err := limit(context.Background(), req)
		require.NoError(t, err)
	}

	_, err := limit(context.Background(), req)
	resp, ok := http.AsHalt(err)
	require.True(t, ok)
	require.Equal(t, 429, resp.Status(nil))
}

func TestRequestID(t *testing.T) {
	chain := NewChain([]PreFunc{RequestID()}, func(context.Context, *http.Request) (http.Response, error) {
		return http.NewHTMLResponse("", 200), nil
	}, []PostFunc{EchoRequestID()})

	resp, _, err := chain.Execute(context.Background(), newRequest(t, "GET"))
	require.NoError(t, err)
	require.Equal(t, "1", resp.Header(nil).Get(RequestIDHeader))

	req := newRequest(t, "GET")
	req.SetHeader(RequestIDHeader, "given")
	resp, _, err = chain.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "given", resp.Header(nil).Get(RequestIDHeader))
}

func TestLoggerAndMetrics(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	m := observability.New()

	chain := NewChain(nil, func(context.Context, *http.Request) (http.Response, error) {
		return http.NewHTMLResponse("", 202), nil
	}, []PostFunc{Logger(zap.New(core)), Metrics(m, "test")})

	_, _, err := chain.Execute(context.Background(), newRequest(t, "PUT"))
	require.NoError(t, err)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	require.Equal(t, "request handled", entry.Message)
	require.Equal(t, int64(202), entry.ContextMap()["status"])
	require.Equal(t, "PUT", entry.ContextMap()["method"])
}
