package middleware

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/searchktools/rawserve/core/http"
	"github.com/searchktools/rawserve/core/observability"
)

// Common middleware implementations

// CORSOptions configure CORS.
type CORSOptions struct {
	AllowOrigin  string
	AllowMethods []string
	AllowHeaders []string
	MaxAge       time.Duration
}

// CORS adds CORS headers to every response. Preflight requests are answered
// by the router, so this only decorates.
func CORS(opts CORSOptions) PostFunc {
	if opts.AllowOrigin == "" {
		opts.AllowOrigin = "*"
	}
	if len(opts.AllowMethods) == 0 {
		opts.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	}
	if len(opts.AllowHeaders) == 0 {
		opts.AllowHeaders = []string{"Content-Type", "Authorization"}
	}
	methods := strings.Join(opts.AllowMethods, ", ")
	headers := strings.Join(opts.AllowHeaders, ", ")

	return func(_ context.Context, req *http.Request, resp http.Response) (http.Response, error) {
		resp.SetHeader("Access-Control-Allow-Origin", opts.AllowOrigin)
		resp.SetHeader("Access-Control-Allow-Methods", methods)
		resp.SetHeader("Access-Control-Allow-Headers", headers)
		if req.Method() == "OPTIONS" && opts.MaxAge > 0 {
			resp.SetHeader("Access-Control-Max-Age", strconv.Itoa(int(opts.MaxAge.Seconds())))
		}
		return nil, nil
	}
}

// RateLimiter allows requestsPerSecond requests per one-second window and
// answers the rest with 429.
func RateLimiter(requestsPerSecond int) PreFunc {
	var (
		tokens     int
		lastRefill time.Time
		mu         sync.Mutex
	)

	tokens = requestsPerSecond
	lastRefill = time.Now()

	return func(context.Context, *http.Request) (*http.Request, error) {
		mu.Lock()

		now := time.Now()
		if now.Sub(lastRefill) > time.Second {
			tokens = requestsPerSecond
			lastRefill = now
		}

		if tokens > 0 {
			tokens--
			mu.Unlock()
			return nil, nil
		}

		mu.Unlock()

		return nil, http.Halt(http.Message(429, "Too Many Requests"))
	}
}

// RequestIDHeader carries the request id.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns a sequential id to requests that do not carry one.
func RequestID() PreFunc {
	var counter atomic.Uint64

	return func(_ context.Context, req *http.Request) (*http.Request, error) {
		if req.Header(RequestIDHeader) == "" {
			req.SetHeader(RequestIDHeader, strconv.FormatUint(counter.Add(1), 10))
		}
		return nil, nil
	}
}

// EchoRequestID copies the request id onto the response.
func EchoRequestID() PostFunc {
	return func(_ context.Context, req *http.Request, resp http.Response) (http.Response, error) {
		if id := req.Header(RequestIDHeader); id != "" {
			resp.SetHeader(RequestIDHeader, id)
		}
		return nil, nil
	}
}

// Logger logs each response produced by the chain.
func Logger(log *zap.Logger) PostFunc {
	return func(_ context.Context, req *http.Request, resp http.Response) (http.Response, error) {
		log.Info("request handled",
			zap.String("method", req.Method()),
			zap.String("path", "/"+req.Path()),
			zap.Int("status", resp.Status(req)),
			zap.String("request_id", req.Header(RequestIDHeader)))
		return nil, nil
	}
}

// Metrics counts responses of the routes it is attached to under route.
func Metrics(m *observability.Metrics, route string) PostFunc {
	return func(_ context.Context, req *http.Request, resp http.Response) (http.Response, error) {
		m.RouteResponse(route, resp.Status(req))
		return nil, nil
	}
}
