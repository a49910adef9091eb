package core

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/searchktools/rawserve/core/http"
	"github.com/searchktools/rawserve/core/middleware"
	"github.com/searchktools/rawserve/core/observability"
	"github.com/searchktools/rawserve/core/pools"
	"github.com/searchktools/rawserve/core/router"
	"github.com/searchktools/rawserve/core/static"
)

// ErrorHook may replace the default response for a failed request. A nil
// return keeps the default.
type ErrorHook func(ctx context.Context, req *http.Request, err error) http.Response

// Options configure an Engine.
type Options struct {
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Tracer  trace.Tracer

	Limits         http.Limits
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration

	// File is the template for cached static responses.
	File             http.FileOptions
	StaticCacheLimit int
}

// Option configures an Engine
type Option func(*Options)

func WithLogger(log *zap.Logger) Option {
	return func(o *Options) { o.Logger = log }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Options) { o.Tracer = t }
}

func WithLimits(l http.Limits) Option {
	return func(o *Options) { o.Limits = l }
}

// WithMaxConnections caps concurrently served connections; 0 means no cap.
func WithMaxConnections(n int) Option {
	return func(o *Options) { o.MaxConnections = n }
}

// WithTimeouts sets the read (first request head), write (per chunk) and
// idle (between keep-alive requests) timeouts.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(o *Options) {
		o.ReadTimeout = read
		o.WriteTimeout = write
		o.IdleTimeout = idle
	}
}

func WithFileOptions(f http.FileOptions) Option {
	return func(o *Options) { o.File = f }
}

func WithStaticCacheLimit(n int) Option {
	return func(o *Options) { o.StaticCacheLimit = n }
}

// connState tracks whether a connection is waiting for its next request.
type connState struct {
	idle atomic.Bool
}

// Engine serves HTTP/1.1 connections: it reads requests, dispatches them to
// static mounts or the route table, and writes the responses back.
type Engine struct {
	opts    Options
	log     *zap.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	mu       sync.Mutex
	routes   router.Routes
	table    *router.Table
	dirty    bool
	static   *static.Server
	cache    *static.Cache
	notFound middleware.HandlerFunc
	onError  ErrorHook

	bytePool *pools.BytePool
	connPool *pools.ConnectionPool

	trackMu   sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]*connState
	wg        sync.WaitGroup

	inShutdown atomic.Bool
	baseCtx    context.Context
	cancel     context.CancelFunc
}

// NewEngine creates an engine with no routes
func NewEngine(opts ...Option) *Engine {
	o := Options{
		Limits:         http.DefaultLimits(),
		MaxConnections: DefaultMaxConnections,
		ReadTimeout:    DefaultReadTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		IdleTimeout:    DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = observability.New()
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer("github.com/searchktools/rawserve")
	}

	e := &Engine{
		opts:      o,
		log:       o.Logger.Named("engine"),
		metrics:   o.Metrics,
		tracer:    o.Tracer,
		routes:    router.Routes{},
		dirty:     true,
		bytePool:  pools.NewBytePool(),
		connPool:  pools.NewConnectionPool(4<<10, 32<<10),
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]*connState),
	}
	e.baseCtx, e.cancel = context.WithCancel(context.Background())

	if e.opts.File.Pool == nil {
		e.opts.File.Pool = e.bytePool
	}
	e.cache = static.NewCache(static.CacheOptions{
		Limit:   o.StaticCacheLimit,
		File:    e.opts.File,
		Metrics: o.Metrics,
		Logger:  o.Logger.Named("static"),
	})
	e.static = static.NewServer(e.cache, o.Logger.Named("static"))

	return e
}

// Mount merges routes into the route table. The table is rebuilt on the
// next request or Build call.
func (e *Engine) Mount(routes router.Routes) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routes.Merge(routes)
	e.dirty = true
}

// Handle registers h for method and path
func (e *Engine) Handle(method, path string, h middleware.HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.routes.Handle(method, path, h)
	e.dirty = true
}

func (e *Engine) GET(path string, h middleware.HandlerFunc)     { e.Handle("GET", path, h) }
func (e *Engine) POST(path string, h middleware.HandlerFunc)    { e.Handle("POST", path, h) }
func (e *Engine) PUT(path string, h middleware.HandlerFunc)     { e.Handle("PUT", path, h) }
func (e *Engine) PATCH(path string, h middleware.HandlerFunc)   { e.Handle("PATCH", path, h) }
func (e *Engine) DELETE(path string, h middleware.HandlerFunc)  { e.Handle("DELETE", path, h) }
func (e *Engine) HEAD(path string, h middleware.HandlerFunc)    { e.Handle("HEAD", path, h) }
func (e *Engine) OPTIONS(path string, h middleware.HandlerFunc) { e.Handle("OPTIONS", path, h) }

// Use adds pre-middlewares that run for every route
func (e *Engine) Use(pre ...middleware.PreFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, _ := e.routes[router.PreMiddlewaresKey].([]middleware.PreFunc)
	e.routes[router.PreMiddlewaresKey] = append(current, pre...)
	e.dirty = true
}

// UsePost adds post-middlewares that run for every route. They run after
// the route's own post-middlewares.
func (e *Engine) UsePost(post ...middleware.PostFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current, _ := e.routes[router.PostMiddlewaresKey].([]middleware.PostFunc)
	e.routes[router.PostMiddlewaresKey] = append(current, post...)
	e.dirty = true
}

// Static adds static mounts. Mounts are consulted before the routes.
func (e *Engine) Static(mounts ...static.Mount) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.static = static.NewServer(e.cache, e.opts.Logger.Named("static"), slices.Concat(e.static.Mounts(), mounts)...)
}

// NotFound sets the hook answering unknown routes and missing static files.
func (e *Engine) NotFound(h middleware.HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notFound = h
}

// OnError sets the hook consulted before the default error responses.
func (e *Engine) OnError(h ErrorHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onError = h
}

// InvalidateStatic drops the cached response for a file path. An empty
// path clears the whole cache.
func (e *Engine) InvalidateStatic(path string) {
	if path == "" {
		e.cache.Clear()
		return
	}
	e.cache.Invalidate(path)
}

// Metrics returns the engine's collectors
func (e *Engine) Metrics() *observability.Metrics { return e.metrics }

// Logger returns the engine's logger
func (e *Engine) Logger() *zap.Logger { return e.log }

// Build compiles the route table if routes changed since the last build.
func (e *Engine) Build() (*router.Table, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.dirty {
		return e.table, nil
	}
	table, err := router.Build(e.routes)
	if err != nil {
		return nil, err
	}
	e.table = table
	e.dirty = false
	return table, nil
}

func (e *Engine) snapshot() (*static.Server, middleware.HandlerFunc, ErrorHook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.static, e.notFound, e.onError
}

// ListenAndServe listens on the TCP address addr and serves it
func (e *Engine) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	return e.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done or Shutdown is called.
// Routes are compiled first; a route table error is returned before
// accepting anything.
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	if _, err := e.Build(); err != nil {
		_ = ln.Close()
		return errors.Wrap(err, "build routes")
	}
	if e.opts.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, e.opts.MaxConnections)
	}
	if !e.trackListener(ln, true) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer e.trackListener(ln, false)

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	e.log.Info("serving", zap.Stringer("addr", ln.Addr()))

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if e.inShutdown.Load() {
				return ErrServerClosed
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				e.log.Warn("accept failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
				time.Sleep(backoff)
				continue
			}
			return errors.Wrap(err, "accept")
		}
		backoff = 0

		if err := tuneConn(conn); err != nil {
			e.log.Debug("tune socket", zap.Error(err))
		}

		go func() {
			if err := e.ServeConn(ctx, conn); err != nil && !errors.Is(err, ErrServerClosed) {
				e.log.Debug("connection ended", zap.Error(err))
			}
		}()
	}
}

// ServeConn serves requests on conn until the peer closes it, a request
// asks to close, ctx is done, or the connection is hijacked. conn is closed
// on return unless it was hijacked.
func (e *Engine) ServeConn(ctx context.Context, conn net.Conn) error {
	st := &connState{}
	if !e.trackConn(conn, st, true) {
		_ = conn.Close()
		return ErrServerClosed
	}
	defer e.trackConn(conn, st, false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopShutdown := context.AfterFunc(e.baseCtx, cancel)
	defer stopShutdown()

	e.metrics.ConnOpened()
	defer e.metrics.ConnClosed()

	// Unblock a connection waiting for its next request once ctx is done.
	stopUnblock := context.AfterFunc(ctx, func() {
		if st.idle.Load() {
			_ = conn.SetReadDeadline(aLongTimeAgo)
		}
	})
	defer stopUnblock()

	bufs := e.connPool.Get(conn)
	hijacked := false
	defer func() {
		if !hijacked {
			e.connPool.Put(bufs)
			_ = conn.Close()
		}
	}()

	for first := true; ; first = false {
		timeout := e.opts.IdleTimeout
		if first {
			timeout = e.opts.ReadTimeout
		}
		if timeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
		}

		st.idle.Store(true)
		if ctx.Err() != nil {
			return nil
		}
		req, err := http.ReadRequest(ctx, conn, bufs.Reader)
		st.idle.Store(false)
		if err != nil {
			return e.readFailed(conn, bufs, err)
		}
		_ = conn.SetReadDeadline(time.Time{})
		req.SetLimits(e.opts.Limits)

		final, keep, err := e.handle(ctx, conn, bufs, req)
		if final.Hijacked() {
			hijacked = true
			if p := final.Promoted(); p != nil {
				if err := e.promote(ctx, p); err != nil {
					e.log.Debug("promoted connection ended", zap.Error(err))
				}
			}
			return nil
		}
		if err != nil {
			return err
		}
		if !keep {
			return nil
		}
		if err := req.Discard(); err != nil {
			return http.Transport(err, "drain request body")
		}
	}
}

// promote hands the connection to p, turning a panic into an error so the
// caller still closes the connection.
func (e *Engine) promote(ctx context.Context, p http.Promoted) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic in promoted connection", zap.Any("panic", r), zap.Stack("stack"))
			err = errors.Mark(errors.Newf("panic: %v", r), http.ErrInternal)
		}
	}()
	return p.Serve(ctx)
}

// readFailed ends a connection whose next request could not be read.
// Malformed heads get a 400 before the connection closes.
func (e *Engine) readFailed(conn net.Conn, bufs *pools.ConnBuffers, err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, os.ErrDeadlineExceeded):
		return nil
	case errors.Is(err, http.ErrClientInput):
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		e.log.Debug("malformed request", zap.Error(err))
		rendered, ferr := http.Finalize(context.Background(), nil, http.Message(400, MessageInvalidData))
		if ferr == nil {
			_, _ = http.WriteResponse(bufs.Writer, rendered, http.WriteOptions{
				Timeout: e.opts.WriteTimeout,
				Conn:    conn,
			})
		}
		e.metrics.ObserveRequest("UNKNOWN", 400, 0)
		return nil
	}
	return http.Transport(err, "read request")
}

// handle runs one request and writes its response. It returns the request
// as left by the pre-middlewares and whether the connection can be reused.
func (e *Engine) handle(ctx context.Context, conn net.Conn, bufs *pools.ConnBuffers, req *http.Request) (*http.Request, bool, error) {
	start := time.Now()
	ctx, span := e.tracer.Start(ctx, req.Method(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method()),
			attribute.String("url.path", "/"+req.Path()),
			attribute.String("client.address", req.RemoteAddr()),
		))
	defer span.End()
	req.WithContext(ctx)

	resp, final := e.dispatch(ctx, req)
	if final.Hijacked() {
		span.SetAttributes(attribute.Int("http.response.status_code", 101))
		e.metrics.ObserveRequest(req.Method(), 101, time.Since(start))
		return final, false, nil
	}

	rendered, err := http.Finalize(ctx, final, resp)
	if err != nil {
		e.log.Error("finalize response", zap.Error(err), zap.String("path", "/"+req.Path()))
		span.RecordError(err)
		rendered, _ = http.Finalize(ctx, final, http.Message(500, MessageFailure))
	}

	// A body of unknown length is delimited by closing the connection.
	keep := final.KeepAlive() && ctx.Err() == nil && rendered.Body.Len() >= 0
	werr := e.write(bufs, rendered, http.WriteOptions{
		Method:    req.Method(),
		KeepAlive: keep,
		Timeout:   e.opts.WriteTimeout,
		Conn:      conn,
	})

	span.SetAttributes(attribute.Int("http.response.status_code", rendered.Status))
	if rendered.Status >= 500 {
		span.SetStatus(codes.Error, "server error")
	}
	e.metrics.ObserveRequest(req.Method(), rendered.Status, time.Since(start))

	if werr != nil {
		span.RecordError(werr)
		return final, false, werr
	}
	return final, keep, nil
}

// write sends rendered. A body that panics while producing chunks ends the
// connection with an internal error; the head may already be on the wire.
func (e *Engine) write(bufs *pools.ConnBuffers, rendered http.Rendered, opts http.WriteOptions) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic while writing response", zap.Any("panic", r), zap.Stack("stack"))
			err = errors.Mark(errors.Newf("panic: %v", r), http.ErrInternal)
		}
	}()
	_, err = http.WriteResponse(bufs.Writer, rendered, opts)
	return err
}

// dispatch produces the response for req: static mounts first, then the
// route table. It never returns a nil response for an unhijacked request.
func (e *Engine) dispatch(ctx context.Context, req *http.Request) (resp http.Response, final *http.Request) {
	final = req
	srv, notFound, onError := e.snapshot()

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic while dispatching", zap.Any("panic", r), zap.Stack("stack"))
			err := &middleware.StageError{
				Stage: middleware.StageHandler,
				Err:   errors.Mark(errors.Newf("panic: %v", r), http.ErrInternal),
			}
			resp = e.failure(ctx, final, err, onError)
		}
	}()

	if _, _, ok := srv.Match(req); ok {
		r, err := srv.Serve(ctx, req)
		switch {
		case err == nil:
			return r, req
		case errors.Is(err, http.ErrNotFound):
			return e.missing(ctx, req, MessageFileNotFound, notFound, onError), req
		default:
			return e.failure(ctx, req, err, onError), req
		}
	}

	table, err := e.Build()
	if err != nil {
		return e.failure(ctx, req, err, onError), req
	}
	m, ok := table.Lookup(req.Method(), req.Path(), req.Header("access-control-request-method"))
	if !ok {
		msg := fmt.Sprintf("Route %s %q not found", req.Method(), "/"+req.Path())
		return e.missing(ctx, req, msg, notFound, onError), req
	}

	trace.SpanFromContext(ctx).SetName(req.Method() + " " + m.Pattern)
	req.SetParams(m.Params)
	r, next, err := m.Run(ctx, req)
	if next != nil {
		final = next
	}
	if err != nil {
		return e.failure(ctx, final, err, onError), final
	}
	return r, final
}

// missing answers a request nothing could serve.
func (e *Engine) missing(ctx context.Context, req *http.Request, msg string, hook middleware.HandlerFunc, onError ErrorHook) http.Response {
	if hook != nil {
		resp, err := hook(ctx, req)
		if err != nil {
			return e.failure(ctx, req, err, onError)
		}
		if resp != nil {
			return http.Wrap(resp)
		}
	}
	return http.Message(404, msg)
}

// failure maps err to a response. Halts carry their own response; the
// error hook is asked next; then client input errors become 400 (413 when
// oversized), errors raised by pre-middlewares become 400 and everything
// else becomes 500.
func (e *Engine) failure(ctx context.Context, req *http.Request, err error, onError ErrorHook) http.Response {
	if resp, ok := http.AsHalt(err); ok {
		return resp
	}
	if onError != nil {
		if resp := e.callErrorHook(ctx, req, err, onError); resp != nil {
			return resp
		}
	}

	switch {
	case errors.Is(err, http.ErrPayloadTooLarge):
		return http.Message(413, MessagePayloadTooLarge)
	case errors.Is(err, http.ErrClientInput):
		return http.Message(400, MessageInvalidData)
	}
	if stage, ok := middleware.StageOf(err); ok && stage == middleware.StagePre {
		e.log.Debug("pre-middleware failed", zap.Error(err))
		return http.Message(400, MessageInvalidData)
	}

	e.log.Error("request failed",
		zap.Error(err),
		zap.String("method", req.Method()),
		zap.String("path", "/"+req.Path()))
	return http.Message(500, MessageFailure)
}

func (e *Engine) callErrorHook(ctx context.Context, req *http.Request, err error, hook ErrorHook) (resp http.Response) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic in error hook", zap.Any("panic", r))
			resp = nil
		}
	}()
	return hook(ctx, req, err)
}

// Shutdown stops accepting connections, closes idle ones and waits for
// active ones to finish. When ctx ends first the remaining connections are
// closed and ctx's error is returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.trackMu.Lock()
	e.inShutdown.Store(true)
	for ln := range e.listeners {
		_ = ln.Close()
	}
	e.trackMu.Unlock()

	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.log.Info("shutdown complete")
		return nil
	case <-ctx.Done():
		e.trackMu.Lock()
		for conn := range e.conns {
			_ = conn.Close()
		}
		e.trackMu.Unlock()
		return ctx.Err()
	}
}

func (e *Engine) trackListener(ln net.Listener, add bool) bool {
	e.trackMu.Lock()
	defer e.trackMu.Unlock()
	if add {
		if e.inShutdown.Load() {
			return false
		}
		e.listeners[ln] = struct{}{}
		return true
	}
	delete(e.listeners, ln)
	return true
}

// trackConn registers conn with the shutdown wait group. Registration
// fails once Shutdown has started.
func (e *Engine) trackConn(conn net.Conn, st *connState, add bool) bool {
	e.trackMu.Lock()
	defer e.trackMu.Unlock()
	if add {
		if e.inShutdown.Load() {
			return false
		}
		e.conns[conn] = st
		e.wg.Add(1)
		return true
	}
	delete(e.conns, conn)
	e.wg.Done()
	return true
}

// idleConns counts connections waiting for their next request.
func (e *Engine) idleConns() (open, idle int) {
	e.trackMu.Lock()
	defer e.trackMu.Unlock()
	for _, st := range e.conns {
		if st.idle.Load() {
			idle++
		}
	}
	return len(e.conns), idle
}
