// Package app wires configuration, logging, metrics and the engine into an
// fx application.
package app

import (
	"context"
	"net"

	"github.com/cockroachdb/errors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/searchktools/rawserve/config"
	"github.com/searchktools/rawserve/core"
	"github.com/searchktools/rawserve/core/observability"
	"github.com/searchktools/rawserve/core/pools"
	"github.com/searchktools/rawserve/core/static"
	"github.com/searchktools/rawserve/core/storage"
)

// App is the application instance
type App struct {
	fx     *fx.App
	engine *core.Engine
	server *server
}

// New creates an application for cfg. Extra options typically register
// routes:
//
//	app.New(cfg, fx.Invoke(func(e *core.Engine) {
//	    e.GET("hello", hello)
//	}))
func New(cfg *config.Config, opts ...fx.Option) *App {
	a := &App{}
	a.fx = fx.New(
		fx.Supply(cfg),
		fx.Provide(NewLogger),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Provide(NewMetrics),
		fx.Provide(NewEngine),
		fx.Provide(newServer),
		fx.Invoke(registerOps),
		fx.Invoke(startServerHook),
		fx.Populate(&a.engine, &a.server),
		fx.Options(opts...),
	)
	return a
}

// Err reports a construction error
func (a *App) Err() error { return a.fx.Err() }

// Engine returns the underlying engine for route registration
func (a *App) Engine() *core.Engine { return a.engine }

// Addr returns the listening address once started
func (a *App) Addr() net.Addr {
	if a.server == nil || a.server.ln == nil {
		return nil
	}
	return a.server.ln.Addr()
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() { a.fx.Run() }

// Start starts the application
func (a *App) Start(ctx context.Context) error { return a.fx.Start(ctx) }

// Stop shuts the application down
func (a *App) Stop(ctx context.Context) error { return a.fx.Stop(ctx) }

// NewLogger creates a zap logger from the configuration: JSON in
// production, console output in development.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development() {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

// NewMetrics creates the collectors
func NewMetrics() *observability.Metrics {
	return observability.New()
}

// NewEngine creates the engine with its static mounts, including the S3
// mount when a bucket is configured.
func NewEngine(cfg *config.Config, log *zap.Logger, metrics *observability.Metrics) (*core.Engine, error) {
	e := core.NewEngine(
		core.WithLogger(log),
		core.WithMetrics(metrics),
		core.WithLimits(cfg.Limits()),
		core.WithFileOptions(cfg.FileOptions()),
		core.WithMaxConnections(cfg.MaxConnections),
		core.WithTimeouts(cfg.ReadTimeout, cfg.WriteTimeout, cfg.IdleTimeout),
		core.WithStaticCacheLimit(cfg.StaticCacheLimit),
	)

	mounts, err := cfg.StaticMounts()
	if err != nil {
		return nil, errors.Wrap(err, "static mounts")
	}
	if cfg.S3Bucket != "" {
		src, err := storage.NewS3SourceFromEnv(context.Background(), cfg.S3Region, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, static.Mount{
			URLPath:            cfg.S3URLPath,
			ShowWholeDirectory: cfg.ListDirectories,
			Source:             src,
		})
	}
	e.Static(mounts...)

	return e, nil
}

// server owns the listener of a running engine.
type server struct {
	cfg    *config.Config
	engine *core.Engine
	log    *zap.Logger
	ln     net.Listener
	done   chan struct{}
}

func newServer(cfg *config.Config, engine *core.Engine, log *zap.Logger) *server {
	return &server{cfg: cfg, engine: engine, log: log}
}

// startServerHook registers lifecycle hooks for the engine.
func startServerHook(lc fx.Lifecycle, s *server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			gc, err := pools.ProfileConfig(s.cfg.GCProfile)
			if err != nil {
				return err
			}
			pools.ApplyGCConfig(gc)

			if _, err := s.engine.Build(); err != nil {
				return errors.Wrap(err, "build routes")
			}

			var lc net.ListenConfig
			ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr())
			if err != nil {
				return errors.Wrapf(err, "listen on %s", s.cfg.Addr())
			}
			s.ln = ln
			s.done = make(chan struct{})

			s.log.Info("starting server", zap.Stringer("addr", ln.Addr()), zap.String("gc_profile", s.cfg.GCProfile))
			go func() {
				defer close(s.done)
				if err := s.engine.Serve(context.Background(), ln); err != nil && !errors.Is(err, core.ErrServerClosed) {
					s.log.Error("server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.log.Info("stopping server")
			err := s.engine.Shutdown(ctx)
			if s.done != nil {
				<-s.done
			}
			return err
		},
	})
}
