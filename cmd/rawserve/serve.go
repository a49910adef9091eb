package main

import (
	"context"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/searchktools/rawserve/app"
	"github.com/searchktools/rawserve/config"
	"github.com/searchktools/rawserve/core"
	"github.com/searchktools/rawserve/core/http"
	"github.com/searchktools/rawserve/core/middleware"
	"github.com/searchktools/rawserve/core/sse"
	"github.com/searchktools/rawserve/core/websocket"
)

type serveOptions struct {
	echo     bool
	chat     bool
	chatSize int
	cors     bool
	events   bool
}

func serveCmd() *cobra.Command {
	var opts serveOptions
	cfg, loadErr := config.Load()
	if cfg == nil {
		cfg = &config.Config{}
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server",
		Example: `  rawserve serve --port 8080 --mount assets=./public
  rawserve serve --mount-file mounts.json --list-dirs
  rawserve serve --s3-bucket media --s3-prefix public/ --ws-echo`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if loadErr != nil {
				return loadErr
			}
			a := app.New(cfg, fx.Invoke(func(e *core.Engine, log *zap.Logger) {
				registerDemo(e, log, opts)
			}))
			if err := a.Err(); err != nil {
				return err
			}
			a.Run()
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Host, "host", cfg.Host, "Listen host")
	f.IntVarP(&cfg.Port, "port", "p", cfg.Port, "Listen port")
	f.StringVar(&cfg.Env, "env", cfg.Env, "Environment (development/production)")
	f.StringSliceVar(&cfg.Mounts, "mount", cfg.Mounts, "Static mount urlPath=directory (repeatable)")
	f.StringVar(&cfg.MountFile, "mount-file", cfg.MountFile, "JSON file with static mounts")
	f.BoolVar(&cfg.ListDirectories, "list-dirs", cfg.ListDirectories, "Render directory listings for flag mounts")
	f.IntVar(&cfg.StaticCacheLimit, "static-cache", cfg.StaticCacheLimit, "Maximum cached static files")
	f.StringVar(&cfg.S3Bucket, "s3-bucket", cfg.S3Bucket, "Serve an S3 bucket")
	f.StringVar(&cfg.S3Prefix, "s3-prefix", cfg.S3Prefix, "Key prefix inside the bucket")
	f.StringVar(&cfg.S3Region, "s3-region", cfg.S3Region, "Bucket region")
	f.StringVar(&cfg.S3URLPath, "s3-path", cfg.S3URLPath, "URL path of the S3 mount")
	f.StringVar(&cfg.MetricsPath, "metrics-path", cfg.MetricsPath, "Route serving metrics; empty disables it")
	f.StringVar(&cfg.GCProfile, "gc-profile", cfg.GCProfile, "GC profile (default/throughput/latency)")
	f.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Per-chunk write timeout")
	f.BoolVar(&opts.echo, "ws-echo", false, "Mount a WebSocket echo endpoint at /ws/echo")
	f.BoolVar(&opts.chat, "ws-chat", false, "Mount a WebSocket chat room at /ws/chat")
	f.IntVar(&opts.chatSize, "ws-chat-size", 1000, "Maximum chat room members")
	f.BoolVar(&opts.cors, "cors", false, "Add permissive CORS headers to every route")
	f.BoolVar(&opts.events, "sse", false, "Mount an event stream at /events; POST to it to publish")

	return cmd
}

// registerDemo mounts the optional demonstration routes.
func registerDemo(e *core.Engine, log *zap.Logger, opts serveOptions) {
	e.Use(middleware.RequestID())
	e.UsePost(middleware.EchoRequestID(), middleware.Logger(log.Named("access")))
	if opts.cors {
		e.UsePost(middleware.CORS(middleware.CORSOptions{}))
	}

	wsOpts := websocket.Options{Logger: log.Named("websocket"), Metrics: e.Metrics()}
	if opts.echo {
		e.GET("ws/echo", websocket.Handler(wsOpts, websocket.Echo))
	}
	if opts.chat {
		hub := websocket.NewHub(opts.chatSize)
		e.GET("ws/chat", websocket.Handler(wsOpts, websocket.Chat(hub)))
		e.GET("ws/chat/stats", func(context.Context, *http.Request) (http.Response, error) {
			return http.NewJSONResponse(hub.Stats(), 200), nil
		})
	}
	if opts.events {
		broker := sse.NewBroker(sse.BrokerOptions{Namespace: "demo", Logger: log.Named("sse")})
		e.GET("events", sse.Handler(broker, sse.HandlerOptions{}))
		e.POST("events", func(_ context.Context, req *http.Request) (http.Response, error) {
			var in struct {
				Event string `json:"event"`
				Data  string `json:"data"`
				To    string `json:"to"`
			}
			if err := req.BindJSON(&in); err != nil {
				return nil, err
			}
			if in.To == "" {
				broker.Publish(in.Event, in.Data)
			} else if err := broker.PublishTo(in.To, in.Event, in.Data); err != nil {
				return http.Message(404, err.Error()), nil
			}
			return http.NewJSONResponse(broker.Stats(), 202), nil
		})
	}
}
