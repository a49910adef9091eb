/*
Package rawserve is an HTTP/1.1 server framework built around a routing trie
and an onion of pre and post middlewares.

Features

  - Routes declared as nested maps, compiled into a trie with {param} segments
  - Pre middlewares may rewrite the request, post middlewares the response
  - Lazy body decoding: JSON, urlencoded forms and streaming multipart
  - WebSocket (RFC 6455) with an echo handler and a broadcast hub
  - Static mounts with byte ranges, directory listings and a bounded cache
  - Local directories or S3 buckets as file sources
  - Server-Sent Events over responses of unknown length
  - Prometheus metrics, OpenTelemetry spans and zap logging

Quick Start

	package main

	import (
	    "context"

	    "github.com/searchktools/rawserve/app"
	    "github.com/searchktools/rawserve/config"
	    "github.com/searchktools/rawserve/core/http"
	)

	func main() {
	    cfg, err := config.Load()
	    if err != nil {
	        panic(err)
	    }
	    application := app.New(cfg)

	    engine := application.Engine()
	    engine.GET("hello/{name}", func(ctx context.Context, req *http.Request) (http.Response, error) {
	        return http.NewJSONResponse(map[string]string{"hello": req.Param("name")}, 200), nil
	    })

	    application.Run()
	}

Modules

  - app: fx wiring and lifecycle
  - config: environment configuration and mount files
  - core: connection handling, dispatch and shutdown
  - core/http: requests, bodies, responses and the wire writer
  - core/router: route tables and the lookup trie
  - core/middleware: the pipeline and stock middlewares
  - core/static, core/storage, core/stream: file serving
  - core/websocket, core/sse: long-lived connections
  - core/observability, core/pools: metrics and buffer reuse

The rawserve command (cmd/rawserve) runs a configured server from the shell.
*/
package rawserve
