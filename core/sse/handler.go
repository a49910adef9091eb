package sse

import (
	"context"
	"iter"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/searchktools/rawserve/core/http"
	"github.com/searchktools/rawserve/core/middleware"
)

// HandlerOptions configure Handler
type HandlerOptions struct {
	// Keepalive is the interval of comment lines sent on an idle stream.
	Keepalive time.Duration
	// ClientID names the subscriber; by default a "client_id" query
	// parameter, or a generated number.
	ClientID func(req *http.Request) string
}

// Headers are sent with every event stream
func Headers() http.Header {
	return http.Header{
		"Content-Type":      {"text/event-stream"},
		"Cache-Control":     {"no-cache"},
		"X-Accel-Buffering": {"no"},
	}
}

// Handler subscribes each request to b and streams its events until the
// client goes away. A full broker answers 503.
func Handler(b *Broker, opts HandlerOptions) middleware.HandlerFunc {
	if opts.Keepalive <= 0 {
		opts.Keepalive = 30 * time.Second
	}
	var generated atomic.Uint64
	if opts.ClientID == nil {
		opts.ClientID = func(req *http.Request) string {
			if id := req.QueryParam("client_id"); id != "" {
				return id
			}
			return "client-" + strconv.FormatUint(generated.Add(1), 10)
		}
	}

	return func(ctx context.Context, req *http.Request) (http.Response, error) {
		if req.Method() == "HEAD" {
			return http.NewRawResponse(nil, 200, Headers()), nil
		}

		client, err := b.Subscribe(opts.ClientID(req))
		if err != nil {
			return nil, http.Halt(http.Message(503, "Too many event streams"))
		}
		// The connection ends with the stream; drop the subscription even
		// if the body is never written.
		context.AfterFunc(ctx, func() { b.Unsubscribe(client) })

		return http.NewStreamResponse(200, Headers(), stream(ctx, b, client, opts.Keepalive)), nil
	}
}

func stream(ctx context.Context, b *Broker, client *Client, keepalive time.Duration) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		defer b.Unsubscribe(client)

		hello := Event{Event: "connected", Data: "client_id:" + client.ID}
		if !yield(hello.Format(), nil) {
			return
		}

		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()

		for {
			select {
			case ev, ok := <-client.Events():
				if !ok {
					return
				}
				if !yield(ev.Format(), nil) {
					return
				}
			case <-ticker.C:
				if !yield([]byte(": keepalive\n\n"), nil) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
