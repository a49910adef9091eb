package websocket

import (
	"context"

	"github.com/searchktools/rawserve/core/http"
	"github.com/searchktools/rawserve/core/middleware"
)

type EventType string

const (
	EventMessage EventType = "message"
	EventEnd     EventType = "end"
	EventError   EventType = "error"
)

func (e EventType) String() string { return string(e) }

// SetupFunc wires listeners onto a freshly upgraded session.
type SetupFunc func(ctx context.Context, req *http.Request, s *Session)

// Handler returns a route handler that upgrades the request and passes the
// session to setup. The engine serves the session after the chain ends.
func Handler(opts Options, setup SetupFunc) middleware.HandlerFunc {
	return func(ctx context.Context, req *http.Request) (http.Response, error) {
		s, err := Upgrade(req, opts)
		if err != nil {
			return nil, err
		}
		if setup != nil {
			setup(ctx, req, s)
		}
		return http.EmptyResponse(), nil
	}
}

// Echo sends every message back to its sender with the same opcode.
func Echo(_ context.Context, _ *http.Request, s *Session) {
	s.OnMessage(func(m Message) {
		_ = s.Write(m.OpCode, m.Payload)
	})
}
