package middleware

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/samber/lo"

	"github.com/searchktools/rawserve/core/http"
)

// HandlerFunc is a terminal route handler.
type HandlerFunc func(ctx context.Context, req *http.Request) (http.Response, error)

// PreFunc runs before the handler. A non-nil request replaces the current
// one; nil keeps it.
type PreFunc func(ctx context.Context, req *http.Request) (*http.Request, error)

// PostFunc runs after the handler. A non-nil response replaces the current
// one; nil keeps it.
type PostFunc func(ctx context.Context, req *http.Request, resp http.Response) (http.Response, error)

// Stage names the part of a chain that failed.
type Stage int

const (
	StagePre Stage = iota
	StageHandler
	StagePost
)

func (s Stage) String() string {
	switch s {
	case StagePre:
		return "pre"
	case StageHandler:
		return "handler"
	case StagePost:
		return "post"
	default:
		return "unknown"
	}
}

// StageError records where in the chain an error surfaced.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return e.Stage.String() + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the stage an error from Execute came from.
func StageOf(err error) (Stage, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, true
	}
	return 0, false
}

// Chain is a handler with its composed middlewares: Pre in execution order
// (outermost first) and Post in execution order (innermost first). It is
// immutable once built.
type Chain struct {
	Pre     []PreFunc
	Handler HandlerFunc
	Post    []PostFunc
}

// NewChain returns a chain with private copies of pre and post.
func NewChain(pre []PreFunc, handler HandlerFunc, post []PostFunc) *Chain {
	return &Chain{
		Pre:     append([]PreFunc(nil), pre...),
		Handler: handler,
		Post:    append([]PostFunc(nil), post...),
	}
}

// Execute runs the pre-middlewares, the handler and the post-middlewares.
// It returns the final response and the request as replaced by the
// pre-middlewares. A http.Halt from any stage ends the chain at once and its
// response is returned without error. Other errors and panics come back as
// *StageError.
func (c *Chain) Execute(ctx context.Context, req *http.Request) (http.Response, *http.Request, error) {
	return c.run(ctx, req, c.Handler)
}

// Preflight runs the chain around an empty 200 response instead of the
// handler. It answers OPTIONS requests for routes without an explicit
// OPTIONS entry.
func (c *Chain) Preflight(ctx context.Context, req *http.Request) (http.Response, *http.Request, error) {
	return c.run(ctx, req, func(context.Context, *http.Request) (http.Response, error) {
		return http.EmptyResponse(), nil
	})
}

func (c *Chain) run(ctx context.Context, req *http.Request, handler HandlerFunc) (http.Response, *http.Request, error) {
	for _, pre := range c.Pre {
		next, err := guard(StagePre, func() (*http.Request, error) { return pre(ctx, req) })
		if err != nil {
			return halted(err, req)
		}
		if next != nil {
			req = next
		}
	}

	if handler == nil {
		return nil, req, &StageError{Stage: StageHandler, Err: errors.Mark(errors.New("route has no handler"), http.ErrInternal)}
	}
	resp, err := guard(StageHandler, func() (http.Response, error) { return handler(ctx, req) })
	if err != nil {
		return halted(err, req)
	}
	resp = http.Wrap(resp)

	for _, post := range c.Post {
		next, err := guard(StagePost, func() (http.Response, error) { return post(ctx, req, resp) })
		if err != nil {
			return halted(err, req)
		}
		if !lo.IsNil(next) {
			resp = next
		}
	}

	return resp, req, nil
}

// halted turns a HaltError into its response.
func halted(err error, req *http.Request) (http.Response, *http.Request, error) {
	if resp, ok := http.AsHalt(err); ok {
		return resp, req, nil
	}
	return nil, req, err
}

// guard runs fn, converting a panic into an internal error and tagging any
// error with stage.
func guard[T any](stage Stage, fn func() (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			if rerr, ok := r.(error); ok {
				if resp, halt := http.AsHalt(rerr); halt {
					err = http.Halt(resp)
					return
				}
			}
			err = &StageError{
				Stage: stage,
				Err:   errors.Mark(errors.Newf("panic: %v", r), http.ErrInternal),
			}
		}
	}()

	out, err = fn()
	if err != nil {
		if _, halt := http.AsHalt(err); halt {
			return out, err
		}
		return out, &StageError{Stage: stage, Err: err}
	}
	return out, nil
}
