package http

import (
	"github.com/cockroachdb/errors"
)

// Error classes. Concrete errors are marked with one of these and checked
// with errors.Is.
var (
	ErrClientInput = errors.New("client input error")
	ErrNotFound    = errors.New("not found")
	ErrProtocol    = errors.New("protocol error")
	ErrTransport   = errors.New("transport error")
	ErrInternal    = errors.New("internal error")
)

// Client input failures raised by the body decoder. They are returned
// marked ErrClientInput.
var (
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrBadBoundary     = errors.New("invalid multipart boundary")
	ErrMalformedJSON   = errors.New("malformed JSON body")
	ErrMalformedTarget = errors.New("malformed request target")
)

// ClientInput marks err as a client input error.
func ClientInput(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrClientInput)
}

// NotFound marks err as a not-found error.
func NotFound(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrNotFound)
}

// Transport marks err as a transport error.
func Transport(err error, msg string) error {
	return errors.Mark(errors.Wrap(err, msg), ErrTransport)
}

// HaltError carries a Response that ends dispatch immediately. It is how a
// pre-middleware, handler or post-middleware answers early; it is not a
// failure.
type HaltError struct {
	Response Response
}

func (e *HaltError) Error() string {
	return "dispatch halted with a response"
}

// Halt returns an error that makes the pipeline stop and send resp.
func Halt(resp Response) error {
	return &HaltError{Response: resp}
}

// AsHalt extracts the response carried by a HaltError anywhere in err's chain.
func AsHalt(err error) (Response, bool) {
	var h *HaltError
	if errors.As(err, &h) && h.Response != nil {
		return h.Response, true
	}
	return nil, false
}
