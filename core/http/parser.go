package http

import (
	"bufio"
	"context"
	"io"
	"net"
	nethttp "net/http"
	"strings"

	"github.com/cockroachdb/errors"
)

// ReadRequest reads one request from br. Header framing is left to
// net/http; the result is converted into a Request bound to conn so it can
// be hijacked. The body reader is limited to the declared length and must be
// drained (see Request.Discard) before the next request is read.
func ReadRequest(ctx context.Context, conn net.Conn, br *bufio.Reader) (*Request, error) {
	hr, err := nethttp.ReadRequest(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, ClientInput(err, "read request head")
	}

	target := hr.URL.RequestURI()
	if !strings.HasPrefix(target, "/") {
		target = "/" + strings.TrimPrefix(target, "*")
	}

	req, err := NewRequest(hr.Method, target, hr.Body)
	if err != nil {
		return nil, err
	}
	req.ctx = ctx
	req.proto = hr.Proto
	req.closeAfter = hr.Close

	for key, values := range hr.Header {
		req.headers[strings.ToLower(key)] = strings.Join(values, ", ")
	}
	if hr.Host != "" {
		req.headers["host"] = hr.Host
	}
	req.attachConn(conn, br)

	return req, nil
}

// KeepAlive reports whether the connection may carry another request after
// this one.
func (r *Request) KeepAlive() bool {
	if r.closeAfter || r.hijacked {
		return false
	}
	conn := strings.ToLower(r.Header("connection"))
	if strings.Contains(conn, "close") {
		return false
	}
	if r.proto == "HTTP/1.0" {
		return strings.Contains(conn, "keep-alive")
	}
	return true
}

// Discard drains whatever the handler left unread so the next request on
// the connection starts at a message boundary.
func (r *Request) Discard() error {
	if r.body == nil {
		return nil
	}
	_, err := io.Copy(io.Discard, r.body)
	if c, ok := r.body.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
