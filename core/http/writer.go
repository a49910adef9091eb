package http

import (
	"bufio"
	"io"
	"net"
	nethttp "net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
)

// WriteOptions control how a rendered response goes on the wire.
type WriteOptions struct {
	// Method of the request; HEAD responses carry headers only.
	Method string
	// KeepAlive false adds "Connection: close".
	KeepAlive bool
	// Timeout is applied as a write deadline before every flush, when the
	// writer (or Conn) supports deadlines.
	Timeout time.Duration
	// Conn receives the deadlines when w is a buffer in front of it.
	Conn net.Conn
}

type deadliner interface {
	SetWriteDeadline(t time.Time) error
}

// WriteResponse writes r to w as an HTTP/1.1 message and returns the
// number of body bytes sent. A *bufio.Writer is used as is. A failing chunk
// producer aborts the write; the caller must then drop the connection since
// the message is incomplete.
func WriteResponse(w io.Writer, r Rendered, opts WriteOptions) (int64, error) {
	header := r.Header.Clone()
	if header == nil {
		header = make(Header)
	}

	withBody := bodyAllowed(r.Status) && opts.Method != "HEAD"
	if bodyAllowed(r.Status) && header.Get("Content-Length") == "" && r.Body.Len() >= 0 {
		header.Set("Content-Length", strconv.FormatInt(r.Body.Len(), 10))
	}
	if header.Get("Date") == "" {
		header.Set("Date", time.Now().UTC().Format(nethttp.TimeFormat))
	}
	if !opts.KeepAlive {
		header.Set("Connection", "close")
	}

	var dw deadliner = opts.Conn
	if opts.Conn == nil {
		dw, _ = w.(deadliner)
	}
	arm := func() {
		if dw != nil && opts.Timeout > 0 {
			_ = dw.SetWriteDeadline(time.Now().Add(opts.Timeout))
		}
	}

	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriterSize(w, 32*1024)
	}
	arm()

	line := make([]byte, 0, 64)
	line = append(line, "HTTP/1.1 "...)
	line = appendInt(line, r.Status)
	line = append(line, ' ')
	line = append(line, statusText(r.Status)...)
	line = append(line, "\r\n"...)
	if _, err := bw.Write(line); err != nil {
		return 0, Transport(err, "write status line")
	}
	if err := header.Write(bw); err != nil {
		return 0, Transport(err, "write headers")
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return 0, Transport(err, "write headers")
	}

	var sent int64
	if withBody {
		if !r.Body.Streamed() {
			n, err := bw.Write(r.Body.Bytes())
			sent += int64(n)
			if err != nil {
				return sent, Transport(err, "write body")
			}
		} else {
			for chunk, err := range r.Body.Chunks() {
				if err != nil {
					return sent, errors.Wrap(err, "produce body chunk")
				}
				arm()
				n, err := bw.Write(chunk)
				sent += int64(n)
				if err != nil {
					return sent, Transport(err, "write body chunk")
				}
				// Bodies of unknown length are live streams
				if r.Body.Len() < 0 {
					if err := bw.Flush(); err != nil {
						return sent, Transport(err, "flush body chunk")
					}
				}
			}
		}
	}

	arm()
	if err := bw.Flush(); err != nil {
		return sent, Transport(err, "flush response")
	}
	return sent, nil
}

func bodyAllowed(status int) bool {
	return status >= 200 && status != nethttp.StatusNoContent && status != nethttp.StatusNotModified
}

// appendInt appends an integer to a byte slice
func appendInt(b []byte, i int) []byte {
	if i == 0 {
		return append(b, '0')
	}

	if i < 0 {
		b = append(b, '-')
		i = -i
	}

	// Calculate number of digits
	digits := 0
	tmp := i
	for tmp > 0 {
		digits++
		tmp /= 10
	}

	start := len(b)
	for j := 0; j < digits; j++ {
		b = append(b, '0')
	}

	// Fill digits from right to left
	for j := digits - 1; j >= 0; j-- {
		b[start+j] = byte('0' + i%10)
		i /= 10
	}

	return b
}

// statusText returns the HTTP status text for the given code
func statusText(code int) string {
	switch code {
	case 101:
		return "Switching Protocols"
	case 200:
		return "OK"
	case 206:
		return "Partial Content"
	case 301:
		return "Moved Permanently"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 413:
		return "Payload Too Large"
	case 500:
		return "Internal Server Error"
	}
	if text := nethttp.StatusText(code); text != "" {
		return text
	}
	return "Unknown"
}
