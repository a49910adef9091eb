// Package websocket implements the RFC 6455 handshake and frame protocol on
// top of a hijacked request connection.
package websocket

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/searchktools/rawserve/core/http"
	"github.com/searchktools/rawserve/core/observability"
)

const magicGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// closeGrace bounds the close frame write when no WriteTimeout is set.
const closeGrace = time.Second

// Options configure a Session.
type Options struct {
	// MaxPayload bounds a single frame and a reassembled message
	// (default DefaultMaxPayload).
	MaxPayload int64
	// WriteTimeout is the deadline for writing one frame. Zero means none.
	WriteTimeout time.Duration
	Logger       *zap.Logger
	Metrics      *observability.Metrics
}

func (o Options) withDefaults() Options {
	if o.MaxPayload <= 0 {
		o.MaxPayload = DefaultMaxPayload
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Message is one complete inbound message.
type Message struct {
	OpCode  OpCode
	Payload []byte
}

// IsText reports whether the message arrived as text.
func (m Message) IsText() bool { return m.OpCode == OpText }

// Text returns the payload as a string.
func (m Message) Text() string { return string(m.Payload) }

// Session is one promoted WebSocket connection. Message and error listeners
// run on the goroutine that calls Serve; writes may come from any goroutine.
type Session struct {
	conn net.Conn
	br   *bufio.Reader
	opts Options
	log  *zap.Logger

	listenersMu sync.Mutex
	onMessage   []func(Message)
	onEnd       []func()
	onError     []func(error)

	writeMu sync.Mutex
	bw      *bufio.Writer

	closed       atomic.Bool
	callerClosed atomic.Bool
	terminated   sync.Once

	fragmentOp OpCode
	fragments  []byte
	inMessage  bool
}

// AcceptKey derives Sec-WebSocket-Accept from Sec-WebSocket-Key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + magicGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Upgrade performs the handshake for req and promotes it: the engine runs
// the returned session's Serve once the handler chain is done. Without a
// Sec-WebSocket-Key the returned error is a http.Halt carrying a 400 and
// nothing is written to the connection.
func Upgrade(req *http.Request, opts Options) (*Session, error) {
	key := req.Header("sec-websocket-key")
	if key == "" {
		return nil, http.Halt(http.Message(400, "Missing Sec-WebSocket-Key header"))
	}

	conn, br, err := req.Hijack()
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "hijack for websocket"), http.ErrInternal)
	}

	handshake := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + AcceptKey(key) + "\r\n" +
		"\r\n"
	if _, err := conn.Write([]byte(handshake)); err != nil {
		conn.Close()
		return nil, http.Transport(err, "write websocket handshake")
	}

	s := newSession(conn, br, opts)
	req.Promote(s)
	s.opts.Metrics.SessionOpened()
	s.log.Debug("websocket session opened", zap.String("remote", conn.RemoteAddr().String()))

	return s, nil
}

func newSession(conn net.Conn, br *bufio.Reader, opts Options) *Session {
	opts = opts.withDefaults()
	if br == nil {
		br = bufio.NewReader(conn)
	}
	return &Session{
		conn: conn,
		br:   br,
		bw:   bufio.NewWriter(conn),
		opts: opts,
		log:  opts.Logger,
	}
}

// OnMessage registers fn for every complete inbound message.
func (s *Session) OnMessage(fn func(Message)) {
	s.listenersMu.Lock()
	s.onMessage = append(s.onMessage, fn)
	s.listenersMu.Unlock()
}

// OnEnd registers fn for the end of the session. It fires at most once.
func (s *Session) OnEnd(fn func()) {
	s.listenersMu.Lock()
	s.onEnd = append(s.onEnd, fn)
	s.listenersMu.Unlock()
}

// OnError registers fn for a session torn down by an error.
func (s *Session) OnError(fn func(error)) {
	s.listenersMu.Lock()
	s.onError = append(s.onError, fn)
	s.listenersMu.Unlock()
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// Closed reports whether the session has been closed by either side.
func (s *Session) Closed() bool { return s.closed.Load() }

// Serve runs the frame loop until the peer closes, an error occurs or ctx
// is done. It returns nil for a clean end.
func (s *Session) Serve(ctx context.Context) error {
	defer s.opts.Metrics.SessionClosed()

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for {
		f, err := ReadFrame(s.br, s.opts.MaxPayload)
		if err != nil {
			if !errors.Is(err, http.ErrProtocol) {
				err = http.Transport(err, "read websocket frame")
			}
			return s.fail(err)
		}
		s.opts.Metrics.Frame("in")

		switch f.OpCode {
		case OpText, OpBinary:
			if s.inMessage {
				return s.fail(protocolError(ErrInterleavedFragments))
			}
			if f.Fin {
				s.emitMessage(Message{OpCode: f.OpCode, Payload: f.Payload})
				continue
			}
			s.inMessage = true
			s.fragmentOp = f.OpCode
			s.fragments = append(s.fragments[:0], f.Payload...)

		case OpContinuation:
			if !s.inMessage {
				return s.fail(protocolError(ErrUnexpectedFragment))
			}
			if int64(len(s.fragments)+len(f.Payload)) > s.opts.MaxPayload {
				return s.fail(protocolError(errors.Wrapf(ErrFrameTooLarge, "fragmented message exceeds %d bytes", s.opts.MaxPayload)))
			}
			s.fragments = append(s.fragments, f.Payload...)
			if f.Fin {
				payload := make([]byte, len(s.fragments))
				copy(payload, s.fragments)
				s.inMessage = false
				s.fragments = s.fragments[:0]
				s.emitMessage(Message{OpCode: s.fragmentOp, Payload: payload})
			}

		case OpPing:
			if err := s.writeFrame(OpPong, f.Payload); err != nil {
				return s.fail(err)
			}

		case OpPong:

		case OpClose:
			s.finish()
			return nil

		default:
			return s.fail(protocolError(errors.Wrapf(ErrUnknownOpcode, "opcode 0x%x", byte(f.OpCode))))
		}
	}
}

// WriteText sends a text message.
func (s *Session) WriteText(text string) error {
	return s.Write(OpText, []byte(text))
}

// WriteBinary sends a binary message.
func (s *Session) WriteBinary(data []byte) error {
	return s.Write(OpBinary, data)
}

// Send writes v as text when it is a string and as binary otherwise.
func (s *Session) Send(v any) error {
	switch p := v.(type) {
	case string:
		return s.WriteText(p)
	case []byte:
		return s.WriteBinary(p)
	}
	return errors.Newf("websocket: cannot send %T", v)
}

// Write sends one unfragmented frame. Writes after the session closed are
// dropped and return nil.
func (s *Session) Write(op OpCode, payload []byte) error {
	if s.closed.Load() {
		return nil
	}
	return s.writeFrame(op, payload)
}

// Ping sends a ping with payload.
func (s *Session) Ping(payload []byte) error {
	return s.Write(OpPing, payload)
}

// Close ends the session from this side: an empty close frame is sent, the
// transport is closed and "end" fires.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.callerClosed.Store(true)
	if s.opts.WriteTimeout <= 0 {
		s.conn.SetWriteDeadline(time.Now().Add(closeGrace))
	}
	_ = s.writeFrame(OpClose, nil)
	err := s.conn.Close()
	s.terminate(func() { s.emitEnd() })
	return err
}

func (s *Session) writeFrame(op OpCode, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.opts.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}

	var head [10]byte
	if _, err := s.bw.Write(AppendFrameHeader(head[:0], true, op, len(payload))); err != nil {
		return http.Transport(err, "write websocket frame")
	}
	if _, err := s.bw.Write(payload); err != nil {
		return http.Transport(err, "write websocket frame")
	}
	if err := s.bw.Flush(); err != nil {
		return http.Transport(err, "write websocket frame")
	}
	s.opts.Metrics.Frame("out")
	return nil
}

// finish answers a peer close.
func (s *Session) finish() {
	if !s.closed.Swap(true) {
		_ = s.writeFrame(OpClose, nil)
		s.conn.Close()
	}
	s.terminate(func() { s.emitEnd() })
}

// fail tears the connection down without a close frame.
func (s *Session) fail(err error) error {
	s.closed.Store(true)
	s.conn.Close()

	if s.callerClosed.Load() {
		s.terminate(func() { s.emitEnd() })
		return nil
	}

	if errors.Is(err, http.ErrProtocol) {
		s.opts.Metrics.ProtocolError()
	}
	s.log.Debug("websocket session failed", zap.Error(err))
	s.terminate(func() { s.emitError(err) })
	return err
}

// terminate runs the single terminal notification of the session.
func (s *Session) terminate(fn func()) {
	s.terminated.Do(fn)
}

func (s *Session) emitMessage(m Message) {
	s.listenersMu.Lock()
	listeners := slices.Clone(s.onMessage)
	s.listenersMu.Unlock()

	for _, fn := range listeners {
		s.guard(EventMessage, func() { fn(m) })
	}
}

func (s *Session) emitEnd() {
	s.log.Debug("websocket session ended", zap.Stringer("event", EventEnd))

	s.listenersMu.Lock()
	listeners := slices.Clone(s.onEnd)
	s.listenersMu.Unlock()

	for _, fn := range listeners {
		s.guard(EventEnd, fn)
	}
}

func (s *Session) emitError(err error) {
	s.listenersMu.Lock()
	listeners := slices.Clone(s.onError)
	s.listenersMu.Unlock()

	for _, fn := range listeners {
		s.guard(EventError, func() { fn(err) })
	}
}

// guard runs one listener. A panicking listener is logged and the remaining
// listeners still run.
func (s *Session) guard(event EventType, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("websocket listener panicked",
				zap.Stringer("event", event),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	fn()
}
