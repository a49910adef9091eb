package websocket

import (
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/searchktools/rawserve/core/http"
)

// OpCode represents WebSocket operation codes
type OpCode byte

const (
	OpContinuation OpCode = 0x0
	OpText         OpCode = 0x1
	OpBinary       OpCode = 0x2
	OpClose        OpCode = 0x8
	OpPing         OpCode = 0x9
	OpPong         OpCode = 0xA
)

func (op OpCode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	}
	return "unknown"
}

// DefaultMaxPayload is the largest frame or reassembled message accepted.
const DefaultMaxPayload = 16 << 20

// Protocol violations. They are returned marked http.ErrProtocol.
var (
	ErrFrameTooLarge        = errors.New("websocket payload too large")
	ErrUnknownOpcode        = errors.New("unknown websocket opcode")
	ErrUnexpectedFragment   = errors.New("unexpected continuation frame")
	ErrInterleavedFragments = errors.New("data frame inside a fragmented message")
)

func protocolError(err error) error {
	return errors.Mark(err, http.ErrProtocol)
}

// Frame represents a WebSocket frame
type Frame struct {
	Fin     bool
	OpCode  OpCode
	Masked  bool
	Payload []byte
}

// ReadFrame decodes one frame from r, unmasking the payload. A declared
// length above limit is a protocol error and nothing past the header is
// read.
func ReadFrame(r io.Reader, limit int64) (Frame, error) {
	var head [2]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return Frame{}, err
	}

	f := Frame{
		Fin:    head[0]&0x80 != 0,
		OpCode: OpCode(head[0] & 0x0F),
		Masked: head[1]&0x80 != 0,
	}

	length := uint64(head[1] & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return f, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return f, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}

	if length > uint64(limit) {
		return f, protocolError(errors.Wrapf(ErrFrameTooLarge, "%s frame declares %d bytes, limit %d", f.OpCode, length, limit))
	}

	var mask [4]byte
	if f.Masked {
		if _, err := io.ReadFull(r, mask[:]); err != nil {
			return f, err
		}
	}

	f.Payload = make([]byte, length)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return f, err
	}
	if f.Masked {
		for i := range f.Payload {
			f.Payload[i] ^= mask[i%4]
		}
	}
	return f, nil
}

// AppendFrameHeader appends the header of an unmasked frame carrying n
// payload bytes.
func AppendFrameHeader(dst []byte, fin bool, op OpCode, n int) []byte {
	first := byte(op)
	if fin {
		first |= 0x80
	}
	dst = append(dst, first)

	switch {
	case n < 126:
		dst = append(dst, byte(n))
	case n < 65536:
		dst = append(dst, 126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, 127)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}
	return dst
}
