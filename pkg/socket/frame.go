package socket

import (
	"errors"
	"fmt"
)

const (
	// FrameHeaderLength is the size of the big-endian length prefix.
	FrameHeaderLength = 3
	// MaxFrameLength is the largest payload a 3-byte header can describe.
	MaxFrameLength = 1<<24 - 1
)

var ErrFrameTooLarge = errors.New("socket: frame too large")

// FrameBuffer reassembles length-prefixed frames from arbitrary chunks.
// It is not safe for concurrent use; the reader goroutine owns it.
type FrameBuffer struct {
	buf []byte
}

// Write appends a chunk read from the transport.
func (b *FrameBuffer) Write(chunk []byte) {
	b.buf = append(b.buf, chunk...)
}

// Next pops the next complete frame. ok is false while the buffered bytes
// hold only part of a frame.
func (b *FrameBuffer) Next() (frame []byte, ok bool) {
	if len(b.buf) < FrameHeaderLength {
		return nil, false
	}
	length := int(b.buf[0])<<16 | int(b.buf[1])<<8 | int(b.buf[2])
	if len(b.buf) < FrameHeaderLength+length {
		return nil, false
	}
	frame = make([]byte, length)
	copy(frame, b.buf[FrameHeaderLength:FrameHeaderLength+length])
	rest := copy(b.buf, b.buf[FrameHeaderLength+length:])
	b.buf = b.buf[:rest]
	return frame, true
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (b *FrameBuffer) Buffered() int {
	return len(b.buf)
}

// AppendFrame appends payload with its length prefix to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	length := len(payload)
	dst = append(dst, byte(length>>16), byte(length>>8), byte(length))
	return append(dst, payload...), nil
}
