// Package protocol implements the IPC binary frame protocol.
//
// Every frame is a fixed 8-byte header followed by a variable-length body.
// The receiver peeks the header to learn the body length, and only consumes
// bytes once the whole frame is buffered, so a partial read never loses data.
//
// Frame format (little-endian, the layout of the raw C struct on x86):
//
//	0           4           8
//	┌───────────┬───────────┬────────────────────┐
//	│ magic_num │ body_len  │      body ...       │
//	│  uint32   │  uint32   │  body_len bytes     │
//	└───────────┴───────────┴────────────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/dustin/go-humanize"
)

const (
	// MagicNumber identifies an IPC frame. Any other value means the peer speaks
	// a different protocol on this connection.
	MagicNumber uint32 = 14694
	HeaderSize  int    = 8 // 4 (magic_num) + 4 (body_len)

	// DefaultMaxBodySize is used when no ceiling is configured.
	DefaultMaxBodySize uint32 = 64 << 20
)

var (
	// ErrNotEnoughData means the buffer holds a strict prefix of a frame.
	// It is not a failure: feed more bytes and try again.
	ErrNotEnoughData = errors.New("protocol: not enough data")
	// ErrTooBigData means the header declares a body above the configured ceiling.
	ErrTooBigData = errors.New("protocol: frame too large")
	// ErrBadMagic means the header does not carry MagicNumber.
	ErrBadMagic = errors.New("protocol: bad magic number")
)

// Header is the fixed 8-byte frame header.
type Header struct {
	MagicNum uint32 // Protocol identity, MagicNumber on every valid frame
	BodyLen  uint32 // Count of body bytes immediately following the header
}

// Frame is one header-plus-body unit taken off the wire.
type Frame struct {
	Header Header
	Body   []byte
}

// PutHeader writes h into the first HeaderSize bytes of b.
func PutHeader(b []byte, h Header) {
	_ = b[HeaderSize-1]
	binary.LittleEndian.PutUint32(b[0:4], h.MagicNum)
	binary.LittleEndian.PutUint32(b[4:8], h.BodyLen)
}

// ParseHeader reads a header from the first HeaderSize bytes of b.
func ParseHeader(b []byte) Header {
	_ = b[HeaderSize-1]
	return Header{
		MagicNum: binary.LittleEndian.Uint32(b[0:4]),
		BodyLen:  binary.LittleEndian.Uint32(b[4:8]),
	}
}

// Verify accepts or rejects an inbound frame header before dispatch.
func Verify(h Header) error {
	if h.MagicNum != MagicNumber {
		return fmt.Errorf("%w: %d", ErrBadMagic, h.MagicNum)
	}
	return nil
}

// Parse tries to cut one frame from the front of buf.
//
// It returns the frame and the number of bytes it occupies. When buf holds less
// than a full frame, Parse returns ErrNotEnoughData and consumes nothing. A header
// declaring a body above maxBodySize yields ErrTooBigData right away, without
// waiting for the body. The returned body aliases buf.
func Parse(buf []byte, maxBodySize uint32) (Frame, int, error) {
	// Step 1: Peek the header without consuming anything
	if len(buf) < HeaderSize {
		return Frame{}, 0, ErrNotEnoughData
	}
	h := ParseHeader(buf)

	// Step 2: Reject oversized frames before buffering their body
	if h.BodyLen > maxBodySize {
		return Frame{}, 0, tooBig(h.BodyLen, maxBodySize)
	}

	// Step 3: Wait for the whole body
	total := HeaderSize + int(h.BodyLen)
	if len(buf) < total {
		return Frame{}, 0, ErrNotEnoughData
	}

	// Step 4: Cut header and body together
	return Frame{Header: h, Body: buf[HeaderSize:total:total]}, total, nil
}

// Append appends the wire form of (h, body) to dst.
// BodyLen is always recomputed from len(body); the caller's value is ignored.
func Append(dst []byte, h Header, body []byte) []byte {
	h = stamp(h, body)
	var hb [HeaderSize]byte
	PutHeader(hb[:], h)
	dst = append(dst, hb[:]...)
	return append(dst, body...)
}

// Encode writes a complete frame (header + body) to w.
// The header and the body go out as one vectored write, so the body is not copied
// into an intermediate buffer. The caller must hold a write lock if multiple
// goroutines share the same writer, otherwise frames interleave on the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	*h = stamp(*h, body)
	hb := make([]byte, HeaderSize)
	PutHeader(hb, *h)

	bufs := net.Buffers{hb}
	if len(body) > 0 {
		bufs = append(bufs, body)
	}
	_, err := bufs.WriteTo(w)
	return err
}

// Decode reads one complete frame from r.
// Uses io.ReadFull to guarantee exactly N bytes are read.
func Decode(r io.Reader, maxBodySize uint32) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}
	h := ParseHeader(headerBuf)

	if err := Verify(h); err != nil {
		return nil, nil, err
	}
	if h.BodyLen > maxBodySize {
		return nil, nil, tooBig(h.BodyLen, maxBodySize)
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return &h, body, nil
}

// stamp fills in the fields the sender never trusts from the caller.
func stamp(h Header, body []byte) Header {
	if h.MagicNum == 0 {
		h.MagicNum = MagicNumber
	}
	h.BodyLen = uint32(len(body))
	return h
}

func tooBig(n, limit uint32) error {
	return fmt.Errorf("%w: body %s exceeds limit %s",
		ErrTooBigData, humanize.IBytes(uint64(n)), humanize.IBytes(uint64(limit)))
}
