package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrFrameTooLarge is returned when a declared frame length exceeds the
// negotiated maximum; the payload is never read in this case.
var ErrFrameTooLarge = errors.New("wire: frame too large")

// ErrInvalidFrame is returned for zero-length frames or unknown kind tags.
var ErrInvalidFrame = errors.New("wire: invalid frame")

// ErrTruncatedFrame is returned when the reader ends mid-frame.
var ErrTruncatedFrame = errors.New("wire: truncated frame")

// Frame is the raw on-wire unit: a kind tag plus its payload bytes. The
// 4-byte length prefix covers len(Payload)+1 (the kind byte) and is not
// retained once decoded.
type Frame struct {
	Kind    Kind
	Payload []byte
}

// Codec reads and writes frames. It is stateless and safe for concurrent
// use, same as the teacher's cnl.Codec — the only state is the configured
// maxFrameSize ceiling, itself immutable after construction.
type Codec struct {
	MaxFrameSize uint32
}

// NewCodec returns a Codec with the given negotiated maximum frame size; 0
// selects DefaultMaxFrameSize.
func NewCodec(maxFrameSize uint32) *Codec {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Codec{MaxFrameSize: maxFrameSize}
}

// ReadFrame reads exactly one frame from r: 4-byte BE length, 1-byte kind,
// then length-1 bytes of payload. It buffers up to one full frame before
// returning, per spec ("accepts partial reads").
func (c *Codec) ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return Frame{}, fmt.Errorf("%w: zero length", ErrInvalidFrame)
	}
	if n > c.MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, c.MaxFrameSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, fmt.Errorf("%w: %v", ErrTruncatedFrame, err)
		}
		return Frame{}, err
	}
	kind := Kind(body[0])
	if !kind.Valid() {
		return Frame{}, fmt.Errorf("%w: unknown kind 0x%02x", ErrInvalidFrame, body[0])
	}
	return Frame{Kind: kind, Payload: body[1:]}, nil
}

// WriteFrame writes a single frame: 4-byte BE length (payload+1), kind byte,
// payload. It is the caller's responsibility to serialize writes from a
// single goroutine per connection (the router's writer task does this).
func (c *Codec) WriteFrame(w io.Writer, f Frame) error {
	total := len(f.Payload) + 1
	if uint32(total) > c.MaxFrameSize {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, total, c.MaxFrameSize)
	}
	buf := make([]byte, 4+total)
	binary.BigEndian.PutUint32(buf[:4], uint32(total))
	buf[4] = byte(f.Kind)
	copy(buf[5:], f.Payload)
	_, err := w.Write(buf)
	return err
}
