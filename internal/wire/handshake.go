package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrVersionMismatch is returned when the major protocol versions differ.
var ErrVersionMismatch = errors.New("wire: protocol version mismatch")

// ErrMissingCapability is returned when a required capability does not
// survive the bitwise-AND negotiation.
var ErrMissingCapability = errors.New("wire: missing required capability")

// Negotiate performs the two-message handshake exchange over an already
// connected socket: writes `local`, reads the peer's Handshake, and returns
// the AND'd capability set plus the peer's declared max frame size. It does
// not itself send the HandshakeAck reply — callers decide what to ack with
// (export count differs between the host-facing and worker-facing sides).
func Negotiate(ctx context.Context, rw io.ReadWriter, codec *Codec, local Handshake, required Capability) (Capability, uint32, error) {
	type result struct {
		hs  Handshake
		err error
	}
	done := make(chan result, 1)
	go func() {
		if err := codec.WriteFrame(rw, Encode(local)); err != nil {
			done <- result{err: fmt.Errorf("handshake write: %w", err)}
			return
		}
		f, err := codec.ReadFrame(rw)
		if err != nil {
			done <- result{err: fmt.Errorf("handshake read: %w", err)}
			return
		}
		if f.Kind != KindHandshake {
			done <- result{err: fmt.Errorf("handshake: unexpected kind %s", f.Kind)}
			return
		}
		m, err := Decode(f)
		if err != nil {
			done <- result{err: fmt.Errorf("handshake decode: %w", err)}
			return
		}
		done <- result{hs: m.(Handshake)}
	}()

	select {
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return 0, 0, r.err
		}
		if majorVersion(r.hs.ProtocolVersion) != majorVersion(local.ProtocolVersion) {
			return 0, 0, fmt.Errorf("%w: local=%d peer=%d", ErrVersionMismatch, local.ProtocolVersion, r.hs.ProtocolVersion)
		}
		negotiated := local.Capabilities & r.hs.Capabilities
		if required != 0 && negotiated&required != required {
			return 0, 0, fmt.Errorf("%w: required=%b negotiated=%b", ErrMissingCapability, required, negotiated)
		}
		maxFrame := local.MaxFrameSize
		if r.hs.MaxFrameSize != 0 && r.hs.MaxFrameSize < maxFrame {
			maxFrame = r.hs.MaxFrameSize
		}
		return negotiated, maxFrame, nil
	}
}

func majorVersion(v uint32) uint32 { return v >> 16 }
