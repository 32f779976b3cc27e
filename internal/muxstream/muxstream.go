// Package muxstream wraps the single supervisor<->worker connection in an
// smux session (SPEC_FULL.md §4.8): control-plane messages (Handshake,
// Invoke, Cancel, HealthCheck, LogEvent, ...) travel on one long-lived
// stream opened at connect time, while every streaming RPC gets a fresh
// smux stream so chunked transfers get smux's native per-stream flow
// control instead of a hand-rolled window field.
package muxstream

import (
	"fmt"
	"io"

	"github.com/sagernet/smux"
)

// Role picks which side of the connection this process is, which in turn
// picks which smux constructor (and which side of the stream-opening
// handshake) applies: the worker dials out and is the smux client, the
// supervisor accepts and is the smux server.
type Role int

const (
	RoleClient Role = iota // worker: dials the connection, opens the control stream
	RoleServer             // supervisor: accepts the connection, accepts the control stream
)

// Session is the muxstream handle for one supervisor<->worker connection.
// It is not safe for concurrent OpenDataStream/AcceptDataStream calls from
// multiple goroutines expecting to pair 1:1 with the peer unless the caller
// serializes stream establishment per RPC, which is how the supervisor and
// workerrt runtime use it (one goroutine per streaming invocation).
type Session struct {
	raw  *smux.Session
	role Role
}

func config() *smux.Config {
	cfg := smux.DefaultConfig()
	return cfg
}

// New wraps conn in an smux session per role. It must be called exactly
// once per connection, as soon as the connection is established and before
// any frame is read or written (the wire handshake included, which runs on
// the control stream), since everything past this point is multiplexed.
func New(conn io.ReadWriteCloser, role Role) (*Session, error) {
	var raw *smux.Session
	var err error
	switch role {
	case RoleClient:
		raw, err = smux.Client(conn, config())
	case RoleServer:
		raw, err = smux.Server(conn, config())
	default:
		return nil, fmt.Errorf("muxstream: unknown role %d", role)
	}
	if err != nil {
		return nil, fmt.Errorf("muxstream: establish session: %w", err)
	}
	return &Session{raw: raw, role: role}, nil
}

// ControlStream returns the single control-plane stream: the client side
// opens it, the server side accepts it. Both sides must call this exactly
// once, immediately after New, before doing anything else with the
// session, so the first stream ids line up on both ends.
func (s *Session) ControlStream() (io.ReadWriteCloser, error) {
	switch s.role {
	case RoleClient:
		stream, err := s.raw.OpenStream()
		if err != nil {
			return nil, fmt.Errorf("muxstream: open control stream: %w", err)
		}
		return stream, nil
	default:
		stream, err := s.raw.AcceptStream()
		if err != nil {
			return nil, fmt.Errorf("muxstream: accept control stream: %w", err)
		}
		return stream, nil
	}
}

// OpenDataStream opens a fresh stream for one streaming RPC's chunks. The
// side that originates the stream (the worker producing StreamStart/Chunk/
// End/Error for a streaming export) calls this; the other side calls
// AcceptDataStream to receive it.
func (s *Session) OpenDataStream() (io.ReadWriteCloser, error) {
	stream, err := s.raw.OpenStream()
	if err != nil {
		return nil, fmt.Errorf("muxstream: open data stream: %w", err)
	}
	return stream, nil
}

// AcceptDataStream blocks until the peer opens the next data stream.
func (s *Session) AcceptDataStream() (io.ReadWriteCloser, error) {
	stream, err := s.raw.AcceptStream()
	if err != nil {
		return nil, fmt.Errorf("muxstream: accept data stream: %w", err)
	}
	return stream, nil
}

// NumStreams reports the number of open streams on the session.
func (s *Session) NumStreams() int { return s.raw.NumStreams() }

// IsClosed reports whether the underlying session (and so the connection
// it multiplexes) has been torn down.
func (s *Session) IsClosed() bool { return s.raw.IsClosed() }

// Close tears down every stream and the underlying connection.
func (s *Session) Close() error { return s.raw.Close() }
