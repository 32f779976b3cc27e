package hostclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/splice-rpc/splice/internal/wire"
)

// fakeSupervisor answers the minimal handshake/list_exports/invoke sequence
// over a net.Pipe, standing in for the real unix-socket supervisor.
func fakeSupervisor(t *testing.T, conn net.Conn, exports []wire.ExportMetadata, onInvoke func(wire.Invoke) wire.Message) {
	t.Helper()
	codec := wire.NewCodec(wire.DefaultMaxFrameSize)
	go func() {
		f, err := codec.ReadFrame(conn)
		if err != nil {
			return
		}
		m, err := wire.Decode(f)
		if err != nil {
			return
		}
		hs, ok := m.(wire.Handshake)
		if !ok {
			return
		}
		_ = codec.WriteFrame(conn, wire.Encode(wire.Handshake{
			ProtocolVersion: wire.ProtocolVersion,
			Role:            wire.RoleSupervisor,
			Capabilities:    hs.Capabilities,
			MaxFrameSize:    wire.DefaultMaxFrameSize,
		}))
		_ = codec.WriteFrame(conn, wire.Encode(wire.HandshakeAck{
			ProtocolVersion:        wire.ProtocolVersion,
			NegotiatedCapabilities: hs.Capabilities,
			ServerUUID:             "fake-uuid",
			ExportCount:            uint32(len(exports)),
		}))
		for {
			f, err := codec.ReadFrame(conn)
			if err != nil {
				return
			}
			m, err := wire.Decode(f)
			if err != nil {
				return
			}
			switch v := m.(type) {
			case wire.ListExports:
				_ = codec.WriteFrame(conn, wire.Encode(wire.ListExportsResult{Exports: exports}))
			case wire.Invoke:
				if onInvoke != nil {
					_ = codec.WriteFrame(conn, wire.Encode(onInvoke(v)))
				}
			}
		}
	}()
}

func TestClientListExportsAfterConnect(t *testing.T) {
	host, peer := net.Pipe()
	exports := []wire.ExportMetadata{{Name: "echo", IsAsync: true}}
	fakeSupervisor(t, peer, exports, nil)

	c := New(Config{HandshakeTimeout: time.Second})
	if err := c.connectOverConn(context.Background(), host); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	got := c.Exports()
	if len(got) != 1 || got[0].Name != "echo" {
		t.Fatalf("unexpected exports: %+v", got)
	}
}

func TestClientInvokeRoundTrip(t *testing.T) {
	host, peer := net.Pipe()
	fakeSupervisor(t, peer, nil, func(inv wire.Invoke) wire.Message {
		return wire.InvokeResult{RequestID: inv.RequestID, Result: []byte("pong")}
	})

	c := New(Config{HandshakeTimeout: time.Second})
	if err := c.connectOverConn(context.Background(), host); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	result, rpcErr := c.Invoke(context.Background(), "echo", []byte("ping"), wire.RequestContext{})
	if rpcErr != nil {
		t.Fatalf("unexpected error: %v", rpcErr)
	}
	if string(result) != "pong" {
		t.Fatalf("got %q want %q", result, "pong")
	}
}

func TestClientInvokeFailsWhenNotConnected(t *testing.T) {
	c := New(Config{})
	_, rpcErr := c.Invoke(context.Background(), "echo", nil, wire.RequestContext{})
	if rpcErr == nil || rpcErr.Code != wire.CodeUnavailable {
		t.Fatalf("got %v, want CodeUnavailable", rpcErr)
	}
}

// fakeStreamingSupervisor answers the handshake and then, on Invoke, emits
// the given StreamChunk/StreamEnd/StreamError sequence (RequestID filled in
// from the Invoke), mirroring the supervisor's relayHostStream.
func fakeStreamingSupervisor(t *testing.T, conn net.Conn, items []wire.Message) {
	t.Helper()
	codec := wire.NewCodec(wire.DefaultMaxFrameSize)
	go func() {
		f, err := codec.ReadFrame(conn)
		if err != nil {
			return
		}
		if _, ok := mustDecode(t, f).(wire.Handshake); !ok {
			return
		}
		_ = codec.WriteFrame(conn, wire.Encode(wire.Handshake{
			ProtocolVersion: wire.ProtocolVersion,
			Role:            wire.RoleSupervisor,
			Capabilities:    wire.CapStreaming,
			MaxFrameSize:    wire.DefaultMaxFrameSize,
		}))
		_ = codec.WriteFrame(conn, wire.Encode(wire.HandshakeAck{ProtocolVersion: wire.ProtocolVersion, ServerUUID: "fake-uuid"}))
		for {
			f, err := codec.ReadFrame(conn)
			if err != nil {
				return
			}
			switch v := mustDecode(t, f).(type) {
			case wire.ListExports:
				_ = codec.WriteFrame(conn, wire.Encode(wire.ListExportsResult{}))
			case wire.Invoke:
				for _, item := range items {
					_ = codec.WriteFrame(conn, wire.Encode(retagRequestID(item, v.RequestID)))
				}
			}
		}
	}()
}

func mustDecode(t *testing.T, f wire.Frame) wire.Message {
	t.Helper()
	m, err := wire.Decode(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return m
}

func retagRequestID(m wire.Message, id uint64) wire.Message {
	switch v := m.(type) {
	case wire.StreamChunk:
		v.RequestID = id
		return v
	case wire.StreamEnd:
		v.RequestID = id
		return v
	case wire.StreamError:
		v.RequestID = id
		return v
	default:
		return m
	}
}

func TestClientInvokeStreamRoundTrip(t *testing.T) {
	host, peer := net.Pipe()
	fakeStreamingSupervisor(t, peer, []wire.Message{
		wire.StreamChunk{Sequence: 1, Data: []byte("a")},
		wire.StreamChunk{Sequence: 2, Data: []byte("b")},
		wire.StreamEnd{Sequence: 3},
	})

	c := New(Config{HandshakeTimeout: time.Second})
	if err := c.connectOverConn(context.Background(), host); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer c.Close()

	items, rpcErr := c.InvokeStream(context.Background(), "count", nil, wire.RequestContext{})
	if rpcErr != nil {
		t.Fatalf("unexpected error: %v", rpcErr)
	}

	var chunks [][]byte
	var sawEnd bool
	for m := range items {
		switch v := m.(type) {
		case wire.StreamChunk:
			chunks = append(chunks, v.Data)
		case wire.StreamEnd:
			sawEnd = true
		case wire.StreamError:
			t.Fatalf("unexpected stream error: %+v", v)
		}
	}
	if !sawEnd {
		t.Fatal("expected a terminal StreamEnd")
	}
	if len(chunks) != 2 || string(chunks[0]) != "a" || string(chunks[1]) != "b" {
		t.Fatalf("unexpected chunks: %+v", chunks)
	}
}

func TestClientInvokeStreamFailsWhenNotConnected(t *testing.T) {
	c := New(Config{})
	_, rpcErr := c.InvokeStream(context.Background(), "count", nil, wire.RequestContext{})
	if rpcErr == nil || rpcErr.Code != wire.CodeUnavailable {
		t.Fatalf("got %v, want CodeUnavailable", rpcErr)
	}
}
