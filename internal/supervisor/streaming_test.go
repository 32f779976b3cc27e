package supervisor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/splice-rpc/splice/internal/muxstream"
	"github.com/splice-rpc/splice/internal/wire"
)

// TestRelayDataStreamReturnsAfterStreamEnd exercises acceptDataStreams'
// per-stream half directly: a fake worker opens a data stream over a real
// smux session and writes StreamStart/StreamChunk/StreamEnd on it; the
// supervisor's relayDataStream must decode those frames and return once it
// sees StreamEnd. No router stream entry exists, so delivery to an
// InvokeStream caller is not checked here.
func TestRelayDataStreamReturnsAfterStreamEnd(t *testing.T) {
	s := newTestSupervisor(t)
	s.transition(StateReady)

	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	workerSession, err := muxstream.New(c1, muxstream.RoleClient)
	if err != nil {
		t.Fatalf("worker session: %v", err)
	}
	defer workerSession.Close()
	supervisorSession, err := muxstream.New(c2, muxstream.RoleServer)
	if err != nil {
		t.Fatalf("supervisor session: %v", err)
	}
	defer supervisorSession.Close()

	// Pair the control streams first, same as the real handshake, so data
	// stream ids line up.
	go func() { _, _ = workerSession.ControlStream() }()
	if _, err := supervisorSession.ControlStream(); err != nil {
		t.Fatalf("accept control stream: %v", err)
	}

	codec := wire.NewCodec(wire.DefaultMaxFrameSize)
	const requestID = uint64(42)
	go func() {
		stream, err := workerSession.OpenDataStream()
		if err != nil {
			return
		}
		defer stream.Close()
		_ = codec.WriteFrame(stream, wire.Encode(wire.StreamStart{RequestID: requestID}))
		_ = codec.WriteFrame(stream, wire.Encode(wire.StreamChunk{RequestID: requestID, Sequence: 1, Data: []byte("x")}))
		_ = codec.WriteFrame(stream, wire.Encode(wire.StreamEnd{RequestID: requestID, Sequence: 2}))
	}()

	stream, err := supervisorSession.AcceptDataStream()
	if err != nil {
		t.Fatalf("accept data stream: %v", err)
	}

	// Register a stream entry under the same id the fake worker uses, by
	// reaching into the router's InvokeStream machinery via a fake link
	// that echoes back whatever request id the router assigns -- simplest
	// is to drive HandleStreamChunk/End directly against an entry created
	// through InvokeStream and force the id to line up isn't possible since
	// ids are router-assigned. Instead, verify relayDataStream's decode loop
	// in isolation: it must reach Router.HandleStreamEnd, which is a no-op
	// absent a matching entry but still proves the frames decode and route
	// without error.
	done := make(chan struct{})
	go func() {
		s.relayDataStream(context.Background(), stream)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relayDataStream did not return after StreamEnd")
	}
}
