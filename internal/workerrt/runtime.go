package workerrt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/splice-rpc/splice/internal/logging"
	"github.com/splice-rpc/splice/internal/muxstream"
	"github.com/splice-rpc/splice/internal/wire"
)

const writerQueueSize = 1024

// Runtime connects a worker process back to its supervisor and dispatches
// Invoke frames to a Registry, per spec.md §4.4. One Runtime serves exactly
// one connection for the lifetime of the process; the supervisor restarts
// the whole process on disconnect rather than the Runtime reconnecting.
type Runtime struct {
	registry *Registry
	codec    *wire.Codec
	logger   *slog.Logger
	session  *muxstream.Session // set once Run's handshake completes

	mu       sync.Mutex
	inflight map[uint64]context.CancelFunc
}

func New(registry *Registry) *Runtime {
	return &Runtime{
		registry: registry,
		codec:    wire.NewCodec(wire.DefaultMaxFrameSize),
		logger:   logging.L(),
		inflight: make(map[uint64]context.CancelFunc),
	}
}

// Run dials the socket path from SPLICE_WORKER_SOCKET (or socketPathOverride
// if non-empty), negotiates the handshake, and serves Invoke/Cancel/Shutdown
// until the connection closes or ctx is cancelled.
func (rt *Runtime) Run(ctx context.Context, socketPathOverride string) error {
	socketPath := socketPathOverride
	if socketPath == "" {
		socketPath = os.Getenv(wire.WorkerSocketEnv)
	}
	if socketPath == "" {
		return fmt.Errorf("workerrt: %s not set", wire.WorkerSocketEnv)
	}

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("workerrt: dial supervisor: %w", err)
	}
	defer conn.Close()

	session, err := muxstream.New(conn, muxstream.RoleClient)
	if err != nil {
		return fmt.Errorf("workerrt: mux session: %w", err)
	}
	defer session.Close()
	control, err := session.ControlStream()
	if err != nil {
		return fmt.Errorf("workerrt: open control stream: %w", err)
	}
	defer control.Close()
	rt.session = session

	local := wire.Handshake{
		ProtocolVersion: wire.ProtocolVersion,
		Role:            wire.RoleWorker,
		Capabilities:    wire.CapStreaming | wire.CapCancellation,
		MaxFrameSize:    wire.DefaultMaxFrameSize,
	}
	if _, _, err := wire.Negotiate(ctx, control, rt.codec, local, 0); err != nil {
		return fmt.Errorf("workerrt: handshake: %w", err)
	}
	rt.logger.Info("worker_connected", "exports", len(rt.registry.handlers))

	out := make(chan wire.Message, writerQueueSize)
	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case m := <-out:
				if err := rt.codec.WriteFrame(control, wire.Encode(m)); err != nil {
					rt.logger.Error("worker_write_error", "error", err)
					return
				}
			case <-done:
				return
			}
		}
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	for {
		f, err := rt.codec.ReadFrame(control)
		if err != nil {
			close(done)
			wg.Wait()
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("workerrt: read: %w", err)
		}
		m, err := wire.Decode(f)
		if err != nil {
			rt.logger.Warn("worker_decode_error", "error", err)
			continue
		}
		if shutdown := rt.dispatch(runCtx, m, out); shutdown {
			close(done)
			wg.Wait()
			return nil
		}
	}
}

// dispatch handles one incoming frame. It returns true when the connection
// should close (a Shutdown was received and acknowledged).
func (rt *Runtime) dispatch(ctx context.Context, m wire.Message, out chan<- wire.Message) bool {
	switch v := m.(type) {
	case wire.Invoke:
		if sh, ok := rt.registry.lookupStream(v.Function); ok {
			rt.invokeStream(ctx, v, sh, out)
			return false
		}
		rt.invoke(ctx, v, out)
	case wire.Cancel:
		rt.mu.Lock()
		cancel := rt.inflight[v.RequestID]
		rt.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		out <- wire.CancelAck{RequestID: v.RequestID}
	case wire.ListExports:
		out <- wire.ListExportsResult{Exports: rt.registry.exportMetadata()}
	case wire.HealthCheck:
		out <- wire.HealthStatus{Healthy: true}
	case wire.Shutdown:
		rt.drainInflight()
		out <- wire.ShutdownAck{}
		return true
	default:
		rt.logger.Warn("worker_unexpected_message", "kind", fmt.Sprintf("%T", v))
	}
	return false
}

func (rt *Runtime) invoke(parent context.Context, v wire.Invoke, out chan<- wire.Message) {
	handler, ok := rt.registry.lookup(v.Function)
	if !ok {
		out <- wire.InvokeError{RequestID: v.RequestID, Code: wire.CodeFunctionNotFound, Kind: wire.ErrorKindClient, Message: "no such export: " + v.Function}
		return
	}

	ctx, cancel := context.WithCancel(parent)
	rt.mu.Lock()
	rt.inflight[v.RequestID] = cancel
	rt.mu.Unlock()

	go func() {
		defer func() {
			rt.mu.Lock()
			delete(rt.inflight, v.RequestID)
			rt.mu.Unlock()
			cancel()
		}()
		result, rpcErr := handler.Invoke(ctx, v.Params)
		if rpcErr != nil {
			out <- wire.InvokeError{RequestID: v.RequestID, Code: rpcErr.Code, Kind: rpcErr.Kind, Message: rpcErr.Message, Details: rpcErr.Details}
			return
		}
		out <- wire.InvokeResult{RequestID: v.RequestID, Result: result}
	}()
}

// invokeStream serves one streaming export: it opens a fresh smux data
// stream (SPEC_FULL.md §4.8), frames StreamStart on it, relays each emitted
// chunk as a StreamChunk, and finishes with StreamEnd or StreamError. The
// control-plane out channel is untouched; everything here goes on the data
// stream.
func (rt *Runtime) invokeStream(parent context.Context, v wire.Invoke, sh StreamHandler, out chan<- wire.Message) {
	ctx, cancel := context.WithCancel(parent)
	rt.mu.Lock()
	rt.inflight[v.RequestID] = cancel
	rt.mu.Unlock()

	go func() {
		defer func() {
			rt.mu.Lock()
			delete(rt.inflight, v.RequestID)
			rt.mu.Unlock()
			cancel()
		}()

		stream, err := rt.session.OpenDataStream()
		if err != nil {
			out <- wire.InvokeError{RequestID: v.RequestID, Code: wire.CodeUnavailable, Kind: wire.ErrorKindSystem, Message: "open data stream: " + err.Error()}
			return
		}
		defer stream.Close()

		if err := rt.codec.WriteFrame(stream, wire.Encode(wire.StreamStart{RequestID: v.RequestID})); err != nil {
			rt.logger.Error("worker_stream_start_write_error", "error", err)
			return
		}

		var sequence uint64
		emit := func(data []byte) error {
			sequence++
			return rt.codec.WriteFrame(stream, wire.Encode(wire.StreamChunk{RequestID: v.RequestID, Sequence: sequence, Data: data}))
		}

		rpcErr := sh.InvokeStream(ctx, v.Params, emit)
		if rpcErr != nil {
			sequence++
			_ = rt.codec.WriteFrame(stream, wire.Encode(wire.StreamError{RequestID: v.RequestID, Sequence: sequence, Code: rpcErr.Code, Kind: rpcErr.Kind, Message: rpcErr.Message}))
			return
		}
		sequence++
		_ = rt.codec.WriteFrame(stream, wire.Encode(wire.StreamEnd{RequestID: v.RequestID, Sequence: sequence}))
	}()
}

// drainInflight cancels every in-flight invocation and waits until each has
// left the in-flight map, so a Shutdown doesn't leave goroutines running
// past ShutdownAck.
func (rt *Runtime) drainInflight() {
	rt.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(rt.inflight))
	for _, c := range rt.inflight {
		cancels = append(cancels, c)
	}
	rt.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	for {
		rt.mu.Lock()
		n := len(rt.inflight)
		rt.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}
