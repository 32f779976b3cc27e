package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/splice-rpc/splice/internal/metrics"
	"github.com/splice-rpc/splice/internal/wire"
)

const hostWriterQueueSize = 256

// acceptHosts runs the host-facing accept loop. Splice allows multiple
// concurrent host connections per supervisor (SPEC_FULL.md §9), unlike the
// single worker connection: each gets its own reader/writer goroutine pair
// and all share the one long-lived Router.
func (s *Supervisor) acceptHosts(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.hostLn.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			wrap := fmt.Errorf("%w: %v", ErrAccept, err)
			metrics.IncError(mapErrToMetric(wrap))
			s.setError(wrap)
			return
		}
		if s.hostSem != nil {
			select {
			case s.hostSem <- struct{}{}:
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
		s.wg.Add(1)
		go s.serveHost(ctx, conn)
	}
}

func (s *Supervisor) serveHost(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()
	if s.hostSem != nil {
		defer func() { <-s.hostSem }()
	}
	logger := s.logger.With("remote", conn.RemoteAddr().String())

	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	local := wire.Handshake{
		ProtocolVersion: wire.ProtocolVersion,
		Role:            wire.RoleSupervisor,
		Capabilities:    wire.CapStreaming | wire.CapCancellation | wire.CapCompression,
		MaxFrameSize:    wire.DefaultMaxFrameSize,
	}
	negotiated, _, err := wire.Negotiate(hsCtx, conn, s.codec, local, 0)
	cancel()
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		metrics.IncError(mapErrToMetric(wrap))
		logger.Warn("host_handshake_failed", "error", wrap)
		return
	}
	if err := s.codec.WriteFrame(conn, wire.Encode(wire.HandshakeAck{
		ProtocolVersion:        wire.ProtocolVersion,
		NegotiatedCapabilities: negotiated,
		ServerUUID:             s.serverUUID,
		ExportCount:            uint32(len(s.currentExports())),
	})); err != nil {
		logger.Warn("host_handshake_ack_failed", "error", err)
		return
	}
	logger.Info("host_connected")

	out := make(chan wire.Message, hostWriterQueueSize)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case m := <-out:
				if err := s.codec.WriteFrame(conn, wire.Encode(m)); err != nil {
					wrap := fmt.Errorf("%w: %v", ErrConnWrite, err)
					metrics.IncError(mapErrToMetric(wrap))
					logger.Warn("host_write_error", "error", wrap)
					_ = conn.Close()
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		f, err := s.codec.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
				metrics.IncError(mapErrToMetric(wrap))
				logger.Warn("host_read_error", "error", wrap)
			}
			break
		}
		m, err := wire.Decode(f)
		if err != nil {
			logger.Warn("host_decode_error", "error", err)
			continue
		}
		s.dispatchHostMessage(ctx, m, out, logger)
	}
	close(done)
	wg.Wait()
	logger.Info("host_disconnected")
}

func (s *Supervisor) dispatchHostMessage(ctx context.Context, m wire.Message, out chan<- wire.Message, logger *slog.Logger) {
	switch v := m.(type) {
	case wire.Invoke:
		if s.isStreamingExport(v.Function) {
			go s.relayHostStream(ctx, v, out)
			return
		}
		go func() {
			result, rpcErr := s.router.Invoke(ctx, v.Function, v.Params, v.DeadlineMS, v.Context)
			if rpcErr != nil {
				send(out, wire.InvokeError{RequestID: v.RequestID, Code: rpcErr.Code, Kind: rpcErr.Kind, Message: rpcErr.Message, Details: rpcErr.Details})
				return
			}
			send(out, wire.InvokeResult{RequestID: v.RequestID, Result: result})
		}()
	case wire.Cancel:
		s.router.Cancel(v.RequestID)
	case wire.ListExports:
		send(out, wire.ListExportsResult{Exports: s.currentExports()})
	case wire.HealthCheck:
		snap := metrics.Snap()
		send(out, wire.HealthStatus{
			Healthy:            s.isReady(),
			TotalRequests:      snap.TotalRequests,
			SuccessfulRequests: snap.SuccessfulRequests,
			FailedRequests:     snap.FailedRequests,
			TimeoutRequests:    snap.TimeoutRequests,
			CancelledRequests:  snap.CancelledRequests,
			ActiveRequests:     snap.ActiveRequests,
			UptimeMS:           snap.UptimeMS,
		})
	case wire.Shutdown:
		send(out, wire.ShutdownAck{})
	default:
		logger.Warn("host_unexpected_message", "kind", fmt.Sprintf("%T", v))
	}
}

func (s *Supervisor) isStreamingExport(function string) bool {
	for _, e := range s.currentExports() {
		if e.Name == function {
			return e.IsStreaming
		}
	}
	return false
}

// relayHostStream drives a streaming invocation end to end: it calls
// Router.InvokeStream (which allocates its own internal request id) and
// re-tags every relayed frame with the host's original v.RequestID before
// forwarding it, since the host never sees the router's internal id.
func (s *Supervisor) relayHostStream(ctx context.Context, v wire.Invoke, out chan<- wire.Message) {
	items, rpcErr := s.router.InvokeStream(ctx, v.Function, v.Params, v.DeadlineMS, v.Context)
	if rpcErr != nil {
		send(out, wire.InvokeError{RequestID: v.RequestID, Code: rpcErr.Code, Kind: rpcErr.Kind, Message: rpcErr.Message, Details: rpcErr.Details})
		return
	}
	for m := range items {
		switch chunk := m.(type) {
		case wire.StreamChunk:
			chunk.RequestID = v.RequestID
			send(out, chunk)
		case wire.StreamEnd:
			chunk.RequestID = v.RequestID
			send(out, chunk)
		case wire.StreamError:
			chunk.RequestID = v.RequestID
			send(out, chunk)
		}
	}
}

func send(out chan<- wire.Message, m wire.Message) {
	select {
	case out <- m:
	default:
		// Queue saturated: the host is reading too slowly. Dropping here
		// (rather than blocking the dispatch goroutine forever) matches the
		// router's own fail-fast posture under overload.
	}
}

func (s *Supervisor) currentExports() []wire.ExportMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]wire.ExportMetadata, len(s.exports))
	copy(out, s.exports)
	return out
}

// healthLoop periodically probes the worker with HealthCheck and waits for
// the matching HealthStatus on healthCh (delivered by onWorkerMessage). A
// missing or unhealthy reply within one interval marks the worker Failed
// (spec.md §4.2): closing the link here makes the reader goroutine observe
// a disconnect, so runWorkerGeneration's existing restart path is the one
// and only place that drives the StateFailed transition.
func (s *Supervisor) healthLoop(ctx context.Context, link *workerLink, stop <-chan struct{}, healthCh <-chan wire.HealthStatus) {
	t := time.NewTicker(s.cfg.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := link.Send(wire.HealthCheck{}); err != nil {
				continue // reader loop will observe the disconnect itself
			}
			select {
			case status := <-healthCh:
				if !status.Healthy {
					s.logger.Warn("worker_health_unhealthy", "active", status.ActiveRequests)
					link.close()
					return
				}
			case <-time.After(s.cfg.HealthInterval):
				s.logger.Warn("worker_health_timeout")
				link.close()
				return
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
