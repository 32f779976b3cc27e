package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/splice-rpc/splice/internal/muxstream"
	"github.com/splice-rpc/splice/internal/wire"
)

// spawnAndAccept spawns the worker process and blocks until it dials back
// on the worker-facing unix socket, returning the accepted link. This is
// the process-management half of spec.md §4.2: a fresh socket path isn't
// needed per generation since only one worker is ever connected at a time.
func (s *Supervisor) spawnAndAccept(ctx context.Context) (*workerProcess, *workerLink, error) {
	_ = os.Remove(s.cfg.WorkerSocketPath)
	ln, err := net.Listen("unix", s.cfg.WorkerSocketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("listen worker socket: %w", err)
	}
	defer ln.Close()

	proc, err := spawnWorker(ctx, s.cfg.WorkerCommand, s.cfg.WorkerArgs, s.cfg.WorkerSocketPath, s.cfg.WorkerEnv)
	if err != nil {
		return nil, nil, fmt.Errorf("spawn worker: %w", err)
	}

	type acceptResult struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		acceptCh <- acceptResult{conn, err}
	}()

	select {
	case r := <-acceptCh:
		if r.err != nil {
			proc.terminate(s.cfg.KillGrace)
			return nil, nil, fmt.Errorf("accept worker connection: %w", r.err)
		}
		session, err := muxstream.New(r.conn, muxstream.RoleServer)
		if err != nil {
			_ = r.conn.Close()
			proc.terminate(s.cfg.KillGrace)
			return nil, nil, fmt.Errorf("mux worker connection: %w", err)
		}
		control, err := session.ControlStream()
		if err != nil {
			_ = session.Close()
			proc.terminate(s.cfg.KillGrace)
			return nil, nil, fmt.Errorf("accept control stream: %w", err)
		}
		return proc, newWorkerLink(control, session, s.codec, s.logger), nil
	case <-ctx.Done():
		proc.terminate(s.cfg.KillGrace)
		return nil, nil, ctx.Err()
	}
}

// negotiateAndList performs the Handshake/HandshakeAck exchange with the
// worker and then requests its export table, both framed on the smux
// control stream (SPEC_FULL.md §4.8).
func (s *Supervisor) negotiateAndList(ctx context.Context, link *workerLink) ([]wire.ExportMetadata, error) {
	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	local := wire.Handshake{
		ProtocolVersion: wire.ProtocolVersion,
		Role:            wire.RoleSupervisor,
		Capabilities:    wire.CapStreaming | wire.CapCancellation | wire.CapCompression,
		MaxFrameSize:    wire.DefaultMaxFrameSize,
	}
	if _, _, err := wire.Negotiate(hsCtx, link.conn, s.codec, local, 0); err != nil {
		return nil, err
	}

	if err := s.codec.WriteFrame(link.conn, wire.Encode(wire.ListExports{})); err != nil {
		return nil, fmt.Errorf("send list_exports: %w", err)
	}
	f, err := s.codec.ReadFrame(link.conn)
	if err != nil {
		return nil, fmt.Errorf("read list_exports_result: %w", err)
	}
	m, err := wire.Decode(f)
	if err != nil {
		return nil, err
	}
	res, ok := m.(wire.ListExportsResult)
	if !ok {
		return nil, fmt.Errorf("expected list_exports_result, got %T", m)
	}
	return res.Exports, nil
}
