package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/splice-rpc/splice/internal/metrics"
	"github.com/splice-rpc/splice/internal/wire"
)

// Shutdown implements spec.md §4.6's graceful drain: stop admitting new
// invocations, let in-flight ones finish (or hit DrainTimeout), send the
// worker a Shutdown message, then SIGTERM its process group right away,
// escalating to SIGKILL if it has not exited after KillGrace.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	if s.getState() == StateReady {
		s.transition(StateDraining)
	}

	deadline := time.Now().Add(s.cfg.DrainTimeout)
	for s.router.PendingCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := s.router.PendingCount(); n > 0 {
		wrap := fmt.Errorf("%w: %d requests still pending", ErrDrainTimeout, n)
		metrics.IncError(mapErrToMetric(wrap))
		s.logger.Warn("drain_timeout", "pending", n)
	}

	s.mu.RLock()
	link := s.workerLink
	proc := s.workerProc
	s.mu.RUnlock()
	if link != nil {
		_ = link.Send(wire.Shutdown{})
	}

	if s.hostLn != nil {
		_ = s.hostLn.Close()
	}
	if proc != nil {
		proc.terminate(s.cfg.KillGrace)
	}

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrContext, ctx.Err())
	}
}

// Reload drains the current worker generation and kills it, leaving the
// host listener and Serve loop running: runWorkerGeneration sees the
// reloadRequested flag and restarts immediately rather than treating this
// as a crash. internal/reload calls this when it detects the worker binary
// changed on disk.
func (s *Supervisor) Reload(ctx context.Context) error {
	if s.getState() != StateReady {
		return fmt.Errorf("supervisor: cannot reload from state %s", s.getState())
	}
	s.reloadRequested.Store(true)
	s.transition(StateDraining)

	deadline := time.Now().Add(s.cfg.DrainTimeout)
	for s.router.PendingCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	s.mu.RLock()
	link := s.workerLink
	proc := s.workerProc
	s.mu.RUnlock()
	if link != nil {
		_ = link.Send(wire.Shutdown{})
	}
	if proc != nil {
		proc.terminate(s.cfg.KillGrace)
	}
	return nil
}
