package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/splice-rpc/splice/internal/wire"
)

func TestStateTransitionsValidEdges(t *testing.T) {
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateStarting, StateReady, true},
		{StateStarting, StateFailed, true},
		{StateStarting, StateDraining, true},
		{StateReady, StateDraining, true},
		{StateReady, StateFailed, true},
		{StateDraining, StateFailed, true},
		{StateFailed, StateStarting, true},
		{StateFailed, StateCircuitBroken, true},
		{StateCircuitBroken, StateStarting, true},
		{StateReady, StateStarting, false},
		{StateDraining, StateReady, false},
		{StateCircuitBroken, StateReady, false},
		{StateStarting, StateCircuitBroken, false},
	}
	for _, c := range cases {
		if got := c.from.canTransitionTo(c.to); got != c.ok {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.ok)
		}
	}
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	return New(Config{
		WorkerCommand:    "/bin/true",
		WorkerSocketPath: t.TempDir() + "/worker.sock",
	}, WithLogger(slog.Default()))
}

func TestSupervisorTransitionPanicsOnIllegalEdge(t *testing.T) {
	s := newTestSupervisor(t)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on illegal transition Starting -> CircuitBroken")
		}
	}()
	s.transition(StateCircuitBroken)
}

func TestSupervisorReadyChannelClosesOnReadyTransition(t *testing.T) {
	s := newTestSupervisor(t)
	if s.isReady() {
		t.Fatal("expected not ready before any transition")
	}
	s.transition(StateReady)
	select {
	case <-s.Ready():
	default:
		t.Fatal("expected Ready() channel to be closed after transitioning to StateReady")
	}
	if !s.isReady() {
		t.Fatal("expected isReady() true after transitioning to StateReady")
	}
}

// TestRouterReadinessTracksStateAcrossReloadCycle is a regression test for a
// bug where Shutdown/Reload replaced the router's readiness function with a
// hardcoded "always false" closure that nothing ever restored, leaving the
// router permanently unready after the first reload even once the next
// worker generation reached StateReady again.
func TestRouterReadinessTracksStateAcrossReloadCycle(t *testing.T) {
	// No worker link is ever installed, so a ready router still fails
	// Invoke at step 4 ("no worker connected") rather than step 1
	// ("not ready") -- what this test asserts is which of those two
	// failure messages comes back, which tells us whether the router's
	// readyFn is tracking supervisor state correctly.
	s := newTestSupervisor(t)
	s.transition(StateReady)

	_, rpcErr := s.router.Invoke(context.Background(), "echo", nil, 0, wire.RequestContext{})
	if rpcErr == nil || rpcErr.Message != "worker unavailable: no worker connected" {
		t.Fatalf("expected a ready-but-unlinked router while supervisor is Ready, got: %v", rpcErr)
	}

	s.transition(StateDraining)
	_, rpcErr = s.router.Invoke(context.Background(), "echo", nil, 0, wire.RequestContext{})
	if rpcErr == nil || rpcErr.Message != "worker unavailable: worker not ready" {
		t.Fatalf("expected the not-ready error while draining, got: %v", rpcErr)
	}

	s.transition(StateFailed)
	s.transition(StateStarting)
	s.transition(StateReady)

	_, rpcErr = s.router.Invoke(context.Background(), "echo", nil, 0, wire.RequestContext{})
	if rpcErr == nil || rpcErr.Message != "worker unavailable: no worker connected" {
		t.Fatalf("expected the router to report ready again after returning to StateReady, got: %v", rpcErr)
	}
}

func TestReloadRejectsWhenNotReady(t *testing.T) {
	s := newTestSupervisor(t)
	if err := s.Reload(context.Background()); err == nil {
		t.Fatal("expected error reloading from a non-ready state")
	}
}

func TestCircuitBreakerTripsAfterMaxRestarts(t *testing.T) {
	cb := newCircuitBreaker(3)
	for i := 0; i < 3; i++ {
		if _, tripped := cb.recordRestart(); tripped {
			t.Fatalf("breaker tripped too early at restart %d", i)
		}
	}
	if _, tripped := cb.recordRestart(); !tripped {
		t.Fatal("expected breaker to trip on the 4th restart")
	}
	cb.reset()
	if _, tripped := cb.recordRestart(); tripped {
		t.Fatal("expected reset to clear the trip state")
	}
}

func TestRestartDelaySchedule(t *testing.T) {
	want := []time.Duration{0, 100 * time.Millisecond, 500 * time.Millisecond, 2 * time.Second, 5 * time.Second}
	for i, d := range want {
		if got := restartDelay(i); got != d {
			t.Errorf("restartDelay(%d) = %v, want %v", i, got, d)
		}
	}
	// Anything past the end of the table repeats the final entry.
	if got := restartDelay(len(want) + 5); got != want[len(want)-1] {
		t.Errorf("restartDelay(overflow) = %v, want %v", got, want[len(want)-1])
	}
	if got := restartDelay(-1); got != want[0] {
		t.Errorf("restartDelay(-1) = %v, want %v", got, want[0])
	}
}

// TestServeBackoffProgression mirrors the teacher's serial-backend backoff
// test (cmd/can-server/backend_backoff_test.go): fake the spawn so every
// generation fails immediately, intercept sleepFn, and assert the observed
// delays follow restartSchedule in order.
func TestServeBackoffProgression(t *testing.T) {
	origSpawn := spawnFn
	spawnFn = func(ctx context.Context, command string, args []string, socketPath string, env []string) (*exec.Cmd, error) {
		return nil, errors.New("boom: worker refuses to start")
	}
	defer func() { spawnFn = origSpawn }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	const wantSamples = 4
	var mu sync.Mutex
	var seen []time.Duration
	origSleep := sleepFn
	sleepFn = func(d time.Duration) {
		mu.Lock()
		seen = append(seen, d)
		n := len(seen)
		mu.Unlock()
		if n >= wantSamples {
			cancel()
		}
	}
	defer func() { sleepFn = origSleep }()

	s := New(Config{
		WorkerCommand:    "/bin/true",
		WorkerSocketPath: t.TempDir() + "/worker.sock",
	}, WithLogger(slog.Default()))

	if err := s.Serve(ctx); err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}

	mu.Lock()
	got := append([]time.Duration(nil), seen...)
	mu.Unlock()

	want := restartSchedule[:wantSamples]
	if len(got) < len(want) {
		t.Fatalf("expected at least %d backoff samples, got %d (%v)", len(want), len(got), got)
	}
	for i, d := range want {
		if got[i] != d {
			t.Fatalf("backoff[%d] = %v, want %v", i, got[i], d)
		}
	}
}

func TestWorkerLinkSendAfterCloseReturnsError(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c2.Close()
	link := newWorkerLink(c1, nil, wire.NewCodec(wire.DefaultMaxFrameSize), slog.Default())
	link.close()
	if err := link.Send(wire.HealthCheck{}); err == nil {
		t.Fatal("expected error sending on a closed worker link")
	}
}

func TestWorkerLinkCloseIsIdempotent(t *testing.T) {
	c1, _ := net.Pipe()
	link := newWorkerLink(c1, nil, wire.NewCodec(wire.DefaultMaxFrameSize), slog.Default())
	link.close()
	link.close() // must not panic on double-close (sync.Once)
}
