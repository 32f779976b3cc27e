// Package supervisor implements the middle process of Splice's Host <->
// Supervisor <-> Worker bridge (spec.md §4.2): it spawns and restarts the
// worker, negotiates its handshake, accepts host connections, and routes
// invocations between them via internal/router.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/splice-rpc/splice/internal/logging"
	"github.com/splice-rpc/splice/internal/metrics"
	"github.com/splice-rpc/splice/internal/router"
	"github.com/splice-rpc/splice/internal/wire"
)

// Config bounds a Supervisor's worker process, sockets and health probing.
type Config struct {
	WorkerCommand string
	WorkerArgs    []string
	WorkerEnv     []string

	WorkerSocketPath string // unix socket the worker dials in on
	HostSocketPath   string // unix socket hosts dial in on

	HandshakeTimeout time.Duration
	HealthInterval   time.Duration
	DrainTimeout     time.Duration
	KillGrace        time.Duration
	MaxRestarts      int

	// MaxHostConns caps concurrent host connections accepted on
	// HostSocketPath; 0 means unbounded (SPEC_FULL.md §9's --max-host-conns).
	MaxHostConns int

	Router router.Config
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 3 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 5 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 10
	}
	return c
}

// Option follows the teacher's functional-options constructor pattern
// (internal/server.ServerOption).
type Option func(*Supervisor)

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithServerUUID(id string) Option {
	return func(s *Supervisor) { s.serverUUID = id }
}

// Supervisor owns the worker's lifecycle and the host-facing listener.
type Supervisor struct {
	cfg        Config
	logger     *slog.Logger
	codec      *wire.Codec
	serverUUID string

	router  *router.Router
	cb      *circuitBreaker
	hostSem chan struct{} // nil when MaxHostConns <= 0 (unbounded)

	mu          sync.RWMutex
	state       State
	exports     []wire.ExportMetadata
	workerProc  *workerProcess
	workerLink  *workerLink
	healthCh    chan wire.HealthStatus // set for the life of one generation; delivers HealthStatus replies to healthLoop

	readyOnce sync.Once
	readyCh   chan struct{}
	errCh     chan error

	hostLn net.Listener
	wg     sync.WaitGroup

	totalRestarts   atomic.Uint64
	reloadRequested atomic.Bool
}

func New(cfg Config, opts ...Option) *Supervisor {
	cfg = cfg.withDefaults()
	s := &Supervisor{
		cfg:     cfg,
		logger:  logging.L(),
		codec:   wire.NewCodec(wire.DefaultMaxFrameSize),
		cb:      newCircuitBreaker(cfg.MaxRestarts),
		state:   StateStarting,
		readyCh: make(chan struct{}),
		errCh:   make(chan error, 1),
	}
	if cfg.MaxHostConns > 0 {
		s.hostSem = make(chan struct{}, cfg.MaxHostConns)
	}
	for _, o := range opts {
		o(s)
	}
	if s.serverUUID == "" {
		s.serverUUID = uuid.NewString()
	}
	s.router = router.New(cfg.Router, nil) // link installed once the worker connects
	s.router.SetReadyFunc(s.isReady)
	metrics.SetReadinessFunc(s.isReady)
	return s
}

func (s *Supervisor) Ready() <-chan struct{} { return s.readyCh }
func (s *Supervisor) Errors() <-chan error   { return s.errCh }
func (s *Supervisor) Router() *router.Router { return s.router }

func (s *Supervisor) setError(err error) {
	if err == nil {
		return
	}
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Supervisor) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateReady
}

func (s *Supervisor) getState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// transition moves the state machine along one of the edges in state.go,
// logging and panicking on an edge the design never allows (a programming
// error, not a runtime condition).
func (s *Supervisor) transition(next State) {
	s.mu.Lock()
	cur := s.state
	if !cur.canTransitionTo(next) {
		s.mu.Unlock()
		panic(fmt.Sprintf("supervisor: illegal transition %s -> %s", cur, next))
	}
	s.state = next
	s.mu.Unlock()
	s.logger.Info("state_transition", "from", cur.String(), "to", next.String())
	if next == StateReady {
		s.readyOnce.Do(func() { close(s.readyCh) })
	}
}

// Serve runs the worker lifecycle (spawn -> handshake -> serve -> restart)
// and the host-facing listener until ctx is cancelled. It returns nil on a
// clean shutdown and a wrapped error on an unrecoverable listener failure.
func (s *Supervisor) Serve(ctx context.Context) error {
	if s.cfg.HostSocketPath != "" {
		_ = os.Remove(s.cfg.HostSocketPath)
		ln, err := net.Listen("unix", s.cfg.HostSocketPath)
		if err != nil {
			wrap := fmt.Errorf("%w: %v", ErrListen, err)
			metrics.IncError(mapErrToMetric(wrap))
			return wrap
		}
		s.hostLn = ln
		go func() { <-ctx.Done(); _ = ln.Close() }()
		s.wg.Add(1)
		go s.acceptHosts(ctx)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		runErr := s.runWorkerGeneration(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if runErr == nil {
			// Clean exit (e.g. reload-initiated drain): reset the breaker
			// and restart immediately; the caller decides whether to stop
			// Serve via ctx cancellation.
			s.cb.reset()
			continue
		}
		s.transition(StateFailed)
		metrics.IncWorkerRestart()
		attempt, tripped := s.cb.recordRestart()
		if tripped {
			s.transition(StateCircuitBroken)
			metrics.IncCircuitBreakerTrip()
			wrap := fmt.Errorf("%w: %d restarts exceeded", ErrCircuit, s.cb.maxRestarts)
			metrics.IncError(mapErrToMetric(wrap))
			s.setError(wrap)
			s.logger.Error("circuit_broken", "restarts", s.cb.maxRestarts)
			select {
			case <-time.After(circuitCooldown):
			case <-ctx.Done():
				return nil
			}
			s.cb.reset()
		}
		delay := restartDelay(attempt)
		s.logger.Warn("worker_restart_scheduled", "attempt", attempt, "delay", delay, "error", runErr)
		s.transition(StateStarting)
		select {
		case <-sleepCh(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// sleepCh sleeps via sleepFn (a test hook, see backoff.go) on its own
// goroutine so the caller can still select on ctx.Done concurrently.
func sleepCh(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	go func() { sleepFn(d); ch <- time.Now() }()
	return ch
}

// runWorkerGeneration spawns one worker process, serves it until it exits
// or crashes, and returns the reason. A nil return means the generation
// ended cleanly (drain-initiated).
func (s *Supervisor) runWorkerGeneration(ctx context.Context) error {
	genCtx, cancelGen := context.WithCancel(ctx)
	defer cancelGen()

	proc, link, err := s.spawnAndAccept(genCtx)
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrSpawn, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}

	s.mu.Lock()
	s.workerProc = proc
	s.workerLink = link
	s.mu.Unlock()

	s.installLink(link)

	exports, err := s.negotiateAndList(genCtx, link)
	if err != nil {
		link.close()
		_ = proc.wait()
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		metrics.IncError(mapErrToMetric(wrap))
		return wrap
	}
	s.mu.Lock()
	s.exports = exports
	s.mu.Unlock()

	s.transition(StateReady)
	s.logger.Info("worker_ready", "exports", len(exports))

	readerDone := make(chan error, 1)
	var rwg sync.WaitGroup
	rwg.Add(1)
	go link.runWriter(&rwg)
	rwg.Add(1)
	go func() { readerDone <- link.runReader(&rwg, s.onWorkerMessage) }()

	healthStop := make(chan struct{})
	healthCh := make(chan wire.HealthStatus, 1)
	s.mu.Lock()
	s.healthCh = healthCh
	s.mu.Unlock()
	go s.healthLoop(genCtx, link, healthStop, healthCh)
	go s.acceptDataStreams(genCtx, link)

	var readErr error
	select {
	case readErr = <-readerDone:
	case <-ctx.Done():
		readErr = nil
	}
	close(healthStop)
	link.close()
	cancelGen()
	rwg.Wait()
	s.mu.Lock()
	s.healthCh = nil
	s.mu.Unlock()
	procErr := proc.wait()

	// A worker that went away while still Ready crashed mid-flight; a
	// drained (reload/shutdown) or cancelled generation is Unavailable.
	endErr := wire.ErrUnavailableRPC("worker generation ended")
	if ctx.Err() == nil && s.getState() == StateReady {
		endErr = wire.ErrPanicRPC()
	}
	s.router.FailAllPending(endErr)
	s.router.FailAllStreams(endErr)

	if ctx.Err() != nil {
		return nil
	}
	if s.reloadRequested.Swap(false) {
		// A reload drained and killed this generation deliberately: restart
		// immediately at attempt 0, without counting against the circuit
		// breaker.
		return nil
	}
	if readErr != nil {
		return readErr
	}
	if procErr != nil {
		return fmt.Errorf("worker exited: %w", procErr)
	}
	return fmt.Errorf("worker connection closed unexpectedly")
}

// installLink rebuilds the router's WorkerLink for the new generation. The
// router itself is long-lived across worker restarts; only its link swaps.
func (s *Supervisor) installLink(link *workerLink) {
	s.router.SetLink(link)
}

// acceptDataStreams loops accepting one smux stream per streaming
// invocation (SPEC_FULL.md §4.8), reading its leading StreamStart frame to
// learn the request it belongs to and then relaying every subsequent frame
// into the router's streaming table until StreamEnd/StreamError closes it
// out. It returns once the generation's session is torn down.
func (s *Supervisor) acceptDataStreams(ctx context.Context, link *workerLink) {
	for {
		stream, err := link.acceptDataStream()
		if err != nil {
			return
		}
		go s.relayDataStream(ctx, stream)
	}
}

func (s *Supervisor) relayDataStream(ctx context.Context, stream io.ReadWriteCloser) {
	defer stream.Close()
	for {
		f, err := s.codec.ReadFrame(stream)
		if err != nil {
			return
		}
		m, err := wire.Decode(f)
		if err != nil {
			s.logger.Warn("stream_decode_error", "error", err)
			continue
		}
		switch v := m.(type) {
		case wire.StreamStart:
			// Nothing to relay; it only marks the stream's owning request.
		case wire.StreamChunk:
			s.router.HandleStreamChunk(v)
		case wire.StreamEnd:
			s.router.HandleStreamEnd(v)
			return
		case wire.StreamError:
			s.router.HandleStreamError(v)
			return
		default:
			s.logger.Warn("stream_unexpected_message", "kind", fmt.Sprintf("%T", v))
		}
	}
}

func (s *Supervisor) onWorkerMessage(m wire.Message) {
	switch v := m.(type) {
	case wire.InvokeResult:
		s.router.HandleResult(v)
	case wire.InvokeError:
		s.router.HandleError(v)
	case wire.CancelAck:
		// no-op: Cancel already resolved the pending entry locally.
	case wire.LogEvent:
		s.logger.Info("worker_log", "level", v.Level, "target", v.Target, "message", v.Message)
	case wire.HealthStatus:
		s.logger.Debug("worker_health", "healthy", v.Healthy, "active", v.ActiveRequests)
		s.mu.RLock()
		ch := s.healthCh
		s.mu.RUnlock()
		if ch != nil {
			select {
			case ch <- v:
			default:
			}
		}
	default:
		s.logger.Warn("worker_unexpected_message", "kind", fmt.Sprintf("%T", v))
	}
}
