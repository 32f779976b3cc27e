// Package router implements the supervisor's request multiplexer: request-id
// allocation, the pending-request correlation table, concurrency gates,
// deadline enforcement and cancellation dispatch (spec.md §4.3).
package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/splice-rpc/splice/internal/metrics"
	"github.com/splice-rpc/splice/internal/wire"
)

// WorkerLink is how the router reaches the worker connection. The
// supervisor provides an implementation backed by its bounded writer queue
// (single producer: the router; single consumer: the writer goroutine),
// mirroring the teacher's async_tx.AsyncTx fan-in.
type WorkerLink interface {
	Send(wire.Message) error
}

// Config bounds the router's concurrency, mirroring spec.md §4.3 defaults.
type Config struct {
	MaxConcurrentRequests     int // default 1024
	MaxConcurrentPerFunction  int // default 256
	DefaultDeadline           time.Duration
	MaxDeadline               time.Duration // server ceiling, SPEC_FULL.md §9
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = 1024
	}
	if c.MaxConcurrentPerFunction <= 0 {
		c.MaxConcurrentPerFunction = 256
	}
	if c.DefaultDeadline <= 0 {
		c.DefaultDeadline = 30 * time.Second
	}
	if c.MaxDeadline <= 0 {
		c.MaxDeadline = 5 * time.Minute
	}
	return c
}

// Router is the single owner of the pending table; every other actor
// (supervisor reader loop, health prober, drain logic) interacts with it
// through the methods below rather than touching the map directly — the
// "cyclic ownership avoided" design of spec.md §9.
type Router struct {
	cfg     Config
	limiter *limiter

	nextID uint64 // monotonic per supervisor lifetime

	mu      sync.Mutex
	pending map[uint64]*pendingEntry
	streams map[uint64]*streamEntry

	readyFn func() bool // supplied by the supervisor; nil means always ready
	link    WorkerLink
}

func New(cfg Config, link WorkerLink) *Router {
	cfg = cfg.withDefaults()
	return &Router{
		cfg:     cfg,
		limiter: newLimiter(cfg.MaxConcurrentRequests, cfg.MaxConcurrentPerFunction),
		pending: make(map[uint64]*pendingEntry),
		streams: make(map[uint64]*streamEntry),
		link:    link,
	}
}

// SetReadyFunc installs the supervisor's readiness predicate. Invoke
// consults it first, per spec.md §4.3 step 1.
func (r *Router) SetReadyFunc(fn func() bool) { r.readyFn = fn }

// SetLink swaps the WorkerLink a Router sends Invoke/Cancel frames through.
// The supervisor calls this once per worker generation: the Router itself
// outlives individual worker restarts, but each restart gets a fresh
// connection.
func (r *Router) SetLink(link WorkerLink) {
	r.mu.Lock()
	r.link = link
	r.mu.Unlock()
}

func (r *Router) currentLink() WorkerLink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.link
}

func (r *Router) ready() bool {
	if r.readyFn == nil {
		return true
	}
	return r.readyFn()
}

// ActiveGlobal and ActiveFunction expose the limiter's live counts for the
// concurrency-cap invariant (spec.md §8 property 4) and for metrics.
func (r *Router) ActiveGlobal() int                    { return r.limiter.activeGlobal() }
func (r *Router) ActiveFunction(function string) int   { return r.limiter.activeFunction(function) }

// Invoke implements spec.md §4.3's six numbered steps.
func (r *Router) Invoke(ctx context.Context, function string, params []byte, deadlineMS uint32, rc wire.RequestContext) ([]byte, *wire.RPCError) {
	// Step 1: readiness.
	if !r.ready() {
		return nil, wire.ErrUnavailableRPC("worker not ready")
	}

	// Reject a deadline_ms above the server ceiling outright (SPEC_FULL.md
	// §9) rather than silently clamping it.
	if deadlineMS != 0 && time.Duration(deadlineMS)*time.Millisecond > r.cfg.MaxDeadline {
		return nil, wire.ErrInvalidRequestRPC(fmt.Sprintf("deadline_ms %d exceeds max_deadline_ms %d", deadlineMS, r.cfg.MaxDeadline.Milliseconds()))
	}

	// Step 2: concurrency gates, fail fast.
	if !r.limiter.tryAcquire(function) {
		metrics.IncOverloaded()
		return nil, wire.ErrOverloadedRPC()
	}

	// Step 3: assign request_id, create pending entry.
	deadline := r.resolveDeadline(deadlineMS)
	id := atomic.AddUint64(&r.nextID, 1)
	entry := newPendingEntry(id, function, time.Now().Add(deadline))
	r.mu.Lock()
	r.pending[id] = entry
	r.mu.Unlock()
	metrics.IncAccepted()

	release := func() {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		r.limiter.release(function)
	}

	// Step 4: enqueue Invoke.
	link := r.currentLink()
	if link == nil {
		release()
		metrics.IncFailed()
		return nil, wire.ErrUnavailableRPC("no worker connected")
	}
	if err := link.Send(wire.Invoke{
		RequestID:  id,
		Function:   function,
		Params:     params,
		DeadlineMS: deadlineMS,
		Context:    rc,
	}); err != nil {
		release()
		metrics.IncFailed()
		return nil, wire.ErrUnavailableRPC(err.Error())
	}

	// Step 5: await result or deadline, whichever first.
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	var o outcome
	select {
	case o = <-entry.sink:
	case <-timer.C:
		// Best-effort Cancel; CancelAck (if any) arrives later and is a
		// no-op against the already-resolved sink.
		if entry.resolve(outcome{err: wire.ErrTimeoutRPC()}) {
			if l := r.currentLink(); l != nil {
				_ = l.Send(wire.Cancel{RequestID: id})
			}
		}
		o = <-entry.sink // whichever resolve won
	case <-ctx.Done():
		if entry.resolve(outcome{err: wire.ErrCancelledRPC()}) {
			if l := r.currentLink(); l != nil {
				_ = l.Send(wire.Cancel{RequestID: id})
			}
		}
		o = <-entry.sink // whichever resolve won
	}
	release()
	if o.err != nil {
		classify(o.err)
		return nil, o.err
	}
	metrics.IncSuccess()
	return o.result, nil
}

func classify(e *wire.RPCError) {
	switch e.Code {
	case wire.CodeCancelled:
		metrics.IncCancelled()
	case wire.CodeTimeout:
		metrics.IncTimeout()
	default:
		metrics.IncFailed()
	}
}

// resolveDeadline turns a caller-supplied deadline_ms into a duration.
// Invoke has already rejected anything above cfg.MaxDeadline, so this only
// ever substitutes the default for an unset (zero) deadline.
func (r *Router) resolveDeadline(deadlineMS uint32) time.Duration {
	if deadlineMS == 0 {
		return r.cfg.DefaultDeadline
	}
	return time.Duration(deadlineMS) * time.Millisecond
}

// Cancel implements the host-initiated Cancel path of spec.md §3/§5: it
// forwards to the worker and resolves the pending entry locally so the
// host observes Cancelled immediately rather than waiting on a round trip.
func (r *Router) Cancel(requestID uint64) {
	r.mu.Lock()
	entry := r.pending[requestID]
	r.mu.Unlock()
	if entry == nil {
		return // already resolved or unknown id; silently dropped per spec
	}
	entry.requestCancel()
	if entry.resolve(outcome{err: wire.ErrCancelledRPC()}) {
		if l := r.currentLink(); l != nil {
			_ = l.Send(wire.Cancel{RequestID: requestID})
		}
	}
}

// HandleResult and HandleError are called by the supervisor's worker-reader
// loop when it sees InvokeResult/InvokeError. Per spec.md §4.3, if the
// pending entry is already gone the message is silently dropped.
func (r *Router) HandleResult(m wire.InvokeResult) {
	r.mu.Lock()
	entry := r.pending[m.RequestID]
	r.mu.Unlock()
	if entry == nil {
		return
	}
	entry.resolve(outcome{result: m.Result})
}

func (r *Router) HandleError(m wire.InvokeError) {
	r.mu.Lock()
	entry := r.pending[m.RequestID]
	r.mu.Unlock()
	if entry == nil {
		return
	}
	entry.resolve(outcome{err: &wire.RPCError{Code: m.Code, Kind: m.Kind, Message: m.Message, Details: m.Details}})
}

// FailAllPending resolves every currently pending entry with err. The
// supervisor calls this once a worker generation has ended: with Panic when
// the worker went away while Ready (a crash), and with Unavailable when the
// generation was drained (reload, shutdown) or the supervisor is stopping.
// Drain timeouts and circuit-breaks have no call of their own. It only delivers the
// outcome; the owning Invoke call (blocked in its own select) performs the
// bookkeeping release and metrics classification exactly once, same as for
// a worker-delivered result or a host Cancel.
func (r *Router) FailAllPending(err *wire.RPCError) {
	r.mu.Lock()
	entries := make([]*pendingEntry, 0, len(r.pending))
	for _, e := range r.pending {
		entries = append(entries, e)
	}
	r.mu.Unlock()
	for _, e := range entries {
		e.resolve(outcome{err: err})
	}
}

// PendingCount reports the number of unresolved invocations, used by drain
// to decide when it's safe to proceed.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}
