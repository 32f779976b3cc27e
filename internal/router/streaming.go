package router

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/splice-rpc/splice/internal/metrics"
	"github.com/splice-rpc/splice/internal/wire"
)

// streamEntry is the router-owned bookkeeping record for one in-flight
// streaming invocation: "streaming messages target the same pending entry
// but deliver to a multi-shot sink until StreamEnd/StreamError" (spec.md
// §3). Kept in its own table rather than folded into pendingEntry/pending
// so the unary Invoke path (and its tests) are untouched by the addition.
type streamEntry struct {
	requestID uint64
	function  string
	items     chan wire.Message // StreamChunk/StreamEnd/StreamError
}

func newStreamEntry(requestID uint64, function string) *streamEntry {
	return &streamEntry{requestID: requestID, function: function, items: make(chan wire.Message, 64)}
}

// deliver drops rather than blocks when the consumer (InvokeStream's relay
// goroutine, normally draining promptly into the host connection) falls
// behind, so one slow host stream can't stall the worker's reader loop.
func (e *streamEntry) deliver(m wire.Message) {
	select {
	case e.items <- m:
	default:
	}
}

// InvokeStream is the streaming counterpart to Invoke (spec.md §4.3 steps
// 1-4 are identical; step 5 yields a channel of StreamChunk/StreamEnd/
// StreamError instead of a single outcome). The channel is closed once a
// StreamEnd or StreamError has been relayed, the deadline elapses, or ctx is
// cancelled; in the latter two cases a synthetic StreamError is sent first.
func (r *Router) InvokeStream(ctx context.Context, function string, params []byte, deadlineMS uint32, rc wire.RequestContext) (<-chan wire.Message, *wire.RPCError) {
	if !r.ready() {
		return nil, wire.ErrUnavailableRPC("worker not ready")
	}
	if deadlineMS != 0 && time.Duration(deadlineMS)*time.Millisecond > r.cfg.MaxDeadline {
		return nil, wire.ErrInvalidRequestRPC(fmt.Sprintf("deadline_ms %d exceeds max_deadline_ms %d", deadlineMS, r.cfg.MaxDeadline.Milliseconds()))
	}
	if !r.limiter.tryAcquire(function) {
		metrics.IncOverloaded()
		return nil, wire.ErrOverloadedRPC()
	}

	deadline := r.resolveDeadline(deadlineMS)
	id := atomic.AddUint64(&r.nextID, 1)
	entry := newStreamEntry(id, function)
	r.mu.Lock()
	r.streams[id] = entry
	r.mu.Unlock()
	metrics.IncAccepted()

	release := func() {
		r.mu.Lock()
		delete(r.streams, id)
		r.mu.Unlock()
		r.limiter.release(function)
	}

	link := r.currentLink()
	if link == nil {
		release()
		metrics.IncFailed()
		return nil, wire.ErrUnavailableRPC("no worker connected")
	}
	if err := link.Send(wire.Invoke{RequestID: id, Function: function, Params: params, DeadlineMS: deadlineMS, Context: rc}); err != nil {
		release()
		metrics.IncFailed()
		return nil, wire.ErrUnavailableRPC(err.Error())
	}

	out := make(chan wire.Message, 64)
	go func() {
		defer close(out)
		defer release()
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		for {
			select {
			case m := <-entry.items:
				out <- m
				switch m.(type) {
				case wire.StreamEnd:
					metrics.IncSuccess()
					return
				case wire.StreamError:
					metrics.IncFailed()
					return
				}
			case <-timer.C:
				out <- wire.StreamError{RequestID: id, Code: wire.CodeTimeout, Kind: wire.ErrorKindSystem, Message: "stream timed out"}
				metrics.IncTimeout()
				if l := r.currentLink(); l != nil {
					_ = l.Send(wire.Cancel{RequestID: id})
				}
				return
			case <-ctx.Done():
				out <- wire.StreamError{RequestID: id, Code: wire.CodeCancelled, Kind: wire.ErrorKindClient, Message: "cancelled"}
				metrics.IncCancelled()
				if l := r.currentLink(); l != nil {
					_ = l.Send(wire.Cancel{RequestID: id})
				}
				return
			}
		}
	}()
	return out, nil
}

// HandleStreamChunk, HandleStreamEnd and HandleStreamError are called by
// the supervisor's per-data-stream reader goroutines (one per streaming
// invocation's dedicated smux stream, SPEC_FULL.md §4.8) as frames arrive.
func (r *Router) HandleStreamChunk(m wire.StreamChunk) {
	r.mu.Lock()
	e := r.streams[m.RequestID]
	r.mu.Unlock()
	if e != nil {
		e.deliver(m)
	}
}

func (r *Router) HandleStreamEnd(m wire.StreamEnd) {
	r.mu.Lock()
	e := r.streams[m.RequestID]
	r.mu.Unlock()
	if e != nil {
		e.deliver(m)
	}
}

func (r *Router) HandleStreamError(m wire.StreamError) {
	r.mu.Lock()
	e := r.streams[m.RequestID]
	r.mu.Unlock()
	if e != nil {
		e.deliver(m)
	}
}

// FailAllStreams delivers a terminal StreamError to every in-flight
// streaming invocation, mirroring FailAllPending for the unary table.
func (r *Router) FailAllStreams(err *wire.RPCError) {
	r.mu.Lock()
	entries := make([]*streamEntry, 0, len(r.streams))
	for _, e := range r.streams {
		entries = append(entries, e)
	}
	r.mu.Unlock()
	for _, e := range entries {
		e.deliver(wire.StreamError{RequestID: e.requestID, Code: err.Code, Kind: err.Kind, Message: err.Message})
	}
}

// PendingStreamCount mirrors PendingCount for the streaming table, used by
// drain to wait for in-flight streams too.
func (r *Router) PendingStreamCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}
