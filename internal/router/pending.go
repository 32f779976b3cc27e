package router

import (
	"sync"
	"time"

	"github.com/splice-rpc/splice/internal/wire"
)

// outcome is what a pending invocation resolves to. Exactly one field is
// meaningful; Err is non-nil for InvokeError/Timeout/Cancelled/Unavailable.
type outcome struct {
	result []byte
	err    *wire.RPCError
}

// pendingEntry is the router-owned bookkeeping record for one in-flight
// invocation, per spec.md §3 "Pending-request entry". It is created on an
// accepted Invoke and destroyed on any terminal resolution.
type pendingEntry struct {
	requestID  uint64
	function   string
	startedAt  time.Time
	deadline   time.Time
	sink       chan outcome // single-shot: buffered 1, written at most once
	resolveOnce sync.Once
	cancelled  chan struct{} // closed when the router issues Cancel
}

func newPendingEntry(requestID uint64, function string, deadline time.Time) *pendingEntry {
	return &pendingEntry{
		requestID: requestID,
		function:  function,
		startedAt: time.Now(),
		deadline:  deadline,
		sink:      make(chan outcome, 1),
		cancelled: make(chan struct{}),
	}
}

// resolve delivers o to the sink exactly once; later calls are no-ops, which
// is how "first of Result/Error/Timeout/Cancelled wins" is enforced (spec.md
// §3 invariant, §5 "Cancellation is terminal once the sink is resolved").
func (p *pendingEntry) resolve(o outcome) (won bool) {
	p.resolveOnce.Do(func() {
		won = true
		p.sink <- o
	})
	return won
}

func (p *pendingEntry) requestCancel() {
	select {
	case <-p.cancelled:
	default:
		close(p.cancelled)
	}
}
