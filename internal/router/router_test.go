package router

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/splice-rpc/splice/internal/wire"
)

// fakeLink records every Send and optionally answers Invoke synchronously via
// a reply function, mirroring the teacher's fake-port style (backend_backoff_test.go).
type fakeLink struct {
	mu      sync.Mutex
	sent    []wire.Message
	onSend  func(wire.Message)
	sendErr error
}

func (f *fakeLink) Send(m wire.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, m)
	onSend := f.onSend
	f.mu.Unlock()
	if onSend != nil {
		onSend(m)
	}
	return f.sendErr
}

func (f *fakeLink) sentKinds() []wire.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func TestInvokeResolvesOnWorkerResult(t *testing.T) {
	var r *Router
	link := &fakeLink{}
	link.onSend = func(m wire.Message) {
		if inv, ok := m.(wire.Invoke); ok {
			go r.HandleResult(wire.InvokeResult{RequestID: inv.RequestID, Result: []byte("pong")})
		}
	}
	r = New(Config{}, link)

	result, rpcErr := r.Invoke(context.Background(), "echo", []byte("ping"), 0, wire.RequestContext{})
	if rpcErr != nil {
		t.Fatalf("unexpected error: %v", rpcErr)
	}
	if string(result) != "pong" {
		t.Fatalf("got %q want %q", result, "pong")
	}
	if n := r.PendingCount(); n != 0 {
		t.Fatalf("pending entry leaked, count=%d", n)
	}
	if n := r.ActiveGlobal(); n != 0 {
		t.Fatalf("limiter leaked, active=%d", n)
	}
}

func TestInvokeResolvesOnWorkerError(t *testing.T) {
	var r *Router
	link := &fakeLink{}
	link.onSend = func(m wire.Message) {
		if inv, ok := m.(wire.Invoke); ok {
			go r.HandleError(wire.InvokeError{RequestID: inv.RequestID, Code: wire.CodeExecutionFailed, Kind: wire.ErrorKindExecution, Message: "boom"})
		}
	}
	r = New(Config{}, link)

	_, rpcErr := r.Invoke(context.Background(), "fail", nil, 0, wire.RequestContext{})
	if rpcErr == nil || rpcErr.Code != wire.CodeExecutionFailed {
		t.Fatalf("got %v, want CodeExecutionFailed", rpcErr)
	}
}

func TestInvokeTimesOutAndSendsCancel(t *testing.T) {
	link := &fakeLink{} // never replies
	r := New(Config{DefaultDeadline: 10 * time.Millisecond}, link)

	_, rpcErr := r.Invoke(context.Background(), "slow", nil, 0, wire.RequestContext{})
	if rpcErr == nil || rpcErr.Code != wire.CodeTimeout {
		t.Fatalf("got %v, want CodeTimeout", rpcErr)
	}

	foundCancel := false
	for _, m := range link.sentKinds() {
		if _, ok := m.(wire.Cancel); ok {
			foundCancel = true
		}
	}
	if !foundCancel {
		t.Fatal("expected a best-effort Cancel to be sent to the worker on timeout")
	}
}

func TestInvokeCancelledByContext(t *testing.T) {
	link := &fakeLink{}
	r := New(Config{DefaultDeadline: time.Minute}, link)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var rpcErr *wire.RPCError
	go func() {
		_, rpcErr = r.Invoke(ctx, "slow", nil, 0, wire.RequestContext{})
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	<-done
	if rpcErr == nil || rpcErr.Code != wire.CodeCancelled {
		t.Fatalf("got %v, want CodeCancelled", rpcErr)
	}
}

func TestInvokeFailsFastWhenNotReady(t *testing.T) {
	link := &fakeLink{}
	r := New(Config{}, link)
	r.SetReadyFunc(func() bool { return false })

	_, rpcErr := r.Invoke(context.Background(), "echo", nil, 0, wire.RequestContext{})
	if rpcErr == nil || rpcErr.Kind != wire.ErrorKindSystem || rpcErr.Code != wire.CodeUnavailable {
		t.Fatalf("got %v, want Unavailable", rpcErr)
	}
	if len(link.sentKinds()) != 0 {
		t.Fatal("expected no Invoke sent when not ready")
	}
}

func TestInvokeRejectsDeadlineAboveCeiling(t *testing.T) {
	link := &fakeLink{}
	r := New(Config{MaxDeadline: time.Second}, link)
	r.SetReadyFunc(func() bool { return true })

	_, rpcErr := r.Invoke(context.Background(), "echo", nil, 5000, wire.RequestContext{})
	if rpcErr == nil || rpcErr.Code != wire.CodeInvalidRequest || rpcErr.Kind != wire.ErrorKindClient {
		t.Fatalf("got %v, want InvalidRequest", rpcErr)
	}
	if len(link.sentKinds()) != 0 {
		t.Fatal("expected no Invoke sent for a rejected deadline")
	}
}

func TestGlobalConcurrencyCapRejectsExcessFailFast(t *testing.T) {
	link := &fakeLink{} // never replies, every Invoke blocks until the caller cancels
	r := New(Config{MaxConcurrentRequests: 2, MaxConcurrentPerFunction: 2}, link)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	blocked := int32(0)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			atomic.AddInt32(&blocked, 1)
			_, _ = r.Invoke(ctx, "f", nil, 0, wire.RequestContext{})
		}()
	}
	// Wait until both occupy the limiter.
	for i := 0; i < 100 && r.ActiveGlobal() < 2; i++ {
		time.Sleep(time.Millisecond)
	}
	if r.ActiveGlobal() != 2 {
		t.Fatalf("expected 2 active, got %d", r.ActiveGlobal())
	}

	_, rpcErr := r.Invoke(context.Background(), "f", nil, 0, wire.RequestContext{})
	if rpcErr == nil || rpcErr.Code != wire.CodeOverloaded {
		t.Fatalf("got %v, want CodeOverloaded", rpcErr)
	}

	cancel()
	wg.Wait()
}

func TestPerFunctionCapIsIndependentOfGlobal(t *testing.T) {
	link := &fakeLink{}
	r := New(Config{MaxConcurrentRequests: 100, MaxConcurrentPerFunction: 1}, link)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _, _ = r.Invoke(ctx, "f", nil, 0, wire.RequestContext{}) }()
	for i := 0; i < 100 && r.ActiveFunction("f") < 1; i++ {
		time.Sleep(time.Millisecond)
	}

	_, rpcErr := r.Invoke(context.Background(), "f", nil, 0, wire.RequestContext{})
	if rpcErr == nil || rpcErr.Code != wire.CodeOverloaded {
		t.Fatalf("got %v, want CodeOverloaded for saturated function", rpcErr)
	}

	// A different function is unaffected by f's per-function saturation.
	_, rpcErr = r.Invoke(context.Background(), "g", nil, 0, wire.RequestContext{})
	if rpcErr != nil && rpcErr.Code == wire.CodeOverloaded {
		t.Fatalf("g was rejected as overloaded by f's per-function cap: %v", rpcErr)
	}
}

func TestFailAllPendingResolvesEveryEntryExactlyOnce(t *testing.T) {
	link := &fakeLink{} // never replies
	r := New(Config{DefaultDeadline: time.Minute}, link)

	const n = 5
	results := make([]*wire.RPCError, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = r.Invoke(context.Background(), "f", nil, 0, wire.RequestContext{})
		}(i)
	}
	for i := 0; i < 200 && r.PendingCount() < n; i++ {
		time.Sleep(time.Millisecond)
	}
	r.FailAllPending(wire.ErrUnavailableRPC("worker crashed"))
	wg.Wait()

	for i, rpcErr := range results {
		if rpcErr == nil || rpcErr.Code != wire.CodeUnavailable {
			t.Fatalf("entry %d: got %v, want Unavailable", i, rpcErr)
		}
	}
	if n := r.PendingCount(); n != 0 {
		t.Fatalf("pending table not drained, count=%d", n)
	}
	if n := r.ActiveGlobal(); n != 0 {
		t.Fatalf("limiter not released, active=%d", n)
	}
}

func TestHostCancelResolvesPendingEntry(t *testing.T) {
	link := &fakeLink{}
	r := New(Config{DefaultDeadline: time.Minute}, link)

	var requestID uint64
	link.onSend = func(m wire.Message) {
		if inv, ok := m.(wire.Invoke); ok {
			requestID = inv.RequestID
		}
	}

	done := make(chan *wire.RPCError, 1)
	go func() {
		_, rpcErr := r.Invoke(context.Background(), "slow", nil, 0, wire.RequestContext{})
		done <- rpcErr
	}()

	for i := 0; i < 200 && r.PendingCount() == 0; i++ {
		time.Sleep(time.Millisecond)
	}
	r.Cancel(requestID)

	rpcErr := <-done
	if rpcErr == nil || rpcErr.Code != wire.CodeCancelled {
		t.Fatalf("got %v, want CodeCancelled", rpcErr)
	}
}

func TestUnknownRequestIDIsSilentlyDropped(t *testing.T) {
	link := &fakeLink{}
	r := New(Config{}, link)
	r.HandleResult(wire.InvokeResult{RequestID: 999, Result: []byte("x")})
	r.HandleError(wire.InvokeError{RequestID: 999, Code: wire.CodeExecutionFailed})
	r.Cancel(999) // must not panic on an unknown id
}
