package workerrt

import (
	"context"
	"errors"
	"testing"

	"github.com/splice-rpc/splice/internal/wire"
)

func TestTypedHandlerRoundTrip(t *testing.T) {
	h := Register("echo", func(_ context.Context, s string) (string, error) { return s, nil })
	params, _ := jsonMarshal(t, "hello")
	result, rpcErr := h.Invoke(context.Background(), params)
	if rpcErr != nil {
		t.Fatalf("unexpected error: %v", rpcErr)
	}
	if got := jsonUnmarshalString(t, result); got != "hello" {
		t.Fatalf("got %q want %q", got, "hello")
	}
}

func TestTypedHandlerWrapsApplicationError(t *testing.T) {
	h := Register("fail", func(_ context.Context, _ string) (string, error) { return "", errors.New("boom") })
	_, rpcErr := h.Invoke(context.Background(), []byte(`""`))
	if rpcErr == nil || rpcErr.Code != wire.CodeExecutionFailed {
		t.Fatalf("got %v, want CodeExecutionFailed", rpcErr)
	}
}

func TestTypedHandlerRecoversPanic(t *testing.T) {
	h := Register("boom", func(_ context.Context, _ string) (string, error) { panic("kaboom") })
	_, rpcErr := h.Invoke(context.Background(), []byte(`""`))
	if rpcErr == nil || rpcErr.Code != wire.CodePanic {
		t.Fatalf("got %v, want CodePanic", rpcErr)
	}
}

func TestTypedHandlerRejectsBadParams(t *testing.T) {
	h := Register("echo", func(_ context.Context, s string) (string, error) { return s, nil })
	_, rpcErr := h.Invoke(context.Background(), []byte(`not json`))
	if rpcErr == nil || rpcErr.Code != wire.CodeInvalidParams {
		t.Fatalf("got %v, want CodeInvalidParams", rpcErr)
	}
}

func TestTypedHandlerReportsCancelledOverApplicationError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := Register("slow", func(ctx context.Context, _ string) (string, error) { return "", ctx.Err() })
	_, rpcErr := h.Invoke(ctx, []byte(`""`))
	if rpcErr == nil || rpcErr.Code != wire.CodeCancelled {
		t.Fatalf("got %v, want CodeCancelled", rpcErr)
	}
}

func TestRegistryLookupAndExportMetadata(t *testing.T) {
	reg := NewRegistry()
	reg.Add(Register("echo", func(_ context.Context, s string) (string, error) { return s, nil }))
	if _, ok := reg.lookup("echo"); !ok {
		t.Fatal("expected echo to be registered")
	}
	if _, ok := reg.lookup("missing"); ok {
		t.Fatal("expected missing to be absent")
	}
	meta := reg.exportMetadata()
	if len(meta) != 1 || meta[0].Name != "echo" {
		t.Fatalf("unexpected export metadata: %+v", meta)
	}
}

func TestTypedStreamHandlerEmitsEveryChunk(t *testing.T) {
	h := RegisterStream("count", func(_ context.Context, n int, emit func(int) error) error {
		for i := 1; i <= n; i++ {
			if err := emit(i); err != nil {
				return err
			}
		}
		return nil
	})
	var got []int
	rpcErr := h.InvokeStream(context.Background(), []byte("3"), func(chunk []byte) error {
		got = append(got, int(chunk[0]-'0'))
		return nil
	})
	if rpcErr != nil {
		t.Fatalf("unexpected error: %v", rpcErr)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("unexpected chunks: %+v", got)
	}
}

func TestTypedStreamHandlerWrapsApplicationError(t *testing.T) {
	h := RegisterStream("fail", func(_ context.Context, _ int, _ func(int) error) error {
		return errors.New("boom")
	})
	rpcErr := h.InvokeStream(context.Background(), []byte("0"), func([]byte) error { return nil })
	if rpcErr == nil || rpcErr.Code != wire.CodeExecutionFailed {
		t.Fatalf("got %v, want CodeExecutionFailed", rpcErr)
	}
}

func TestTypedStreamHandlerRecoversPanic(t *testing.T) {
	h := RegisterStream("boom", func(_ context.Context, _ int, _ func(int) error) error { panic("kaboom") })
	rpcErr := h.InvokeStream(context.Background(), []byte("0"), func([]byte) error { return nil })
	if rpcErr == nil || rpcErr.Code != wire.CodePanic {
		t.Fatalf("got %v, want CodePanic", rpcErr)
	}
}

func TestTypedStreamHandlerReportsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := RegisterStream("slow", func(ctx context.Context, _ int, _ func(int) error) error { return ctx.Err() })
	rpcErr := h.InvokeStream(ctx, []byte("0"), func([]byte) error { return nil })
	if rpcErr == nil || rpcErr.Code != wire.CodeCancelled {
		t.Fatalf("got %v, want CodeCancelled", rpcErr)
	}
}

func TestRegistryAddStreamAndLookupStream(t *testing.T) {
	reg := NewRegistry()
	reg.AddStream(RegisterStream("count", func(_ context.Context, n int, emit func(int) error) error { return nil }))
	if _, ok := reg.lookupStream("count"); !ok {
		t.Fatal("expected count to be registered")
	}
	if _, ok := reg.lookup("count"); ok {
		t.Fatal("a streaming export must not also satisfy the unary lookup")
	}
	meta := reg.exportMetadata()
	if len(meta) != 1 || !meta[0].IsStreaming {
		t.Fatalf("unexpected export metadata: %+v", meta)
	}
}

func jsonMarshal(t *testing.T, s string) ([]byte, error) {
	t.Helper()
	return []byte(`"` + s + `"`), nil
}

func jsonUnmarshalString(t *testing.T, b []byte) string {
	t.Helper()
	if len(b) < 2 {
		return ""
	}
	return string(b[1 : len(b)-1])
}
