// Command splice-worker-demo is a reference worker exercising spec.md §8's
// test scenarios: echo, sleep (for deadline/overload/cancel behavior) and a
// streaming countup export.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/splice-rpc/splice/internal/logging"
	"github.com/splice-rpc/splice/internal/workerrt"
)

func main() {
	logger := logging.L()

	reg := workerrt.NewRegistry()
	reg.Add(workerrt.Register("echo", echo))
	reg.Add(workerrt.Register("sleep", sleepFn))
	reg.AddStream(workerrt.RegisterStream("countup", countup))

	rt := workerrt.New(reg)
	if err := rt.Run(context.Background(), ""); err != nil {
		logger.Error("worker_exited", "error", err)
		os.Exit(1)
	}
}

func echo(_ context.Context, s string) (string, error) {
	return s, nil
}

// sleepMS is sleep's parameter type: spec.md §8 scenarios pass a bare ms
// count, so Params is just a number rather than an object.
type sleepMS = uint32

func sleepFn(ctx context.Context, ms sleepMS) (struct{}, error) {
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return struct{}{}, nil
	case <-ctx.Done():
		return struct{}{}, ctx.Err()
	}
}

// countup emits n, n-1, ..., 1 as separate chunks, one every 10ms, so a
// streaming consumer sees more than one StreamChunk before StreamEnd.
func countup(ctx context.Context, n int, emit func(int) error) error {
	for i := n; i >= 1; i-- {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
		if err := emit(i); err != nil {
			return fmt.Errorf("emit chunk: %w", err)
		}
	}
	return nil
}
