package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/splice-rpc/splice/internal/wire"
)

// workerProcess owns the spawned worker's os/exec.Cmd and gives the
// supervisor a single process-group handle to signal, so a worker that
// forks its own children still goes away on drain/kill. os/exec forbids
// concurrent Wait calls on the same *exec.Cmd, so terminate() (called from
// Shutdown/Reload) and wait() (called from runWorkerGeneration after EOF)
// both fold through awaitExit, which collects the exit state exactly once.
type workerProcess struct {
	cmd      *exec.Cmd
	waitOnce sync.Once
	waitErr  error
}

// spawnFn is a test hook, mirroring the teacher's openSerialPort/sleepFn
// package-variable injection style.
var spawnFn = defaultSpawn

func defaultSpawn(ctx context.Context, command string, args []string, socketPath string, env []string) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = append(env, fmt.Sprintf("%s=%s", wire.WorkerSocketEnv, socketPath))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func spawnWorker(ctx context.Context, command string, args []string, socketPath string, env []string) (*workerProcess, error) {
	cmd, err := spawnFn(ctx, command, args, socketPath, env)
	if err != nil {
		return nil, err
	}
	return &workerProcess{cmd: cmd}, nil
}

// signalGroup delivers sig to the worker's entire process group so
// grandchildren spawned by the worker are reaped too.
func (p *workerProcess) signalGroup(sig syscall.Signal) error {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return nil
	}
	pgid, err := unix.Getpgid(p.cmd.Process.Pid)
	if err != nil {
		return p.cmd.Process.Signal(sig)
	}
	return unix.Kill(-pgid, sig)
}

// terminate implements spec.md §4.6's drain kill sequence: SIGTERM, then
// SIGKILL after the grace period if the process hasn't exited.
func (p *workerProcess) terminate(grace time.Duration) {
	if p == nil || p.cmd == nil || p.cmd.Process == nil {
		return
	}
	_ = p.signalGroup(syscall.SIGTERM)
	done := make(chan struct{})
	go func() { _ = p.awaitExit(); close(done) }()
	select {
	case <-done:
	case <-time.After(grace):
		_ = p.signalGroup(syscall.SIGKILL)
	}
}

// wait blocks until the worker process exits and returns its error (nil on
// a clean exit(0)).
func (p *workerProcess) wait() error {
	return p.awaitExit()
}

// awaitExit calls cmd.Wait() exactly once no matter how many goroutines
// (terminate's kill-escalation watcher, runWorkerGeneration's own wait)
// call it concurrently; every caller blocks until that single call returns
// and observes the same result.
func (p *workerProcess) awaitExit() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}
