// Command splice-supervisor is the middle process of the Host <-> Supervisor
// <-> Worker bridge (spec.md §4.2): it spawns and restarts a worker binary,
// negotiates its handshake, and serves host connections over a unix socket.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/splice-rpc/splice/internal/config"
	"github.com/splice-rpc/splice/internal/logging"
	"github.com/splice-rpc/splice/internal/metrics"
	"github.com/splice-rpc/splice/internal/reload"
	"github.com/splice-rpc/splice/internal/router"
	"github.com/splice-rpc/splice/internal/supervisor"
)

// mdnsCleanup guards the lazily-set mDNS shutdown func: it's written once
// the mDNS goroutine registers (after sup.Ready()) and read from the
// signal-handling select loop, on different goroutines.
type mdnsCleanup struct {
	mu sync.Mutex
	fn func()
}

func (c *mdnsCleanup) set(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fn = fn
}

func (c *mdnsCleanup) run() {
	c.mu.Lock()
	fn := c.fn
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func main() {
	cfg, showVersion, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if showVersion {
		fmt.Printf("splice-supervisor %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	logger := logging.New(cfg.LogFormat, logging.LevelFromString(cfg.LogLevel), nil)
	logging.Set(logger)

	sup := supervisor.New(supervisor.Config{
		WorkerCommand:    cfg.WorkerCommand,
		WorkerArgs:       cfg.WorkerArgs,
		WorkerSocketPath: cfg.WorkerSocketPath,
		HostSocketPath:   cfg.HostSocketPath,
		HandshakeTimeout: cfg.HandshakeTimeout,
		HealthInterval:   cfg.HealthInterval,
		DrainTimeout:     cfg.DrainTimeout,
		KillGrace:        cfg.KillGrace,
		MaxRestarts:      cfg.MaxRestarts,
		MaxHostConns:     cfg.MaxHostConns,
		Router: router.Config{
			MaxConcurrentRequests:    cfg.MaxConcurrentRequests,
			MaxConcurrentPerFunction: cfg.MaxConcurrentPerFunction,
			MaxDeadline:              cfg.MaxDeadline,
		},
	}, supervisor.WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Serve(ctx) }()

	if cfg.ReloadEnable {
		go func() {
			<-sup.Ready()
			mgr := reload.New(cfg.WorkerCommand, cfg.ReloadPoll, logger)
			_ = mgr.Watch(ctx, func(triggerCtx context.Context) {
				reloadCtx, reloadCancel := context.WithTimeout(triggerCtx, cfg.DrainTimeout+cfg.KillGrace)
				defer reloadCancel()
				if err := sup.Reload(reloadCtx); err != nil {
					logger.Warn("reload_failed", "error", err)
				}
			})
		}()
	}

	var cleanupMDNS mdnsCleanup
	go func() {
		select {
		case <-sup.Ready():
		case <-ctx.Done():
			return
		}
		cleanup, err := startMDNS(ctx, cfg)
		if err != nil {
			logger.Warn("mdns_start_failed", "error", err)
			return
		}
		cleanupMDNS.set(cleanup)
		logger.Info("mdns_started", "service", mdnsServiceType, "name", cfg.MDNSName)
	}()

	if cfg.MetricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		httpSrv := metrics.StartHTTP(cfg.MetricsAddr)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case s := <-sigCh:
			if s == syscall.SIGHUP {
				logger.Info("reload_signal")
				reloadCtx, reloadCancel := context.WithTimeout(ctx, cfg.DrainTimeout+cfg.KillGrace)
				if err := sup.Reload(reloadCtx); err != nil {
					logger.Warn("reload_failed", "error", err)
				}
				reloadCancel()
				continue
			}
			logger.Info("shutdown_signal", "signal", s.String())
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+cfg.KillGrace)
			if err := sup.Shutdown(shutdownCtx); err != nil {
				logger.Warn("shutdown_error", "error", err)
			}
			shutdownCancel()
			cancel()
			cleanupMDNS.run()
			<-errCh
			return
		case err := <-errCh:
			if err != nil {
				logger.Error("serve_error", "error", err)
			}
			return
		case err := <-sup.Errors():
			logger.Error("supervisor_error", "error", err)
		}
	}
}
