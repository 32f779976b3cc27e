package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/splice-rpc/splice/internal/config"
)

// mdnsServiceType advertises the supervisor's host-facing socket so other
// processes on the LAN can discover it without a hardcoded address
// (SPEC_FULL.md §4.2). Splice only ever listens on unix sockets, so the
// advertised port is a dummy "a service exists" marker rather than a real
// dialable TCP port; discovery is metadata-only (socket path in meta).
const mdnsServiceType = "_splice-supervisor._tcp"

// startMDNS registers the service via mDNS and returns a cleanup function.
// It is a no-op, returning a no-op cleanup, when cfg.MDNSEnable is false.
func startMDNS(ctx context.Context, cfg *config.Config) (func(), error) {
	if !cfg.MDNSEnable {
		return func() {}, nil
	}
	instance := cfg.MDNSName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("splice-supervisor-%s", host)
	}
	meta := []string{
		"host_socket=" + cfg.HostSocketPath,
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", 1, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
