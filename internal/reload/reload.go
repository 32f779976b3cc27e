// Package reload watches the worker binary on disk and triggers a
// drain-and-respawn cycle when its content changes (spec.md §4.6 /
// SPEC_FULL.md §4). Detection is by content hash rather than mtime so a
// rebuild that reproduces identical bytes (or a touch with no real change)
// doesn't trigger a needless restart.
package reload

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/splice-rpc/splice/internal/logging"
)

// Trigger is called once per detected change, on its own goroutine. The
// supervisor wires this to its drain-and-respawn sequence.
type Trigger func(ctx context.Context)

// Manager watches a single worker binary path.
type Manager struct {
	path     string
	poll     time.Duration
	logger   *slog.Logger
	lastHash uint64
}

func New(path string, poll time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = logging.L()
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Manager{path: path, poll: poll, logger: logger}
}

// Watch blocks until ctx is cancelled, calling trigger every time the
// binary's content hash changes. It prefers fsnotify for immediate
// detection and falls back to polling the hash on a ticker in case the
// binary is replaced via rename (which some fsnotify backends coalesce
// oddly) or fsnotify setup fails (e.g. inotify watch limits).
func (m *Manager) Watch(ctx context.Context, trigger Trigger) error {
	h, err := hashFile(m.path)
	if err == nil {
		m.lastHash = h
	}

	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		if err := watcher.Add(m.path); err != nil {
			m.logger.Warn("reload_watch_add_failed", "path", m.path, "error", err)
		}
	} else {
		m.logger.Warn("reload_fsnotify_unavailable", "error", werr)
	}

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcherEvents(watcher):
			if !ok {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			m.checkAndTrigger(ctx, trigger)
		case <-ticker.C:
			m.checkAndTrigger(ctx, trigger)
		}
	}
}

func watcherEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}

func (m *Manager) checkAndTrigger(ctx context.Context, trigger Trigger) {
	h, err := hashFile(m.path)
	if err != nil {
		m.logger.Debug("reload_hash_failed", "path", m.path, "error", err)
		return
	}
	if h == m.lastHash {
		return
	}
	m.logger.Info("reload_detected", "path", m.path, "hash", h)
	m.lastHash = h
	go trigger(ctx)
}

func hashFile(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(data), nil
}
