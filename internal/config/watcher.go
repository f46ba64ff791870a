package config

import (
	"context"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agilityfleet/conectl/internal/log"
)

// TunablesHolder hands out the current engine tunables and lets the file
// watcher swap them atomically under a live session.
type TunablesHolder struct {
	mu sync.RWMutex
	t  Tunables
}

// NewTunablesHolder seeds the holder with t.
func NewTunablesHolder(t Tunables) *TunablesHolder {
	return &TunablesHolder{t: t}
}

// Current returns the active tunables.
func (h *TunablesHolder) Current() Tunables {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.t
}

// Set replaces the active tunables.
func (h *TunablesHolder) Set(t Tunables) {
	h.mu.Lock()
	h.t = t
	h.mu.Unlock()
}

// Watch re-reads the config file whenever it changes and publishes the
// tunables block into holder. Only the tunables are hot; listener
// addresses and the DB path require a restart. Blocks until ctx is done.
func Watch(ctx context.Context, path string, holder *TunablesHolder) error {
	logger := log.WithComponent("config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(path); err != nil {
		return err
	}
	logger.Info().Str("path", path).Msg("watching config file for tunable changes")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				logger.Warn().Err(err).Msg("config reload failed, keeping previous tunables")
				continue
			}
			holder.Set(cfg.Tunables)
			logger.Info().
				Dur("step_display_pause", cfg.Tunables.StepDisplayPause).
				Dur("global_debounce", cfg.Tunables.GlobalDebounce).
				Int("max_concurrent_runs", cfg.Tunables.MaxConcurrentRuns).
				Msg("tunables reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}
