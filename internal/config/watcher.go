package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent is one settled change to config.yaml.
type ReloadEvent struct {
	Path string
	// Op is the union of the filesystem operations seen in the burst.
	Op fsnotify.Op
}

// settleDelay coalesces the write bursts editors produce on save.
const settleDelay = 200 * time.Millisecond

// Watcher reports changes to config.yaml. It watches the home directory
// rather than the file so that editors replacing the file by rename are
// still seen.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger.With("component", "config"),
		events:  make(chan ReloadEvent, 1),
	}
}

// Events delivers at most one pending change; bursts collapse into it.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	if err := fsw.Add(w.homeDir); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", w.homeDir, err)
	}
	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	target := filepath.Clean(ConfigPath(w.homeDir))
	settle := time.NewTimer(settleDelay)
	settle.Stop()
	defer settle.Stop()
	var pending ReloadEvent

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			pending.Path = ev.Name
			pending.Op |= ev.Op
			settle.Reset(settleDelay)
		case <-settle.C:
			w.logger.Info("config file changed", "path", pending.Path, "op", pending.Op.String())
			select {
			case w.events <- pending:
			default:
				// A reload is already queued and will read the newest file.
			}
			pending = ReloadEvent{}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

// Follow reloads the configuration on every change event and hands valid
// results to apply. Invalid files are logged and skipped, so the last
// good configuration stays in effect. Follow returns when the watcher
// stops.
func (w *Watcher) Follow(apply func(Config)) {
	var last string
	for range w.events {
		cfg, err := LoadFrom(w.homeDir)
		if err != nil {
			w.logger.Warn("config reload rejected", "error", err)
			continue
		}
		fp := cfg.Fingerprint()
		if fp == last {
			continue
		}
		last = fp
		w.logger.Info("config reloaded", "fingerprint", fp, "decision_mode", cfg.Decision.Mode)
		apply(cfg)
	}
}
