package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/onnwee/seraphbot/telemetry"
)

// Reloader is satisfied by *Engine.
type Reloader interface {
	Reload() (int, error)
}

// Watcher reloads commands when their source files change.
type Watcher struct {
	target   Reloader
	watcher  *fsnotify.Watcher
	debounce time.Duration
	exts     map[string]bool
}

// NewWatcher watches paths (directories, or files whose parent directory is
// watched) for changes to .lua and .toml files. Bursts of events within
// debounce collapse into one reload. Paths that are empty or missing are
// skipped.
func NewWatcher(target Reloader, paths []string, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create command watcher: %w", err)
	}
	w := &Watcher{target: target, watcher: fw, debounce: debounce, exts: map[string]bool{".lua": true, ".toml": true}}
	for _, p := range paths {
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			slog.Warn("command path not watched", slog.String("path", p), slog.Any("err", err), slog.String("component", "commands"))
			continue
		}
		dir := p
		if !info.IsDir() {
			dir = filepath.Dir(p)
		}
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return w, nil
}

// Run processes events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	log := telemetry.Logger(telemetry.WithLogLabel(ctx, "CommandWatcher"))

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.exts[strings.ToLower(filepath.Ext(ev.Name))] {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			log.Debug("command source changed", slog.String("file", ev.Name), slog.String("op", ev.Op.String()))
			timer.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("watcher error", slog.Any("err", err))
		case <-timer.C:
			n, err := w.target.Reload()
			if err != nil {
				log.Error("auto reload failed", slog.Any("err", err))
				continue
			}
			log.Info("commands auto-reloaded", slog.Int("commands", n))
		}
	}
}
