package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

const watchOps = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename

func (a *Aggregator) notifyWatcher() {
	select {
	case a.added <- struct{}{}:
	default:
	}
}

// Watch invalidates cached aggregations when a local manifest file they
// were read from changes. Entries whose merged manifest is unchanged are
// kept. onChange is called with every entry that was dropped. Watch blocks
// until ctx is done.
func (a *Aggregator) Watch(ctx context.Context, onChange func(*Result)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dirs := make(map[string]bool)
	watchSources := func() {
		for _, source := range a.cache.Sources() {
			dir := filepath.Dir(source)
			if dirs[dir] {
				continue
			}
			if err := watcher.Add(dir); err != nil {
				slog.Warn("failed to watch manifest directory", "dir", dir, "error", err)
				continue
			}
			dirs[dir] = true
			slog.Debug("watching manifest directory", "dir", dir)
		}
	}
	watchSources()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.added:
			watchSources()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&watchOps == 0 {
				continue
			}
			a.changed(ctx, filepath.Clean(event.Name), onChange)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("manifest watcher error", "error", err)
		}
	}
}

func (a *Aggregator) changed(ctx context.Context, location string, onChange func(*Result)) {
	for _, stale := range a.cache.InvalidateSource(location) {
		fresh := a.loader.ResolveSources(ctx, stale.ref)
		if Fingerprint(fresh.Manifest) == stale.Fingerprint {
			a.cache.Put(stale.ref, stale)
			slog.Debug("manifest touched but unchanged", "ref", stale.Ref, "path", location)
			continue
		}
		slog.Info("manifest changed, cached tools dropped", "ref", stale.Ref, "path", location)
		if onChange != nil {
			onChange(stale)
		}
	}
}
