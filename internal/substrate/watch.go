package substrate

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/clocksmith/reploid/internal/bus"
	"github.com/clocksmith/reploid/internal/vfs"
	"github.com/clocksmith/reploid/pkg/protocol"
)

// WatchBus subscribes to vfs:updated and auto-reloads any loaded module whose
// source path changed. Returns the module id used for unsubscribe.
func (l *Loader) WatchBus(b *bus.Bus) string {
	const moduleID = "substrate-watch"
	b.On(protocol.TopicVFSUpdated, func(ev bus.Event) {
		st, ok := ev.Payload.(*vfs.Stat)
		if !ok {
			return
		}
		name, loaded := l.registry.byPath(st.Path)
		if !loaded {
			return
		}
		if _, err := l.Reload(context.Background(), name); err != nil {
			slog.Warn("substrate.auto_reload_failed", "module", name, "error", err)
		}
	}, moduleID)
	return moduleID
}

// WatchDir mirrors .js files from an OS directory into the VFS under
// /modules/, so editing a source file on disk flows through vfs:updated and
// triggers the reload pipeline. Blocks until ctx is done.
func (l *Loader) WatchDir(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return err
	}
	slog.Info("substrate.watching", "dir", dir)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if !strings.HasSuffix(ev.Name, ".js") {
				continue
			}
			l.mirrorFile(ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("substrate.watch_error", "error", err)
		}
	}
}

func (l *Loader) mirrorFile(osPath string) {
	data, err := os.ReadFile(osPath)
	if err != nil {
		slog.Warn("substrate.mirror_read_failed", "path", osPath, "error", err)
		return
	}
	target := "/modules/" + filepath.Base(osPath)
	if _, err := l.store.Write(target, data, vfs.WriteOptions{Type: vfs.TypeCode}); err != nil {
		slog.Warn("substrate.mirror_write_failed", "path", target, "error", err)
	}
}
