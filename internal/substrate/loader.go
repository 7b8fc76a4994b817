package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/clocksmith/reploid/internal/bus"
	"github.com/clocksmith/reploid/internal/errdefs"
	"github.com/clocksmith/reploid/internal/sandbox"
	"github.com/clocksmith/reploid/internal/vfs"
	"github.com/clocksmith/reploid/pkg/protocol"
)

// ExecutorFactory builds a fresh sandbox executor per module invocation, so
// a runaway invocation can be terminated without poisoning other calls.
type ExecutorFactory func() (*sandbox.Executor, error)

// ReloadSubscriber observes module swaps as (new, old).
type ReloadSubscriber func(newMod, oldMod *Module)

// Loader loads modules from the VFS (or transient blob handles), invokes
// their exports through the sandbox, and hot-swaps them on source changes.
type Loader struct {
	store    *vfs.VFS
	blobs    *vfs.BlobStore
	registry *Registry
	events   *bus.Bus
	factory  ExecutorFactory

	mu          sync.Mutex
	subscribers []ReloadSubscriber
}

func NewLoader(store *vfs.VFS, events *bus.Bus, factory ExecutorFactory) *Loader {
	return &Loader{
		store:    store,
		blobs:    vfs.NewBlobStore(),
		registry: NewRegistry(),
		events:   events,
		factory:  factory,
	}
}

// Registry exposes the module registry for resolution and patching.
func (l *Loader) Registry() *Registry { return l.registry }

// Subscribe registers a reload observer.
func (l *Loader) Subscribe(fn ReloadSubscriber) {
	l.mu.Lock()
	l.subscribers = append(l.subscribers, fn)
	l.mu.Unlock()
}

// LoadPath reads module source from the VFS and registers it.
func (l *Loader) LoadPath(path string) (*Module, error) {
	a, err := l.store.Read(path)
	if err != nil {
		return nil, err
	}
	return l.load(string(a.Content), path)
}

// LoadBlob materializes a transient in-memory blob as a module without
// persisting it, releasing the handle immediately after import.
func (l *Loader) LoadBlob(source []byte) (*Module, error) {
	h := l.blobs.Create(source)
	defer h.Release()
	return l.load(string(h.Bytes()), "")
}

func (l *Loader) load(source, sourcePath string) (*Module, error) {
	mf, err := ParseManifest(source)
	if err != nil {
		return nil, err
	}
	m := &Module{Name: mf.Name, Source: source, Manifest: mf}
	l.registry.put(m, sourcePath)
	if l.events != nil {
		l.events.Emit(protocol.TopicModuleLoaded, map[string]interface{}{
			"module":     m.Name,
			"generation": m.Generation,
		})
	}
	slog.Info("substrate.loaded", "module", m.Name, "generation", m.Generation)
	return m, nil
}

// Invoke resolves the module's live generation and runs one declared export
// in the sandbox. Host-side patches win over sandboxed code.
func (l *Loader) Invoke(ctx context.Context, module, export string, args map[string]interface{}) (json.RawMessage, error) {
	m, ok := l.registry.Resolve(module)
	if !ok {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "substrate: module %s", module)
	}
	if !m.HasExport(export) {
		return nil, errdefs.Wrap(errdefs.ErrValidation, "substrate: %s does not declare export %s", module, export)
	}

	if fn, ok := l.registry.patchFor(module, export); ok {
		out, err := fn(args)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.ErrSandbox, "substrate: patched %s.%s: %v", module, export, err)
		}
		return json.Marshal(out)
	}

	if l.factory == nil {
		return nil, errdefs.Wrap(errdefs.ErrSandbox, "substrate: no executor factory configured")
	}
	exec, err := l.factory()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrSandbox, "substrate: spawn executor: %v", err)
	}
	defer exec.Close()

	return exec.Execute(ctx, sandbox.ExecutePayload{
		Code:  m.Source,
		Args:  args,
		Entry: export,
	})
}

// Reload fetches new source for a loaded module and swaps it in:
//
//  1. fetch new source, keep the old module
//  2. parse the new module and put it in the registry (next generation,
//     version bumped)
//  3. run its onHotReload hook if declared and an executor factory is set
//  4. notify subscribers (new, old)
//
// Any failure restores the old module and surfaces ErrHotReload.
func (l *Loader) Reload(ctx context.Context, module string) (*Module, error) {
	old, ok := l.registry.Resolve(module)
	if !ok {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "substrate: module %s", module)
	}
	l.registry.mu.RLock()
	sourcePath := l.registry.entries[module].sourcePath
	l.registry.mu.RUnlock()
	if sourcePath == "" {
		return nil, errdefs.Wrap(errdefs.ErrHotReload, "substrate: %s has no source path", module)
	}

	fail := func(stage string, err error) (*Module, error) {
		l.registry.restore(old)
		if l.events != nil {
			l.events.Emit(protocol.TopicModuleReloadFail, map[string]interface{}{
				"module": module,
				"stage":  stage,
				"error":  err.Error(),
			})
		}
		return nil, errdefs.Wrap(errdefs.ErrHotReload, "substrate: reload %s at %s: %v", module, stage, err)
	}

	a, err := l.store.Read(sourcePath)
	if err != nil {
		return fail("fetch", err)
	}
	mf, err := ParseManifest(string(a.Content))
	if err != nil {
		return fail("parse", err)
	}
	if mf.Name != module {
		return fail("parse", fmt.Errorf("manifest renames module to %s", mf.Name))
	}

	next := &Module{Name: mf.Name, Source: string(a.Content), Manifest: mf}
	l.registry.put(next, sourcePath)

	if next.HasExport(HotReloadHook) && l.factory != nil {
		if _, err := l.Invoke(ctx, module, HotReloadHook, map[string]interface{}{
			"oldGeneration": old.Generation,
		}); err != nil {
			return fail("hook", err)
		}
	}

	l.mu.Lock()
	subs := make([]ReloadSubscriber, len(l.subscribers))
	copy(subs, l.subscribers)
	l.mu.Unlock()
	for _, fn := range subs {
		fn(next, old)
	}

	if l.events != nil {
		l.events.Emit(protocol.TopicModuleReloaded, map[string]interface{}{
			"module":     module,
			"generation": next.Generation,
		})
	}
	slog.Info("substrate.reloaded", "module", module, "generation", next.Generation)
	return next, nil
}
