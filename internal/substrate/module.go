// Package substrate loads dynamic code blobs from the VFS as live modules
// and hot-swaps them without restarting consumers. Loaded modules live in a
// registry indexed by name; callers resolve on each use, so a reload is
// observed transparently through the bumped generation.
package substrate

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/clocksmith/reploid/internal/errdefs"
)

// manifestDirective is the required first-line module header, e.g.
// //reploid:module {"name":"greet","exports":["run"]}
const manifestDirective = "//reploid:module "

// HotReloadHook is the export name invoked during a reload, if declared.
const HotReloadHook = "onHotReload"

// Manifest declares a module's identity and exports. Modules without a
// manifest are rejected: the loader never infers exports from source text.
type Manifest struct {
	Name    string   `json:"name"`
	Exports []string `json:"exports"`
}

// Module is one loaded unit.
type Module struct {
	Name       string
	Generation int
	Source     string
	Manifest   Manifest
}

// HasExport reports whether name is declared.
func (m *Module) HasExport(name string) bool {
	for _, e := range m.Manifest.Exports {
		if e == name {
			return true
		}
	}
	return false
}

// ParseManifest extracts and validates the manifest directive from source.
func ParseManifest(source string) (Manifest, error) {
	var mf Manifest
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, manifestDirective) {
			return mf, errdefs.Wrap(errdefs.ErrValidation,
				"substrate: missing module manifest directive")
		}
		raw := strings.TrimPrefix(trimmed, manifestDirective)
		if err := json.Unmarshal([]byte(raw), &mf); err != nil {
			return mf, errdefs.Wrap(errdefs.ErrValidation, "substrate: bad manifest: %v", err)
		}
		break
	}
	if mf.Name == "" {
		return mf, errdefs.Wrap(errdefs.ErrValidation, "substrate: manifest missing name")
	}
	if len(mf.Exports) == 0 {
		return mf, errdefs.Wrap(errdefs.ErrValidation, "substrate: manifest declares no exports")
	}
	return mf, nil
}

// entry is one registry slot. sourcePath remembers where the module came
// from so the watcher can map VFS updates back to modules.
type entry struct {
	module     *Module
	sourcePath string
	patches    map[string]HostFunc
	originals  map[string]bool // patched exports, for rollback bookkeeping
}

// HostFunc is a host-side replacement for a single module export.
type HostFunc func(args map[string]interface{}) (interface{}, error)

// Registry maps module names to their live generation.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	version int
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Resolve returns the live module for name.
func (r *Registry) Resolve(name string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[name]; ok {
		return e.module, true
	}
	return nil, false
}

// Version is the global reload counter.
func (r *Registry) Version() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Names lists loaded modules.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	return out
}

func (r *Registry) put(m *Module, sourcePath string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[m.Name]; ok {
		m.Generation = e.module.Generation + 1
		e.module = m
		e.sourcePath = sourcePath
	} else {
		m.Generation = 1
		r.entries[m.Name] = &entry{
			module:     m,
			sourcePath: sourcePath,
			patches:    make(map[string]HostFunc),
			originals:  make(map[string]bool),
		}
	}
	r.version++
}

func (r *Registry) restore(m *Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[m.Name]; ok {
		e.module = m
	}
}

func (r *Registry) byPath(path string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for name, e := range r.entries {
		if e.sourcePath == path {
			return name, true
		}
	}
	return "", false
}

// Patch replaces a single export with a host-side function, keeping the
// original for rollback.
func (r *Registry) Patch(module, export string, fn HostFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[module]
	if !ok {
		return errdefs.Wrap(errdefs.ErrNotFound, "substrate: module %s", module)
	}
	if !e.module.HasExport(export) {
		return errdefs.Wrap(errdefs.ErrNotFound, "substrate: %s has no export %s", module, export)
	}
	e.patches[export] = fn
	e.originals[export] = true
	return nil
}

// Unpatch restores the original export.
func (r *Registry) Unpatch(module, export string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[module]
	if !ok {
		return errdefs.Wrap(errdefs.ErrNotFound, "substrate: module %s", module)
	}
	if !e.originals[export] {
		return errdefs.Wrap(errdefs.ErrNotFound, "substrate: %s.%s is not patched", module, export)
	}
	delete(e.patches, export)
	delete(e.originals, export)
	return nil
}

func (r *Registry) patchFor(module, export string) (HostFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[module]; ok {
		fn, ok := e.patches[export]
		return fn, ok
	}
	return nil, false
}

func (m *Module) String() string {
	return fmt.Sprintf("%s@g%d", m.Name, m.Generation)
}
