package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clocksmith/reploid/internal/errdefs"
	"github.com/clocksmith/reploid/internal/tools"
	"github.com/clocksmith/reploid/internal/vfs"
)

// toolEntry is the export a dynamic tool module must declare.
const toolEntry = "run"

// dynamicToolDir holds agent-authored tool sources in the VFS.
const dynamicToolDir = "/tools"

// Installer turns agent-authored source into registered tools. It implements
// tools.ToolInstaller for the create_tool builtin.
type Installer struct {
	loader *Loader
	reg    *tools.Registry
}

func NewInstaller(loader *Loader, reg *tools.Registry) *Installer {
	return &Installer{loader: loader, reg: reg}
}

// InstallTool wraps source in a module envelope (when it lacks a manifest),
// persists it, loads it, and registers the runnable tool. The source must
// define a run(args) entry.
func (i *Installer) InstallTool(ctx context.Context, name, description, source string, params map[string]interface{}) error {
	if name == "" {
		return errdefs.Wrap(errdefs.ErrValidation, "substrate: tool name required")
	}
	if !strings.HasPrefix(strings.TrimSpace(source), manifestDirective) {
		mf, err := json.Marshal(Manifest{Name: name, Exports: []string{toolEntry}})
		if err != nil {
			return err
		}
		source = manifestDirective + string(mf) + "\n" + source
	}

	path := fmt.Sprintf("%s/%s.js", dynamicToolDir, name)
	if _, err := i.loader.store.Write(path, []byte(source), vfs.WriteOptions{Type: vfs.TypeCode}); err != nil {
		return err
	}
	m, err := i.loader.LoadPath(path)
	if err != nil {
		return err
	}
	if !m.HasExport(toolEntry) {
		return errdefs.Wrap(errdefs.ErrValidation, "substrate: tool %s does not declare %s", name, toolEntry)
	}

	return i.reg.Register(&DynamicTool{
		loader:      i.loader,
		name:        name,
		description: description,
		params:      params,
	})
}

// DynamicTool executes a loaded module's run export through the sandbox.
// Dynamic tools are always treated as mutating: they serialize per session.
type DynamicTool struct {
	loader      *Loader
	name        string
	description string
	params      map[string]interface{}
}

func (t *DynamicTool) Name() string { return t.name }
func (t *DynamicTool) Description() string {
	if t.description != "" {
		return t.description
	}
	return "dynamic tool " + t.name
}
func (t *DynamicTool) ReadOnly() bool { return false }
func (t *DynamicTool) Parameters() map[string]interface{} {
	if t.params != nil {
		return t.params
	}
	return map[string]interface{}{"type": "object"}
}

func (t *DynamicTool) Execute(ctx context.Context, args map[string]interface{}) *tools.Result {
	raw, err := t.loader.Invoke(ctx, t.name, toolEntry, args)
	if err != nil {
		return tools.ErrorResult(err.Error()).WithError(err)
	}
	return tools.NewResult(string(raw))
}
