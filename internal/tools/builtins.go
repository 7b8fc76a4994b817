package tools

import (
	"github.com/clocksmith/reploid/internal/knowledge"
	"github.com/clocksmith/reploid/internal/state"
	"github.com/clocksmith/reploid/internal/vfs"
)

// BuiltinDeps are the services the builtin tool set binds to. Installer and
// Delegator are optional; the corresponding tools degrade to errors when nil.
type BuiltinDeps struct {
	VFS       *vfs.VFS
	State     *state.Manager
	Knowledge *knowledge.Engine
	Installer ToolInstaller
	Delegator Delegator
}

// RegisterBuiltins installs the full builtin tool set into the registry.
func RegisterBuiltins(reg *Registry, deps BuiltinDeps) error {
	all := []Tool{
		// Read-only.
		NewReadFileTool(deps.VFS),
		NewListFilesTool(deps.VFS),
		NewGrepTool(deps.VFS),
		NewFindTool(deps.VFS),
		NewCatTool(deps.VFS),
		NewHeadTool(deps.VFS),
		NewTailTool(deps.VFS),
		NewLsTool(deps.VFS),
		NewPwdTool(),
		NewFileOutlineTool(deps.VFS),
		NewListToolsTool(reg),
		NewListMemoriesTool(deps.State),
		NewListKnowledgeTool(deps.Knowledge),
		// Mutating.
		NewWriteFileTool(deps.VFS),
		NewDeleteFileTool(deps.VFS),
		NewMkdirTool(),
		NewRmTool(deps.VFS),
		NewMvTool(deps.VFS),
		NewCpTool(deps.VFS),
		NewTouchTool(deps.VFS),
		NewEditTool(deps.VFS),
		NewCreateToolTool(deps.Installer),
		NewSpawnWorkerTool(deps.Delegator),
		NewGitTool(deps.VFS),
	}
	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}
