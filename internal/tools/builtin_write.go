package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/clocksmith/reploid/internal/vfs"
)

// WriteFileTool writes an artifact.
type WriteFileTool struct{ store *vfs.VFS }

func NewWriteFileTool(store *vfs.VFS) *WriteFileTool { return &WriteFileTool{store: store} }

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write content to a file, replacing it" }
func (t *WriteFileTool) ReadOnly() bool      { return false }
func (t *WriteFileTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"path":    pathProp["path"],
		"content": map[string]interface{}{"type": "string"},
		"type": map[string]interface{}{
			"type": "string",
			"enum": []string{vfs.TypeCode, vfs.TypeDocument, vfs.TypeConfig},
		},
	}, "path", "content")
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	p, _ := args["path"].(string)
	content, _ := args["content"].(string)
	typ, _ := args["type"].(string)
	st, err := t.store.Write(p, []byte(content), vfs.WriteOptions{Type: typ})
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to write file: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("wrote %s (%d bytes)", st.Path, st.Size))
}

// DeleteFileTool removes an artifact.
type DeleteFileTool struct{ store *vfs.VFS }

func NewDeleteFileTool(store *vfs.VFS) *DeleteFileTool { return &DeleteFileTool{store: store} }

func (t *DeleteFileTool) Name() string        { return "delete_file" }
func (t *DeleteFileTool) Description() string { return "Delete a file" }
func (t *DeleteFileTool) ReadOnly() bool      { return false }
func (t *DeleteFileTool) Parameters() map[string]interface{} {
	return objectSchema(pathProp, "path")
}

func (t *DeleteFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	p, _ := args["path"].(string)
	if err := t.store.Delete(p); err != nil {
		return ErrorResult(fmt.Sprintf("failed to delete: %v", err)).WithError(err)
	}
	return NewResult("deleted " + p)
}

// RmTool is the shell-shaped alias of delete_file with prefix support.
type RmTool struct{ store *vfs.VFS }

func NewRmTool(store *vfs.VFS) *RmTool { return &RmTool{store: store} }

func (t *RmTool) Name() string        { return "rm" }
func (t *RmTool) Description() string { return "Remove a file, or a whole prefix with recursive" }
func (t *RmTool) ReadOnly() bool      { return false }
func (t *RmTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"path":      pathProp["path"],
		"recursive": map[string]interface{}{"type": "boolean"},
	}, "path")
}

func (t *RmTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	p, _ := args["path"].(string)
	recursive, _ := args["recursive"].(bool)
	if !recursive {
		if err := t.store.Delete(p); err != nil {
			return ErrorResult(fmt.Sprintf("rm: %v", err)).WithError(err)
		}
		return NewResult("removed " + p)
	}
	paths, err := t.store.List(p)
	if err != nil {
		return ErrorResult(fmt.Sprintf("rm: %v", err)).WithError(err)
	}
	for _, sub := range paths {
		if err := t.store.Delete(sub); err != nil {
			return ErrorResult(fmt.Sprintf("rm: %s: %v", sub, err)).WithError(err)
		}
	}
	return NewResult(fmt.Sprintf("removed %d files under %s", len(paths), p))
}

// MkdirTool exists for shell-habit compatibility: directories are virtual so
// it only validates the path.
type MkdirTool struct{}

func NewMkdirTool() *MkdirTool { return &MkdirTool{} }

func (t *MkdirTool) Name() string        { return "mkdir" }
func (t *MkdirTool) Description() string { return "Create a directory (directories are virtual)" }
func (t *MkdirTool) ReadOnly() bool      { return false }
func (t *MkdirTool) Parameters() map[string]interface{} {
	return objectSchema(pathProp, "path")
}

func (t *MkdirTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	p, _ := args["path"].(string)
	norm, err := vfs.NormalizePath(p)
	if err != nil {
		return ErrorResult(fmt.Sprintf("mkdir: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("directories are virtual; files under %s/ will create it", norm))
}

// TouchTool creates an empty artifact when missing.
type TouchTool struct{ store *vfs.VFS }

func NewTouchTool(store *vfs.VFS) *TouchTool { return &TouchTool{store: store} }

func (t *TouchTool) Name() string        { return "touch" }
func (t *TouchTool) Description() string { return "Create an empty file if it does not exist" }
func (t *TouchTool) ReadOnly() bool      { return false }
func (t *TouchTool) Parameters() map[string]interface{} {
	return objectSchema(pathProp, "path")
}

func (t *TouchTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	p, _ := args["path"].(string)
	if t.store.Exists(p) {
		return NewResult(p + " exists")
	}
	if _, err := t.store.Write(p, nil, vfs.WriteOptions{}); err != nil {
		return ErrorResult(fmt.Sprintf("touch: %v", err)).WithError(err)
	}
	return NewResult("created " + p)
}

// MvTool moves an artifact to a new path.
type MvTool struct{ store *vfs.VFS }

func NewMvTool(store *vfs.VFS) *MvTool { return &MvTool{store: store} }

func (t *MvTool) Name() string        { return "mv" }
func (t *MvTool) Description() string { return "Move a file to a new path" }
func (t *MvTool) ReadOnly() bool      { return false }
func (t *MvTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"from": map[string]interface{}{"type": "string"},
		"to":   map[string]interface{}{"type": "string"},
	}, "from", "to")
}

func (t *MvTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	from, _ := args["from"].(string)
	to, _ := args["to"].(string)
	a, err := t.store.Read(from)
	if err != nil {
		return ErrorResult(fmt.Sprintf("mv: %v", err)).WithError(err)
	}
	if _, err := t.store.Write(to, a.Content, vfs.WriteOptions{Type: a.Type}); err != nil {
		return ErrorResult(fmt.Sprintf("mv: %v", err)).WithError(err)
	}
	if err := t.store.Delete(from); err != nil {
		return ErrorResult(fmt.Sprintf("mv: cleanup: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("moved %s -> %s", from, to))
}

// CpTool copies an artifact.
type CpTool struct{ store *vfs.VFS }

func NewCpTool(store *vfs.VFS) *CpTool { return &CpTool{store: store} }

func (t *CpTool) Name() string        { return "cp" }
func (t *CpTool) Description() string { return "Copy a file" }
func (t *CpTool) ReadOnly() bool      { return false }
func (t *CpTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"from": map[string]interface{}{"type": "string"},
		"to":   map[string]interface{}{"type": "string"},
	}, "from", "to")
}

func (t *CpTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	from, _ := args["from"].(string)
	to, _ := args["to"].(string)
	a, err := t.store.Read(from)
	if err != nil {
		return ErrorResult(fmt.Sprintf("cp: %v", err)).WithError(err)
	}
	if _, err := t.store.Write(to, a.Content, vfs.WriteOptions{Type: a.Type}); err != nil {
		return ErrorResult(fmt.Sprintf("cp: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("copied %s -> %s", from, to))
}

// EditTool replaces an exact substring once.
type EditTool struct{ store *vfs.VFS }

func NewEditTool(store *vfs.VFS) *EditTool { return &EditTool{store: store} }

func (t *EditTool) Name() string        { return "edit" }
func (t *EditTool) Description() string { return "Replace an exact string in a file" }
func (t *EditTool) ReadOnly() bool      { return false }
func (t *EditTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"path":       pathProp["path"],
		"old_string": map[string]interface{}{"type": "string"},
		"new_string": map[string]interface{}{"type": "string"},
	}, "path", "old_string", "new_string")
}

func (t *EditTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	p, _ := args["path"].(string)
	oldStr, _ := args["old_string"].(string)
	newStr, _ := args["new_string"].(string)

	a, err := t.store.Read(p)
	if err != nil {
		return ErrorResult(fmt.Sprintf("edit: %v", err)).WithError(err)
	}
	content := string(a.Content)
	n := strings.Count(content, oldStr)
	if n == 0 {
		return ErrorResult("edit: old_string not found")
	}
	if n > 1 {
		return ErrorResult(fmt.Sprintf("edit: old_string matches %d times; provide more context", n))
	}
	content = strings.Replace(content, oldStr, newStr, 1)
	if _, err := t.store.Write(p, []byte(content), vfs.WriteOptions{Type: a.Type}); err != nil {
		return ErrorResult(fmt.Sprintf("edit: %v", err)).WithError(err)
	}
	return NewResult("edited " + p)
}

// ToolInstaller accepts agent-authored tool source for dynamic installation.
// The substrate loader implements this; it validates and sandboxes the code.
type ToolInstaller interface {
	InstallTool(ctx context.Context, name, description, source string, params map[string]interface{}) error
}

// CreateToolTool lets the agent author a new dynamic tool.
type CreateToolTool struct{ installer ToolInstaller }

func NewCreateToolTool(installer ToolInstaller) *CreateToolTool {
	return &CreateToolTool{installer: installer}
}

func (t *CreateToolTool) Name() string        { return "create_tool" }
func (t *CreateToolTool) Description() string { return "Create a new dynamic tool from source code" }
func (t *CreateToolTool) ReadOnly() bool      { return false }
func (t *CreateToolTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"name":        map[string]interface{}{"type": "string", "pattern": "^[a-z][a-z0-9_]*$"},
		"description": map[string]interface{}{"type": "string"},
		"source":      map[string]interface{}{"type": "string"},
		"parameters":  map[string]interface{}{"type": "object"},
	}, "name", "source")
}

func (t *CreateToolTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.installer == nil {
		return ErrorResult("create_tool: no tool installer configured")
	}
	name, _ := args["name"].(string)
	desc, _ := args["description"].(string)
	source, _ := args["source"].(string)
	params, _ := args["parameters"].(map[string]interface{})
	if err := t.installer.InstallTool(ctx, name, desc, source, params); err != nil {
		return ErrorResult(fmt.Sprintf("create_tool: %v", err)).WithError(err)
	}
	return NewResult("installed tool " + name)
}

// Delegator hands a task to a swarm peer. The swarm transport implements this.
type Delegator interface {
	Delegate(ctx context.Context, description string, requirements []string) (string, error)
}

// SpawnWorkerTool delegates a task to a capable peer.
type SpawnWorkerTool struct{ delegator Delegator }

func NewSpawnWorkerTool(d Delegator) *SpawnWorkerTool { return &SpawnWorkerTool{delegator: d} }

func (t *SpawnWorkerTool) Name() string        { return "spawn_worker" }
func (t *SpawnWorkerTool) Description() string { return "Delegate a task to a swarm peer" }
func (t *SpawnWorkerTool) ReadOnly() bool      { return false }
func (t *SpawnWorkerTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"task": map[string]interface{}{"type": "string"},
		"requirements": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string"},
		},
	}, "task")
}

func (t *SpawnWorkerTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if t.delegator == nil {
		return ErrorResult("spawn_worker: swarm not connected")
	}
	task, _ := args["task"].(string)
	var reqs []string
	if raw, ok := args["requirements"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				reqs = append(reqs, s)
			}
		}
	}
	result, err := t.delegator.Delegate(ctx, task, reqs)
	if err != nil {
		return ErrorResult(fmt.Sprintf("spawn_worker: %v", err)).WithError(err)
	}
	return NewResult(result)
}

// GitTool records commit-shaped history entries for artifact changes. The VFS
// has no working tree; history lives as JSONL under /.gitlog.
type GitTool struct{ store *vfs.VFS }

func NewGitTool(store *vfs.VFS) *GitTool { return &GitTool{store: store} }

const gitLogPath = "/.gitlog/commits.jsonl"

type gitCommit struct {
	TS      int64    `json:"ts"`
	Message string   `json:"message"`
	Paths   []string `json:"paths,omitempty"`
}

func (t *GitTool) Name() string        { return "git" }
func (t *GitTool) Description() string { return "Record or inspect artifact change history" }
func (t *GitTool) ReadOnly() bool      { return false }
func (t *GitTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"command": map[string]interface{}{"type": "string", "enum": []string{"commit", "log"}},
		"message": map[string]interface{}{"type": "string"},
		"paths": map[string]interface{}{
			"type":  "array",
			"items": map[string]interface{}{"type": "string"},
		},
	}, "command")
}

func (t *GitTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	cmd, _ := args["command"].(string)
	switch cmd {
	case "commit":
		msg, _ := args["message"].(string)
		if msg == "" {
			return ErrorResult("git: commit requires a message")
		}
		var paths []string
		if raw, ok := args["paths"].([]interface{}); ok {
			for _, p := range raw {
				if s, ok := p.(string); ok {
					paths = append(paths, s)
				}
			}
		}
		entry, err := json.Marshal(gitCommit{TS: time.Now().UnixMilli(), Message: msg, Paths: paths})
		if err != nil {
			return ErrorResult(fmt.Sprintf("git: %v", err)).WithError(err)
		}
		var sb strings.Builder
		if prev, err := t.store.Read(gitLogPath); err == nil {
			sb.Write(prev.Content)
		}
		sb.Write(entry)
		sb.WriteByte('\n')
		if _, err := t.store.Write(gitLogPath, []byte(sb.String()), vfs.WriteOptions{Type: vfs.TypeLog}); err != nil {
			return ErrorResult(fmt.Sprintf("git: %v", err)).WithError(err)
		}
		return NewResult("committed: " + msg)
	case "log":
		a, err := t.store.Read(gitLogPath)
		if err != nil {
			return NewResult("(no history)")
		}
		return NewResult(string(a.Content))
	}
	return ErrorResult("git: unknown command " + cmd)
}
