package tools

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/clocksmith/reploid/internal/knowledge"
	"github.com/clocksmith/reploid/internal/state"
	"github.com/clocksmith/reploid/internal/vfs"
)

// objectSchema builds the common single-object parameter schema.
func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	if props == nil {
		props = map[string]interface{}{}
	}
	s := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

var pathProp = map[string]interface{}{
	"path": map[string]interface{}{"type": "string", "description": "Artifact path"},
}

// ReadFileTool reads an artifact's content.
type ReadFileTool struct{ store *vfs.VFS }

func NewReadFileTool(store *vfs.VFS) *ReadFileTool { return &ReadFileTool{store: store} }

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file" }
func (t *ReadFileTool) ReadOnly() bool      { return true }
func (t *ReadFileTool) Parameters() map[string]interface{} {
	return objectSchema(pathProp, "path")
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	p, _ := args["path"].(string)
	a, err := t.store.Read(p)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err)).WithError(err)
	}
	return NewResult(string(a.Content))
}

// CatTool is an alias surface for read_file with an optional byte range.
type CatTool struct{ store *vfs.VFS }

func NewCatTool(store *vfs.VFS) *CatTool { return &CatTool{store: store} }

func (t *CatTool) Name() string        { return "cat" }
func (t *CatTool) Description() string { return "Print a file, optionally a byte range" }
func (t *CatTool) ReadOnly() bool      { return true }
func (t *CatTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"path":   pathProp["path"],
		"offset": map[string]interface{}{"type": "integer", "minimum": 0},
		"length": map[string]interface{}{"type": "integer", "minimum": 0},
	}, "path")
}

func (t *CatTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	p, _ := args["path"].(string)
	a, err := t.store.Read(p)
	if err != nil {
		return ErrorResult(fmt.Sprintf("cat: %v", err)).WithError(err)
	}
	content := a.Content
	if off := intArg(args, "offset"); off > 0 {
		if off >= len(content) {
			return NewResult("")
		}
		content = content[off:]
	}
	if n := intArg(args, "length"); n > 0 && n < len(content) {
		content = content[:n]
	}
	return NewResult(string(content))
}

// HeadTool returns the first N lines of a file.
type HeadTool struct{ store *vfs.VFS }

func NewHeadTool(store *vfs.VFS) *HeadTool { return &HeadTool{store: store} }

func (t *HeadTool) Name() string        { return "head" }
func (t *HeadTool) Description() string { return "Show the first lines of a file" }
func (t *HeadTool) ReadOnly() bool      { return true }
func (t *HeadTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"path":  pathProp["path"],
		"lines": map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 10000},
	}, "path")
}

func (t *HeadTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return headTail(t.store, args, true)
}

// TailTool returns the last N lines of a file.
type TailTool struct{ store *vfs.VFS }

func NewTailTool(store *vfs.VFS) *TailTool { return &TailTool{store: store} }

func (t *TailTool) Name() string        { return "tail" }
func (t *TailTool) Description() string { return "Show the last lines of a file" }
func (t *TailTool) ReadOnly() bool      { return true }
func (t *TailTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"path":  pathProp["path"],
		"lines": map[string]interface{}{"type": "integer", "minimum": 1, "maximum": 10000},
	}, "path")
}

func (t *TailTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	return headTail(t.store, args, false)
}

func headTail(store *vfs.VFS, args map[string]interface{}, head bool) *Result {
	p, _ := args["path"].(string)
	n := intArg(args, "lines")
	if n <= 0 {
		n = 10
	}
	a, err := store.Read(p)
	if err != nil {
		return ErrorResult(fmt.Sprintf("failed to read file: %v", err)).WithError(err)
	}
	lines := strings.Split(string(a.Content), "\n")
	if len(lines) > n {
		if head {
			lines = lines[:n]
		} else {
			lines = lines[len(lines)-n:]
		}
	}
	return NewResult(strings.Join(lines, "\n"))
}

// ListFilesTool lists artifact paths under a prefix.
type ListFilesTool struct{ store *vfs.VFS }

func NewListFilesTool(store *vfs.VFS) *ListFilesTool { return &ListFilesTool{store: store} }

func (t *ListFilesTool) Name() string        { return "list_files" }
func (t *ListFilesTool) Description() string { return "List all files under a path prefix" }
func (t *ListFilesTool) ReadOnly() bool      { return true }
func (t *ListFilesTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"prefix": map[string]interface{}{"type": "string", "description": "Path prefix (default /)"},
	})
}

func (t *ListFilesTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	prefix, _ := args["prefix"].(string)
	if prefix == "" {
		prefix = "/"
	}
	paths, err := t.store.List(prefix)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list: %v", err)).WithError(err)
	}
	if len(paths) == 0 {
		return NewResult("(no files)")
	}
	return NewResult(strings.Join(paths, "\n"))
}

// LsTool lists the entry names of one directory level; subdirectories end in "/".
type LsTool struct{ store *vfs.VFS }

func NewLsTool(store *vfs.VFS) *LsTool { return &LsTool{store: store} }

func (t *LsTool) Name() string        { return "ls" }
func (t *LsTool) Description() string { return "List the entries of one virtual directory" }
func (t *LsTool) ReadOnly() bool      { return true }
func (t *LsTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"path": map[string]interface{}{"type": "string", "description": "Directory path (default /)"},
	})
}

func (t *LsTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	dir, _ := args["path"].(string)
	if dir == "" {
		dir = "/"
	}
	dir = strings.TrimSuffix(dir, "/")
	paths, err := t.store.List(dir + "/")
	if err != nil {
		return ErrorResult(fmt.Sprintf("ls: %v", err)).WithError(err)
	}

	entries := map[string]bool{}
	for _, p := range paths {
		rel := strings.TrimPrefix(p, dir+"/")
		if i := strings.Index(rel, "/"); i >= 0 {
			entries[rel[:i]+"/"] = true
		} else {
			entries[rel] = true
		}
	}
	names := make([]string, 0, len(entries))
	for name := range entries {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return NewResult("(empty)")
	}
	return NewResult(strings.Join(names, "\n"))
}

// PwdTool reports the virtual root. The VFS has no working directory; this
// exists so shell-habit models get a sane answer instead of an error.
type PwdTool struct{}

func NewPwdTool() *PwdTool { return &PwdTool{} }

func (t *PwdTool) Name() string                       { return "pwd" }
func (t *PwdTool) Description() string                { return "Print the working directory" }
func (t *PwdTool) ReadOnly() bool                     { return true }
func (t *PwdTool) Parameters() map[string]interface{} { return objectSchema(nil) }
func (t *PwdTool) Execute(context.Context, map[string]interface{}) *Result {
	return NewResult("/")
}

// GrepTool searches file contents by regular expression.
type GrepTool struct{ store *vfs.VFS }

func NewGrepTool(store *vfs.VFS) *GrepTool { return &GrepTool{store: store} }

func (t *GrepTool) Name() string        { return "grep" }
func (t *GrepTool) Description() string { return "Search file contents with a regular expression" }
func (t *GrepTool) ReadOnly() bool      { return true }
func (t *GrepTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"pattern": map[string]interface{}{"type": "string"},
		"prefix":  map[string]interface{}{"type": "string", "description": "Limit search to this path prefix"},
	}, "pattern")
}

func (t *GrepTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	pat, _ := args["pattern"].(string)
	re, err := regexp.Compile(pat)
	if err != nil {
		return ErrorResult(fmt.Sprintf("grep: bad pattern: %v", err)).WithError(err)
	}
	prefix, _ := args["prefix"].(string)
	if prefix == "" {
		prefix = "/"
	}
	paths, err := t.store.List(prefix)
	if err != nil {
		return ErrorResult(fmt.Sprintf("grep: %v", err)).WithError(err)
	}

	var sb strings.Builder
	matches := 0
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return ErrorResult("cancelled").WithError(err)
		}
		a, err := t.store.Read(p)
		if err != nil {
			continue
		}
		for i, line := range strings.Split(string(a.Content), "\n") {
			if re.MatchString(line) {
				fmt.Fprintf(&sb, "%s:%d: %s\n", p, i+1, line)
				matches++
				if matches >= 200 {
					sb.WriteString("(truncated at 200 matches)\n")
					return NewResult(sb.String())
				}
			}
		}
	}
	if matches == 0 {
		return NewResult("(no matches)")
	}
	return NewResult(sb.String())
}

// FindTool matches artifact paths by glob pattern.
type FindTool struct{ store *vfs.VFS }

func NewFindTool(store *vfs.VFS) *FindTool { return &FindTool{store: store} }

func (t *FindTool) Name() string        { return "find" }
func (t *FindTool) Description() string { return "Find files whose path matches a glob pattern" }
func (t *FindTool) ReadOnly() bool      { return true }
func (t *FindTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"pattern": map[string]interface{}{"type": "string", "description": "Glob, e.g. /src/*.go"},
	}, "pattern")
}

func (t *FindTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	pat, _ := args["pattern"].(string)
	paths, err := t.store.List("/")
	if err != nil {
		return ErrorResult(fmt.Sprintf("find: %v", err)).WithError(err)
	}
	var out []string
	for _, p := range paths {
		ok, err := path.Match(pat, p)
		if err != nil {
			return ErrorResult(fmt.Sprintf("find: bad pattern: %v", err)).WithError(err)
		}
		if ok || strings.Contains(p, pat) {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return NewResult("(no matches)")
	}
	return NewResult(strings.Join(out, "\n"))
}

// FileOutlineTool extracts a structural outline from a code or markdown file.
type FileOutlineTool struct{ store *vfs.VFS }

func NewFileOutlineTool(store *vfs.VFS) *FileOutlineTool { return &FileOutlineTool{store: store} }

func (t *FileOutlineTool) Name() string        { return "file_outline" }
func (t *FileOutlineTool) Description() string { return "Show the structural outline of a file" }
func (t *FileOutlineTool) ReadOnly() bool      { return true }
func (t *FileOutlineTool) Parameters() map[string]interface{} {
	return objectSchema(pathProp, "path")
}

var outlineRe = regexp.MustCompile(`^\s*(func |def |class |function |const |type |#{1,6} |export )`)

func (t *FileOutlineTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	p, _ := args["path"].(string)
	a, err := t.store.Read(p)
	if err != nil {
		return ErrorResult(fmt.Sprintf("outline: %v", err)).WithError(err)
	}
	var sb strings.Builder
	for i, line := range strings.Split(string(a.Content), "\n") {
		if outlineRe.MatchString(line) {
			fmt.Fprintf(&sb, "%d: %s\n", i+1, strings.TrimRight(line, " \t{"))
		}
	}
	if sb.Len() == 0 {
		return NewResult("(no outline entries)")
	}
	return NewResult(sb.String())
}

// ListToolsTool lists the registered tools.
type ListToolsTool struct{ reg *Registry }

func NewListToolsTool(reg *Registry) *ListToolsTool { return &ListToolsTool{reg: reg} }

func (t *ListToolsTool) Name() string                       { return "list_tools" }
func (t *ListToolsTool) Description() string                { return "List the available tools" }
func (t *ListToolsTool) ReadOnly() bool                     { return true }
func (t *ListToolsTool) Parameters() map[string]interface{} { return objectSchema(nil) }

func (t *ListToolsTool) Execute(context.Context, map[string]interface{}) *Result {
	var sb strings.Builder
	for _, d := range t.reg.Definitions() {
		fmt.Fprintf(&sb, "%s — %s\n", d.Name, d.Description)
	}
	return NewResult(sb.String())
}

// ListMemoriesTool lists archived sessions and checkpoints.
type ListMemoriesTool struct{ st *state.Manager }

func NewListMemoriesTool(st *state.Manager) *ListMemoriesTool { return &ListMemoriesTool{st: st} }

func (t *ListMemoriesTool) Name() string                       { return "list_memories" }
func (t *ListMemoriesTool) Description() string                { return "List sessions and checkpoints" }
func (t *ListMemoriesTool) ReadOnly() bool                     { return true }
func (t *ListMemoriesTool) Parameters() map[string]interface{} { return objectSchema(nil) }

func (t *ListMemoriesTool) Execute(context.Context, map[string]interface{}) *Result {
	snap := t.st.Snapshot()
	var sb strings.Builder
	for _, s := range snap.Sessions {
		fmt.Fprintf(&sb, "session %s [%s] %q turns=%d\n", s.ID, s.Status, s.Goal, len(s.Turns))
	}
	for _, cp := range t.st.Checkpoints() {
		fmt.Fprintf(&sb, "checkpoint %s %q\n", cp.ID, cp.Note)
	}
	if sb.Len() == 0 {
		return NewResult("(no memories)")
	}
	return NewResult(sb.String())
}

// ListKnowledgeTool queries the knowledge graph.
type ListKnowledgeTool struct{ kg *knowledge.Engine }

func NewListKnowledgeTool(kg *knowledge.Engine) *ListKnowledgeTool {
	return &ListKnowledgeTool{kg: kg}
}

func (t *ListKnowledgeTool) Name() string        { return "list_knowledge" }
func (t *ListKnowledgeTool) Description() string { return "Query knowledge graph triples" }
func (t *ListKnowledgeTool) ReadOnly() bool      { return true }
func (t *ListKnowledgeTool) Parameters() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"subject":   map[string]interface{}{"type": "string"},
		"predicate": map[string]interface{}{"type": "string"},
		"object":    map[string]interface{}{"type": "string"},
	})
}

func (t *ListKnowledgeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	term := func(key, fallback string) knowledge.Term {
		if v, _ := args[key].(string); v != "" {
			return knowledge.Term(v)
		}
		return knowledge.Term(fallback)
	}
	results := t.kg.Graph.Query(knowledge.Pattern{
		Subject:   term("subject", "?s"),
		Predicate: term("predicate", "?p"),
		Object:    term("object", "?o"),
	})
	var sb strings.Builder
	for _, r := range results {
		sb.WriteString(r.Triple.String())
		sb.WriteByte('\n')
	}
	if sb.Len() == 0 {
		return NewResult("(no triples)")
	}
	return NewResult(sb.String())
}

func intArg(args map[string]interface{}, key string) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}
