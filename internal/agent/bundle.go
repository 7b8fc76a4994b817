package agent

import (
	"fmt"
	"strings"

	"github.com/clocksmith/reploid/internal/errdefs"
)

// Changeset operations.
const (
	OpCreate = "CREATE"
	OpModify = "MODIFY"
	OpDelete = "DELETE"
)

// Change is one operation in a changeset bundle.
type Change struct {
	Op      string `json:"op"`
	Path    string `json:"path"`
	Content string `json:"content,omitempty"`
}

// Bundle is a parsed changeset. Section order defines application order.
type Bundle struct {
	Changes []Change `json:"changes"`
}

const fence = "```"

// ParseBundle parses the text changeset format: sections headed by
// "change: <OP> <path>", with CREATE and MODIFY followed by a fenced content
// block. The parser is a pure function over bytes; any malformed section
// rejects the whole bundle.
func ParseBundle(text string) (*Bundle, error) {
	lines := strings.Split(text, "\n")
	b := &Bundle{}
	i := 0
	for i < len(lines) {
		line := strings.TrimSpace(lines[i])
		if line == "" || !strings.HasPrefix(line, "change:") {
			i++
			continue
		}

		fields := strings.Fields(strings.TrimPrefix(line, "change:"))
		if len(fields) != 2 {
			return nil, errdefs.Wrap(errdefs.ErrValidation, "bundle: malformed header %q", line)
		}
		op, path := fields[0], fields[1]
		switch op {
		case OpCreate, OpModify, OpDelete:
		default:
			return nil, errdefs.Wrap(errdefs.ErrValidation, "bundle: unknown operation %q", op)
		}
		if !strings.HasPrefix(path, "/") {
			return nil, errdefs.Wrap(errdefs.ErrValidation, "bundle: path %q must be absolute", path)
		}
		i++

		change := Change{Op: op, Path: path}
		if op != OpDelete {
			// Content fence is required for CREATE and MODIFY.
			for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
				i++
			}
			if i >= len(lines) || !strings.HasPrefix(strings.TrimSpace(lines[i]), fence) {
				return nil, errdefs.Wrap(errdefs.ErrValidation, "bundle: %s %s missing content fence", op, path)
			}
			i++
			var content []string
			closed := false
			for i < len(lines) {
				if strings.TrimSpace(lines[i]) == fence {
					closed = true
					i++
					break
				}
				content = append(content, lines[i])
				i++
			}
			if !closed {
				return nil, errdefs.Wrap(errdefs.ErrValidation, "bundle: %s %s unterminated fence", op, path)
			}
			change.Content = strings.Join(content, "\n")
		}
		b.Changes = append(b.Changes, change)
	}

	if len(b.Changes) == 0 {
		return nil, errdefs.Wrap(errdefs.ErrValidation, "bundle: no change sections")
	}
	return b, nil
}

// Serialize renders the bundle back to the text format. ParseBundle of the
// output equals the input up to whitespace normalization.
func (b *Bundle) Serialize() string {
	var sb strings.Builder
	for _, c := range b.Changes {
		fmt.Fprintf(&sb, "change: %s %s\n", c.Op, c.Path)
		if c.Op != OpDelete {
			sb.WriteString(fence + "\n")
			sb.WriteString(c.Content)
			if !strings.HasSuffix(c.Content, "\n") {
				sb.WriteByte('\n')
			}
			sb.WriteString(fence + "\n")
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

// ExtractBundle finds a changeset bundle inside an LLM response. The model
// may wrap the bundle in prose; the first "change:" header starts the scan.
func ExtractBundle(response string) (*Bundle, error) {
	idx := strings.Index(response, "change:")
	if idx < 0 {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "bundle: no change sections in response")
	}
	return ParseBundle(response[idx:])
}
