package vfs

import (
	"strings"

	"github.com/clocksmith/reploid/internal/errdefs"
)

// NormalizePath canonicalizes an artifact path: trims whitespace, converts
// separators to "/", collapses duplicate slashes, and enforces a leading "/".
// Rejects empty paths and NUL bytes.
func NormalizePath(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", errdefs.Wrap(errdefs.ErrValidation, "vfs: empty path")
	}
	if strings.ContainsRune(p, 0) {
		return "", errdefs.Wrap(errdefs.ErrValidation, "vfs: path contains NUL byte")
	}
	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	// Collapse duplicate slashes and resolve . / .. segments without ever
	// escaping the root.
	segs := strings.Split(p, "/")
	out := make([]string, 0, len(segs))
	for _, s := range segs {
		switch s {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return "", errdefs.Wrap(errdefs.ErrValidation, "vfs: path resolves to root")
	}
	return "/" + strings.Join(out, "/"), nil
}
