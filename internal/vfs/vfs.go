// Package vfs is the content-addressed artifact store. All artifact bytes in
// the system are owned here; other components read and write exclusively
// through this API. Durability is a single sqlite database in WAL mode.
package vfs

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clocksmith/reploid/internal/bus"
	"github.com/clocksmith/reploid/internal/errdefs"
	"github.com/clocksmith/reploid/pkg/protocol"
)

// Artifact type identifiers. Unknown types fall back to the default cap.
const (
	TypeCode     = "code"
	TypeDocument = "document"
	TypeConfig   = "config"
	TypeLog      = "log"
	TypeState    = "state"
)

// Per-type size caps in bytes.
var defaultCaps = map[string]int{
	TypeCode:     1 << 20, // 1 MiB
	TypeDocument: 5 << 20, // 5 MiB
	TypeConfig:   1 << 20,
	TypeLog:      5 << 20,
	TypeState:    5 << 20,
}

const fallbackCap = 1 << 20

// Artifact is one VFS entry. The stable identifier is the path itself.
type Artifact struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
	Type    string `json:"type"`
	Size    int    `json:"size"`
	Updated int64  `json:"updated"` // unix ms from the store clock; not forced to increase across writes
}

// Stat describes an artifact without its content.
type Stat struct {
	Path    string `json:"path"`
	Type    string `json:"type"`
	Size    int    `json:"size"`
	Updated int64  `json:"updated"`
}

// WriteOptions control a single write.
type WriteOptions struct {
	Type   string // defaults to TypeDocument
	Silent bool   // suppress the vfs:updated event (used by the timeline appender)
}

// VFS is the artifact store. Safe for concurrent use; writes serialize on the
// internal mutex so readers observe old-or-new content, never torn writes.
type VFS struct {
	mu     sync.RWMutex
	db     *sql.DB
	events *bus.Bus
	caps   map[string]int
	clock  func() int64
}

// Option configures a VFS.
type Option func(*VFS)

// WithSizeCap overrides the cap for one artifact type.
func WithSizeCap(artifactType string, capBytes int) Option {
	return func(v *VFS) { v.caps[artifactType] = capBytes }
}

// WithClock overrides the millisecond clock (tests).
func WithClock(clock func() int64) Option {
	return func(v *VFS) { v.clock = clock }
}

// Open creates or opens the artifact database at dsn. Use ":memory:" for an
// ephemeral store.
func Open(dsn string, events *bus.Bus, opts ...Option) (*VFS, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("vfs: open %s: %w", dsn, err)
	}
	// One writer at a time; sqlite handles its own locking but the shared
	// in-process connection pool must not interleave write transactions.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		CREATE TABLE IF NOT EXISTS artifacts (
			path    TEXT PRIMARY KEY,
			content BLOB NOT NULL,
			type    TEXT NOT NULL,
			size    INTEGER NOT NULL,
			updated INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("vfs: init schema: %w", err)
	}

	v := &VFS{
		db:     db,
		events: events,
		caps:   make(map[string]int, len(defaultCaps)),
		clock:  func() int64 { return time.Now().UnixMilli() },
	}
	for k, c := range defaultCaps {
		v.caps[k] = c
	}
	for _, o := range opts {
		o(v)
	}
	return v, nil
}

// Close releases the underlying database.
func (v *VFS) Close() error { return v.db.Close() }

// Cap returns the size cap for an artifact type.
func (v *VFS) Cap(artifactType string) int {
	if c, ok := v.caps[artifactType]; ok {
		return c
	}
	return fallbackCap
}

// Write stores content at path, replacing any prior artifact atomically.
// Fails with ErrTooLarge when content exceeds the per-type cap; the prior
// artifact is left intact on any failure.
func (v *VFS) Write(path string, content []byte, opts WriteOptions) (*Stat, error) {
	p, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	typ := opts.Type
	if typ == "" {
		typ = TypeDocument
	}
	if len(content) > v.Cap(typ) {
		return nil, errdefs.Wrap(errdefs.ErrTooLarge, "vfs: %s (%d bytes, cap %d)", p, len(content), v.Cap(typ))
	}

	v.mu.Lock()
	updated := v.clock()
	_, err = v.db.Exec(`
		INSERT INTO artifacts (path, content, type, size, updated) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET content=excluded.content, type=excluded.type,
			size=excluded.size, updated=excluded.updated`,
		p, content, typ, len(content), updated)
	v.mu.Unlock()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrArtifact, "vfs: write %s: %v", p, err)
	}

	st := &Stat{Path: p, Type: typ, Size: len(content), Updated: updated}
	if v.events != nil && !opts.Silent {
		v.events.Emit(protocol.TopicVFSUpdated, st)
	}
	return st, nil
}

// Read returns the artifact at path, or ErrNotFound.
func (v *VFS) Read(path string) (*Artifact, error) {
	p, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	a := &Artifact{Path: p}
	row := v.db.QueryRow(`SELECT content, type, size, updated FROM artifacts WHERE path = ?`, p)
	if err := row.Scan(&a.Content, &a.Type, &a.Size, &a.Updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, errdefs.Wrap(errdefs.ErrNotFound, "vfs: %s", p)
		}
		return nil, errdefs.Wrap(errdefs.ErrArtifact, "vfs: read %s: %v", p, err)
	}
	return a, nil
}

// Exists reports whether path holds an artifact.
func (v *VFS) Exists(path string) bool {
	_, err := v.Stat(path)
	return err == nil
}

// Stat returns artifact metadata without content.
func (v *VFS) Stat(path string) (*Stat, error) {
	p, err := NormalizePath(path)
	if err != nil {
		return nil, err
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	st := &Stat{Path: p}
	row := v.db.QueryRow(`SELECT type, size, updated FROM artifacts WHERE path = ?`, p)
	if err := row.Scan(&st.Type, &st.Size, &st.Updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, errdefs.Wrap(errdefs.ErrNotFound, "vfs: %s", p)
		}
		return nil, errdefs.Wrap(errdefs.ErrArtifact, "vfs: stat %s: %v", p, err)
	}
	return st, nil
}

// List returns all paths with the given prefix in lexicographic order.
// Directory semantics are virtual: "/a" matches "/a" and "/a/...".
func (v *VFS) List(prefix string) ([]string, error) {
	p := strings.TrimSpace(prefix)
	if p == "" || p == "/" {
		p = "/"
	} else {
		norm, err := NormalizePath(p)
		if err != nil {
			return nil, err
		}
		p = norm
	}
	v.mu.RLock()
	defer v.mu.RUnlock()
	rows, err := v.db.Query(`SELECT path FROM artifacts WHERE path = ? OR path LIKE ? ORDER BY path`,
		p, strings.TrimSuffix(p, "/")+"/%")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrArtifact, "vfs: list %s: %v", p, err)
	}
	defer rows.Close()
	var paths []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, errdefs.Wrap(errdefs.ErrArtifact, "vfs: list scan: %v", err)
		}
		paths = append(paths, s)
	}
	return paths, rows.Err()
}

// Delete removes the artifact at path. Deleting a missing path is ErrNotFound.
func (v *VFS) Delete(path string) error {
	p, err := NormalizePath(path)
	if err != nil {
		return err
	}
	v.mu.Lock()
	res, err := v.db.Exec(`DELETE FROM artifacts WHERE path = ?`, p)
	v.mu.Unlock()
	if err != nil {
		return errdefs.Wrap(errdefs.ErrArtifact, "vfs: delete %s: %v", p, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.Wrap(errdefs.ErrNotFound, "vfs: %s", p)
	}
	if v.events != nil {
		v.events.Emit(protocol.TopicVFSDeleted, &Stat{Path: p})
	}
	return nil
}

// Clear drops every artifact except the immutable /genesis tree.
func (v *VFS) Clear() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, err := v.db.Exec(`DELETE FROM artifacts WHERE path NOT LIKE '/genesis/%'`); err != nil {
		return errdefs.Wrap(errdefs.ErrArtifact, "vfs: clear: %v", err)
	}
	slog.Info("vfs.cleared")
	return nil
}
