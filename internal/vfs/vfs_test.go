package vfs

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/clocksmith/reploid/internal/bus"
	"github.com/clocksmith/reploid/internal/errdefs"
	"github.com/clocksmith/reploid/pkg/protocol"
)

func newTestVFS(t *testing.T) *VFS {
	t.Helper()
	v, err := Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open vfs: %v", err)
	}
	t.Cleanup(func() { v.Close() })
	return v
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"/a/b.md", "/a/b.md", false},
		{"  a/b.md  ", "/a/b.md", false},
		{"a\\b\\c", "/a/b/c", false},
		{"//a///b", "/a/b", false},
		{"/a/./b/../c", "/a/c", false},
		{"/../..", "", true},
		{"", "", true},
		{"/a\x00b", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizePath(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NormalizePath(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizePath(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizePath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriteRead_RoundTrip(t *testing.T) {
	v := newTestVFS(t)

	if _, err := v.Write("/notes/a.md", []byte("HELLO"), WriteOptions{}); err != nil {
		t.Fatalf("write: %v", err)
	}
	a, err := v.Read("/notes/a.md")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(a.Content, []byte("HELLO")) {
		t.Fatalf("content = %q, want HELLO", a.Content)
	}
	if a.Size != 5 || a.Type != TypeDocument {
		t.Fatalf("stat mismatch: %+v", a)
	}
}

func TestWrite_TooLargeLeavesPriorContentIntact(t *testing.T) {
	v := newTestVFS(t)

	limit := v.Cap(TypeCode)
	atLimit := bytes.Repeat([]byte("x"), limit)
	if _, err := v.Write("/src/big.go", atLimit, WriteOptions{Type: TypeCode}); err != nil {
		t.Fatalf("write at limit: %v", err)
	}

	over := bytes.Repeat([]byte("y"), limit+1)
	_, err := v.Write("/src/big.go", over, WriteOptions{Type: TypeCode})
	if !errors.Is(err, errdefs.ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}

	a, err := v.Read("/src/big.go")
	if err != nil {
		t.Fatalf("read after failed write: %v", err)
	}
	if !bytes.Equal(a.Content, atLimit) {
		t.Fatal("failed write mutated prior content")
	}
}

func TestRead_NotFound(t *testing.T) {
	v := newTestVFS(t)
	_, err := v.Read("/missing")
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestList_PrefixOrdered(t *testing.T) {
	v := newTestVFS(t)
	for _, p := range []string{"/b/2", "/a/1", "/a/2", "/a/sub/3", "/ab"} {
		if _, err := v.Write(p, []byte("x"), WriteOptions{}); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	got, err := v.List("/a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"/a/1", "/a/2", "/a/sub/3"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("list = %v, want %v", got, want)
	}
}

func TestDelete_EmitsEventAndNotFoundOnMissing(t *testing.T) {
	b := bus.New()
	v, err := Open(":memory:", b)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer v.Close()

	var deleted string
	b.On(protocol.TopicVFSDeleted, func(ev bus.Event) {
		deleted = ev.Payload.(*Stat).Path
	}, "test")

	v.Write("/x", []byte("v"), WriteOptions{})
	if err := v.Delete("/x"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != "/x" {
		t.Fatalf("vfs:deleted payload = %q", deleted)
	}
	if err := v.Delete("/x"); !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestClear_PreservesGenesis(t *testing.T) {
	v := newTestVFS(t)
	v.Write("/genesis/manifest.json", []byte("{}"), WriteOptions{Type: TypeConfig})
	v.Write("/scratch/x", []byte("x"), WriteOptions{})

	if err := v.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if !v.Exists("/genesis/manifest.json") {
		t.Fatal("clear removed genesis")
	}
	if v.Exists("/scratch/x") {
		t.Fatal("clear left non-genesis artifact")
	}
}

func TestBlobStore_ReleaseFreesHandle(t *testing.T) {
	s := NewBlobStore()
	h := s.Create([]byte("export function f() {}"))
	if s.Live() != 1 {
		t.Fatalf("live = %d, want 1", s.Live())
	}
	if h.Bytes() == nil {
		t.Fatal("bytes nil before release")
	}
	h.Release()
	h.Release() // idempotent
	if s.Live() != 0 {
		t.Fatalf("live = %d, want 0", s.Live())
	}
	if h.Bytes() != nil {
		t.Fatal("bytes survive release")
	}
}
