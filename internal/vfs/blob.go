package vfs

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// BlobHandle is an in-memory code object that the substrate loader can
// materialize without persisting the source to the artifact store. Handles
// are released explicitly after import to avoid leaks.
type BlobHandle struct {
	ID      string
	store   *BlobStore
	content []byte
	closed  atomic.Bool
}

// Bytes returns the blob content. Returns nil after Release.
func (h *BlobHandle) Bytes() []byte {
	if h.closed.Load() {
		return nil
	}
	return h.content
}

// Release frees the blob. Safe to call more than once.
func (h *BlobHandle) Release() {
	if h.closed.CompareAndSwap(false, true) {
		h.store.drop(h.ID)
		h.content = nil
	}
}

// BlobStore tracks live in-memory blobs.
type BlobStore struct {
	mu    sync.Mutex
	blobs map[string]*BlobHandle
}

func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string]*BlobHandle)}
}

// Create registers a transient blob and returns its handle.
func (s *BlobStore) Create(content []byte) *BlobHandle {
	h := &BlobHandle{ID: uuid.NewString(), store: s, content: content}
	s.mu.Lock()
	s.blobs[h.ID] = h
	s.mu.Unlock()
	return h
}

// Live returns the number of unreleased blobs.
func (s *BlobStore) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

func (s *BlobStore) drop(id string) {
	s.mu.Lock()
	delete(s.blobs, id)
	s.mu.Unlock()
}
