package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/clocksmith/reploid/internal/errdefs"
	"github.com/clocksmith/reploid/internal/vfs"
	"github.com/clocksmith/reploid/pkg/protocol"
)

// Checkpoint is an immutable snapshot of the whole state.
type Checkpoint struct {
	ID        string `json:"id"`
	State     *State `json:"state"`
	Timestamp int64  `json:"timestamp"`
	Note      string `json:"note,omitempty"`
	Seq       int64  `json:"seq"`
}

// CreateCheckpoint snapshots the live state into the ring (FIFO eviction at
// capacity) and persists the snapshot.
func (m *Manager) CreateCheckpoint(note string) (*Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, err := deepCopy(m.live)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrState, "checkpoint: copy: %v", err)
	}

	var seq int64 = 1
	if n := len(m.ring); n > 0 {
		seq = m.ring[n-1].Seq + 1
	}
	cp := Checkpoint{
		ID:        fmt.Sprintf("cp-%06d", seq),
		State:     snap,
		Timestamp: m.clock().UnixMilli(),
		Note:      note,
		Seq:       seq,
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.ErrState, "checkpoint: marshal: %v", err)
	}
	path := fmt.Sprintf("%s/%s.json", checkpointDir, cp.ID)
	if _, err := m.store.Write(path, data, vfs.WriteOptions{Type: vfs.TypeState, Silent: true}); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrState, "checkpoint: persist: %v", err)
	}

	m.ring = append(m.ring, cp)
	if len(m.ring) > m.ringSize {
		evicted := m.ring[0]
		m.ring = m.ring[1:]
		m.store.Delete(fmt.Sprintf("%s/%s.json", checkpointDir, evicted.ID))
	}

	if m.events != nil {
		m.events.Emit(protocol.TopicCheckpointCreated, map[string]interface{}{"id": cp.ID, "note": note})
	}
	return &cp, nil
}

// RestoreCheckpoint reinstates a snapshot. The ring is preserved up to and
// including the restored checkpoint; later checkpoints are discarded.
func (m *Manager) RestoreCheckpoint(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, cp := range m.ring {
		if cp.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errdefs.Wrap(errdefs.ErrNotFound, "checkpoint: %s", id)
	}

	snap, err := deepCopy(m.ring[idx].State)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrState, "checkpoint: copy: %v", err)
	}

	prev := m.live
	m.live = snap
	if err := m.persistLocked(); err != nil {
		m.live = prev
		return errdefs.Wrap(errdefs.ErrState, "checkpoint: persist restore: %v", err)
	}

	for _, dropped := range m.ring[idx+1:] {
		m.store.Delete(fmt.Sprintf("%s/%s.json", checkpointDir, dropped.ID))
	}
	m.ring = m.ring[:idx+1]

	if m.events != nil {
		m.events.Emit(protocol.TopicCheckpointRestored, map[string]interface{}{"id": id})
	}
	return nil
}

// Checkpoints lists the ring in creation order.
func (m *Manager) Checkpoints() []Checkpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Checkpoint, len(m.ring))
	copy(out, m.ring)
	return out
}

func (m *Manager) loadCheckpoints() error {
	paths, err := m.store.List(checkpointDir)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrState, "checkpoint: list: %v", err)
	}
	for _, p := range paths {
		if !strings.HasSuffix(p, ".json") {
			continue
		}
		a, err := m.store.Read(p)
		if err != nil {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(a.Content, &cp); err != nil {
			continue
		}
		m.ring = append(m.ring, cp)
	}
	sort.Slice(m.ring, func(i, j int) bool { return m.ring[i].Seq < m.ring[j].Seq })
	if len(m.ring) > m.ringSize {
		m.ring = m.ring[len(m.ring)-m.ringSize:]
	}
	return nil
}
