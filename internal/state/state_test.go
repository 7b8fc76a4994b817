package state

import (
	"errors"
	"testing"
	"time"

	"github.com/clocksmith/reploid/internal/bus"
	"github.com/clocksmith/reploid/internal/errdefs"
	"github.com/clocksmith/reploid/internal/vfs"
	"github.com/clocksmith/reploid/pkg/protocol"
)

func newTestManager(t *testing.T) (*Manager, *vfs.VFS, *bus.Bus) {
	t.Helper()
	store, err := vfs.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open vfs: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	b := bus.New()
	m, err := NewManager(store, b)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, store, b
}

func TestUpdateAndSave_AbortsOnFnError(t *testing.T) {
	m, _, _ := newTestManager(t)

	sentinel := errors.New("boom")
	err := m.UpdateAndSave(func(st *State) error {
		st.Meta["x"] = "y"
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("err = %v", err)
	}
	if _, ok := m.Snapshot().Meta["x"]; ok {
		t.Fatal("aborted update mutated live state")
	}
}

func TestUpdateAndSave_LiveEqualsPersisted(t *testing.T) {
	m, store, _ := newTestManager(t)

	if err := m.UpdateAndSave(func(st *State) error {
		st.Meta["k"] = "v"
		return nil
	}); err != nil {
		t.Fatalf("update: %v", err)
	}

	m2, err := NewManager(store, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !Equal(m.Snapshot(), m2.Snapshot()) {
		t.Fatal("live state diverged from persisted state")
	}
}

func TestSessions_SingleActiveAndRewind(t *testing.T) {
	m, _, _ := newTestManager(t)

	s1, err := m.CreateSession("first goal")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s2, err := m.CreateSession("second goal")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	st := m.Snapshot()
	if st.ActiveSessionID != s2 {
		t.Fatalf("active = %q, want %q", st.ActiveSessionID, s2)
	}
	if st.session(s1).Status != SessionArchived {
		t.Fatal("first session not archived when second was created")
	}

	for i := 0; i < 3; i++ {
		if err := m.AddTurn(s2, Turn{Outcome: TurnApplied}); err != nil {
			t.Fatalf("add turn: %v", err)
		}
	}
	if err := m.RewindTo(s2, 1); err != nil {
		t.Fatalf("rewind: %v", err)
	}
	if n := len(m.Snapshot().session(s2).Turns); n != 1 {
		t.Fatalf("turns after rewind = %d, want 1", n)
	}

	if err := m.RewindTo(s2, 9); !errors.Is(err, errdefs.ErrValidation) {
		t.Fatalf("out-of-range rewind err = %v", err)
	}
}

func TestCheckpoint_RestoreRollsBackMutations(t *testing.T) {
	m, _, b := newTestManager(t)

	before := m.Snapshot()
	cp, err := m.CreateCheckpoint("pre-mutation")
	if err != nil {
		t.Fatalf("create checkpoint: %v", err)
	}

	if _, err := m.CreateSession("mutation"); err != nil {
		t.Fatalf("create session: %v", err)
	}
	if Equal(before, m.Snapshot()) {
		t.Fatal("mutation had no effect")
	}

	restored := false
	b.On(protocol.TopicCheckpointRestored, func(bus.Event) { restored = true }, "test")

	if err := m.RestoreCheckpoint(cp.ID); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !Equal(before, m.Snapshot()) {
		t.Fatal("restore did not reinstate pre-mutation state")
	}
	if !restored {
		t.Fatal("checkpoint:restored not emitted")
	}
}

func TestCheckpoint_RingFIFOEviction(t *testing.T) {
	store, err := vfs.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open vfs: %v", err)
	}
	defer store.Close()
	m, err := NewManager(store, nil, WithRingSize(3))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	var ids []string
	for i := 0; i < 5; i++ {
		cp, err := m.CreateCheckpoint("")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, cp.ID)
	}

	ring := m.Checkpoints()
	if len(ring) != 3 {
		t.Fatalf("ring len = %d, want 3", len(ring))
	}
	if ring[0].ID != ids[2] || ring[2].ID != ids[4] {
		t.Fatalf("ring order wrong: %v", ring)
	}
	if err := m.RestoreCheckpoint(ids[0]); !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("evicted checkpoint restore err = %v", err)
	}
}

func TestCheckpoint_RestorePreservesRingPrefix(t *testing.T) {
	m, _, _ := newTestManager(t)

	cp1, _ := m.CreateCheckpoint("one")
	cp2, _ := m.CreateCheckpoint("two")
	m.CreateCheckpoint("three")

	if err := m.RestoreCheckpoint(cp2.ID); err != nil {
		t.Fatalf("restore: %v", err)
	}
	ring := m.Checkpoints()
	if len(ring) != 2 || ring[0].ID != cp1.ID || ring[1].ID != cp2.ID {
		t.Fatalf("ring after restore = %v", ring)
	}
}

func TestCheckpoint_RestoreOfFreshCheckpointIsNoOp(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.clock = func() time.Time { return time.UnixMilli(1000) }

	m.CreateSession("goal")
	before := m.Snapshot()
	cp, _ := m.CreateCheckpoint("noop")
	if err := m.RestoreCheckpoint(cp.ID); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !Equal(before, m.Snapshot()) {
		t.Fatal("restore(create()) changed state")
	}
}

func TestGenesis_WrittenOnceAndImmutable(t *testing.T) {
	m, store, _ := newTestManager(t)

	seed := map[string][]byte{"/boot.js": []byte("export const v = 1")}
	if err := m.EnsureGenesis(seed); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	first, err := store.Read("/genesis/manifest.json")
	if err != nil {
		t.Fatalf("manifest missing: %v", err)
	}

	m.CreateSession("later")
	if err := m.EnsureGenesis(map[string][]byte{"/other.js": []byte("x")}); err != nil {
		t.Fatalf("second genesis: %v", err)
	}
	second, _ := store.Read("/genesis/manifest.json")
	if string(first.Content) != string(second.Content) {
		t.Fatal("genesis manifest rewritten")
	}
	if store.Exists("/genesis/upgrades/other.js") {
		t.Fatal("second seed written after genesis")
	}
}
