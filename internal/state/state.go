// Package state owns the single mutable state object. All mutation funnels
// through UpdateAndSave, except RestoreCheckpoint, which swaps in a stored
// snapshot; everyone else borrows read-only snapshots. The state
// persists to /.state/state.json in the VFS, checkpoints to
// /.state/checkpoints/.
package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/clocksmith/reploid/internal/bus"
	"github.com/clocksmith/reploid/internal/errdefs"
	"github.com/clocksmith/reploid/internal/vfs"
	"github.com/clocksmith/reploid/pkg/protocol"
)

const (
	statePath          = "/.state/state.json"
	checkpointDir      = "/.state/checkpoints"
	DefaultRingSize    = 10
	SessionActive      = "active"
	SessionArchived    = "archived"
)

// Turn outcome values.
const (
	TurnPending  = "pending"
	TurnApproved = "approved"
	TurnApplied  = "applied"
	TurnRejected = "rejected"
	TurnFailed   = "failed"
)

// Turn is one pass of the agent cycle.
type Turn struct {
	Index            int               `json:"index"`
	PromptContextRef string            `json:"prompt_context_ref,omitempty"`
	LLMMessages      []json.RawMessage `json:"llm_messages,omitempty"`
	ToolCalls        []string          `json:"tool_calls,omitempty"`
	ChangesetRef     string            `json:"changeset_ref,omitempty"`
	Outcome          string            `json:"outcome"`
	FailReason       string            `json:"fail_reason,omitempty"`
}

// Session is one conversation unit. At most one session is active at a time.
type Session struct {
	ID        string `json:"id"`
	Goal      string `json:"goal"`
	Status    string `json:"status"`
	StartTime int64  `json:"startTime"`
	Turns     []Turn `json:"turns"`
}

// State is the whole serialized state object. Plain data only: UpdateAndSave
// deep-copies it through JSON.
type State struct {
	Sessions        []*Session             `json:"sessions"`
	ActiveSessionID string                 `json:"activeSessionId,omitempty"`
	TotalTurns      int                    `json:"totalTurns"`
	Meta            map[string]interface{} `json:"meta,omitempty"`
}

func newState() *State {
	return &State{Meta: map[string]interface{}{}}
}

// ActiveSession returns the active session or nil.
func (s *State) ActiveSession() *Session {
	if s.ActiveSessionID == "" {
		return nil
	}
	for _, sess := range s.Sessions {
		if sess.ID == s.ActiveSessionID {
			return sess
		}
	}
	return nil
}

func (s *State) session(id string) *Session {
	for _, sess := range s.Sessions {
		if sess.ID == id {
			return sess
		}
	}
	return nil
}

// Manager holds the live state and the checkpoint ring.
type Manager struct {
	mu       sync.Mutex
	store    *vfs.VFS
	events   *bus.Bus
	live     *State
	ring     []Checkpoint
	ringSize int
	clock    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithRingSize overrides the checkpoint ring capacity.
func WithRingSize(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.ringSize = n
		}
	}
}

// WithClock overrides the clock (tests).
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// NewManager loads state from the VFS or starts fresh.
func NewManager(store *vfs.VFS, events *bus.Bus, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:    store,
		events:   events,
		live:     newState(),
		ringSize: DefaultRingSize,
		clock:    time.Now,
	}
	for _, o := range opts {
		o(m)
	}

	if a, err := store.Read(statePath); err == nil {
		st := newState()
		if err := json.Unmarshal(a.Content, st); err != nil {
			return nil, errdefs.Wrap(errdefs.ErrState, "state: corrupt %s: %v", statePath, err)
		}
		m.live = st
	}
	if err := m.loadCheckpoints(); err != nil {
		return nil, err
	}
	return m, nil
}

// Snapshot returns the current state. Callers must not mutate it.
func (m *Manager) Snapshot() *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live
}

// UpdateAndSave is the mutator for every change other than a checkpoint
// restore. fn receives a deep copy; returning an
// error aborts the update with the live state unchanged. A persistence
// failure rolls the in-memory state back to the pre-call snapshot and
// surfaces ErrState.
func (m *Manager) UpdateAndSave(fn func(*State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, err := deepCopy(m.live)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrState, "state: copy: %v", err)
	}
	if err := fn(next); err != nil {
		return err
	}

	prev := m.live
	m.live = next
	if err := m.persistLocked(); err != nil {
		m.live = prev
		return errdefs.Wrap(errdefs.ErrState, "state: persist: %v", err)
	}
	if m.events != nil {
		m.events.Emit(protocol.TopicStateSaved, nil)
	}
	return nil
}

func (m *Manager) persistLocked() error {
	data, err := json.MarshalIndent(m.live, "", "  ")
	if err != nil {
		return err
	}
	_, err = m.store.Write(statePath, data, vfs.WriteOptions{Type: vfs.TypeState, Silent: true})
	return err
}

func deepCopy(s *State) (*State, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	out := newState()
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	if out.Meta == nil {
		out.Meta = map[string]interface{}{}
	}
	return out, nil
}

// Equal reports whether two states serialize identically.
func Equal(a, b *State) bool {
	ja, err1 := json.Marshal(a)
	jb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && string(ja) == string(jb)
}

func (m *Manager) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("state{sessions=%d active=%q checkpoints=%d}",
		len(m.live.Sessions), m.live.ActiveSessionID, len(m.ring))
}
