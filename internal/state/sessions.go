package state

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/clocksmith/reploid/internal/errdefs"
	"github.com/clocksmith/reploid/pkg/protocol"
)

var sessionSeq atomic.Int64

// newSessionID builds an opaque monotonic+random session id.
func newSessionID() string {
	return fmt.Sprintf("s%06d-%s", sessionSeq.Add(1), uuid.NewString()[:8])
}

// CreateSession opens a new active session for goal. Any previously active
// session is archived first: only one session may be active at a time.
func (m *Manager) CreateSession(goal string) (string, error) {
	var id string
	err := m.UpdateAndSave(func(st *State) error {
		if cur := st.ActiveSession(); cur != nil {
			cur.Status = SessionArchived
		}
		id = newSessionID()
		st.Sessions = append(st.Sessions, &Session{
			ID:        id,
			Goal:      goal,
			Status:    SessionActive,
			StartTime: m.clock().UnixMilli(),
		})
		st.ActiveSessionID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	if m.events != nil {
		m.events.Emit(protocol.TopicSessionCreated, map[string]interface{}{"id": id, "goal": goal})
	}
	return id, nil
}

// AddTurn appends an immutable turn record to a session.
func (m *Manager) AddTurn(sessionID string, turn Turn) error {
	return m.UpdateAndSave(func(st *State) error {
		sess := st.session(sessionID)
		if sess == nil {
			return errdefs.Wrap(errdefs.ErrNotFound, "session: %s", sessionID)
		}
		turn.Index = len(sess.Turns)
		sess.Turns = append(sess.Turns, turn)
		st.TotalTurns++
		return nil
	})
}

// ArchiveSession marks a session archived and clears the active pointer when
// it was the active one.
func (m *Manager) ArchiveSession(sessionID string) error {
	err := m.UpdateAndSave(func(st *State) error {
		sess := st.session(sessionID)
		if sess == nil {
			return errdefs.Wrap(errdefs.ErrNotFound, "session: %s", sessionID)
		}
		sess.Status = SessionArchived
		if st.ActiveSessionID == sessionID {
			st.ActiveSessionID = ""
		}
		return nil
	})
	if err == nil && m.events != nil {
		m.events.Emit(protocol.TopicSessionArchived, map[string]interface{}{"id": sessionID})
	}
	return err
}

// RewindTo truncates a session's turns to the prefix [0, turnIndex). In-flight
// tool work belonging to later turns must be cancelled by the caller before
// rewinding (the cycle does this via its run context).
func (m *Manager) RewindTo(sessionID string, turnIndex int) error {
	err := m.UpdateAndSave(func(st *State) error {
		sess := st.session(sessionID)
		if sess == nil {
			return errdefs.Wrap(errdefs.ErrNotFound, "session: %s", sessionID)
		}
		if turnIndex < 0 || turnIndex > len(sess.Turns) {
			return errdefs.Wrap(errdefs.ErrValidation, "session: rewind index %d out of range", turnIndex)
		}
		sess.Turns = sess.Turns[:turnIndex]
		return nil
	})
	if err == nil && m.events != nil {
		m.events.Emit(protocol.TopicSessionRewound, map[string]interface{}{
			"id":    sessionID,
			"turns": turnIndex,
		})
	}
	return err
}
