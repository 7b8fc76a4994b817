package sandbox

import (
	"encoding/json"
	"fmt"

	"github.com/clocksmith/reploid/internal/state"
	"github.com/clocksmith/reploid/internal/vfs"
)

// Shim answers whitelisted read-through requests from the worker. It never
// exposes mutation: sandboxed code changes the world only through its
// returned result.
type Shim struct {
	VFS   *vfs.VFS
	State *state.Manager
}

// Handle dispatches one worker request and returns the response frame.
func (s *Shim) Handle(msg Message) Response {
	result, err := s.dispatch(msg)
	if err != nil {
		return Response{ID: msg.ID, OK: boolPtr(false), Error: err.Error()}
	}
	return Response{ID: msg.ID, OK: boolPtr(true), Result: result}
}

func (s *Shim) dispatch(msg Message) (json.RawMessage, error) {
	switch msg.Type {
	case TypeVFSRead:
		if s.VFS == nil {
			return nil, fmt.Errorf("vfs not available")
		}
		var data struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("bad vfs.read payload: %w", err)
		}
		a, err := s.VFS.Read(data.Path)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"content": string(a.Content), "type": a.Type})

	case TypeVFSList:
		if s.VFS == nil {
			return nil, fmt.Errorf("vfs not available")
		}
		var data struct {
			Prefix string `json:"prefix"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("bad vfs.list payload: %w", err)
		}
		paths, err := s.VFS.List(data.Prefix)
		if err != nil {
			return nil, err
		}
		return json.Marshal(paths)

	case TypeStateGet:
		if s.State == nil {
			return nil, fmt.Errorf("state not available")
		}
		// Read-only snapshot of the session skeleton; never the raw object.
		snap := s.State.Snapshot()
		view := map[string]interface{}{
			"activeSessionId": snap.ActiveSessionID,
			"sessions":        len(snap.Sessions),
			"totalTurns":      snap.TotalTurns,
		}
		return json.Marshal(view)
	}
	return nil, fmt.Errorf("method not whitelisted: %s", msg.Type)
}
