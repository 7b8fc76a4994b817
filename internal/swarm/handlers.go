package swarm

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clocksmith/reploid/internal/errdefs"
	"github.com/clocksmith/reploid/pkg/protocol"
)

func (t *Transport) registerBuiltinHandlers() {
	t.handlers[MsgPing] = func(from string, _ *Envelope) {
		t.sendTo(from, MsgPong, nil)
	}
	t.handlers[MsgPong] = func(string, *Envelope) {}

	t.handlers[MsgSyncRequest] = func(from string, _ *Envelope) {
		t.sendTo(from, MsgSyncState, t.store.Entries())
	}
	t.handlers[MsgSyncState] = func(from string, env *Envelope) {
		var entries []LWWEntry
		if err := json.Unmarshal(env.Payload, &entries); err != nil {
			return
		}
		changed := t.store.Merge(entries)
		if t.cfg.Events != nil {
			t.cfg.Events.Emit(protocol.TopicSwarmSynced, map[string]interface{}{
				"peer":    from,
				"changed": changed,
			})
		}
	}

	t.handlers[MsgTaskDelegation] = func(from string, env *Envelope) {
		var task Task
		if err := json.Unmarshal(env.Payload, &task); err != nil {
			return
		}
		go t.runDelegatedTask(from, task)
	}

	t.handlers[MsgConsensusReq] = func(from string, env *Envelope) {
		var req consensusRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return
		}
		approve := true
		if t.cfg.Vote != nil {
			approve = t.cfg.Vote(req.Proposal)
		}
		t.sendTo(from, MsgConsensusVote+req.ID, consensusVote{ID: req.ID, Approve: approve, PeerID: t.cfg.PeerID})
	}

	t.handlers[MsgKnowledgeShare] = func(from string, env *Envelope) {
		if t.cfg.Events != nil {
			t.cfg.Events.Emit(protocol.TopicSwarmMessage, map[string]interface{}{
				"peer":    from,
				"type":    MsgKnowledgeShare,
				"payload": string(env.Payload),
			})
		}
	}
}

// dispatch routes an inbound envelope. Correlated reply types
// (task-complete-<id>, consensus-vote-<id>) resolve pending waiters; unknown
// types hit the default handler which logs and drops.
func (t *Transport) dispatch(from string, env *Envelope) {
	if strings.HasPrefix(env.Type, MsgTaskComplete) || strings.HasPrefix(env.Type, MsgConsensusVote) {
		t.mu.Lock()
		ch, ok := t.pending[env.Type]
		t.mu.Unlock()
		if ok {
			select {
			case ch <- env:
			default:
			}
		}
		return
	}

	t.mu.RLock()
	h, ok := t.handlers[env.Type]
	t.mu.RUnlock()
	if !ok {
		slog.Debug("swarm.unknown_message", "from", from, "type", env.Type)
		return
	}
	h(from, env)
}

func (t *Transport) runDelegatedTask(from string, task Task) {
	var result json.RawMessage
	var errMsg string
	if t.cfg.TaskHandler == nil {
		errMsg = "no task handler"
	} else {
		ctx, cancel := context.WithTimeout(t.ctx, t.cfg.DelegationTimeout)
		defer cancel()
		out, err := t.cfg.TaskHandler(ctx, task)
		if err != nil {
			errMsg = err.Error()
		} else {
			result = out
		}
	}
	t.sendTo(from, MsgTaskComplete+task.ID, taskComplete{
		ID:     task.ID,
		Result: result,
		Error:  errMsg,
	})
}

type taskComplete struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// awaitReply registers a one-shot waiter for a correlated reply type.
func (t *Transport) awaitReply(replyType string) chan *Envelope {
	ch := make(chan *Envelope, 8)
	t.mu.Lock()
	t.pending[replyType] = ch
	t.mu.Unlock()
	return ch
}

func (t *Transport) dropReply(replyType string) {
	t.mu.Lock()
	delete(t.pending, replyType)
	t.mu.Unlock()
}

// DelegateTask picks the first peer (by peer-id sort) whose advertised
// capabilities cover the task's requirements, sends the delegation, and
// waits for completion. Zero capable peers fails with NoCapablePeer.
func (t *Transport) DelegateTask(ctx context.Context, task Task) (json.RawMessage, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	target := ""
	for _, p := range t.Peers() { // sorted by id → deterministic first match
		if p.Open && covers(p.Capabilities, task.Requirements) {
			target = p.ID
			break
		}
	}
	if target == "" {
		return nil, errdefs.Wrap(errdefs.ErrNoCapablePeer, "swarm: task %s requires %v", task.ID, task.Requirements)
	}

	replyType := MsgTaskComplete + task.ID
	ch := t.awaitReply(replyType)
	defer t.dropReply(replyType)

	if err := t.sendTo(target, MsgTaskDelegation, task); err != nil {
		return nil, err
	}

	timer := time.NewTimer(t.cfg.DelegationTimeout)
	defer timer.Stop()
	select {
	case env := <-ch:
		var tc taskComplete
		if err := json.Unmarshal(env.Payload, &tc); err != nil {
			return nil, errdefs.Wrap(errdefs.ErrValidation, "swarm: bad task-complete: %v", err)
		}
		if tc.Error != "" {
			return nil, errdefs.Wrap(errdefs.ErrTool, "swarm: delegated task: %s", tc.Error)
		}
		return tc.Result, nil
	case <-timer.C:
		return nil, errdefs.Wrap(errdefs.ErrTimeout, "swarm: task %s on %s", task.ID, target)
	case <-ctx.Done():
		return nil, errdefs.Wrap(errdefs.ErrCancelled, "swarm: task %s", task.ID)
	}
}

// Delegate adapts DelegateTask to the tools.Delegator contract.
func (t *Transport) Delegate(ctx context.Context, description string, requirements []string) (string, error) {
	result, err := t.DelegateTask(ctx, Task{Description: description, Requirements: requirements})
	if err != nil {
		return "", err
	}
	return string(result), nil
}

func covers(caps, reqs []string) bool {
	for _, r := range reqs {
		found := false
		for _, c := range caps {
			if c == r {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type consensusRequest struct {
	ID       string          `json:"id"`
	Proposal json.RawMessage `json:"proposal"`
}

type consensusVote struct {
	ID      string `json:"id"`
	Approve bool   `json:"approve"`
	PeerID  string `json:"peerId"`
}

// ConsensusResult is the outcome of a consensus round.
type ConsensusResult struct {
	Consensus bool `json:"consensus"`
	Timeout   bool `json:"timeout,omitempty"`
	Approvals int  `json:"approvals"`
	Voters    int  `json:"voters"`
}

// Consensus broadcasts a proposal and collects votes, resolving on a strict
// majority of known-alive peers including self. A round that cannot reach
// majority before the timeout resolves {consensus:false, timeout:true}.
func (t *Transport) Consensus(ctx context.Context, proposal interface{}) (ConsensusResult, error) {
	raw, err := json.Marshal(proposal)
	if err != nil {
		return ConsensusResult{}, err
	}
	id := uuid.NewString()

	voters := len(t.Peers()) + 1 // known-alive peers plus self
	needed := voters/2 + 1

	// Self vote.
	approvals := 0
	if t.cfg.Vote == nil || t.cfg.Vote(raw) {
		approvals++
	}

	replyType := MsgConsensusVote + id
	ch := t.awaitReply(replyType)
	defer t.dropReply(replyType)

	t.Broadcast(MsgConsensusReq, consensusRequest{ID: id, Proposal: raw})

	received := 0
	timer := time.NewTimer(t.cfg.ConsensusTimeout)
	defer timer.Stop()
	for approvals < needed && received < voters-1 {
		select {
		case env := <-ch:
			var v consensusVote
			if err := json.Unmarshal(env.Payload, &v); err != nil {
				continue
			}
			received++
			if v.Approve {
				approvals++
			}
		case <-timer.C:
			return ConsensusResult{Consensus: false, Timeout: true, Approvals: approvals, Voters: voters}, nil
		case <-ctx.Done():
			return ConsensusResult{}, errdefs.Wrap(errdefs.ErrCancelled, "swarm: consensus %s", id)
		}
	}
	return ConsensusResult{
		Consensus: approvals >= needed,
		Approvals: approvals,
		Voters:    voters,
	}, nil
}
