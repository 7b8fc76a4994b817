package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/clocksmith/reploid/internal/errdefs"
	"github.com/clocksmith/reploid/internal/inference"
	"github.com/clocksmith/reploid/internal/knowledge"
	"github.com/clocksmith/reploid/internal/providers"
	"github.com/clocksmith/reploid/internal/state"
	"github.com/clocksmith/reploid/internal/timeline"
	"github.com/clocksmith/reploid/internal/tools"
	"github.com/clocksmith/reploid/internal/vfs"
	"github.com/clocksmith/reploid/pkg/protocol"
)

func errorsIs(err, target error) bool { return errors.Is(err, target) }

const systemPrompt = `You are an autonomous software agent operating over a virtual file system.
Work toward the goal using the available tools. When you are ready to change
files, respond with a changeset bundle: one section per operation, formatted

change: CREATE /path/to/file
` + "```" + `
file content
` + "```" + `

Operations are CREATE, MODIFY, and DELETE (DELETE has no content fence).
Do not emit a bundle until the change is complete and correct.`

// RunGoal drives one goal through the full cycle. It blocks until the FSM
// resolves to IDLE or FAILED.
func (c *Cycle) RunGoal(ctx context.Context, goal string) error {
	sessionID, err := c.cfg.State.CreateSession(goal)
	if err != nil {
		return c.fail("", err)
	}
	c.record(protocol.TopicCycleStart, map[string]interface{}{"goal": goal, "session": sessionID}, timeline.SeverityInfo)
	if c.cfg.Events != nil {
		c.cfg.Events.Emit(protocol.TopicCycleStart, map[string]interface{}{"session": sessionID})
	}

	// 1. Curate context: retrieval over the VFS and the knowledge graph,
	// assembled into a turn artifact, checkpointed before the gate.
	c.transition(PhaseCuratingContext)
	contextRef, err := c.curateContext(sessionID, goal)
	if err != nil {
		return c.fail(sessionID, err)
	}
	if _, err := c.cfg.State.CreateCheckpoint("context " + sessionID); err != nil {
		return c.fail(sessionID, err)
	}
	if c.cfg.Events != nil {
		c.cfg.Events.Emit(protocol.TopicContextReady, map[string]interface{}{"ref": contextRef})
	}

	// 2. Context approval gate.
	c.transition(PhaseAwaitingContextApproval)
	approved, err := c.awaitContextApproval(ctx, contextRef)
	if err != nil {
		return c.fail(sessionID, err)
	}
	if !approved {
		c.record("context:rejected", map[string]interface{}{"session": sessionID}, timeline.SeverityInfo)
		c.transition(PhaseIdle)
		return nil
	}

	// 3. Planning loop with tool execution.
	c.transition(PhasePlanningWithContext)
	bundle, turn, err := c.plan(ctx, sessionID, contextRef, goal)
	if err != nil {
		return c.fail(sessionID, err)
	}
	if bundle == nil {
		// The model finished without proposing changes; that ends the cycle.
		turn.Outcome = state.TurnApplied
		c.cfg.State.AddTurn(sessionID, *turn)
		c.finish(sessionID)
		return nil
	}

	changesetRef := fmt.Sprintf("/.state/changesets/%s.txt", sessionID)
	if _, err := c.cfg.VFS.Write(changesetRef, []byte(bundle.Serialize()), vfs.WriteOptions{Type: vfs.TypeDocument, Silent: true}); err != nil {
		return c.fail(sessionID, err)
	}
	turn.ChangesetRef = changesetRef
	if c.cfg.Events != nil {
		c.cfg.Events.Emit(protocol.TopicProposalReady, map[string]interface{}{
			"ref":     changesetRef,
			"changes": len(bundle.Changes),
		})
	}

	// 4. Proposal approval gate.
	c.transition(PhaseAwaitingProposalApproval)
	approved, err = c.awaitProposalApproval(ctx, bundle)
	if err != nil {
		turn.Outcome = state.TurnFailed
		turn.FailReason = err.Error()
		c.cfg.State.AddTurn(sessionID, *turn)
		return c.fail(sessionID, err)
	}
	if !approved {
		turn.Outcome = state.TurnRejected
		c.cfg.State.AddTurn(sessionID, *turn)
		if c.cfg.Events != nil {
			c.cfg.Events.Emit(protocol.TopicProposalRejected, nil)
		}
		c.transition(PhaseIdle)
		return nil
	}
	turn.Outcome = state.TurnApproved
	if c.cfg.Events != nil {
		c.cfg.Events.Emit(protocol.TopicProposalApproved, nil)
	}

	// 5. Apply the changeset atomically.
	c.transition(PhaseApplyingChangeset)
	if err := c.applyBundle(sessionID, bundle); err != nil {
		turn.Outcome = state.TurnFailed
		turn.FailReason = err.Error()
		c.cfg.State.AddTurn(sessionID, *turn)
		return c.fail(sessionID, err)
	}
	turn.Outcome = state.TurnApplied
	if err := c.cfg.State.AddTurn(sessionID, *turn); err != nil {
		return c.fail(sessionID, err)
	}
	if c.cfg.Events != nil {
		c.cfg.Events.Emit(protocol.TopicApplyDone, map[string]interface{}{"changes": len(bundle.Changes)})
	}

	c.finish(sessionID)
	return nil
}

func (c *Cycle) finish(sessionID string) {
	c.record(protocol.TopicCycleEnd, map[string]interface{}{"session": sessionID}, timeline.SeverityInfo)
	if c.cfg.Events != nil {
		c.cfg.Events.Emit(protocol.TopicCycleEnd, map[string]interface{}{"session": sessionID})
	}
	c.transition(PhaseIdle)
}

// curateContext assembles the system prompt and working scratchpad into a
// turn artifact: the goal, a listing of relevant artifacts, and high-value
// facts from the knowledge graph.
func (c *Cycle) curateContext(sessionID, goal string) (string, error) {
	var sb strings.Builder
	sb.WriteString("# Goal\n\n" + goal + "\n\n")

	if paths, err := c.cfg.VFS.List("/"); err == nil {
		sb.WriteString("# Artifacts\n\n")
		n := 0
		for _, p := range paths {
			if strings.HasPrefix(p, "/.") {
				continue // internal trees stay out of the prompt
			}
			sb.WriteString(p + "\n")
			n++
			if n >= 200 {
				sb.WriteString("(truncated)\n")
				break
			}
		}
		sb.WriteString("\n")
	}

	if c.cfg.Knowledge != nil {
		facts := c.cfg.Knowledge.Graph.Snapshot()
		if len(facts) > 0 {
			sb.WriteString("# Knowledge\n\n")
			for i, t := range facts {
				if i >= 100 {
					sb.WriteString("(truncated)\n")
					break
				}
				fmt.Fprintf(&sb, "%s %s %s\n", t.Subject, t.Predicate, t.Object)
			}
		}
	}

	ref := fmt.Sprintf("/.state/context/%s.md", sessionID)
	if _, err := c.cfg.VFS.Write(ref, []byte(sb.String()), vfs.WriteOptions{Type: vfs.TypeDocument, Silent: true}); err != nil {
		return "", err
	}
	return ref, nil
}

func (c *Cycle) awaitContextApproval(ctx context.Context, contextRef string) (bool, error) {
	return c.awaitGate(ctx, func(gateCtx context.Context) (bool, error) {
		return c.cfg.Approver.ApproveContext(gateCtx, contextRef)
	})
}

func (c *Cycle) awaitProposalApproval(ctx context.Context, bundle *Bundle) (bool, error) {
	// Policy gets a look before the approval gate: denial is final. A
	// require_approval decision is not treated specially: the proposal goes to
	// the configured Approver like any other, and in autonomous mode (or with
	// no Approver configured) that is AutoApprover, which approves it.
	if c.cfg.Knowledge != nil {
		for _, ch := range bundle.Changes {
			action := knowledge.Action{Kind: "vfs:" + strings.ToLower(ch.Op), Target: ch.Path}
			d := c.cfg.Knowledge.CheckPolicy(action)
			if !d.Allowed {
				return false, errdefs.Wrap(errdefs.ErrSecurityViolation, "agent: %s %s denied by policy %v", ch.Op, ch.Path, d.Policies)
			}
		}
	}
	return c.awaitGate(ctx, func(gateCtx context.Context) (bool, error) {
		return c.cfg.Approver.ApproveProposal(gateCtx, bundle)
	})
}

// awaitGate runs an approval with the per-state timeout; expiry auto-rejects
// with Timeout.
func (c *Cycle) awaitGate(ctx context.Context, fn func(context.Context) (bool, error)) (bool, error) {
	gateCtx, cancel := context.WithTimeout(ctx, c.cfg.ApprovalTimeout)
	defer cancel()
	ok, err := fn(gateCtx)
	if err != nil {
		if gateCtx.Err() == context.DeadlineExceeded {
			c.record("agent:approval-timeout", nil, timeline.SeverityWarn)
			return false, errdefs.Wrap(errdefs.ErrTimeout, "agent: approval gate")
		}
		if ctx.Err() != nil {
			return false, errdefs.Wrap(errdefs.ErrCancelled, "agent: approval gate")
		}
		return false, errdefs.Wrap(errdefs.ErrValidation, "agent: approval: %v", err)
	}
	return ok, nil
}

// plan runs the LLM iteration loop: request → tool calls in declaration
// order → transcript append → re-invoke, until the model stops with either a
// changeset bundle or plain prose.
func (c *Cycle) plan(ctx context.Context, sessionID, contextRef, goal string) (*Bundle, *state.Turn, error) {
	contextArt, err := c.cfg.VFS.Read(contextRef)
	if err != nil {
		return nil, nil, err
	}

	messages := []providers.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: string(contextArt.Content)},
	}
	turn := &state.Turn{PromptContextRef: contextRef, Outcome: state.TurnPending}

	consecutiveErrors := 0
	for iteration := 1; iteration <= c.cfg.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return nil, nil, errdefs.Wrap(errdefs.ErrCancelled, "agent: planning")
		}

		resp, err := c.invokeLLM(ctx, messages)
		if err != nil {
			if errors.Is(err, errdefs.ErrCancelled) || errors.Is(err, errdefs.ErrTimeout) {
				// Cancellation mid-stream leaves no partial turn: record the
				// failed turn and bail.
				turn.Outcome = state.TurnFailed
				turn.FailReason = "Cancelled"
				c.cfg.State.AddTurn(sessionID, *turn)
				return nil, nil, err
			}
			consecutiveErrors++
			if consecutiveErrors >= maxConsecutiveToolErrors {
				return nil, nil, errdefs.Wrap(errdefs.ErrState, "agent: %d consecutive provider failures: %v", consecutiveErrors, err)
			}
			continue
		}

		for _, m := range messagesFromResponse(resp) {
			raw, _ := json.Marshal(m)
			turn.LLMMessages = append(turn.LLMMessages, raw)
		}

		// Tool calls execute in declaration order; outputs are appended to
		// the transcript before the gateway is re-invoked.
		if len(resp.ToolCalls) > 0 {
			c.transition(PhaseExecutingTool)
			messages = append(messages, providers.Message{
				Role:      "assistant",
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			})

			calls := make([]tools.Call, len(resp.ToolCalls))
			for i, tc := range resp.ToolCalls {
				calls[i] = tools.Call{ID: tc.ID, Name: tc.Name, Args: tc.Arguments, SessionKey: sessionID}
				turn.ToolCalls = append(turn.ToolCalls, tc.Name)
			}
			results := c.cfg.Runner.ExecuteBatch(ctx, calls)

			anyHardError := false
			for i, res := range results {
				messages = append(messages, providers.Message{
					Role:       "tool",
					Content:    res.ForLLM,
					ToolCallID: resp.ToolCalls[i].ID,
				})
				if res.IsError {
					anyHardError = true
				}
			}
			if anyHardError {
				consecutiveErrors++
				if consecutiveErrors >= maxConsecutiveToolErrors {
					return nil, nil, errdefs.Wrap(errdefs.ErrState,
						"agent: %d consecutive tool failures", consecutiveErrors)
				}
			} else {
				consecutiveErrors = 0
			}

			c.transition(PhasePlanningWithContext)
			continue
		}

		consecutiveErrors = 0

		// No tool calls: the model either proposed a bundle or finished.
		bundle, err := ExtractBundle(resp.Content)
		if err != nil {
			if errors.Is(err, errdefs.ErrNotFound) {
				return nil, turn, nil // prose answer, nothing to apply
			}
			// Malformed bundle: reject the whole proposal.
			return nil, nil, err
		}
		return bundle, turn, nil
	}

	return nil, nil, errdefs.Wrap(errdefs.ErrState, "agent: iteration cap %d reached", c.cfg.MaxIterations)
}

func (c *Cycle) invokeLLM(ctx context.Context, messages []providers.Message) (*providers.ChatResponse, error) {
	req := inference.Request{
		Provider: c.cfg.Provider,
		Model:    c.cfg.Model,
		Messages: messages,
		Tools:    c.toolDefs(),
		Options: map[string]interface{}{
			providers.OptMaxTokens: 8192,
		},
	}
	if !c.cfg.Stream {
		return c.cfg.Gateway.Generate(ctx, req)
	}
	s, err := c.cfg.Gateway.GenerateStream(ctx, req)
	if err != nil {
		return nil, err
	}
	for range s.Chunks() {
		// Chunks are consumed for their side effects on the bus; the cycle
		// only needs the final response.
	}
	return s.Result()
}

func (c *Cycle) toolDefs() []providers.ToolDefinition {
	defs := c.cfg.Registry.Definitions()
	out := make([]providers.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = providers.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		}
	}
	return out
}

func messagesFromResponse(resp *providers.ChatResponse) []providers.Message {
	return []providers.Message{{
		Role:      "assistant",
		Content:   resp.Content,
		ToolCalls: resp.ToolCalls,
	}}
}

// applyBundle validates every change against the rule engine and applies the
// operations atomically: a checkpoint guards the state, and an undo log
// reverts artifact writes if any operation fails.
func (c *Cycle) applyBundle(sessionID string, bundle *Bundle) error {
	// Constraint validation over the candidate facts.
	if c.cfg.Knowledge != nil {
		var facts []knowledge.Triple
		for _, ch := range bundle.Changes {
			facts = append(facts, knowledge.Triple{
				Subject:   "proposal",
				Predicate: strings.ToLower(ch.Op) + "s",
				Object:    ch.Path,
			})
		}
		if res := c.cfg.Knowledge.Validate(facts); !res.OK {
			return errdefs.Wrap(errdefs.ErrValidation, "agent: changeset violates %d constraints", len(res.Violations))
		}
	}

	// MODIFY requires the prior artifact to exist before anything applies.
	for _, ch := range bundle.Changes {
		if ch.Op == OpModify && !c.cfg.VFS.Exists(ch.Path) {
			return errdefs.Wrap(errdefs.ErrNotFound, "agent: MODIFY %s has no prior artifact", ch.Path)
		}
	}

	cp, err := c.cfg.State.CreateCheckpoint("pre-apply " + sessionID)
	if err != nil {
		return err
	}

	type undoOp struct {
		path    string
		content []byte
		typ     string
		existed bool
	}
	var undo []undoOp
	snapshot := func(path string) undoOp {
		if a, err := c.cfg.VFS.Read(path); err == nil {
			return undoOp{path: path, content: a.Content, typ: a.Type, existed: true}
		}
		return undoOp{path: path}
	}
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			op := undo[i]
			if op.existed {
				c.cfg.VFS.Write(op.path, op.content, vfs.WriteOptions{Type: op.typ, Silent: true})
			} else {
				c.cfg.VFS.Delete(op.path)
			}
		}
		c.cfg.State.RestoreCheckpoint(cp.ID)
	}

	for _, ch := range bundle.Changes {
		undo = append(undo, snapshot(ch.Path))
		var err error
		switch ch.Op {
		case OpCreate, OpModify:
			_, err = c.cfg.VFS.Write(ch.Path, []byte(ch.Content), vfs.WriteOptions{Type: artifactTypeFor(ch.Path)})
		case OpDelete:
			err = c.cfg.VFS.Delete(ch.Path)
		}
		if err != nil {
			rollback()
			return errdefs.Wrap(errdefs.ErrArtifact, "agent: apply %s %s: %v", ch.Op, ch.Path, err)
		}
	}
	return nil
}

func artifactTypeFor(path string) string {
	switch {
	case strings.HasSuffix(path, ".js"), strings.HasSuffix(path, ".go"),
		strings.HasSuffix(path, ".py"), strings.HasSuffix(path, ".ts"):
		return vfs.TypeCode
	case strings.HasSuffix(path, ".json"), strings.HasSuffix(path, ".yaml"),
		strings.HasSuffix(path, ".toml"):
		return vfs.TypeConfig
	default:
		return vfs.TypeDocument
	}
}

// WaitIdle blocks until the goal queue drains or the timeout elapses. Test
// and CLI helper.
func (c *Cycle) WaitIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		idle := !c.running
		c.mu.Unlock()
		if idle {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
