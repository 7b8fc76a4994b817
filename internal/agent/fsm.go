// Package agent implements the cognitive cycle: the state machine that turns
// a goal into applied artifact changes through gated LLM interaction, tool
// execution, and checkpointing.
package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/clocksmith/reploid/internal/bus"
	"github.com/clocksmith/reploid/internal/errdefs"
	"github.com/clocksmith/reploid/internal/inference"
	"github.com/clocksmith/reploid/internal/knowledge"
	"github.com/clocksmith/reploid/internal/state"
	"github.com/clocksmith/reploid/internal/timeline"
	"github.com/clocksmith/reploid/internal/tools"
	"github.com/clocksmith/reploid/internal/vfs"
	"github.com/clocksmith/reploid/pkg/protocol"
)

// Phase is the FSM state. The cycle exclusively owns its current phase.
type Phase string

const (
	PhaseIdle                     Phase = "IDLE"
	PhaseCuratingContext          Phase = "CURATING_CONTEXT"
	PhaseAwaitingContextApproval  Phase = "AWAITING_CONTEXT_APPROVAL"
	PhasePlanningWithContext      Phase = "PLANNING_WITH_CONTEXT"
	PhaseExecutingTool            Phase = "EXECUTING_TOOL"
	PhaseAwaitingProposalApproval Phase = "AWAITING_PROPOSAL_APPROVAL"
	PhaseApplyingChangeset        Phase = "APPLYING_CHANGESET"
	PhaseFailed                   Phase = "FAILED"
)

// DefaultApprovalTimeout bounds the AWAITING_* states.
const DefaultApprovalTimeout = 10 * time.Minute

// maxConsecutiveToolErrors escalates to FAILED when the agent cannot recover.
const maxConsecutiveToolErrors = 3

// defaultMaxIterations caps the planning loop per goal.
const defaultMaxIterations = 20

// Approver resolves the two human gates. Implementations must honor ctx.
type Approver interface {
	ApproveContext(ctx context.Context, contextRef string) (bool, error)
	ApproveProposal(ctx context.Context, bundle *Bundle) (bool, error)
}

// AutoApprover approves everything; used for autonomous mode where policy
// permits waiving the gates.
type AutoApprover struct{}

func (AutoApprover) ApproveContext(context.Context, string) (bool, error) { return true, nil }
func (AutoApprover) ApproveProposal(context.Context, *Bundle) (bool, error) {
	return true, nil
}

// Config wires a Cycle.
type Config struct {
	Events    *bus.Bus
	VFS       *vfs.VFS
	State     *state.Manager
	Knowledge *knowledge.Engine
	Registry  *tools.Registry
	Runner    *tools.Runner
	Gateway   *inference.Gateway
	Timeline  *timeline.Timeline
	Audit     *timeline.Audit
	Approver  Approver

	Provider        string
	Model           string
	MaxIterations   int
	ApprovalTimeout time.Duration
	Stream          bool
}

// Cycle is one agent's cognitive loop. Goals queue; at most one runs at a
// time per session.
type Cycle struct {
	cfg Config

	mu        sync.Mutex
	phase     Phase
	goals     []string
	running   bool
	runCancel context.CancelFunc
}

func NewCycle(cfg Config) *Cycle {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = DefaultApprovalTimeout
	}
	if cfg.Approver == nil {
		cfg.Approver = AutoApprover{}
	}
	return &Cycle{cfg: cfg, phase: PhaseIdle}
}

// Phase returns the current FSM phase.
func (c *Cycle) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Cycle) transition(next Phase) {
	c.mu.Lock()
	prev := c.phase
	c.phase = next
	c.mu.Unlock()
	slog.Debug("agent.transition", "from", prev, "to", next)
	if c.cfg.Events != nil {
		c.cfg.Events.Emit(protocol.TopicCycleState, map[string]interface{}{
			"from": string(prev),
			"to":   string(next),
		})
	}
}

// SubmitGoal queues a goal and starts processing if the cycle is idle.
// Concurrent goals queue behind the active one.
func (c *Cycle) SubmitGoal(ctx context.Context, goal string) {
	c.mu.Lock()
	c.goals = append(c.goals, goal)
	already := c.running
	if !already {
		c.running = true
	}
	c.mu.Unlock()

	if c.cfg.Events != nil {
		c.cfg.Events.Emit(protocol.TopicGoalSet, map[string]interface{}{"goal": goal})
	}
	if already {
		return
	}

	go c.drain(ctx)
}

func (c *Cycle) drain(ctx context.Context) {
	for {
		c.mu.Lock()
		if len(c.goals) == 0 {
			c.running = false
			c.mu.Unlock()
			return
		}
		goal := c.goals[0]
		c.goals = c.goals[1:]
		runCtx, cancel := context.WithCancel(ctx)
		c.runCancel = cancel
		c.mu.Unlock()

		if err := c.RunGoal(runCtx, goal); err != nil {
			slog.Warn("agent.goal_failed", "goal", goal, "error", err)
		}
		cancel()

		if c.Phase() == PhaseFailed {
			c.mu.Lock()
			c.goals = nil
			c.running = false
			c.mu.Unlock()
			return
		}
	}
}

// Abort cancels the active run; the FSM resolves to IDLE with the abort
// reason recorded.
func (c *Cycle) Abort(reason string) {
	c.mu.Lock()
	cancel := c.runCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.record("agent:abort", map[string]interface{}{"reason": reason}, timeline.SeverityWarn)
}

// Rewind truncates a session to the turn prefix [0, turnIndex). Any in-flight
// run is cancelled first so no open tool call outlives the turns it belongs
// to.
func (c *Cycle) Rewind(sessionID string, turnIndex int) error {
	c.Abort("rewind")
	return c.cfg.State.RewindTo(sessionID, turnIndex)
}

func (c *Cycle) record(eventType string, payload interface{}, severity string) {
	if c.cfg.Timeline != nil {
		c.cfg.Timeline.Record(eventType, payload, timeline.RecordOptions{Severity: severity})
	}
}

// fail routes an error to its terminal phase per the propagation policy:
// fatal errors leave the agent FAILED with a fatal event; everything else
// resolves to IDLE.
func (c *Cycle) fail(sessionID string, err error) error {
	switch {
	case errdefs.Fatal(err):
		c.transition(PhaseFailed)
		c.record(protocol.TopicCycleFatal, map[string]interface{}{"error": err.Error()}, timeline.SeverityError)
		if c.cfg.Events != nil {
			c.cfg.Events.Emit(protocol.TopicCycleFatal, map[string]interface{}{"error": err.Error()})
		}
		if c.cfg.Audit != nil {
			c.cfg.Audit.Security(map[string]interface{}{"error": err.Error(), "session": sessionID})
		}
	default:
		// Cancelled, Timeout, and data-plane errors resolve to IDLE. Only
		// unexpected failures log a trace.
		sev := timeline.SeverityWarn
		if !errdefs.Recoverable(err) && !isControlPlane(err) {
			sev = timeline.SeverityError
		}
		c.record("agent:cycle-error", map[string]interface{}{"error": err.Error()}, sev)
		c.transition(PhaseIdle)
	}
	return err
}

func isControlPlane(err error) bool {
	return errorsIs(err, errdefs.ErrCancelled) || errorsIs(err, errdefs.ErrTimeout)
}
