package knowledge

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/clocksmith/reploid/internal/errdefs"
)

// Policy actions.
const (
	ActionRequireApproval = "require_approval"
	ActionDeny            = "deny"
	ActionLog             = "log"
)

// Approval levels.
const (
	LevelL1 = "L1"
	LevelL2 = "L2"
	LevelL3 = "L3"
)

// Well-known policy names.
const (
	PolicyApproveInducedRules = "APPROVE_INDUCED_RULES"
)

// DefaultApprovalTimeout bounds a pending approval wait.
const DefaultApprovalTimeout = 2 * time.Minute

// Policy gates an action matched by its trigger atom.
type Policy struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Trigger Atom   `json:"trigger"`
	Action  string `json:"action"`
	Level   string `json:"level,omitempty"`
	Enabled bool   `json:"enabled"`
}

// PolicySet stores policies with deterministic order.
type PolicySet struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

func NewPolicySet() *PolicySet {
	return &PolicySet{policies: make(map[string]*Policy)}
}

func (ps *PolicySet) Add(p Policy) {
	ps.mu.Lock()
	ps.policies[p.ID] = &p
	ps.mu.Unlock()
}

func (ps *PolicySet) Remove(id string) {
	ps.mu.Lock()
	delete(ps.policies, id)
	ps.mu.Unlock()
}

// All returns every policy sorted by id.
func (ps *PolicySet) All() []Policy {
	ps.mu.RLock()
	out := make([]Policy, 0, len(ps.policies))
	for _, p := range ps.policies {
		out = append(out, *p)
	}
	ps.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Action describes something the agent wants to do, expressed as facts the
// policy triggers match against.
type Action struct {
	Kind   string            `json:"kind"`   // e.g. "vfs:write", "tool:create"
	Target string            `json:"target"` // path, tool name, rule id
	Attrs  map[string]string `json:"attrs,omitempty"`
}

// facts derives the triples a policy trigger can match.
func (a Action) facts() []Triple {
	out := []Triple{
		{Subject: "action", Predicate: "kind", Object: a.Kind},
		{Subject: "action", Predicate: "target", Object: a.Target},
	}
	for k, v := range a.Attrs {
		out = append(out, Triple{Subject: "action", Predicate: k, Object: v})
	}
	sortTriples(out)
	return out
}

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed          bool     `json:"allowed"`
	RequiresApproval bool     `json:"requiresApproval"`
	ApprovalLevel    string   `json:"approvalLevel,omitempty"`
	Policies         []string `json:"policies,omitempty"`
}

// ApprovalRequest is handed to the approval sink when a policy requires it.
type ApprovalRequest struct {
	Action   Action
	Policies []string
	Level    string
}

// ApprovalSink resolves approval-required decisions (HITL or a verification
// manager). Implementations must honor ctx cancellation.
type ApprovalSink interface {
	Approve(ctx context.Context, req ApprovalRequest) (bool, error)
}

// CheckPolicy matches enabled policy triggers against the action's derived
// facts. Denial is final; log-only policies never block.
func (e *Engine) CheckPolicy(action Action) Decision {
	d := Decision{Allowed: true}
	facts := action.facts()

	for _, p := range e.Policies.All() {
		if !p.Enabled {
			continue
		}
		if !triggerMatches(p.Trigger, facts) {
			continue
		}
		d.Policies = append(d.Policies, p.Name)
		switch p.Action {
		case ActionDeny:
			d.Allowed = false
			d.RequiresApproval = false
			return d
		case ActionRequireApproval:
			d.RequiresApproval = true
			if levelRank(p.Level) > levelRank(d.ApprovalLevel) {
				d.ApprovalLevel = p.Level
			}
		case ActionLog:
			// Recorded by the caller; no gating.
		}
	}
	return d
}

// Authorize runs CheckPolicy and, when approval is required, resolves it via
// sink with the default two-minute timeout. No sink means deny by default.
func (e *Engine) Authorize(ctx context.Context, action Action, sink ApprovalSink) error {
	d := e.CheckPolicy(action)
	if !d.Allowed {
		return errdefs.Wrap(errdefs.ErrSecurityViolation, "policy: %s denied by %v", action.Kind, d.Policies)
	}
	if !d.RequiresApproval {
		return nil
	}
	if sink == nil {
		return errdefs.Wrap(errdefs.ErrSecurityViolation, "policy: %s requires approval but no sink is configured", action.Kind)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultApprovalTimeout)
	defer cancel()
	ok, err := sink.Approve(ctx, ApprovalRequest{Action: action, Policies: d.Policies, Level: d.ApprovalLevel})
	if err != nil {
		if ctx.Err() != nil {
			return errdefs.Wrap(errdefs.ErrTimeout, "policy: approval for %s", action.Kind)
		}
		return errdefs.Wrap(errdefs.ErrValidation, "policy: approval for %s: %v", action.Kind, err)
	}
	if !ok {
		return errdefs.Wrap(errdefs.ErrValidation, "policy: %s rejected by approver", action.Kind)
	}
	return nil
}

func triggerMatches(trigger Atom, facts []Triple) bool {
	for _, f := range facts {
		if _, ok := matchTriple(Pattern{
			Subject:   trigger.Subject,
			Predicate: trigger.Predicate,
			Object:    trigger.Object,
		}, f, Bindings{}); ok {
			return true
		}
	}
	return false
}

func levelRank(level string) int {
	switch level {
	case LevelL1:
		return 1
	case LevelL2:
		return 2
	case LevelL3:
		return 3
	}
	return 0
}
