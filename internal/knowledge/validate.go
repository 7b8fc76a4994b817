package knowledge

import (
	"github.com/clocksmith/reploid/pkg/protocol"
)

// Violation is one constraint match.
type Violation struct {
	ConstraintID string     `json:"constraint"`
	Message      string     `json:"message"`
	Severity     string     `json:"severity"`
	Bindings     []Bindings `json:"bindings,omitempty"`
}

// Suggestion is structured advice attached to a violation. No auto-fix.
type Suggestion struct {
	Constraint string `json:"constraint"`
	Action     string `json:"action"`
	Message    string `json:"message"`
}

// ValidationResult aggregates a validation pass.
type ValidationResult struct {
	OK          bool         `json:"ok"`
	Violations  []Violation  `json:"violations,omitempty"`
	Suggestions []Suggestion `json:"suggestions,omitempty"`
}

// Validate runs every enabled constraint against the graph plus the optional
// extra facts. A pass requires zero error-severity violations; warnings are
// reported but do not fail validation.
func (e *Engine) Validate(extra []Triple) ValidationResult {
	scope := e
	if len(extra) > 0 {
		// Constraints see a scratch graph: the snapshot plus the candidate
		// facts, so validation never mutates the live store.
		scratch := NewGraph()
		for _, t := range e.Graph.Snapshot() {
			scratch.AddTriple(t.Subject, t.Predicate, t.Object, t.Meta)
		}
		for _, t := range extra {
			scratch.AddTriple(t.Subject, t.Predicate, t.Object, t.Meta)
		}
		scope = &Engine{Graph: scratch, Rules: e.Rules, Policies: e.Policies}
	}

	res := ValidationResult{OK: true}
	for _, c := range e.Rules.constraints() {
		bindings := scope.solveBody(c.Body, Bindings{})
		if len(bindings) == 0 {
			continue
		}
		sev := c.Severity
		if sev == "" {
			sev = "error"
		}
		res.Violations = append(res.Violations, Violation{
			ConstraintID: c.ID,
			Message:      c.Message,
			Severity:     sev,
			Bindings:     bindings,
		})
		res.Suggestions = append(res.Suggestions, Suggestion{
			Constraint: c.ID,
			Action:     "review",
			Message:    c.Message,
		})
		if sev == "error" {
			res.OK = false
		}
	}

	if e.events != nil {
		e.events.Emit(protocol.TopicValidationResult, map[string]interface{}{
			"ok":         res.OK,
			"violations": len(res.Violations),
		})
	}
	return res
}
