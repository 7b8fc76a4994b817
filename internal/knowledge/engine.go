package knowledge

import (
	"log/slog"

	"github.com/clocksmith/reploid/internal/bus"
	"github.com/clocksmith/reploid/pkg/protocol"
)

const (
	// DefaultMaxIterations caps a forward-chaining run.
	DefaultMaxIterations = 10
	// derivationDecay is the fixed per-step confidence decay.
	derivationDecay = 0.9
)

// Engine binds a graph and a rule set for inference, validation, induction,
// and policy checks.
type Engine struct {
	Graph    *Graph
	Rules    *RuleSet
	Policies *PolicySet
	events   *bus.Bus
	examples []Example
}

func NewEngine(events *bus.Bus) *Engine {
	return &Engine{
		Graph:    NewGraph(),
		Rules:    NewRuleSet(),
		Policies: NewPolicySet(),
		events:   events,
	}
}

// InferResult summarizes one inference run.
type InferResult struct {
	Iterations int `json:"iterations"`
	Derived    int `json:"derived"`
}

// Infer runs bounded forward chaining: rules apply in priority-descending
// order (ties by id) against the live graph, so a fact derived by one rule is
// visible to the rules after it in the same pass; a derivation is added only
// when (s,p,o) is new. Terminates at fixed point or maxIter.
func (e *Engine) Infer(maxIter int) InferResult {
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}
	rules := e.Rules.inferenceOrder()
	res := InferResult{}

	for res.Iterations < maxIter {
		res.Iterations++
		derivedThisPass := 0

		for _, rule := range rules {
			for _, b := range e.solveBody(rule.Body, Bindings{}) {
				head := rule.Head.pattern(b)
				if head.Subject.IsVar() || head.Predicate.IsVar() || head.Object.IsVar() {
					continue // unsafe rule: unbound head variable
				}
				s, p, o := string(head.Subject), string(head.Predicate), string(head.Object)
				if e.Graph.Has(s, p, o) {
					continue
				}
				conf := rule.Confidence * e.minPremiseConfidence(rule.Body, b) * derivationDecay
				e.Graph.AddTriple(s, p, o, Metadata{
					Confidence: conf,
					Source:     "inference",
					Provenance: []string{rule.ID},
				})
				derivedThisPass++
			}
		}

		res.Derived += derivedThisPass
		if derivedThisPass == 0 {
			break
		}
	}

	if e.events != nil {
		e.events.Emit(protocol.TopicInferRun, res)
	}
	slog.Debug("knowledge.infer", "iterations", res.Iterations, "derived", res.Derived)
	return res
}

// solveBody enumerates every binding satisfying the body atoms in order.
// Builtin atoms ("=", "!=") evaluate after binding; negated atoms use
// negation-as-failure and are only legal once ground.
func (e *Engine) solveBody(body []Atom, base Bindings) []Bindings {
	solutions := []Bindings{base.clone()}
	for _, atom := range body {
		var next []Bindings
		for _, b := range solutions {
			next = append(next, e.solveAtom(atom, b)...)
		}
		if len(next) == 0 {
			return nil
		}
		solutions = next
	}
	return solutions
}

func (e *Engine) solveAtom(atom Atom, b Bindings) []Bindings {
	// Builtin comparison predicates.
	switch atom.Predicate {
	case "=", "!=":
		s := resolve(atom.Subject, b)
		o := resolve(atom.Object, b)
		if s.IsVar() || o.IsVar() {
			return nil // builtins require both sides bound
		}
		eq := s == o
		if (atom.Predicate == "=") == eq != atom.Negated {
			return []Bindings{b}
		}
		return nil
	}

	if atom.Negated {
		// Negation-as-failure is allowed only when the atom is ground after
		// binding; a negated atom with free variables never succeeds.
		if !atom.Ground(b) {
			return nil
		}
		p := atom.pattern(b)
		if e.Graph.Has(string(p.Subject), string(p.Predicate), string(p.Object)) {
			return nil
		}
		return []Bindings{b}
	}

	p := atom.pattern(b)
	results := e.Graph.Query(p)
	out := make([]Bindings, 0, len(results))
	for _, r := range results {
		merged := b.clone()
		for k, v := range r.Bindings {
			merged[k] = v
		}
		out = append(out, merged)
	}
	return out
}

// minPremiseConfidence returns the minimum confidence across the (positive,
// non-builtin) premises under a binding. Empty premise sets default to 1.
func (e *Engine) minPremiseConfidence(body []Atom, b Bindings) float64 {
	min := 1.0
	for _, atom := range body {
		if atom.Negated || atom.Predicate == "=" || atom.Predicate == "!=" {
			continue
		}
		p := atom.pattern(b)
		if t, ok := e.Graph.Get(string(p.Subject), string(p.Predicate), string(p.Object)); ok {
			if t.Meta.Confidence < min {
				min = t.Meta.Confidence
			}
		}
	}
	return min
}
