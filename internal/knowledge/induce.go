package knowledge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/clocksmith/reploid/pkg/protocol"
)

// inductionThreshold is the minimum number of positive examples sharing a
// body-predicate signature before a rule is induced.
const inductionThreshold = 3

// inducedPriority keeps induced rules below explicit rules.
const inducedPriority = 30

// Example is one positive training instance: a ground conclusion and the
// ground premises that held when it was observed.
type Example struct {
	Head Atom   `json:"head"`
	Body []Atom `json:"body"`
}

// AddExample records a positive example for later induction.
func (e *Engine) AddExample(ex Example) {
	e.examples = append(e.examples, ex)
}

// Examples returns the recorded examples.
func (e *Engine) Examples() []Example { return e.examples }

// Induce groups examples by head predicate and body-predicate signature and
// creates an induced rule for every group of at least three. Constants equal
// to the head's subject or object generalize to ?s / ?o; body atoms whose
// remaining constants differ across the group are dropped from the induced
// body. Induced rules start disabled when an approval policy applies.
func (e *Engine) Induce() []Rule {
	type group struct {
		headPred string
		sig      string
		examples []Example
	}
	groups := map[string]*group{}
	for _, ex := range e.examples {
		preds := make([]string, 0, len(ex.Body))
		for _, a := range ex.Body {
			preds = append(preds, string(a.Predicate))
		}
		sort.Strings(preds)
		sig := string(ex.Head.Predicate) + "|" + strings.Join(preds, ",")
		g, ok := groups[sig]
		if !ok {
			g = &group{headPred: string(ex.Head.Predicate), sig: sig}
			groups[sig] = g
		}
		g.examples = append(g.examples, ex)
	}

	sigs := make([]string, 0, len(groups))
	for sig := range groups {
		sigs = append(sigs, sig)
	}
	sort.Strings(sigs)

	var induced []Rule
	for _, sig := range sigs {
		g := groups[sig]
		if len(g.examples) < inductionThreshold {
			continue
		}
		body := generalizeBody(g.examples)
		if len(body) == 0 {
			continue
		}
		count := len(g.examples)
		conf := 0.5 + 0.1*float64(count)
		if conf > 0.95 {
			conf = 0.95
		}
		rule := Rule{
			ID:         fmt.Sprintf("induced-%s-%d", g.headPred, count),
			Head:       &Atom{Subject: "?s", Predicate: Term(g.headPred), Object: "?o"},
			Body:       body,
			Priority:   inducedPriority,
			Confidence: conf,
			Induced:    true,
			Enabled:    !e.inducedNeedsApproval(),
		}
		e.Rules.Add(rule)
		induced = append(induced, rule)
		if e.events != nil {
			e.events.Emit(protocol.TopicRuleInduced, map[string]interface{}{
				"id":         rule.ID,
				"confidence": rule.Confidence,
				"enabled":    rule.Enabled,
			})
		}
	}
	return induced
}

// inducedNeedsApproval consults the APPROVE_INDUCED_RULES policy. With no
// policy configured, induced rules activate immediately.
func (e *Engine) inducedNeedsApproval() bool {
	if e.Policies == nil {
		return false
	}
	for _, p := range e.Policies.All() {
		if p.Name == PolicyApproveInducedRules {
			return p.Action == ActionRequireApproval || p.Action == ActionDeny
		}
	}
	return false
}

// generalizeBody produces variable-lifted body atoms shared by all examples.
// Within each example, the head subject maps to ?s and the head object to ?o.
func generalizeBody(examples []Example) []Atom {
	lift := func(ex Example, a Atom) Atom {
		out := a
		if a.Subject == ex.Head.Subject {
			out.Subject = "?s"
		}
		if a.Object == ex.Head.Object {
			out.Object = "?o"
		}
		if a.Subject == ex.Head.Object {
			out.Subject = "?o"
		}
		if a.Object == ex.Head.Subject {
			out.Object = "?s"
		}
		return out
	}

	// Lifted atoms from the first example seed the candidate set; an atom
	// survives only if every example contains the same lifted shape.
	first := examples[0]
	var out []Atom
	for _, a := range first.Body {
		cand := lift(first, a)
		shared := true
		for _, ex := range examples[1:] {
			found := false
			for _, b := range ex.Body {
				if lift(ex, b) == cand {
					found = true
					break
				}
			}
			if !found {
				shared = false
				break
			}
		}
		if shared {
			out = append(out, cand)
		}
	}
	return out
}
