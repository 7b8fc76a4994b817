package knowledge

import (
	"sort"
	"sync"
)

// Atom is a triple pattern inside a rule, optionally negated. The builtin
// predicates "=" and "!=" compare their subject and object after binding.
type Atom struct {
	Subject   Term `json:"s"`
	Predicate Term `json:"p"`
	Object    Term `json:"o"`
	Negated   bool `json:"neg,omitempty"`
}

// Ground reports whether the atom has no unbound variables under b.
func (a Atom) Ground(b Bindings) bool {
	for _, t := range []Term{a.Subject, a.Predicate, a.Object} {
		if resolve(t, b).IsVar() {
			return false
		}
	}
	return true
}

func (a Atom) pattern(b Bindings) Pattern {
	return Pattern{
		Subject:   resolve(a.Subject, b),
		Predicate: resolve(a.Predicate, b),
		Object:    resolve(a.Object, b),
	}
}

// Rule derives its head when every body atom is satisfied. Constraints are
// rules with an empty head and a message: a non-empty binding set is a
// violation.
type Rule struct {
	ID         string  `json:"id"`
	Head       *Atom   `json:"head,omitempty"` // nil for constraints
	Body       []Atom  `json:"body"`
	Priority   int     `json:"priority"`
	Confidence float64 `json:"confidence"`
	Builtin    bool    `json:"builtin,omitempty"`
	Induced    bool    `json:"induced,omitempty"`
	Enabled    bool    `json:"enabled"`
	Message    string  `json:"message,omitempty"` // constraint violation message
	Severity   string  `json:"severity,omitempty"` // constraint severity (error|warn)
}

// IsConstraint reports whether the rule has no head.
func (r Rule) IsConstraint() bool { return r.Head == nil }

// RuleSet stores rules and constraints with deterministic iteration order.
type RuleSet struct {
	mu    sync.RWMutex
	rules map[string]*Rule
}

func NewRuleSet() *RuleSet {
	return &RuleSet{rules: make(map[string]*Rule)}
}

// Add inserts or replaces a rule by id.
func (rs *RuleSet) Add(r Rule) {
	if r.Confidence <= 0 {
		r.Confidence = 1.0
	}
	rs.mu.Lock()
	rs.rules[r.ID] = &r
	rs.mu.Unlock()
}

// Remove deletes a rule by id.
func (rs *RuleSet) Remove(id string) {
	rs.mu.Lock()
	delete(rs.rules, id)
	rs.mu.Unlock()
}

// Get returns a rule by id.
func (rs *RuleSet) Get(id string) (Rule, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if r, ok := rs.rules[id]; ok {
		return *r, true
	}
	return Rule{}, false
}

// SetEnabled toggles a rule.
func (rs *RuleSet) SetEnabled(id string, enabled bool) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if r, ok := rs.rules[id]; ok {
		r.Enabled = enabled
		return true
	}
	return false
}

// All returns every rule sorted by id.
func (rs *RuleSet) All() []Rule {
	rs.mu.RLock()
	out := make([]Rule, 0, len(rs.rules))
	for _, r := range rs.rules {
		out = append(out, *r)
	}
	rs.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// inferenceOrder returns enabled non-constraint rules in priority-descending
// order, ties broken by rule id.
func (rs *RuleSet) inferenceOrder() []Rule {
	all := rs.All()
	rules := all[:0]
	for _, r := range all {
		if r.Enabled && !r.IsConstraint() {
			rules = append(rules, r)
		}
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
	return rules
}

// constraints returns enabled constraints sorted by id.
func (rs *RuleSet) constraints() []Rule {
	all := rs.All()
	out := all[:0]
	for _, r := range all {
		if r.Enabled && r.IsConstraint() {
			out = append(out, r)
		}
	}
	return out
}
