// Package knowledge holds the triple store, the forward-chaining rule engine,
// constraint validation, rule induction, and policy enforcement. The engine is
// deterministic: equal inputs (facts, rules, priorities, ids) always produce
// equal output sets.
package knowledge

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Term is a constant or a variable. Variables are the distinguished sort of
// terms starting with '?'.
type Term string

// IsVar reports whether the term is a variable.
func (t Term) IsVar() bool { return strings.HasPrefix(string(t), "?") }

// Metadata qualifies a triple.
type Metadata struct {
	Confidence float64  `json:"confidence"`
	Source     string   `json:"source,omitempty"`
	Provenance []string `json:"provenance,omitempty"`
}

// Triple is one (subject, predicate, object) fact.
type Triple struct {
	Subject   string   `json:"s"`
	Predicate string   `json:"p"`
	Object    string   `json:"o"`
	Meta      Metadata `json:"meta"`
}

// Key identifies a triple irrespective of metadata.
func (t Triple) Key() string {
	return t.Subject + "\x1f" + t.Predicate + "\x1f" + t.Object
}

// Pattern is a triple query where any position may be a variable.
type Pattern struct {
	Subject   Term
	Predicate Term
	Object    Term
}

// Bindings maps variable names (including the '?') to constants.
type Bindings map[string]string

func (b Bindings) clone() Bindings {
	out := make(Bindings, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// Graph is the triple store. Triples are idempotent by (s,p,o); re-adding
// raises confidence by max-aggregation and merges provenance.
type Graph struct {
	mu      sync.RWMutex
	triples map[string]*Triple
}

func NewGraph() *Graph {
	return &Graph{triples: make(map[string]*Triple)}
}

// AddTriple inserts or merges a fact. Returns true when the fact was new.
func (g *Graph) AddTriple(s, p, o string, meta Metadata) bool {
	if meta.Confidence <= 0 {
		meta.Confidence = 1.0
	}
	if meta.Confidence > 1 {
		meta.Confidence = 1
	}
	t := Triple{Subject: s, Predicate: p, Object: o, Meta: meta}

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.triples[t.Key()]; ok {
		// Duplicate insertion: confidence aggregates by max.
		if meta.Confidence > existing.Meta.Confidence {
			existing.Meta.Confidence = meta.Confidence
		}
		if meta.Source != "" && existing.Meta.Source == "" {
			existing.Meta.Source = meta.Source
		}
		existing.Meta.Provenance = mergeProvenance(existing.Meta.Provenance, meta.Provenance)
		return false
	}
	g.triples[t.Key()] = &t
	return true
}

func mergeProvenance(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := a
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Has reports whether the ground fact exists.
func (g *Graph) Has(s, p, o string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.triples[Triple{Subject: s, Predicate: p, Object: o}.Key()]
	return ok
}

// Get returns the stored triple for a ground fact.
func (g *Graph) Get(s, p, o string) (Triple, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if t, ok := g.triples[Triple{Subject: s, Predicate: p, Object: o}.Key()]; ok {
		return *t, true
	}
	return Triple{}, false
}

// Len returns the number of stored facts.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.triples)
}

// Snapshot returns all triples ordered by (subject, predicate, object).
// Inference and validation take this logical snapshot.
func (g *Graph) Snapshot() []Triple {
	g.mu.RLock()
	out := make([]Triple, 0, len(g.triples))
	for _, t := range g.triples {
		out = append(out, *t)
	}
	g.mu.RUnlock()
	sortTriples(out)
	return out
}

func sortTriples(ts []Triple) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Subject != ts[j].Subject {
			return ts[i].Subject < ts[j].Subject
		}
		if ts[i].Predicate != ts[j].Predicate {
			return ts[i].Predicate < ts[j].Predicate
		}
		return ts[i].Object < ts[j].Object
	})
}

// QueryResult is one match: the matched triple plus variable bindings.
type QueryResult struct {
	Triple   Triple
	Bindings Bindings
}

// Query matches a pattern against the store. Results are deterministically
// ordered by (subject, predicate, object).
func (g *Graph) Query(p Pattern) []QueryResult {
	snapshot := g.Snapshot()
	var out []QueryResult
	for _, t := range snapshot {
		if b, ok := matchTriple(p, t, Bindings{}); ok {
			out = append(out, QueryResult{Triple: t, Bindings: b})
		}
	}
	return out
}

// matchTriple unifies a pattern position-by-position under existing bindings.
func matchTriple(p Pattern, t Triple, base Bindings) (Bindings, bool) {
	b := base.clone()
	for _, pair := range [3]struct {
		term  Term
		value string
	}{
		{p.Subject, t.Subject},
		{p.Predicate, t.Predicate},
		{p.Object, t.Object},
	} {
		if pair.term.IsVar() {
			if bound, ok := b[string(pair.term)]; ok {
				if bound != pair.value {
					return nil, false
				}
			} else {
				b[string(pair.term)] = pair.value
			}
			continue
		}
		if string(pair.term) != pair.value {
			return nil, false
		}
	}
	return b, true
}

// resolve substitutes bindings into a term.
func resolve(t Term, b Bindings) Term {
	if t.IsVar() {
		if v, ok := b[string(t)]; ok {
			return Term(v)
		}
	}
	return t
}

func (t Triple) String() string {
	return fmt.Sprintf("(%s %s %s %.2f)", t.Subject, t.Predicate, t.Object, t.Meta.Confidence)
}
