package knowledge

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/clocksmith/reploid/internal/errdefs"
)

func TestAddTriple_IdempotentMaxConfidence(t *testing.T) {
	g := NewGraph()
	if !g.AddTriple("a", "knows", "b", Metadata{Confidence: 0.5}) {
		t.Fatal("first add not new")
	}
	if g.AddTriple("a", "knows", "b", Metadata{Confidence: 0.8}) {
		t.Fatal("second add reported as new")
	}
	tr, _ := g.Get("a", "knows", "b")
	if tr.Meta.Confidence != 0.8 {
		t.Fatalf("confidence = %v, want max 0.8", tr.Meta.Confidence)
	}
	g.AddTriple("a", "knows", "b", Metadata{Confidence: 0.3})
	tr, _ = g.Get("a", "knows", "b")
	if tr.Meta.Confidence != 0.8 {
		t.Fatalf("confidence = %v after lower re-add, want 0.8", tr.Meta.Confidence)
	}
	if g.Len() != 1 {
		t.Fatalf("len = %d, want 1", g.Len())
	}
}

func TestQuery_VariableBindingsOrdered(t *testing.T) {
	g := NewGraph()
	g.AddTriple("c", "knows", "d", Metadata{})
	g.AddTriple("a", "knows", "b", Metadata{})
	g.AddTriple("a", "likes", "d", Metadata{})

	res := g.Query(Pattern{Subject: "?x", Predicate: "knows", Object: "?y"})
	if len(res) != 2 {
		t.Fatalf("results = %d, want 2", len(res))
	}
	if res[0].Bindings["?x"] != "a" || res[1].Bindings["?x"] != "c" {
		t.Fatalf("results not ordered by subject: %+v", res)
	}

	// Repeated variable must unify.
	g.AddTriple("x", "knows", "x", Metadata{})
	res = g.Query(Pattern{Subject: "?v", Predicate: "knows", Object: "?v"})
	if len(res) != 1 || res[0].Bindings["?v"] != "x" {
		t.Fatalf("repeated-var unification broken: %+v", res)
	}
}

func TestInfer_TransitiveDerivationWithDecay(t *testing.T) {
	e := NewEngine(nil)
	e.Graph.AddTriple("a", "parent", "b", Metadata{Confidence: 1.0})
	e.Graph.AddTriple("b", "parent", "c", Metadata{Confidence: 0.8})
	e.Rules.Add(Rule{
		ID:      "grandparent",
		Head:    &Atom{Subject: "?x", Predicate: "grandparent", Object: "?z"},
		Body:    []Atom{{Subject: "?x", Predicate: "parent", Object: "?y"}, {Subject: "?y", Predicate: "parent", Object: "?z"}},
		Enabled: true,
	})

	res := e.Infer(0)
	if res.Derived != 1 {
		t.Fatalf("derived = %d, want 1", res.Derived)
	}
	tr, ok := e.Graph.Get("a", "grandparent", "c")
	if !ok {
		t.Fatal("grandparent fact not derived")
	}
	// 1.0 (rule) × 0.8 (min premise) × 0.9 (decay)
	if math.Abs(tr.Meta.Confidence-0.72) > 1e-9 {
		t.Fatalf("derived confidence = %v, want 0.72", tr.Meta.Confidence)
	}
}

func TestInfer_Deterministic(t *testing.T) {
	build := func() *Engine {
		e := NewEngine(nil)
		e.Graph.AddTriple("n1", "edge", "n2", Metadata{})
		e.Graph.AddTriple("n2", "edge", "n3", Metadata{})
		e.Graph.AddTriple("n3", "edge", "n1", Metadata{}) // cycle
		e.Rules.Add(Rule{
			ID:      "reach-base",
			Head:    &Atom{Subject: "?x", Predicate: "reaches", Object: "?y"},
			Body:    []Atom{{Subject: "?x", Predicate: "edge", Object: "?y"}},
			Priority: 50, Enabled: true,
		})
		e.Rules.Add(Rule{
			ID:      "reach-step",
			Head:    &Atom{Subject: "?x", Predicate: "reaches", Object: "?z"},
			Body:    []Atom{{Subject: "?x", Predicate: "reaches", Object: "?y"}, {Subject: "?y", Predicate: "edge", Object: "?z"}},
			Priority: 40, Enabled: true,
		})
		return e
	}

	a, b := build(), build()
	a.Infer(10)
	b.Infer(10)

	sa, sb := a.Graph.Snapshot(), b.Graph.Snapshot()
	if len(sa) != len(sb) {
		t.Fatalf("snapshot sizes differ: %d vs %d", len(sa), len(sb))
	}
	for i := range sa {
		if sa[i].Key() != sb[i].Key() {
			t.Fatalf("snapshots diverge at %d: %v vs %v", i, sa[i], sb[i])
		}
	}
	// The cycle must not prevent termination; reaches is the full closure.
	if !a.Graph.Has("n1", "reaches", "n1") {
		t.Fatal("cyclic closure incomplete")
	}
}

func TestInfer_BuiltinsAndNegation(t *testing.T) {
	e := NewEngine(nil)
	e.Graph.AddTriple("a", "in", "room1", Metadata{})
	e.Graph.AddTriple("b", "in", "room1", Metadata{})
	e.Rules.Add(Rule{
		ID:   "colocated",
		Head: &Atom{Subject: "?x", Predicate: "colocated", Object: "?y"},
		Body: []Atom{
			{Subject: "?x", Predicate: "in", Object: "?r"},
			{Subject: "?y", Predicate: "in", Object: "?r"},
			{Subject: "?x", Predicate: "!=", Object: "?y"},
		},
		Enabled: true,
	})
	e.Infer(0)
	if e.Graph.Has("a", "colocated", "a") {
		t.Fatal("builtin != admitted reflexive pair")
	}
	if !e.Graph.Has("a", "colocated", "b") || !e.Graph.Has("b", "colocated", "a") {
		t.Fatal("colocated pairs missing")
	}

	// Negation-as-failure, ground only.
	e.Graph.AddTriple("svc1", "is", "service", Metadata{})
	e.Rules.Add(Rule{
		ID:   "unguarded",
		Head: &Atom{Subject: "?s", Predicate: "status", Object: "unguarded"},
		Body: []Atom{
			{Subject: "?s", Predicate: "is", Object: "service"},
			{Subject: "?s", Predicate: "has", Object: "guard", Negated: true},
		},
		Enabled: true,
	})
	e.Infer(0)
	if !e.Graph.Has("svc1", "status", "unguarded") {
		t.Fatal("ground NAF derivation missing")
	}
}

func TestValidate_ConstraintViolations(t *testing.T) {
	e := NewEngine(nil)
	e.Rules.Add(Rule{
		ID:       "no-secret-targets",
		Body:     []Atom{{Subject: "?a", Predicate: "writes", Object: "/secrets"}},
		Message:  "writes to /secrets are forbidden",
		Severity: "error",
		Enabled:  true,
	})

	res := e.Validate(nil)
	if !res.OK {
		t.Fatal("empty graph should validate")
	}

	res = e.Validate([]Triple{{Subject: "agent", Predicate: "writes", Object: "/secrets"}})
	if res.OK {
		t.Fatal("violation not detected")
	}
	if len(res.Violations) != 1 || res.Violations[0].ConstraintID != "no-secret-targets" {
		t.Fatalf("violations = %+v", res.Violations)
	}
	if len(res.Suggestions) != 1 {
		t.Fatal("suggestion missing")
	}
	// Validation must not leak candidate facts into the live graph.
	if e.Graph.Has("agent", "writes", "/secrets") {
		t.Fatal("validate mutated live graph")
	}
}

func TestInduce_ThresholdAndConfidence(t *testing.T) {
	e := NewEngine(nil)
	for _, pair := range [][2]string{{"a", "b"}, {"c", "d"}, {"e", "f"}} {
		e.AddExample(Example{
			Head: Atom{Subject: Term(pair[0]), Predicate: "trusts", Object: Term(pair[1])},
			Body: []Atom{
				{Subject: Term(pair[0]), Predicate: "verified", Object: Term(pair[1])},
				{Subject: Term(pair[0]), Predicate: "peer", Object: Term(pair[1])},
			},
		})
	}

	induced := e.Induce()
	if len(induced) != 1 {
		t.Fatalf("induced = %d rules, want 1", len(induced))
	}
	r := induced[0]
	if math.Abs(r.Confidence-0.8) > 1e-9 {
		t.Fatalf("confidence = %v, want 0.8", r.Confidence)
	}
	if r.Priority != inducedPriority {
		t.Fatalf("priority = %d, want %d", r.Priority, inducedPriority)
	}
	if !r.Enabled {
		t.Fatal("induced rule disabled with no approval policy")
	}

	// The induced rule must fire.
	e.Graph.AddTriple("x", "verified", "y", Metadata{})
	e.Graph.AddTriple("x", "peer", "y", Metadata{})
	e.Infer(0)
	if !e.Graph.Has("x", "trusts", "y") {
		t.Fatal("induced rule did not fire")
	}
}

func TestInduce_BelowThresholdNoRule(t *testing.T) {
	e := NewEngine(nil)
	for _, pair := range [][2]string{{"a", "b"}, {"c", "d"}} {
		e.AddExample(Example{
			Head: Atom{Subject: Term(pair[0]), Predicate: "trusts", Object: Term(pair[1])},
			Body: []Atom{{Subject: Term(pair[0]), Predicate: "verified", Object: Term(pair[1])}},
		})
	}
	if induced := e.Induce(); len(induced) != 0 {
		t.Fatalf("induced %d rules below threshold", len(induced))
	}
}

type sinkFunc func(ctx context.Context, req ApprovalRequest) (bool, error)

func (f sinkFunc) Approve(ctx context.Context, req ApprovalRequest) (bool, error) { return f(ctx, req) }

func TestPolicy_DenyIsFinal(t *testing.T) {
	e := NewEngine(nil)
	e.Policies.Add(Policy{
		ID: "p1", Name: "NO_GENESIS_WRITES",
		Trigger: Atom{Subject: "action", Predicate: "target", Object: "/genesis/manifest.json"},
		Action:  ActionDeny, Enabled: true,
	})

	err := e.Authorize(context.Background(), Action{Kind: "vfs:write", Target: "/genesis/manifest.json"}, nil)
	if !errors.Is(err, errdefs.ErrSecurityViolation) {
		t.Fatalf("err = %v, want ErrSecurityViolation", err)
	}
}

func TestPolicy_ApprovalWithoutSinkDenies(t *testing.T) {
	e := NewEngine(nil)
	e.Policies.Add(Policy{
		ID: "p1", Name: "APPROVE_TOOL_CREATE",
		Trigger: Atom{Subject: "action", Predicate: "kind", Object: "tool:create"},
		Action:  ActionRequireApproval, Level: LevelL2, Enabled: true,
	})

	action := Action{Kind: "tool:create", Target: "mytool"}
	if err := e.Authorize(context.Background(), action, nil); !errors.Is(err, errdefs.ErrSecurityViolation) {
		t.Fatalf("no-sink err = %v, want ErrSecurityViolation", err)
	}

	approved := e.Authorize(context.Background(), action, sinkFunc(func(context.Context, ApprovalRequest) (bool, error) {
		return true, nil
	}))
	if approved != nil {
		t.Fatalf("approved action err = %v", approved)
	}

	rejected := e.Authorize(context.Background(), action, sinkFunc(func(context.Context, ApprovalRequest) (bool, error) {
		return false, nil
	}))
	if !errors.Is(rejected, errdefs.ErrValidation) {
		t.Fatalf("rejected err = %v, want ErrValidation", rejected)
	}
}

func TestPolicy_ApprovalTimeout(t *testing.T) {
	e := NewEngine(nil)
	e.Policies.Add(Policy{
		ID: "p1", Name: "SLOW",
		Trigger: Atom{Subject: "action", Predicate: "kind", Object: "x"},
		Action:  ActionRequireApproval, Enabled: true,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := e.Authorize(ctx, Action{Kind: "x"}, sinkFunc(func(ctx context.Context, _ ApprovalRequest) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}))
	if !errors.Is(err, errdefs.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}
