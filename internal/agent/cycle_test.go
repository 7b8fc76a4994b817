package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/clocksmith/reploid/internal/bus"
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

// scriptedProvider returns canned responses in order.
type scriptedProvider struct {
	responses []*providers.ChatResponse
	calls     int
}

func (s *scriptedProvider) Name() string         { return "scripted" }
func (s *scriptedProvider) DefaultModel() string { return "scripted-1" }

func (s *scriptedProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrCancelled, "scripted")
	}
	if s.calls >= len(s.responses) {
		return &providers.ChatResponse{Content: "done", FinishReason: "stop"}, nil
	}
	resp := s.responses[s.calls]
	s.calls++
	if resp == nil {
		// nil scripts a hang: block until the caller cancels.
		<-ctx.Done()
		return nil, errdefs.Wrap(errdefs.ErrCancelled, "scripted")
	}
	return resp, nil
}

func (s *scriptedProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	resp, err := s.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		onChunk(providers.StreamChunk{Delta: resp.Content})
		onChunk(providers.StreamChunk{Done: true})
	}
	return resp, nil
}

type env struct {
	cycle *Cycle
	store *vfs.VFS
	st    *state.Manager
	tl    *timeline.Timeline
	bus   *bus.Bus
	kg    *knowledge.Engine
}

func newEnv(t *testing.T, p providers.Provider, approver Approver) *env {
	t.Helper()
	b := bus.New()
	store, err := vfs.Open(":memory:", b)
	if err != nil {
		t.Fatalf("vfs: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tl := timeline.New(store, b)
	timeline.BridgeBus(b, tl)

	st, err := state.NewManager(store, b)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	kg := knowledge.NewEngine(b)

	reg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(reg, tools.BuiltinDeps{VFS: store, State: st, Knowledge: kg}); err != nil {
		t.Fatalf("builtins: %v", err)
	}
	runner := tools.NewRunner(reg, b)

	gw := inference.New(b)
	gw.Register(p, 0, 0)

	cycle := NewCycle(Config{
		Events:    b,
		VFS:       store,
		State:     st,
		Knowledge: kg,
		Registry:  reg,
		Runner:    runner,
		Gateway:   gw,
		Timeline:  tl,
		Audit:     timeline.NewAudit(tl, store),
		Approver:  approver,
		Provider:  p.Name(),
	})
	return &env{cycle: cycle, store: store, st: st, tl: tl, bus: b, kg: kg}
}

const helloBundle = "Creating the file now.\n\nchange: CREATE /notes/a.md\n```\nHELLO\n```\n"

func TestRunGoal_SimpleWriteCycle(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: helloBundle, FinishReason: "stop"},
	}}
	e := newEnv(t, p, nil) // nil approver → AutoApprover

	var phases []Phase
	e.bus.On(protocol.TopicCycleState, func(ev bus.Event) {
		m := ev.Payload.(map[string]interface{})
		phases = append(phases, Phase(m["to"].(string)))
	}, "test")

	if err := e.cycle.RunGoal(context.Background(), "create /notes/a.md with body HELLO"); err != nil {
		t.Fatalf("run: %v", err)
	}

	a, err := e.store.Read("/notes/a.md")
	if err != nil || string(a.Content) != "HELLO" {
		t.Fatalf("artifact = %v, %v", a, err)
	}

	want := []Phase{
		PhaseCuratingContext,
		PhaseAwaitingContextApproval,
		PhasePlanningWithContext,
		PhaseAwaitingProposalApproval,
		PhaseApplyingChangeset,
		PhaseIdle,
	}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("phases = %v, want %v", phases, want)
		}
	}

	// Ordered timeline: cycle-start before llm:request before proposal
	// events before cycle-end.
	evs, err := e.tl.QueryEvents(timeline.Query{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	order := map[string]int{}
	for i, ev := range evs {
		if _, seen := order[ev.Type]; !seen {
			order[ev.Type] = i
		}
	}
	seq := []string{
		protocol.TopicCycleStart,
		protocol.TopicLLMRequest,
		protocol.TopicProposalReady,
		protocol.TopicProposalApproved,
		protocol.TopicVFSUpdated,
		protocol.TopicCycleEnd,
	}
	for i := 1; i < len(seq); i++ {
		a, aok := order[seq[i-1]]
		b, bok := order[seq[i]]
		if !aok || !bok || a >= b {
			t.Fatalf("timeline order broken at %s -> %s (events %v)", seq[i-1], seq[i], order)
		}
	}

	// Session holds one applied turn.
	sess := e.st.Snapshot().Sessions
	if len(sess) != 1 || len(sess[0].Turns) != 1 || sess[0].Turns[0].Outcome != state.TurnApplied {
		t.Fatalf("session = %+v", sess)
	}
}

func TestRunGoal_ToolLoopWithRetry(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{FinishReason: "tool_calls", ToolCalls: []providers.ToolCall{
			{ID: "t1", Name: "read_file", Arguments: map[string]interface{}{"path": "/x"}},
		}},
		{FinishReason: "tool_calls", ToolCalls: []providers.ToolCall{
			{ID: "t2", Name: "write_file", Arguments: map[string]interface{}{"path": "/x", "content": "V"}},
		}},
		{Content: "wrote /x", FinishReason: "stop"},
	}}
	e := newEnv(t, p, nil)

	if err := e.cycle.RunGoal(context.Background(), "ensure /x holds V"); err != nil {
		t.Fatalf("run: %v", err)
	}

	a, err := e.store.Read("/x")
	if err != nil || string(a.Content) != "V" {
		t.Fatalf("/x = %v, %v", a, err)
	}

	evs, _ := e.tl.QueryEvents(timeline.Query{})
	var toolEvents []string
	for _, ev := range evs {
		switch ev.Type {
		case protocol.TopicToolStart, protocol.TopicToolComplete, protocol.TopicToolError:
			toolEvents = append(toolEvents, ev.Type)
		}
	}
	want := []string{
		protocol.TopicToolStart, protocol.TopicToolError, // read_file → NotFound
		protocol.TopicToolStart, protocol.TopicToolComplete, // write_file
	}
	if len(toolEvents) != len(want) {
		t.Fatalf("tool events = %v, want %v", toolEvents, want)
	}
	for i := range want {
		if toolEvents[i] != want[i] {
			t.Fatalf("tool events = %v, want %v", toolEvents, want)
		}
	}
}

type rejectProposal struct{}

func (rejectProposal) ApproveContext(context.Context, string) (bool, error) { return true, nil }
func (rejectProposal) ApproveProposal(context.Context, *Bundle) (bool, error) {
	return false, nil
}

func TestRunGoal_ProposalRejectedReturnsToIdle(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: helloBundle, FinishReason: "stop"},
	}}
	e := newEnv(t, p, rejectProposal{})

	if err := e.cycle.RunGoal(context.Background(), "goal"); err != nil {
		t.Fatalf("run: %v", err)
	}
	if e.cycle.Phase() != PhaseIdle {
		t.Fatalf("phase = %s, want IDLE", e.cycle.Phase())
	}
	if e.store.Exists("/notes/a.md") {
		t.Fatal("rejected proposal was applied")
	}
	sess := e.st.Snapshot().Sessions
	if sess[0].Turns[0].Outcome != state.TurnRejected {
		t.Fatalf("turn outcome = %s", sess[0].Turns[0].Outcome)
	}
}

func TestRunGoal_ModifyMissingArtifactFails(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "change: MODIFY /ghost.md\n```\nnew\n```\n", FinishReason: "stop"},
	}}
	e := newEnv(t, p, nil)

	err := e.cycle.RunGoal(context.Background(), "goal")
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if e.cycle.Phase() != PhaseIdle {
		t.Fatalf("phase = %s", e.cycle.Phase())
	}
}

func TestRunGoal_ConstraintViolationAppliesNothing(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "change: CREATE /secrets/key.txt\n```\nx\n```\n\nchange: CREATE /ok.txt\n```\ny\n```\n", FinishReason: "stop"},
	}}
	e := newEnv(t, p, nil)
	e.kg.Rules.Add(knowledge.Rule{
		ID:       "no-secrets",
		Body:     []knowledge.Atom{{Subject: "proposal", Predicate: "creates", Object: "/secrets/key.txt"}},
		Message:  "secrets tree is read-only",
		Severity: "error",
		Enabled:  true,
	})

	err := e.cycle.RunGoal(context.Background(), "goal")
	if !errors.Is(err, errdefs.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if e.store.Exists("/ok.txt") || e.store.Exists("/secrets/key.txt") {
		t.Fatal("partial apply after constraint violation")
	}
}

func TestRunGoal_PolicyDenyIsFatal(t *testing.T) {
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{Content: "change: DELETE /genesis/manifest.json\n", FinishReason: "stop"},
	}}
	e := newEnv(t, p, nil)
	e.store.Write("/genesis/manifest.json", []byte("{}"), vfs.WriteOptions{Type: vfs.TypeConfig})
	e.kg.Policies.Add(knowledge.Policy{
		ID: "p1", Name: "PROTECT_GENESIS",
		Trigger: knowledge.Atom{Subject: "action", Predicate: "target", Object: "/genesis/manifest.json"},
		Action:  knowledge.ActionDeny, Enabled: true,
	})

	err := e.cycle.RunGoal(context.Background(), "goal")
	if !errors.Is(err, errdefs.ErrSecurityViolation) {
		t.Fatalf("err = %v, want ErrSecurityViolation", err)
	}
	if e.cycle.Phase() != PhaseFailed {
		t.Fatalf("phase = %s, want FAILED", e.cycle.Phase())
	}
	if !e.store.Exists("/genesis/manifest.json") {
		t.Fatal("denied delete was applied")
	}
}

func TestRunGoal_CancellationMarksTurnFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &scriptedProvider{responses: []*providers.ChatResponse{
		{FinishReason: "tool_calls", ToolCalls: []providers.ToolCall{
			{ID: "t1", Name: "pwd", Arguments: map[string]interface{}{}},
		}},
		nil, // second LLM call hangs until cancelled
	}}
	e := newEnv(t, p, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := e.cycle.RunGoal(ctx, "goal")
	if !errors.Is(err, errdefs.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if e.cycle.Phase() != PhaseIdle {
		t.Fatalf("phase = %s, want IDLE", e.cycle.Phase())
	}
	sess := e.st.Snapshot().Sessions
	if len(sess) != 1 {
		t.Fatalf("sessions = %d", len(sess))
	}
	turns := sess[0].Turns
	if len(turns) != 1 || turns[0].Outcome != state.TurnFailed || turns[0].FailReason != "Cancelled" {
		t.Fatalf("turns = %+v", turns)
	}
}

func TestBundle_ParseSerializeRoundTrip(t *testing.T) {
	in := "change: CREATE /a.txt\n```\nline one\nline two\n```\n\nchange: DELETE /b.txt\n\nchange: MODIFY /c.txt\n```\nnew body\n```\n"
	b, err := ParseBundle(in)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(b.Changes) != 3 || b.Changes[1].Op != OpDelete {
		t.Fatalf("bundle = %+v", b)
	}

	b2, err := ParseBundle(b.Serialize())
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if len(b2.Changes) != len(b.Changes) {
		t.Fatalf("round trip lost changes: %d vs %d", len(b2.Changes), len(b.Changes))
	}
	for i := range b.Changes {
		if b2.Changes[i].Op != b.Changes[i].Op || b2.Changes[i].Path != b.Changes[i].Path ||
			b2.Changes[i].Content != b.Changes[i].Content {
			t.Fatalf("change %d diverged: %+v vs %+v", i, b2.Changes[i], b.Changes[i])
		}
	}
}

func TestBundle_ParseFailures(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"bad op", "change: RENAME /a\n```\nx\n```\n"},
		{"relative path", "change: CREATE a.txt\n```\nx\n```\n"},
		{"missing fence", "change: CREATE /a.txt\nno fence here\n"},
		{"unterminated fence", "change: CREATE /a.txt\n```\nx\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseBundle(tt.in); !errors.Is(err, errdefs.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}
