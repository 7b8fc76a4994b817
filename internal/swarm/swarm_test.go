package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/clocksmith/reploid/internal/errdefs"
)

func TestLWW_MergeLaws(t *testing.T) {
	entry := func(id, val string, clock int64, peer string) LWWEntry {
		return LWWEntry{ID: id, Value: json.RawMessage(`"` + val + `"`), Clock: clock, PeerID: peer}
	}
	a := entry("k", "α", 5, "a")
	b := entry("k", "β", 5, "b")
	c := entry("k", "γ", 7, "a")

	merge := func(sets ...[]LWWEntry) []LWWEntry {
		s := NewLWWStore("x")
		for _, set := range sets {
			s.Merge(set)
		}
		return s.Entries()
	}
	key := func(es []LWWEntry) string {
		raw, _ := json.Marshal(es)
		return string(raw)
	}

	// Commutative.
	if key(merge([]LWWEntry{a}, []LWWEntry{b})) != key(merge([]LWWEntry{b}, []LWWEntry{a})) {
		t.Fatal("merge not commutative")
	}
	// Associative.
	if key(merge([]LWWEntry{a, b}, []LWWEntry{c})) != key(merge([]LWWEntry{a}, []LWWEntry{b, c})) {
		t.Fatal("merge not associative")
	}
	// Idempotent.
	if key(merge([]LWWEntry{a}, []LWWEntry{a})) != key(merge([]LWWEntry{a})) {
		t.Fatal("merge not idempotent")
	}

	// Equal clocks: lexicographically larger peer id wins.
	s := NewLWWStore("x")
	s.Merge([]LWWEntry{a})
	s.Merge([]LWWEntry{b})
	got, _ := s.Get("k")
	if got.PeerID != "b" || string(got.Value) != `"β"` {
		t.Fatalf("tie-break = %+v, want peer b", got)
	}
}

func TestEnvelope_VersionAndSizeGuards(t *testing.T) {
	env, err := NewEnvelope(MsgPing, "p1", nil)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if err := env.Accept(); err != nil {
		t.Fatalf("accept: %v", err)
	}

	env.ProtocolVersion = 99
	if err := env.Accept(); err == nil {
		t.Fatal("version mismatch accepted")
	}

	_, err = NewEnvelope(MsgSyncState, "p1", strings.Repeat("x", MaxPayloadSize))
	if !errors.Is(err, errdefs.ErrTooLarge) {
		t.Fatalf("oversize err = %v, want ErrTooLarge", err)
	}
}

// newSwarmPair spins up the bundled signaling server and two connected
// transports in one room.
func newSwarmPair(t *testing.T, cfgA, cfgB Config) (*Transport, *Transport) {
	t.Helper()
	srv := httptest.NewServer(NewSignalServer())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	mk := func(cfg Config) *Transport {
		cfg.SignalURL = url
		cfg.Room = "test-room"
		cfg.HeartbeatInterval = 50 * time.Millisecond
		cfg.PeerTTL = time.Second
		cfg.ReconnectBase = 50 * time.Millisecond
		if cfg.DelegationTimeout == 0 {
			cfg.DelegationTimeout = 2 * time.Second
		}
		if cfg.ConsensusTimeout == 0 {
			cfg.ConsensusTimeout = 2 * time.Second
		}
		tr := NewTransport(cfg)
		if err := tr.Connect(context.Background()); err != nil {
			t.Fatalf("connect %s: %v", cfg.PeerID, err)
		}
		t.Cleanup(tr.Close)
		return tr
	}
	a := mk(cfgA)
	b := mk(cfgB)
	waitFor(t, time.Second, func() bool {
		return openPeers(a) == 1 && openPeers(b) == 1
	})
	return a, b
}

func openPeers(tr *Transport) int {
	n := 0
	for _, p := range tr.Peers() {
		if p.Open {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestSwarm_LWWConvergence(t *testing.T) {
	a, b := newSwarmPair(t, Config{PeerID: "a"}, Config{PeerID: "b"})

	// Both peers write key k at the same clock: seed clocks identically.
	a.Store().Merge([]LWWEntry{{ID: "k", Value: json.RawMessage(`"α"`), Clock: 5, PeerID: "a"}})
	b.Store().Merge([]LWWEntry{{ID: "k", Value: json.RawMessage(`"β"`), Clock: 5, PeerID: "b"}})

	// Bidirectional sync.
	a.SyncNow()
	b.SyncNow()

	waitFor(t, 2*time.Second, func() bool {
		ea, okA := a.Store().Get("k")
		eb, okB := b.Store().Get("k")
		return okA && okB && ea.PeerID == "b" && eb.PeerID == "b" &&
			string(ea.Value) == `"β"` && string(eb.Value) == `"β"`
	})
}

func TestSwarm_TaskDelegation(t *testing.T) {
	worker := Config{
		PeerID:       "worker",
		Capabilities: []string{"compile", "test"},
		TaskHandler: func(ctx context.Context, task Task) (json.RawMessage, error) {
			return json.RawMessage(`"done: ` + task.Description + `"`), nil
		},
	}
	a, _ := newSwarmPair(t, Config{PeerID: "boss"}, worker)

	result, err := a.DelegateTask(context.Background(), Task{
		Description:  "build it",
		Requirements: []string{"compile"},
	})
	if err != nil {
		t.Fatalf("delegate: %v", err)
	}
	if string(result) != `"done: build it"` {
		t.Fatalf("result = %s", result)
	}

	// No peer covers an impossible requirement.
	_, err = a.DelegateTask(context.Background(), Task{Requirements: []string{"quantum"}})
	if !errors.Is(err, errdefs.ErrNoCapablePeer) {
		t.Fatalf("err = %v, want ErrNoCapablePeer", err)
	}
}

func TestSwarm_ZeroPeers(t *testing.T) {
	srv := httptest.NewServer(NewSignalServer())
	defer srv.Close()
	tr := NewTransport(Config{
		PeerID:    "lonely",
		Room:      "empty",
		SignalURL: "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer tr.Close()

	if n := tr.Broadcast(MsgPing, nil); n != 0 {
		t.Fatalf("broadcast with zero peers = %d", n)
	}
	_, err := tr.DelegateTask(context.Background(), Task{Description: "x"})
	if !errors.Is(err, errdefs.ErrNoCapablePeer) {
		t.Fatalf("err = %v, want ErrNoCapablePeer", err)
	}
}

func TestSwarm_ConsensusMajority(t *testing.T) {
	a, _ := newSwarmPair(t,
		Config{PeerID: "a"},
		Config{PeerID: "b"}, // default vote: approve
	)

	res, err := a.Consensus(context.Background(), map[string]string{"action": "upgrade"})
	if err != nil {
		t.Fatalf("consensus: %v", err)
	}
	if !res.Consensus || res.Approvals < 2 {
		t.Fatalf("result = %+v", res)
	}
}

func TestSwarm_ConsensusRejection(t *testing.T) {
	reject := func(json.RawMessage) bool { return false }
	a, _ := newSwarmPair(t,
		Config{PeerID: "a"},
		Config{PeerID: "b", Vote: reject},
	)

	res, err := a.Consensus(context.Background(), "proposal")
	if err != nil {
		t.Fatalf("consensus: %v", err)
	}
	// Self approves, peer rejects: 1 of 2 is not a strict majority.
	if res.Consensus {
		t.Fatalf("result = %+v, want no consensus", res)
	}
}
