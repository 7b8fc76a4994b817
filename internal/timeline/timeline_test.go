package timeline

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/clocksmith/reploid/internal/vfs"
)

func newTestTimeline(t *testing.T) (*Timeline, *vfs.VFS) {
	t.Helper()
	store, err := vfs.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open vfs: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, nil), store
}

func TestRecord_AssignsMonotonicIDs(t *testing.T) {
	tl, _ := newTestTimeline(t)

	a := tl.Record("tool:start", nil, RecordOptions{})
	b := tl.Record("tool:complete", nil, RecordOptions{})

	if b.ID <= a.ID {
		t.Fatalf("ids not monotonic: %d then %d", a.ID, b.ID)
	}
	if a.Severity != SeverityInfo {
		t.Fatalf("default severity = %q, want info", a.Severity)
	}
}

func TestRecord_FlushesJSONLPartition(t *testing.T) {
	tl, store := newTestTimeline(t)
	fixed := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	tl.clock = func() time.Time { return fixed }

	tl.Record("llm:request", map[string]string{"provider": "anthropic"}, RecordOptions{})
	tl.Record("llm:response", nil, RecordOptions{Severity: SeverityWarn})

	a, err := store.Read("/.logs/timeline/2026-03-14.jsonl")
	if err != nil {
		t.Fatalf("partition missing: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(a.Content)), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	var ev Event
	if err := json.Unmarshal([]byte(lines[0]), &ev); err != nil {
		t.Fatalf("bad jsonl: %v", err)
	}
	if ev.Type != "llm:request" {
		t.Fatalf("type = %q", ev.Type)
	}
}

func TestQueryEvents_FiltersAndOrders(t *testing.T) {
	tl, _ := newTestTimeline(t)
	base := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	step := 0
	tl.clock = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}

	tl.Record("tool:start", nil, RecordOptions{Tags: []string{"run1"}})
	tl.Record("tool:error", nil, RecordOptions{Severity: SeverityError, Tags: []string{"run1"}})
	tl.Record("tool:start", nil, RecordOptions{Tags: []string{"run2"}})

	evs, err := tl.QueryEvents(Query{Type: "tool:start"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(evs) != 2 {
		t.Fatalf("got %d events, want 2", len(evs))
	}
	if evs[0].ID >= evs[1].ID {
		t.Fatal("events out of order")
	}

	evs, err = tl.QueryEvents(Query{Severity: SeverityError})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(evs) != 1 || evs[0].Type != "tool:error" {
		t.Fatalf("severity filter broken: %+v", evs)
	}

	evs, err = tl.QueryEvents(Query{Tags: []string{"run2"}})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(evs) != 1 {
		t.Fatalf("tag filter broken: %+v", evs)
	}
}

func TestRecent_RingBounded(t *testing.T) {
	tl, _ := newTestTimeline(t)
	for i := 0; i < ringSize+50; i++ {
		tl.Record("tick", nil, RecordOptions{})
	}
	recent := tl.Recent(0)
	if len(recent) != ringSize {
		t.Fatalf("ring size = %d, want %d", len(recent), ringSize)
	}
	if recent[len(recent)-1].ID != int64(ringSize+50) {
		t.Fatalf("ring tail id = %d", recent[len(recent)-1].ID)
	}
}

func TestAudit_SeverityTableAndMirror(t *testing.T) {
	tl, store := newTestTimeline(t)
	fixed := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	tl.clock = func() time.Time { return fixed }
	audit := NewAudit(tl, store)

	ev := audit.Log("VFS_DELETE", map[string]string{"path": "/x"})
	if ev.Severity != SeverityWarn {
		t.Fatalf("VFS_DELETE severity = %q, want warn", ev.Severity)
	}
	ev = audit.Security(nil)
	if ev.Severity != SeverityError {
		t.Fatalf("SECURITY_VIOLATION severity = %q, want error", ev.Severity)
	}

	a, err := store.Read("/.audit/2026-03-14.jsonl")
	if err != nil {
		t.Fatalf("audit mirror missing: %v", err)
	}
	if n := strings.Count(string(a.Content), "\n"); n != 2 {
		t.Fatalf("audit mirror lines = %d, want 2", n)
	}
}

func TestScrub_RedactsSecrets(t *testing.T) {
	tests := []struct {
		name    string
		payload interface{}
		leak    string
	}{
		{"sk key", map[string]string{"msg": "key sk-abc123def456ghi789 leaked"}, "sk-abc123def456"},
		{"bearer", map[string]string{"auth": "Bearer abcdefgh12345678"}, "abcdefgh12345678"},
		{"api_key field", map[string]string{"api_key": "topsecretvalue"}, "topsecretvalue"},
		{"jwt", map[string]string{"t": "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxIn0.sig"}, "eyJhbGciOiJIUzI1NiJ9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _ := json.Marshal(Scrub(tt.payload))
			if strings.Contains(string(out), tt.leak) {
				t.Fatalf("secret survived scrub: %s", out)
			}
			if !strings.Contains(string(out), "REDACTED") {
				t.Fatalf("no redaction marker in %s", out)
			}
		})
	}
}
