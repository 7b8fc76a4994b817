// Package timeline is the append-only JSONL event log that drives audit and
// replay. Events are partitioned by date under /.logs/timeline/ in the VFS
// and mirrored into a fixed-size in-memory ring for fast recent queries.
package timeline

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/clocksmith/reploid/internal/bus"
	"github.com/clocksmith/reploid/internal/vfs"
	"github.com/clocksmith/reploid/pkg/protocol"
)

// Severity levels.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

const (
	ringSize     = 500
	flushBacklog = 500 // max buffered events before WARN-or-below are shed
	dirPrefix    = "/.logs/timeline"
)

// Event is one append-only timeline record.
type Event struct {
	ID       int64       `json:"id"`
	TS       int64       `json:"ts"` // unix ms
	Type     string      `json:"type"`
	Severity string      `json:"severity"`
	Tags     []string    `json:"tags,omitempty"`
	Payload  interface{} `json:"payload,omitempty"`
}

// RecordOptions qualify a Record call.
type RecordOptions struct {
	Severity string // defaults to info
	Tags     []string
}

// Query filters a timeline read. Zero From/To mean unbounded.
type Query struct {
	From     int64
	To       int64
	Type     string
	Severity string
	Tags     []string
}

// Timeline appends events and answers queries. Single-writer: all records
// funnel through Record.
type Timeline struct {
	mu      sync.Mutex
	store   *vfs.VFS
	events  *bus.Bus
	nextID  int64
	clock   func() time.Time
	ring    []Event
	pending []Event
	dropped bool // a telemetry:dropped marker is owed on next flush
}

// Option configures a Timeline.
type Option func(*Timeline)

// WithClock overrides the clock (tests).
func WithClock(clock func() time.Time) Option {
	return func(t *Timeline) { t.clock = clock }
}

func New(store *vfs.VFS, events *bus.Bus, opts ...Option) *Timeline {
	t := &Timeline{
		store:  store,
		events: events,
		clock:  time.Now,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Record appends an event, assigning id and timestamp. The event is buffered
// and flushed to the VFS; when the backlog exceeds its cap, the oldest
// WARN-or-below entries are shed and a single telemetry:dropped marker is
// recorded. ERROR events are never dropped.
func (t *Timeline) Record(eventType string, payload interface{}, opts RecordOptions) Event {
	sev := opts.Severity
	switch sev {
	case SeverityInfo, SeverityWarn, SeverityError:
	default:
		sev = SeverityInfo
	}

	t.mu.Lock()
	t.nextID++
	ev := Event{
		ID:       t.nextID,
		TS:       t.clock().UnixMilli(),
		Type:     eventType,
		Severity: sev,
		Tags:     opts.Tags,
		Payload:  payload,
	}

	t.ring = append(t.ring, ev)
	if len(t.ring) > ringSize {
		t.ring = t.ring[len(t.ring)-ringSize:]
	}

	t.pending = append(t.pending, ev)
	if len(t.pending) > flushBacklog {
		t.shedLocked()
	}
	t.mu.Unlock()

	if err := t.Flush(); err != nil {
		slog.Warn("timeline.flush_failed", "error", err)
	}
	return ev
}

// shedLocked drops the oldest WARN-or-below pending entries until the backlog
// fits, keeping every ERROR. Caller holds t.mu.
func (t *Timeline) shedLocked() {
	kept := t.pending[:0]
	over := len(t.pending) - flushBacklog
	for _, ev := range t.pending {
		if over > 0 && ev.Severity != SeverityError {
			over--
			t.dropped = true
			continue
		}
		kept = append(kept, ev)
	}
	t.pending = kept
}

// Flush writes all pending events to their date partitions.
func (t *Timeline) Flush() error {
	t.mu.Lock()
	batch := t.pending
	t.pending = nil
	owesMarker := t.dropped
	t.dropped = false
	t.mu.Unlock()

	if owesMarker {
		if t.events != nil {
			t.events.Emit(protocol.TopicTelemetryDropped, nil)
		}
		t.mu.Lock()
		t.nextID++
		batch = append(batch, Event{
			ID:       t.nextID,
			TS:       t.clock().UnixMilli(),
			Type:     protocol.TopicTelemetryDropped,
			Severity: SeverityWarn,
		})
		t.mu.Unlock()
	}
	if len(batch) == 0 {
		return nil
	}

	// Group by date partition, then append each group in one write.
	byDay := make(map[string][]Event)
	var days []string
	for _, ev := range batch {
		day := time.UnixMilli(ev.TS).UTC().Format("2006-01-02")
		if _, ok := byDay[day]; !ok {
			days = append(days, day)
		}
		byDay[day] = append(byDay[day], ev)
	}
	sort.Strings(days)

	for di, day := range days {
		if err := t.appendDay(day, byDay[day]); err != nil {
			// Requeue this day and every unwritten one so nothing is lost;
			// the next Record retries.
			var requeue []Event
			for _, d := range days[di:] {
				requeue = append(requeue, byDay[d]...)
			}
			t.mu.Lock()
			t.pending = append(requeue, t.pending...)
			t.mu.Unlock()
			return err
		}
	}
	return nil
}

func (t *Timeline) appendDay(day string, evs []Event) error {
	path := fmt.Sprintf("%s/%s.jsonl", dirPrefix, day)

	var sb strings.Builder
	if a, err := t.store.Read(path); err == nil {
		sb.Write(a.Content)
	}
	for _, ev := range evs {
		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("timeline: marshal event %d: %w", ev.ID, err)
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}

	// Silent write: recording the write of the log would recurse.
	_, err := t.store.Write(path, []byte(sb.String()), vfs.WriteOptions{Type: vfs.TypeLog, Silent: true})
	if err != nil {
		return fmt.Errorf("timeline: append %s: %w", path, err)
	}
	return nil
}

// Recent returns up to n most recent events from the in-memory ring.
func (t *Timeline) Recent(n int) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n <= 0 || n > len(t.ring) {
		n = len(t.ring)
	}
	out := make([]Event, n)
	copy(out, t.ring[len(t.ring)-n:])
	return out
}

// QueryEvents reads date-partitioned files lazily and returns matching events
// in (ts, id) order.
func (t *Timeline) QueryEvents(q Query) ([]Event, error) {
	if err := t.Flush(); err != nil {
		return nil, err
	}

	paths, err := t.store.List(dirPrefix)
	if err != nil {
		return nil, err
	}

	var out []Event
	for _, p := range paths {
		day := strings.TrimSuffix(strings.TrimPrefix(p, dirPrefix+"/"), ".jsonl")
		if !dayInRange(day, q.From, q.To) {
			continue
		}
		a, err := t.store.Read(p)
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(a.Content), "\n") {
			if line == "" {
				continue
			}
			var ev Event
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				slog.Warn("timeline.corrupt_line", "path", p, "error", err)
				continue
			}
			if matches(ev, q) {
				out = append(out, ev)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].TS != out[j].TS {
			return out[i].TS < out[j].TS
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func dayInRange(day string, from, to int64) bool {
	d, err := time.Parse("2006-01-02", day)
	if err != nil {
		return false
	}
	dayStart := d.UnixMilli()
	dayEnd := d.Add(24 * time.Hour).UnixMilli()
	if from > 0 && dayEnd <= from {
		return false
	}
	if to > 0 && dayStart > to {
		return false
	}
	return true
}

func matches(ev Event, q Query) bool {
	if q.From > 0 && ev.TS < q.From {
		return false
	}
	if q.To > 0 && ev.TS > q.To {
		return false
	}
	if q.Type != "" && ev.Type != q.Type {
		return false
	}
	if q.Severity != "" && ev.Severity != q.Severity {
		return false
	}
	for _, want := range q.Tags {
		found := false
		for _, have := range ev.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
