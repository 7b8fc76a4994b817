// Package replay re-emits exported timeline events at a configurable speed.
// Replayed events appear under the "replay:" topic prefix so live handlers
// never mistake a replay for the real thing.
package replay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/clocksmith/reploid/internal/bus"
	"github.com/clocksmith/reploid/internal/errdefs"
	"github.com/clocksmith/reploid/internal/timeline"
	"github.com/clocksmith/reploid/pkg/protocol"
)

// Speeds the engine snaps to.
var allowedSpeeds = []float64{1, 2, 5, 10, 50}

// minDelay floors the inter-event gap.
const minDelay = 10 * time.Millisecond

// Export is a recorded run: metadata plus its ordered timeline events.
type Export struct {
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Events   []timeline.Event       `json:"events"`
}

// ParseExport decodes an exported run.
func ParseExport(data []byte) (*Export, error) {
	var ex Export
	if err := json.Unmarshal(data, &ex); err != nil {
		return nil, errdefs.Wrap(errdefs.ErrValidation, "replay: bad export: %v", err)
	}
	if len(ex.Events) == 0 {
		return nil, errdefs.Wrap(errdefs.ErrValidation, "replay: export has no events")
	}
	return &ex, nil
}

// Engine drives one loaded export. The timer loop runs on its own goroutine
// and touches nothing but the bus.
type Engine struct {
	events *bus.Bus

	mu      sync.Mutex
	export  *Export
	idx     int
	speed   float64
	playing bool
	wake    chan struct{}
}

func NewEngine(events *bus.Bus) *Engine {
	return &Engine{events: events, speed: 1, wake: make(chan struct{}, 1)}
}

// Load installs an export and rewinds to the start.
func (e *Engine) Load(ex *Export) {
	e.mu.Lock()
	e.export = ex
	e.idx = 0
	e.playing = false
	e.mu.Unlock()
}

// SetSpeed snaps to the nearest allowed speed and returns it.
func (e *Engine) SetSpeed(speed float64) float64 {
	best := allowedSpeeds[0]
	for _, s := range allowedSpeeds[1:] {
		if abs(speed-s) < abs(speed-best) {
			best = s
		}
	}
	e.mu.Lock()
	e.speed = best
	e.mu.Unlock()
	return best
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// Speed returns the current playback speed.
func (e *Engine) Speed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speed
}

// Position returns the index of the next event to emit.
func (e *Engine) Position() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.idx
}

// Play starts (or resumes) emission from the current position. Returns an
// error when no export is loaded.
func (e *Engine) Play() error {
	e.mu.Lock()
	if e.export == nil {
		e.mu.Unlock()
		return errdefs.Wrap(errdefs.ErrState, "replay: no export loaded")
	}
	if e.playing {
		e.mu.Unlock()
		return nil
	}
	e.playing = true
	e.mu.Unlock()

	e.events.Emit(protocol.TopicReplayStarted, nil)
	go e.loop()
	return nil
}

// Pause halts emission; Play resumes from the same position.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.playing = false
	e.mu.Unlock()
	e.poke()
}

// Stop halts emission and rewinds to the start.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.playing = false
	e.idx = 0
	e.mu.Unlock()
	e.poke()
}

// Step emits exactly one event while paused.
func (e *Engine) Step() bool {
	e.mu.Lock()
	if e.export == nil || e.playing || e.idx >= len(e.export.Events) {
		e.mu.Unlock()
		return false
	}
	ev := e.export.Events[e.idx]
	e.idx++
	done := e.idx >= len(e.export.Events)
	e.mu.Unlock()

	e.emit(ev)
	if done {
		e.events.Emit(protocol.TopicReplayCompleted, nil)
	}
	return true
}

// Seek moves the playhead to event index i.
func (e *Engine) Seek(i int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.export == nil || i < 0 || i > len(e.export.Events) {
		return errdefs.Wrap(errdefs.ErrValidation, "replay: seek %d out of range", i)
	}
	e.idx = i
	return nil
}

func (e *Engine) poke() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// loop emits events with inter-event delay (next.ts - prev.ts) / speed,
// floored at minDelay. Speed affects timing only, never order.
func (e *Engine) loop() {
	for {
		e.mu.Lock()
		if !e.playing {
			e.mu.Unlock()
			return
		}
		if e.idx >= len(e.export.Events) {
			e.playing = false
			e.mu.Unlock()
			e.events.Emit(protocol.TopicReplayCompleted, nil)
			return
		}
		i := e.idx
		ev := e.export.Events[i]
		var gap time.Duration
		if i > 0 {
			prev := e.export.Events[i-1]
			gap = time.Duration(float64(ev.TS-prev.TS)/e.speed) * time.Millisecond
		}
		e.mu.Unlock()

		if gap < minDelay {
			gap = minDelay
		}
		select {
		case <-time.After(gap):
		case <-e.wake:
			continue // pause/stop/seek while sleeping: recheck state
		}

		e.mu.Lock()
		if !e.playing || e.idx != i {
			e.mu.Unlock()
			continue
		}
		e.idx++
		e.mu.Unlock()
		e.emit(ev)
	}
}

func (e *Engine) emit(ev timeline.Event) {
	e.events.Emit(protocol.ReplayPrefix+ev.Type, ev)
}
