package tools

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clocksmith/reploid/internal/bus"
	"github.com/clocksmith/reploid/pkg/protocol"
)

const resultPreviewLen = 200

// Call is one tool invocation request.
type Call struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Args       map[string]interface{} `json:"args"`
	SessionKey string                 `json:"session_key,omitempty"`
}

// Runner dispatches tool calls: read-only tools fan out in parallel with
// results coalesced in caller order; mutating tools serialize on a
// per-session queue so happens-before against state updates holds.
type Runner struct {
	reg    *Registry
	events *bus.Bus

	mu        sync.Mutex
	sessionMu map[string]*sync.Mutex
}

func NewRunner(reg *Registry, events *bus.Bus) *Runner {
	return &Runner{
		reg:       reg,
		events:    events,
		sessionMu: make(map[string]*sync.Mutex),
	}
}

// Execute dispatches one call, emitting tool:start and tool:complete or
// tool:error. Returns an error Result (never nil) on failure so the agent can
// feed it back to the LLM.
func (r *Runner) Execute(ctx context.Context, call Call) *Result {
	if call.ID == "" {
		call.ID = uuid.NewString()
	}

	tool, ok := r.reg.Get(call.Name)
	if !ok {
		res := ErrorResult(fmt.Sprintf("unknown tool: %s", call.Name))
		r.emitDone(call, res, 0)
		return res
	}

	hash := argsHash(call.Args)
	r.emit(protocol.TopicToolStart, map[string]interface{}{
		"exec_id":   call.ID,
		"tool":      call.Name,
		"args_hash": hash,
	})

	start := time.Now()
	if err := r.reg.ValidateArgs(call.Name, call.Args); err != nil {
		res := ErrorResult(err.Error()).WithError(err)
		r.emitDone(call, res, time.Since(start))
		return res
	}

	ctx = WithProgress(ctx, func(pct int) {
		r.emit(protocol.TopicToolProgress, map[string]interface{}{
			"exec_id": call.ID,
			"pct":     pct,
		})
	})

	var res *Result
	if tool.ReadOnly() {
		res = r.run(ctx, tool, call)
	} else {
		mu := r.sessionLock(call.SessionKey)
		mu.Lock()
		res = r.run(ctx, tool, call)
		mu.Unlock()
	}

	r.emitDone(call, res, time.Since(start))
	return res
}

// ExecuteBatch dispatches calls from one LLM turn. Consecutive read-only
// calls run in parallel; results always land at their original indices so the
// caller-observed ordering is declaration order.
func (r *Runner) ExecuteBatch(ctx context.Context, calls []Call) []*Result {
	results := make([]*Result, len(calls))

	i := 0
	for i < len(calls) {
		// Collect a maximal run of read-only calls for fan-out.
		j := i
		for j < len(calls) && r.isReadOnly(calls[j].Name) {
			j++
		}
		if j > i {
			var wg sync.WaitGroup
			for k := i; k < j; k++ {
				wg.Add(1)
				go func(k int) {
					defer wg.Done()
					results[k] = r.Execute(ctx, calls[k])
				}(k)
			}
			wg.Wait()
			i = j
			continue
		}
		results[i] = r.Execute(ctx, calls[i])
		i++
	}
	return results
}

func (r *Runner) isReadOnly(name string) bool {
	t, ok := r.reg.Get(name)
	return ok && t.ReadOnly()
}

func (r *Runner) run(ctx context.Context, tool Tool, call Call) (res *Result) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool.panic", "tool", call.Name, "error", rec)
			res = ErrorResult(fmt.Sprintf("tool panicked: %v", rec))
		}
	}()
	if err := ctx.Err(); err != nil {
		return ErrorResult("cancelled").WithError(err)
	}
	res = tool.Execute(ctx, call.Args)
	if res == nil {
		res = ErrorResult("tool returned no result")
	}
	return res
}

func (r *Runner) sessionLock(key string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	mu, ok := r.sessionMu[key]
	if !ok {
		mu = &sync.Mutex{}
		r.sessionMu[key] = mu
	}
	return mu
}

func (r *Runner) emit(topic string, payload interface{}) {
	if r.events != nil {
		r.events.Emit(topic, payload)
	}
}

func (r *Runner) emitDone(call Call, res *Result, dur time.Duration) {
	topic := protocol.TopicToolComplete
	if res.IsError {
		topic = protocol.TopicToolError
	}
	r.emit(topic, map[string]interface{}{
		"exec_id":     call.ID,
		"tool":        call.Name,
		"duration_ms": dur.Milliseconds(),
		"is_error":    res.IsError,
		"result":      truncate(res.ForLLM, resultPreviewLen),
	})
}

func argsHash(args map[string]interface{}) string {
	raw, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%x", sum[:8])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
