// Package inference is the multi-provider LLM gateway: one routing surface
// with per-provider rate limiting, cancellation handles, usage accounting,
// and backpressured streaming. Tool calls surfaced by the model are returned
// to the caller; the gateway never executes tools itself.
package inference

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/clocksmith/reploid/internal/bus"
	"github.com/clocksmith/reploid/internal/errdefs"
	"github.com/clocksmith/reploid/internal/providers"
	"github.com/clocksmith/reploid/pkg/protocol"
)

// DefaultMaxWait bounds how long a call waits on the provider token bucket
// before failing with RateLimited.
const DefaultMaxWait = 10 * time.Second

// Request is the gateway-level generation request.
type Request struct {
	Provider string                 `json:"provider"`
	Model    string                 `json:"model,omitempty"`
	Messages []providers.Message    `json:"messages"`
	Tools    []providers.ToolDefinition `json:"tools,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

type registration struct {
	provider providers.Provider
	limiter  *rate.Limiter
}

// Gateway routes requests to registered providers.
type Gateway struct {
	mu      sync.RWMutex
	regs    map[string]*registration
	events  *bus.Bus
	maxWait time.Duration

	usageMu sync.Mutex
	usage   map[string]*providers.Usage
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithMaxWait overrides the rate-limit wait budget.
func WithMaxWait(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.maxWait = d
		}
	}
}

func New(events *bus.Bus, opts ...Option) *Gateway {
	g := &Gateway{
		regs:    make(map[string]*registration),
		events:  events,
		maxWait: DefaultMaxWait,
		usage:   make(map[string]*providers.Usage),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Register adds or replaces a provider with a token bucket of rps requests
// per second (rps <= 0 disables limiting for that provider). Swapping a
// provider does not disturb in-flight calls: they hold their own reference,
// and subsequent calls route to the replacement.
func (g *Gateway) Register(p providers.Provider, rps float64, burst int) {
	var limiter *rate.Limiter
	if rps > 0 {
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	g.mu.Lock()
	g.regs[p.Name()] = &registration{provider: p, limiter: limiter}
	g.mu.Unlock()
}

// Providers lists registered provider names.
func (g *Gateway) Providers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.regs))
	for name := range g.regs {
		out = append(out, name)
	}
	return out
}

// Usage returns the accumulated usage for a provider.
func (g *Gateway) Usage(provider string) providers.Usage {
	g.usageMu.Lock()
	defer g.usageMu.Unlock()
	if u, ok := g.usage[provider]; ok {
		return *u
	}
	return providers.Usage{}
}

func (g *Gateway) resolve(name string) (*registration, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	reg, ok := g.regs[name]
	if !ok {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "inference: provider %s", name)
	}
	return reg, nil
}

// acquire waits on the provider's token bucket, up to maxWait.
func (g *Gateway) acquire(ctx context.Context, reg *registration) error {
	if reg.limiter == nil {
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, g.maxWait)
	defer cancel()
	if err := reg.limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return errdefs.Wrap(errdefs.ErrCancelled, "inference: rate wait")
		}
		return errdefs.Wrap(errdefs.ErrRateLimited, "inference: bucket exhausted after %s", g.maxWait)
	}
	return nil
}

func (g *Gateway) record(provider string, resp *providers.ChatResponse) {
	if resp == nil || resp.Usage == nil {
		return
	}
	g.usageMu.Lock()
	u, ok := g.usage[provider]
	if !ok {
		u = &providers.Usage{}
		g.usage[provider] = u
	}
	u.Add(resp.Usage)
	g.usageMu.Unlock()
}

func (g *Gateway) emit(topic string, payload interface{}) {
	if g.events != nil {
		g.events.Emit(topic, payload)
	}
}

// Generate performs a non-streaming call.
func (g *Gateway) Generate(ctx context.Context, req Request) (*providers.ChatResponse, error) {
	reg, err := g.resolve(req.Provider)
	if err != nil {
		return nil, err
	}
	if err := g.acquire(ctx, reg); err != nil {
		return nil, err
	}

	g.emit(protocol.TopicLLMRequest, map[string]interface{}{
		"provider": req.Provider,
		"model":    req.Model,
		"messages": len(req.Messages),
	})

	resp, err := reg.provider.Chat(ctx, providers.ChatRequest{
		Messages: req.Messages,
		Tools:    req.Tools,
		Model:    req.Model,
		Options:  req.Options,
	})
	if err != nil {
		g.emit(protocol.TopicLLMError, map[string]interface{}{
			"provider": req.Provider,
			"error":    err.Error(),
		})
		return nil, err
	}

	g.record(req.Provider, resp)
	g.emit(protocol.TopicLLMResponse, map[string]interface{}{
		"provider":      req.Provider,
		"finish_reason": resp.FinishReason,
		"tool_calls":    len(resp.ToolCalls),
	})
	return resp, nil
}
