// Package runtime assembles the core: one constructor wires the bus, VFS,
// timeline, state, knowledge engine, tools, sandbox, substrate, inference
// gateway, agent cycle, and (optionally) the swarm transport.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/clocksmith/reploid/internal/agent"
	"github.com/clocksmith/reploid/internal/bus"
	"github.com/clocksmith/reploid/internal/config"
	"github.com/clocksmith/reploid/internal/inference"
	"github.com/clocksmith/reploid/internal/knowledge"
	"github.com/clocksmith/reploid/internal/providers"
	"github.com/clocksmith/reploid/internal/sandbox"
	"github.com/clocksmith/reploid/internal/state"
	"github.com/clocksmith/reploid/internal/substrate"
	"github.com/clocksmith/reploid/internal/timeline"
	"github.com/clocksmith/reploid/internal/tools"
	"github.com/clocksmith/reploid/internal/vfs"
)

// Runtime is the assembled agent instance.
type Runtime struct {
	Config    *config.Config
	Bus       *bus.Bus
	VFS       *vfs.VFS
	Timeline  *timeline.Timeline
	Audit     *timeline.Audit
	State     *state.Manager
	Knowledge *knowledge.Engine
	Registry  *tools.Registry
	Runner    *tools.Runner
	Loader    *substrate.Loader
	Gateway   *inference.Gateway
	Cycle     *agent.Cycle
	Swarm     Swarmer

	sandboxDir string
}

// Swarmer is the slice of the swarm transport the runtime depends on;
// keeping it an interface lets the serve command run swarmless.
type Swarmer interface {
	tools.Delegator
	Close()
}

// New assembles a runtime from config. Callers own Shutdown.
func New(cfg *config.Config) (*Runtime, error) {
	b := bus.New()

	if err := os.MkdirAll(cfg.DataPath(), 0755); err != nil {
		return nil, fmt.Errorf("runtime: data dir: %w", err)
	}
	var vfsOpts []vfs.Option
	if cfg.VFS.CodeCapBytes > 0 {
		vfsOpts = append(vfsOpts, vfs.WithSizeCap(vfs.TypeCode, cfg.VFS.CodeCapBytes))
	}
	if cfg.VFS.DocumentCapBytes > 0 {
		vfsOpts = append(vfsOpts, vfs.WithSizeCap(vfs.TypeDocument, cfg.VFS.DocumentCapBytes))
	}
	store, err := vfs.Open(cfg.DataPath("reploid.db"), b, vfsOpts...)
	if err != nil {
		return nil, err
	}

	tl := timeline.New(store, b)
	audit := timeline.NewAudit(tl, store)
	b.SetErrorSink(audit.HandlerPanic)
	timeline.BridgeBus(b, tl)

	st, err := state.NewManager(store, b, state.WithRingSize(cfg.State.CheckpointRing))
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := st.EnsureGenesis(nil); err != nil {
		slog.Warn("runtime.genesis_failed", "error", err)
	}

	kg := knowledge.NewEngine(b)
	if err := kg.Load(store); err != nil {
		slog.Warn("runtime.rules_load_failed", "error", err)
	}

	// Sandbox executor factory: one worker process per invocation.
	timeout := time.Duration(cfg.Sandbox.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = sandbox.DefaultTimeout
	}
	shim := &sandbox.Shim{VFS: store, State: st}
	rt := &Runtime{}
	factory := func() (*sandbox.Executor, error) {
		argv := cfg.Sandbox.Command
		if len(argv) == 0 {
			var dir string
			var err error
			argv, dir, err = sandbox.NodeWorkerArgv()
			if err != nil {
				return nil, err
			}
			rt.sandboxDir = dir
		}
		proc, err := sandbox.StartProc(argv)
		if err != nil {
			return nil, err
		}
		return sandbox.NewExecutor(proc, shim, sandbox.WithTimeout(timeout)), nil
	}

	loader := substrate.NewLoader(store, b, factory)
	loader.WatchBus(b)

	reg := tools.NewRegistry()
	installer := substrate.NewInstaller(loader, reg)
	if err := tools.RegisterBuiltins(reg, tools.BuiltinDeps{
		VFS:       store,
		State:     st,
		Knowledge: kg,
		Installer: installer,
	}); err != nil {
		store.Close()
		return nil, err
	}
	runner := tools.NewRunner(reg, b)

	gw := inference.New(b)
	registerProviders(gw, cfg)

	approvalTimeout := time.Duration(cfg.Agent.ApprovalTimeoutSec) * time.Second
	var approver agent.Approver
	if cfg.Agent.Autonomous {
		approver = agent.AutoApprover{}
	}
	cycle := agent.NewCycle(agent.Config{
		Events:          b,
		VFS:             store,
		State:           st,
		Knowledge:       kg,
		Registry:        reg,
		Runner:          runner,
		Gateway:         gw,
		Timeline:        tl,
		Audit:           audit,
		Approver:        approver,
		Provider:        cfg.Agent.Provider,
		Model:           cfg.Agent.Model,
		MaxIterations:   cfg.Agent.MaxIterations,
		ApprovalTimeout: approvalTimeout,
		Stream:          cfg.Agent.Stream,
	})

	rt.Config = cfg
	rt.Bus = b
	rt.VFS = store
	rt.Timeline = tl
	rt.Audit = audit
	rt.State = st
	rt.Knowledge = kg
	rt.Registry = reg
	rt.Runner = runner
	rt.Loader = loader
	rt.Gateway = gw
	rt.Cycle = cycle
	return rt, nil
}

func registerProviders(gw *inference.Gateway, cfg *config.Config) {
	p := cfg.Providers
	if p.Anthropic.APIKey != "" {
		var opts []providers.AnthropicOption
		if p.Anthropic.Model != "" {
			opts = append(opts, providers.WithAnthropicModel(p.Anthropic.Model))
		}
		if p.Anthropic.APIBase != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(p.Anthropic.APIBase))
		}
		gw.Register(providers.NewAnthropicProvider(p.Anthropic.APIKey, opts...), p.Anthropic.RPS, 2)
	}
	// OpenAI-compatible family: one adapter, many backends.
	openaiLike := []struct {
		name  string
		creds config.ProviderCreds
	}{
		{"openai", p.OpenAI},
		{"groq", p.Groq},
		{"huggingface", p.HuggingFace},
		{"vllm", p.VLLM},
		{"local", p.Local},
	}
	for _, pl := range openaiLike {
		if pl.creds.APIKey == "" && pl.creds.APIBase == "" {
			continue
		}
		gw.Register(providers.NewOpenAIProvider(pl.name, pl.creds.APIKey, pl.creds.APIBase, pl.creds.Model), pl.creds.RPS, 2)
	}
	if p.Gemini.APIKey != "" {
		var opts []providers.GeminiOption
		if p.Gemini.Model != "" {
			opts = append(opts, providers.WithGeminiModel(p.Gemini.Model))
		}
		if p.Gemini.APIBase != "" {
			opts = append(opts, providers.WithGeminiBaseURL(p.Gemini.APIBase))
		}
		gw.Register(providers.NewGeminiProvider(p.Gemini.APIKey, opts...), p.Gemini.RPS, 2)
	}
	if p.Ollama.APIBase != "" {
		var opts []providers.OllamaOption
		if p.Ollama.Model != "" {
			opts = append(opts, providers.WithOllamaModel(p.Ollama.Model))
		}
		opts = append(opts, providers.WithOllamaBaseURL(p.Ollama.APIBase))
		gw.Register(providers.NewOllamaProvider(opts...), p.Ollama.RPS, 2)
	}
}

// AttachSwarm connects the swarm transport and rebinds the spawn_worker tool
// to it.
func (r *Runtime) AttachSwarm(s Swarmer) error {
	r.Swarm = s
	return r.Registry.Register(tools.NewSpawnWorkerTool(s))
}

// PeerID returns the configured peer id, generating one when unset.
func (r *Runtime) PeerID() string {
	if r.Config.Swarm.PeerID != "" {
		return r.Config.Swarm.PeerID
	}
	return "peer-" + uuid.NewString()[:8]
}

// RunGoal drives one goal through the cycle.
func (r *Runtime) RunGoal(ctx context.Context, goal string) error {
	return r.Cycle.RunGoal(ctx, goal)
}

// Shutdown flushes and releases everything.
func (r *Runtime) Shutdown() {
	if r.Swarm != nil {
		r.Swarm.Close()
	}
	if err := r.Knowledge.Save(r.VFS); err != nil {
		slog.Warn("runtime.rules_save_failed", "error", err)
	}
	if err := r.Timeline.Flush(); err != nil {
		slog.Warn("runtime.timeline_flush_failed", "error", err)
	}
	r.VFS.Close()
	if r.sandboxDir != "" {
		os.RemoveAll(r.sandboxDir)
	}
}
