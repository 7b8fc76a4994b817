// Package config is the environment surface: one JSON5 file plus REPLOID_*
// env overlay. Secrets (provider keys, swarm token) come from env only and
// are never serialized.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Config is the root configuration for the runtime.
type Config struct {
	DataDir   string          `json:"data_dir,omitempty"` // sqlite + scratch root
	Agent     AgentConfig     `json:"agent"`
	Providers ProvidersConfig `json:"providers"`
	Sandbox   SandboxConfig   `json:"sandbox,omitempty"`
	Swarm     SwarmConfig     `json:"swarm,omitempty"`
	State     StateConfig     `json:"state,omitempty"`
	VFS       VFSConfig       `json:"vfs,omitempty"`
	Substrate SubstrateConfig `json:"substrate,omitempty"`
}

// AgentConfig drives the cognitive cycle.
type AgentConfig struct {
	Provider           string `json:"provider"`
	Model              string `json:"model,omitempty"`
	MaxIterations      int    `json:"max_iterations,omitempty"`
	Stream             bool   `json:"stream,omitempty"`
	Autonomous         bool   `json:"autonomous,omitempty"` // waive approval gates where policy permits
	ApprovalTimeoutSec int    `json:"approval_timeout_sec,omitempty"`
}

// ProviderCreds is one provider's connection settings. Keys are env-only.
type ProviderCreds struct {
	APIKey  string `json:"-"` // from env only
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
	RPS     float64 `json:"rps,omitempty"` // token bucket; 0 = unlimited
}

// ProvidersConfig holds per-provider settings.
type ProvidersConfig struct {
	Anthropic   ProviderCreds `json:"anthropic,omitempty"`
	OpenAI      ProviderCreds `json:"openai,omitempty"`
	Groq        ProviderCreds `json:"groq,omitempty"`
	Gemini      ProviderCreds `json:"gemini,omitempty"`
	HuggingFace ProviderCreds `json:"huggingface,omitempty"`
	Ollama      ProviderCreds `json:"ollama,omitempty"`
	VLLM        ProviderCreds `json:"vllm,omitempty"`
	Local       ProviderCreds `json:"local,omitempty"`
}

// SandboxConfig bounds dynamic tool execution.
type SandboxConfig struct {
	TimeoutSec int      `json:"timeout_sec,omitempty"` // default 5
	Command    []string `json:"command,omitempty"`     // worker argv override
}

// SwarmConfig connects this instance to a peer mesh.
type SwarmConfig struct {
	Enabled      bool     `json:"enabled,omitempty"`
	SignalURL    string   `json:"signal_url,omitempty"`
	Room         string   `json:"room,omitempty"`
	PeerID       string   `json:"peer_id,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Token        string   `json:"-"` // from env only
}

// StateConfig tunes the state manager.
type StateConfig struct {
	CheckpointRing int `json:"checkpoint_ring,omitempty"` // default 10
}

// VFSConfig overrides artifact size caps.
type VFSConfig struct {
	CodeCapBytes     int `json:"code_cap_bytes,omitempty"`
	DocumentCapBytes int `json:"document_cap_bytes,omitempty"`
}

// SubstrateConfig configures dynamic module loading.
type SubstrateConfig struct {
	WatchDir string `json:"watch_dir,omitempty"` // OS dir mirrored into /modules
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DataDir: "~/.reploid",
		Agent: AgentConfig{
			Provider:      "anthropic",
			MaxIterations: 20,
		},
		Sandbox: SandboxConfig{TimeoutSec: 5},
		State:   StateConfig{CheckpointRing: 10},
		Swarm:   SwarmConfig{Room: "reploid"},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env wins over file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("REPLOID_ANTHROPIC_API_KEY", &c.Providers.Anthropic.APIKey)
	envStr("REPLOID_ANTHROPIC_BASE_URL", &c.Providers.Anthropic.APIBase)
	envStr("REPLOID_OPENAI_API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("REPLOID_OPENAI_BASE_URL", &c.Providers.OpenAI.APIBase)
	envStr("REPLOID_GROQ_API_KEY", &c.Providers.Groq.APIKey)
	envStr("REPLOID_GEMINI_API_KEY", &c.Providers.Gemini.APIKey)
	envStr("REPLOID_HUGGINGFACE_API_KEY", &c.Providers.HuggingFace.APIKey)
	envStr("REPLOID_OLLAMA_BASE_URL", &c.Providers.Ollama.APIBase)
	envStr("REPLOID_VLLM_BASE_URL", &c.Providers.VLLM.APIBase)
	envStr("REPLOID_LOCAL_BASE_URL", &c.Providers.Local.APIBase)

	envStr("REPLOID_PROVIDER", &c.Agent.Provider)
	envStr("REPLOID_MODEL", &c.Agent.Model)
	envStr("REPLOID_DATA_DIR", &c.DataDir)

	envStr("REPLOID_SIGNAL_URL", &c.Swarm.SignalURL)
	envStr("REPLOID_SWARM_ROOM", &c.Swarm.Room)
	envStr("REPLOID_PEER_ID", &c.Swarm.PeerID)
	envStr("REPLOID_SWARM_TOKEN", &c.Swarm.Token)
	if c.Swarm.SignalURL != "" {
		c.Swarm.Enabled = true
	}

	if v := os.Getenv("REPLOID_SANDBOX_TIMEOUT_SEC"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			c.Sandbox.TimeoutSec = sec
		}
	}
	if v := os.Getenv("REPLOID_CHECKPOINT_RING"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.State.CheckpointRing = n
		}
	}
	if v := os.Getenv("REPLOID_AUTONOMOUS"); v != "" {
		c.Agent.Autonomous = v == "true" || v == "1"
	}
	if v := os.Getenv("REPLOID_CAPABILITIES"); v != "" {
		c.Swarm.Capabilities = strings.Split(v, ",")
	}
}

// Save writes the config (secrets excluded via struct tags).
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// DataPath expands the data dir and joins the given elements.
func (c *Config) DataPath(elem ...string) string {
	root := ExpandHome(c.DataDir)
	return filepath.Join(append([]string{root}, elem...)...)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
