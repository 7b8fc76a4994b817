package state

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/clocksmith/reploid/internal/vfs"
)

const genesisManifestPath = "/genesis/manifest.json"

// GenesisManifest records the immutable first-boot snapshot.
type GenesisManifest struct {
	CreatedAt int64             `json:"createdAt"`
	StateHash string            `json:"stateHash"`
	Artifacts map[string]string `json:"artifacts"` // path → sha256 of seed content
}

// EnsureGenesis writes the first-boot snapshot if it does not exist yet.
// The manifest and anything under /genesis are immutable afterwards: Clear
// preserves them and nothing rewrites an existing manifest.
func (m *Manager) EnsureGenesis(seed map[string][]byte) error {
	if m.store.Exists(genesisManifestPath) {
		return nil
	}

	m.mu.Lock()
	stateJSON, err := json.Marshal(m.live)
	now := m.clock().UnixMilli()
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("genesis: marshal state: %w", err)
	}

	manifest := GenesisManifest{
		CreatedAt: now,
		StateHash: fmt.Sprintf("%x", sha256.Sum256(stateJSON)),
		Artifacts: make(map[string]string, len(seed)),
	}
	for path, content := range seed {
		full := "/genesis/upgrades" + path
		if _, err := m.store.Write(full, content, vfs.WriteOptions{Type: vfs.TypeCode, Silent: true}); err != nil {
			return fmt.Errorf("genesis: seed %s: %w", full, err)
		}
		manifest.Artifacts[full] = fmt.Sprintf("%x", sha256.Sum256(content))
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("genesis: marshal manifest: %w", err)
	}
	if _, err := m.store.Write(genesisManifestPath, data, vfs.WriteOptions{Type: vfs.TypeConfig, Silent: true}); err != nil {
		return fmt.Errorf("genesis: write manifest: %w", err)
	}
	return nil
}
