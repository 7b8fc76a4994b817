package knowledge

import (
	"encoding/json"

	"github.com/clocksmith/reploid/internal/errdefs"
	"github.com/clocksmith/reploid/internal/vfs"
)

const rulesPath = "/.memory/rules.json"

// memoryFile is the serialized rule memory: rules (explicit and induced),
// constraints, policies, and examples.
type memoryFile struct {
	Rules    []Rule    `json:"rules"`
	Policies []Policy  `json:"policies"`
	Examples []Example `json:"examples"`
}

// Save persists rules, policies, and examples to /.memory/rules.json.
func (e *Engine) Save(store *vfs.VFS) error {
	mf := memoryFile{
		Rules:    e.Rules.All(),
		Policies: e.Policies.All(),
		Examples: e.examples,
	}
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return errdefs.Wrap(errdefs.ErrState, "knowledge: marshal memory: %v", err)
	}
	_, err = store.Write(rulesPath, data, vfs.WriteOptions{Type: vfs.TypeConfig, Silent: true})
	return err
}

// Load restores rule memory. A missing file is not an error.
func (e *Engine) Load(store *vfs.VFS) error {
	a, err := store.Read(rulesPath)
	if err != nil {
		return nil
	}
	var mf memoryFile
	if err := json.Unmarshal(a.Content, &mf); err != nil {
		return errdefs.Wrap(errdefs.ErrState, "knowledge: corrupt %s: %v", rulesPath, err)
	}
	for _, r := range mf.Rules {
		e.Rules.Add(r)
	}
	for _, p := range mf.Policies {
		e.Policies.Add(p)
	}
	e.examples = append(e.examples, mf.Examples...)
	return nil
}
