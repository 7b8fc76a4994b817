package sandbox

import (
	_ "embed"
	"os"
	"path/filepath"
)

//go:embed worker.js
var workerJS string

// NodeWorkerArgv materializes the embedded JS harness to a temp file and
// returns the argv that runs it under node. The caller owns cleanup via the
// returned path.
func NodeWorkerArgv() ([]string, string, error) {
	dir, err := os.MkdirTemp("", "reploid-sandbox-*")
	if err != nil {
		return nil, "", err
	}
	path := filepath.Join(dir, "worker.js")
	if err := os.WriteFile(path, []byte(workerJS), 0600); err != nil {
		os.RemoveAll(dir)
		return nil, "", err
	}
	return []string{"node", path}, dir, nil
}
