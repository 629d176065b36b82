package workspace

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/metalagman/deeprun/internal/fault"
)

// putObject stores content in the blob store and returns its hash. Blobs
// are immutable, so an existing object is never rewritten.
func (w *Workspace) putObject(content []byte) (string, error) {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])
	path := w.objectPath(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o444); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("publish object: %w", err)
	}
	return hash, nil
}

// getObject loads blob content by hash.
func (w *Workspace) getObject(hash string) ([]byte, error) {
	if len(hash) < 3 {
		return nil, fault.NotFound("object %q", hash)
	}
	data, err := os.ReadFile(w.objectPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.NotFound("object %q", hash)
		}
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

func (w *Workspace) objectPath(hash string) string {
	return filepath.Join(w.root, "objects", hash[:2], hash[2:])
}
