package workspace

import (
	"path/filepath"
	"strings"

	"github.com/metalagman/deeprun/internal/fault"
)

// resolve maps a repo-relative path onto the branch worktree, rejecting
// anything that would land outside it. Absolute paths, "..", empty paths
// and traversal through symlink-free lexical tricks all fail PathEscape
// before any filesystem access happens.
func (w *Workspace) resolve(branch, rel string) (string, error) {
	if err := w.validBranch(branch); err != nil {
		return "", err
	}
	if rel == "" {
		return "", fault.PathEscape("empty path")
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "/") || filepath.IsAbs(rel) {
		return "", fault.PathEscape("absolute path %q", rel)
	}
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return "", fault.PathEscape("path %q leaves the workspace", rel)
	}
	root := w.worktreeDir(branch)
	abs := filepath.Join(root, filepath.FromSlash(rel))
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fault.PathEscape("path %q leaves the workspace", rel)
	}
	return abs, nil
}

// ValidatePath checks a repo-relative path without touching the
// filesystem. File sessions use it to reject escapes at staging time.
func ValidatePath(rel string) error {
	if rel == "" {
		return fault.PathEscape("empty path")
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, "/") || filepath.IsAbs(rel) {
		return fault.PathEscape("absolute path %q", rel)
	}
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return fault.PathEscape("path %q leaves the workspace", rel)
	}
	return nil
}
