// Package workspace implements the content-addressed project filesystem:
// branch worktrees for reads and writes, SHA-256 blob objects, and a
// commit log whose records snapshot the full tree. Branches are plain head
// pointers, so resetting to a prior commit is a ref move plus a worktree
// rebuild, never a history rewrite.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/metalagman/deeprun/internal/fault"
)

// DefaultBranch is every project's integration branch.
const DefaultBranch = "main"

// RunBranchPrefix namespaces per-run branches.
const RunBranchPrefix = "runs/"

// RunBranch returns the branch name owned by a run.
func RunBranch(runID string) string {
	return RunBranchPrefix + runID
}

// subjectPattern is the only commit subject shape the workspace accepts:
// an optional step prefix followed by the owning run id.
var subjectPattern = regexp.MustCompile(`^(step-\d+ \([a-z_]+\) :: )?agentRunId=[a-zA-Z0-9_-]+$`)

// StepSubject renders the structured subject for a step commit.
func StepSubject(stepIndex int, tool, runID string) string {
	return fmt.Sprintf("step-%d (%s) :: agentRunId=%s", stepIndex, tool, runID)
}

// ScaffoldSubject renders the subject for a project scaffold commit.
func ScaffoldSubject(projectID string) string {
	return "agentRunId=project-scaffold-" + projectID
}

var branchPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/-]*$`)

// Manager opens project workspaces under a data root.
type Manager struct {
	root string
}

// NewManager creates a manager rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{root: dir}
}

// Workspace is one project's content-addressed filesystem.
type Workspace struct {
	projectID string
	root      string
}

// Open returns the workspace for a project, creating its directory layout
// on first use.
func (m *Manager) Open(projectID string) (*Workspace, error) {
	if projectID == "" || strings.ContainsAny(projectID, "/\\") {
		return nil, fault.NotFound("project id %q", projectID)
	}
	root := filepath.Join(m.root, "projects", projectID)
	for _, sub := range []string{"objects", "commits", "refs", "worktrees"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create workspace layout: %w", err)
		}
	}
	return &Workspace{projectID: projectID, root: root}, nil
}

// Remove deletes everything stored for a project.
func (m *Manager) Remove(projectID string) error {
	if projectID == "" || strings.ContainsAny(projectID, "/\\") {
		return fault.NotFound("project id %q", projectID)
	}
	return os.RemoveAll(filepath.Join(m.root, "projects", projectID))
}

// ProjectID returns the owning project id.
func (w *Workspace) ProjectID() string { return w.projectID }

func (w *Workspace) validBranch(branch string) error {
	if branch == "" || !branchPattern.MatchString(branch) || strings.Contains(branch, "..") {
		return fault.NotFound("branch %q", branch)
	}
	return nil
}

func (w *Workspace) worktreeDir(branch string) string {
	return filepath.Join(w.root, "worktrees", filepath.FromSlash(branch))
}

func (w *Workspace) refPath(branch string) string {
	return filepath.Join(w.root, "refs", filepath.FromSlash(branch))
}

// WorktreePath returns the absolute worktree directory of a branch, for
// subprocess tools and the validation pipeline.
func (w *Workspace) WorktreePath(branch string) (string, error) {
	if err := w.validBranch(branch); err != nil {
		return "", err
	}
	return w.worktreeDir(branch), nil
}

// BranchExists reports whether the branch has a head ref.
func (w *Workspace) BranchExists(branch string) bool {
	if err := w.validBranch(branch); err != nil {
		return false
	}
	_, err := os.Stat(w.refPath(branch))
	return err == nil
}

// BranchHead returns the commit hash the branch points at.
func (w *Workspace) BranchHead(branch string) (string, error) {
	if err := w.validBranch(branch); err != nil {
		return "", err
	}
	raw, err := os.ReadFile(w.refPath(branch))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fault.NotFound("branch %q", branch)
		}
		return "", fmt.Errorf("read ref: %w", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

func (w *Workspace) writeRef(branch, hash string) error {
	path := w.refPath(branch)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create ref dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(hash+"\n"), 0o644); err != nil {
		return fmt.Errorf("write ref: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish ref: %w", err)
	}
	return nil
}

// Read returns the file content on a branch.
func (w *Workspace) Read(branch, path string) ([]byte, error) {
	abs, err := w.resolve(branch, path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.NotFound("file %q on %q", path, branch)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// FileInfo describes a worktree entry.
type FileInfo struct {
	Path    string
	Size    int64
	ModTime time.Time
	IsDir   bool
}

// Stat returns metadata for a worktree path.
func (w *Workspace) Stat(branch, path string) (FileInfo, error) {
	abs, err := w.resolve(branch, path)
	if err != nil {
		return FileInfo{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, fault.NotFound("file %q on %q", path, branch)
		}
		return FileInfo{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return FileInfo{Path: path, Size: info.Size(), ModTime: info.ModTime(), IsDir: info.IsDir()}, nil
}

// Write creates or replaces a file in the branch worktree. The change is
// uncommitted until Commit snapshots the tree.
func (w *Workspace) Write(branch, path string, content []byte) error {
	abs, err := w.resolve(branch, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create parent dirs: %w", err)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Delete removes a file from the branch worktree.
func (w *Workspace) Delete(branch, path string) error {
	abs, err := w.resolve(branch, path)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		if os.IsNotExist(err) {
			return fault.NotFound("file %q on %q", path, branch)
		}
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// List returns worktree files under dir ("" for the root), sorted,
// relative to the worktree root. Directories are walked, not listed.
func (w *Workspace) List(branch, dir string) ([]FileInfo, error) {
	base := dir
	if base == "" {
		base = "."
	}
	abs, err := w.resolve(branch, base)
	if err != nil {
		return nil, err
	}
	root := w.worktreeDir(branch)
	var out []FileInfo
	err = filepath.Walk(abs, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) && p == abs {
				return fault.NotFound("dir %q on %q", dir, branch)
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		out = append(out, FileInfo{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
