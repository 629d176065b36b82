package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/metalagman/deeprun/internal/canonical"
	"github.com/metalagman/deeprun/internal/fault"
)

// Commit is one immutable snapshot of a branch tree.
type Commit struct {
	Hash      string            `json:"hash"`
	Parent    string            `json:"parent,omitempty"`
	Branch    string            `json:"branch"`
	Subject   string            `json:"subject"`
	Author    string            `json:"author"`
	Timestamp time.Time         `json:"timestamp"`
	Tree      map[string]string `json:"tree"`
}

// commitBody is the hashed portion of a commit record: everything except
// the hash itself.
type commitBody struct {
	Parent    string            `json:"parent,omitempty"`
	Branch    string            `json:"branch"`
	Subject   string            `json:"subject"`
	Author    string            `json:"author"`
	Timestamp time.Time         `json:"timestamp"`
	Tree      map[string]string `json:"tree"`
}

// Commit snapshots the branch worktree. The subject must carry the owning
// run id in the structured form; a snapshot identical to the parent tree
// fails with EmptyCommit and no record is written.
func (w *Workspace) Commit(branch, subject, author string) (Commit, error) {
	if err := w.validBranch(branch); err != nil {
		return Commit{}, err
	}
	if !subjectPattern.MatchString(subject) {
		return Commit{}, fmt.Errorf("malformed commit subject %q", subject)
	}

	parent := ""
	var parentTree map[string]string
	if head, err := w.BranchHead(branch); err == nil {
		parent = head
		pc, err := w.LoadCommit(head)
		if err != nil {
			return Commit{}, err
		}
		parentTree = pc.Tree
	} else if !fault.Is(err, fault.CodeNotFound) {
		return Commit{}, err
	}

	tree, err := w.snapshotTree(branch)
	if err != nil {
		return Commit{}, err
	}
	if treesEqual(tree, parentTree) {
		return Commit{}, fault.EmptyCommit("no changes on %q", branch)
	}

	commit := Commit{
		Parent:    parent,
		Branch:    branch,
		Subject:   subject,
		Author:    author,
		Timestamp: time.Now().UTC(),
		Tree:      tree,
	}
	hash, err := canonical.Hash(commitBody{
		Parent:    commit.Parent,
		Branch:    commit.Branch,
		Subject:   commit.Subject,
		Author:    commit.Author,
		Timestamp: commit.Timestamp,
		Tree:      commit.Tree,
	})
	if err != nil {
		return Commit{}, fmt.Errorf("hash commit: %w", err)
	}
	commit.Hash = hash

	if err := w.storeCommit(commit); err != nil {
		return Commit{}, err
	}
	if err := w.writeRef(branch, commit.Hash); err != nil {
		return Commit{}, err
	}
	return commit, nil
}

// snapshotTree stores every worktree file as a blob and returns the
// path-to-hash map.
func (w *Workspace) snapshotTree(branch string) (map[string]string, error) {
	files, err := w.List(branch, "")
	if err != nil {
		if fault.Is(err, fault.CodeNotFound) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	tree := make(map[string]string, len(files))
	for _, f := range files {
		content, err := w.Read(branch, f.Path)
		if err != nil {
			return nil, err
		}
		hash, err := w.putObject(content)
		if err != nil {
			return nil, err
		}
		tree[f.Path] = hash
	}
	return tree, nil
}

func treesEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func (w *Workspace) commitPath(hash string) string {
	return filepath.Join(w.root, "commits", hash+".json")
}

func (w *Workspace) storeCommit(c Commit) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encode commit: %w", err)
	}
	tmp := w.commitPath(c.Hash) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write commit: %w", err)
	}
	if err := os.Rename(tmp, w.commitPath(c.Hash)); err != nil {
		return fmt.Errorf("publish commit: %w", err)
	}
	return nil
}

// LoadCommit reads one commit record by hash.
func (w *Workspace) LoadCommit(hash string) (Commit, error) {
	data, err := os.ReadFile(w.commitPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return Commit{}, fault.NotFound("commit %q", hash)
		}
		return Commit{}, fmt.Errorf("read commit: %w", err)
	}
	var c Commit
	if err := json.Unmarshal(data, &c); err != nil {
		return Commit{}, fmt.Errorf("decode commit %s: %w", hash, err)
	}
	return c, nil
}

// ListCommits walks the branch history newest first, up to limit entries
// (limit <= 0 walks everything).
func (w *Workspace) ListCommits(branch string, limit int) ([]Commit, error) {
	head, err := w.BranchHead(branch)
	if err != nil {
		return nil, err
	}
	var commits []Commit
	for hash := head; hash != ""; {
		c, err := w.LoadCommit(hash)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
		if limit > 0 && len(commits) >= limit {
			break
		}
		hash = c.Parent
	}
	return commits, nil
}

// BranchFrom creates a branch at the head of src and materializes its
// worktree. An existing target branch fails with AlreadyExists.
func (w *Workspace) BranchFrom(src, target string) (string, error) {
	if err := w.validBranch(target); err != nil {
		return "", err
	}
	if w.BranchExists(target) {
		return "", fault.AlreadyExists("branch %q already exists", target)
	}
	head, err := w.BranchHead(src)
	if err != nil {
		return "", err
	}
	if err := w.writeRef(target, head); err != nil {
		return "", err
	}
	if err := w.materialize(target, head); err != nil {
		return "", err
	}
	return head, nil
}

// ResetHard points the branch at commitHash and rebuilds the worktree to
// exactly that tree, discarding uncommitted changes.
func (w *Workspace) ResetHard(branch, commitHash string) error {
	if err := w.validBranch(branch); err != nil {
		return err
	}
	if _, err := w.LoadCommit(commitHash); err != nil {
		return err
	}
	if err := w.writeRef(branch, commitHash); err != nil {
		return err
	}
	return w.materialize(branch, commitHash)
}

// DeleteBranch drops the ref and worktree. The commit log and objects stay;
// other branches may reference them.
func (w *Workspace) DeleteBranch(branch string) error {
	if err := w.validBranch(branch); err != nil {
		return err
	}
	if branch == DefaultBranch {
		return fault.NotFound("refusing to delete %q", branch)
	}
	if err := os.Remove(w.refPath(branch)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete ref: %w", err)
	}
	if err := os.RemoveAll(w.worktreeDir(branch)); err != nil {
		return fmt.Errorf("delete worktree: %w", err)
	}
	return nil
}

// materialize rebuilds the branch worktree from a commit tree.
func (w *Workspace) materialize(branch, commitHash string) error {
	c, err := w.LoadCommit(commitHash)
	if err != nil {
		return err
	}
	dir := w.worktreeDir(branch)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear worktree: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create worktree: %w", err)
	}
	paths := make([]string, 0, len(c.Tree))
	for p := range c.Tree {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		content, err := w.getObject(c.Tree[p])
		if err != nil {
			return err
		}
		if err := w.Write(branch, p, content); err != nil {
			return err
		}
	}
	return nil
}
