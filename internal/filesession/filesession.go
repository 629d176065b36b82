// Package filesession implements the per-step transaction over a project
// branch. A step stages changes, validates them against its budgets,
// applies them to the branch worktree and commits them as one snapshot.
// Any failure before the commit leaves the branch byte-identical to the
// head recorded at BeginStep; rollback is an explicit branch, not a panic.
package filesession

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/metalagman/deeprun/internal/fault"
	"github.com/metalagman/deeprun/internal/workspace"
)

// Limits are the per-step budgets from the execution contract.
type Limits struct {
	MaxFilesPerStep   int
	MaxTotalDiffBytes int
	MaxFileBytes      int
	AllowEnvMutation  bool
}

// Scope narrows where a corrective step may write. Prefixes are plain path
// prefixes unless they carry glob metacharacters, in which case they match
// as doublestar patterns. MaxFiles and MaxTotalDiffBytes of zero defer to
// the session limits.
type Scope struct {
	MaxFiles            int
	MaxTotalDiffBytes   int
	AllowedPathPrefixes []string
}

func (s *Scope) allows(p string) bool {
	if s == nil || len(s.AllowedPathPrefixes) == 0 {
		return true
	}
	for _, prefix := range s.AllowedPathPrefixes {
		if strings.ContainsAny(prefix, "*?[{") {
			if ok, err := doublestar.Match(prefix, p); err == nil && ok {
				return true
			}
			continue
		}
		if p == strings.TrimSuffix(prefix, "/") || strings.HasPrefix(p, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

// ChangeType classifies one staged change.
type ChangeType string

const (
	ChangeCreate ChangeType = "create"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change is one staged file mutation. Updates carry the expected hash of
// the current content; a mismatch is a stale optimistic lock.
type Change struct {
	Path           string     `json:"path"`
	Type           ChangeType `json:"type"`
	NewContent     []byte     `json:"newContent,omitempty"`
	OldContentHash string     `json:"oldContentHash,omitempty"`
}

// HashContent returns the lowercase hex SHA-256 of content, the hash form
// used for optimistic locking.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Session is a sequence of step transactions over one branch.
type Session struct {
	ws        *workspace.Workspace
	branch    string
	limits    Limits
	step      *stepState
	committed []workspace.FileDiff
}

type stepState struct {
	id        string
	index     int
	scope     *Scope
	beginHead string
	changes   []Change
	applied   bool
}

// New opens a session over an existing branch.
func New(ws *workspace.Workspace, branch string, limits Limits) (*Session, error) {
	if !ws.BranchExists(branch) {
		return nil, fault.NotFound("branch %q", branch)
	}
	return &Session{ws: ws, branch: branch, limits: limits}, nil
}

// Branch returns the branch this session operates on.
func (s *Session) Branch() string { return s.branch }

// BeginStep opens the step transaction and records the head to roll back
// to. A still-open step must be committed or aborted first.
func (s *Session) BeginStep(stepID string, stepIndex int, scope *Scope) error {
	if s.step != nil {
		return fmt.Errorf("step %q still open", s.step.id)
	}
	head, err := s.ws.BranchHead(s.branch)
	if err != nil {
		return err
	}
	s.step = &stepState{id: stepID, index: stepIndex, scope: scope, beginHead: head}
	return nil
}

// StageChange records one mutation for the open step. Nothing touches the
// branch until ApplyStepChanges; staging failures are cheap to discard.
func (s *Session) StageChange(change Change) error {
	if s.step == nil {
		return fmt.Errorf("no open step")
	}
	if err := workspace.ValidatePath(change.Path); err != nil {
		return err
	}
	if isEnvFile(change.Path) && !s.limits.AllowEnvMutation {
		return fault.CorrectionConstraint("env mutation of %q is not allowed", change.Path)
	}
	if !s.step.scope.allows(change.Path) {
		return fault.CorrectionConstraint("path %q outside allowed prefixes", change.Path)
	}

	switch change.Type {
	case ChangeCreate:
		if _, err := s.ws.Stat(s.branch, change.Path); err == nil {
			return fault.AlreadyExists("file %q already exists", change.Path)
		} else if !fault.Is(err, fault.CodeNotFound) {
			return err
		}
	case ChangeUpdate:
		if change.OldContentHash == "" {
			return fmt.Errorf("update of %q requires oldContentHash", change.Path)
		}
		if err := s.checkCurrentHash(change.Path, change.OldContentHash); err != nil {
			return err
		}
	case ChangeDelete:
		if _, err := s.ws.Stat(s.branch, change.Path); err != nil {
			return err
		}
		if change.OldContentHash != "" {
			if err := s.checkCurrentHash(change.Path, change.OldContentHash); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unknown change type %q", change.Type)
	}

	if change.Type != ChangeDelete && len(change.NewContent) > s.limits.MaxFileBytes {
		return fault.StepBudgetExceeded("file %q is %d bytes, limit %d",
			change.Path, len(change.NewContent), s.limits.MaxFileBytes)
	}

	for _, staged := range s.step.changes {
		if staged.Path == change.Path {
			return fault.AlreadyExists("path %q already staged in this step", change.Path)
		}
	}
	s.step.changes = append(s.step.changes, change)
	return nil
}

func (s *Session) checkCurrentHash(p, expected string) error {
	content, err := s.ws.Read(s.branch, p)
	if err != nil {
		return err
	}
	if HashContent(content) != expected {
		return fault.StaleOptimisticLock("file %q changed since it was read", p)
	}
	return nil
}

// ValidateStep re-checks the whole staged set against the step budgets and
// scope before anything is written.
func (s *Session) ValidateStep() error {
	if s.step == nil {
		return fmt.Errorf("no open step")
	}
	maxFiles := s.limits.MaxFilesPerStep
	if s.step.scope != nil && s.step.scope.MaxFiles > 0 && s.step.scope.MaxFiles < maxFiles {
		maxFiles = s.step.scope.MaxFiles
	}
	maxBytes := s.limits.MaxTotalDiffBytes
	if s.step.scope != nil && s.step.scope.MaxTotalDiffBytes > 0 && s.step.scope.MaxTotalDiffBytes < maxBytes {
		maxBytes = s.step.scope.MaxTotalDiffBytes
	}

	if len(s.step.changes) > maxFiles {
		return fault.StepBudgetExceeded("%d files staged, limit %d", len(s.step.changes), maxFiles)
	}
	total := 0
	for _, change := range s.step.changes {
		if err := workspace.ValidatePath(change.Path); err != nil {
			return err
		}
		if !s.step.scope.allows(change.Path) {
			return fault.CorrectionConstraint("path %q outside allowed prefixes", change.Path)
		}
		total += len(change.NewContent)
	}
	if total > maxBytes {
		return fault.StepBudgetExceeded("%d staged bytes, limit %d", total, maxBytes)
	}
	return nil
}

// ApplyStepChanges writes the staged set to the branch worktree. Update
// hashes are re-verified first so a concurrent mutation between staging
// and apply still surfaces as a stale lock instead of a lost write.
func (s *Session) ApplyStepChanges() error {
	if s.step == nil {
		return fmt.Errorf("no open step")
	}
	for _, change := range s.step.changes {
		if change.Type == ChangeUpdate {
			if err := s.checkCurrentHash(change.Path, change.OldContentHash); err != nil {
				return err
			}
		}
	}
	for _, change := range s.step.changes {
		switch change.Type {
		case ChangeCreate, ChangeUpdate:
			if err := s.ws.Write(s.branch, change.Path, change.NewContent); err != nil {
				return err
			}
		case ChangeDelete:
			if err := s.ws.Delete(s.branch, change.Path); err != nil {
				return err
			}
		}
	}
	s.step.applied = true
	return nil
}

// CommitParams names the owning run for the structured commit subject.
type CommitParams struct {
	AgentRunID string
	StepIndex  int
	Tool       string
	Summary    string
}

// CommitStep snapshots the applied changes as one commit and closes the
// step. The commit subject is the structured step form; tooling parses it.
func (s *Session) CommitStep(p CommitParams) (string, error) {
	if s.step == nil {
		return "", fmt.Errorf("no open step")
	}
	if !s.step.applied {
		return "", fmt.Errorf("step %q not applied", s.step.id)
	}
	subject := workspace.StepSubject(p.StepIndex, p.Tool, p.AgentRunID)
	commit, err := s.ws.Commit(s.branch, subject, "agent")
	if err != nil {
		return "", err
	}
	var diffs []workspace.FileDiff
	if commit.Parent != "" {
		diffs, err = s.ws.Diff(commit.Parent, commit.Hash)
		if err != nil {
			return "", err
		}
	}
	s.step = nil
	s.committed = diffs
	return commit.Hash, nil
}

// AbortStep rolls the branch back to the head recorded at BeginStep and
// closes the step. Safe to call whether or not changes were applied.
func (s *Session) AbortStep() error {
	if s.step == nil {
		return nil
	}
	head := s.step.beginHead
	s.step = nil
	if head == "" {
		return nil
	}
	return s.ws.ResetHard(s.branch, head)
}

// LastCommittedDiffs returns the diffs of the most recently committed step.
func (s *Session) LastCommittedDiffs() []workspace.FileDiff {
	return s.committed
}

func isEnvFile(p string) bool {
	base := path.Base(p)
	return base == ".env" || strings.HasPrefix(base, ".env.")
}
