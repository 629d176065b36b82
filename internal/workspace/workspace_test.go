package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metalagman/deeprun/internal/fault"
)

func newTestWorkspace(t *testing.T) *Workspace {
	t.Helper()
	m := NewManager(t.TempDir())
	w, err := m.Open("proj-1")
	require.NoError(t, err)
	return w
}

func scaffold(t *testing.T, w *Workspace, files map[string]string) Commit {
	t.Helper()
	for path, content := range files {
		require.NoError(t, w.Write(DefaultBranch, path, []byte(content)))
	}
	c, err := w.Commit(DefaultBranch, ScaffoldSubject(w.ProjectID()), "system")
	require.NoError(t, err)
	return c
}

func TestCommitAndRead(t *testing.T) {
	t.Parallel()
	w := newTestWorkspace(t)

	c := scaffold(t, w, map[string]string{
		"src/app.ts":   "export const x = 1\n",
		"package.json": "{}\n",
	})
	assert.Len(t, c.Hash, 64)
	assert.Empty(t, c.Parent)
	assert.Len(t, c.Tree, 2)

	head, err := w.BranchHead(DefaultBranch)
	require.NoError(t, err)
	assert.Equal(t, c.Hash, head)

	content, err := w.Read(DefaultBranch, "src/app.ts")
	require.NoError(t, err)
	assert.Equal(t, "export const x = 1\n", string(content))
}

func TestEmptyCommitRejected(t *testing.T) {
	t.Parallel()
	w := newTestWorkspace(t)
	scaffold(t, w, map[string]string{"a.txt": "one\n"})

	_, err := w.Commit(DefaultBranch, ScaffoldSubject(w.ProjectID()), "system")
	require.True(t, fault.Is(err, fault.CodeEmptyCommit))

	// A workspace with no files at all cannot produce a first commit either.
	m := NewManager(t.TempDir())
	empty, err := m.Open("proj-2")
	require.NoError(t, err)
	_, err = empty.Commit(DefaultBranch, ScaffoldSubject("proj-2"), "system")
	require.True(t, fault.Is(err, fault.CodeEmptyCommit))
}

func TestCommitSubjectValidation(t *testing.T) {
	t.Parallel()
	w := newTestWorkspace(t)
	require.NoError(t, w.Write(DefaultBranch, "a.txt", []byte("x")))

	_, err := w.Commit(DefaultBranch, "fix stuff", "agent")
	require.Error(t, err)

	_, err = w.Commit(DefaultBranch, "step-1 (WriteFile) :: agentRunId=r1", "agent")
	require.Error(t, err, "tool names must be lower snake case")

	c, err := w.Commit(DefaultBranch, StepSubject(1, "write_file", "run-abc_123"), "agent")
	require.NoError(t, err)
	assert.Equal(t, "step-1 (write_file) :: agentRunId=run-abc_123", c.Subject)
}

func TestPathEscapeRejected(t *testing.T) {
	t.Parallel()
	w := newTestWorkspace(t)
	scaffold(t, w, map[string]string{"a.txt": "x"})

	for _, path := range []string{"../outside.txt", "/etc/passwd", "a/../../b", "", "src/../../x"} {
		_, err := w.Read(DefaultBranch, path)
		require.True(t, fault.Is(err, fault.CodePathEscape), "read %q", path)
		err = w.Write(DefaultBranch, path, []byte("x"))
		require.True(t, fault.Is(err, fault.CodePathEscape), "write %q", path)
	}

	// Interior dot-dot that still stays local is fine.
	require.NoError(t, w.Write(DefaultBranch, "src/sub/../app.ts", []byte("y")))
}

func TestBranchFromAndIsolation(t *testing.T) {
	t.Parallel()
	w := newTestWorkspace(t)
	base := scaffold(t, w, map[string]string{"a.txt": "base\n"})

	head, err := w.BranchFrom(DefaultBranch, RunBranch("r1"))
	require.NoError(t, err)
	assert.Equal(t, base.Hash, head)

	_, err = w.BranchFrom(DefaultBranch, RunBranch("r1"))
	require.True(t, fault.Is(err, fault.CodeAlreadyExists))

	// Writes on the run branch do not leak to main.
	require.NoError(t, w.Write(RunBranch("r1"), "a.txt", []byte("changed\n")))
	c, err := w.Commit(RunBranch("r1"), StepSubject(0, "write_file", "r1"), "agent")
	require.NoError(t, err)
	assert.Equal(t, base.Hash, c.Parent)

	mainContent, err := w.Read(DefaultBranch, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "base\n", string(mainContent))
}

func TestResetHardDiscardsLaterCommitsAndDirtyFiles(t *testing.T) {
	t.Parallel()
	w := newTestWorkspace(t)
	base := scaffold(t, w, map[string]string{"a.txt": "v1\n"})

	require.NoError(t, w.Write(DefaultBranch, "a.txt", []byte("v2\n")))
	require.NoError(t, w.Write(DefaultBranch, "b.txt", []byte("new\n")))
	_, err := w.Commit(DefaultBranch, ScaffoldSubject("proj-1"), "system")
	require.NoError(t, err)

	require.NoError(t, w.Write(DefaultBranch, "c.txt", []byte("dirty\n")))
	require.NoError(t, w.ResetHard(DefaultBranch, base.Hash))

	head, err := w.BranchHead(DefaultBranch)
	require.NoError(t, err)
	assert.Equal(t, base.Hash, head)

	content, err := w.Read(DefaultBranch, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "v1\n", string(content))

	_, err = w.Read(DefaultBranch, "b.txt")
	require.True(t, fault.Is(err, fault.CodeNotFound))
	_, err = w.Read(DefaultBranch, "c.txt")
	require.True(t, fault.Is(err, fault.CodeNotFound))

	err = w.ResetHard(DefaultBranch, "deadbeef")
	require.True(t, fault.Is(err, fault.CodeNotFound))
}

func TestListCommitsNewestFirst(t *testing.T) {
	t.Parallel()
	w := newTestWorkspace(t)
	first := scaffold(t, w, map[string]string{"a.txt": "1\n"})

	require.NoError(t, w.Write(DefaultBranch, "a.txt", []byte("2\n")))
	second, err := w.Commit(DefaultBranch, StepSubject(0, "write_file", "r1"), "agent")
	require.NoError(t, err)

	commits, err := w.ListCommits(DefaultBranch, 0)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, second.Hash, commits[0].Hash)
	assert.Equal(t, first.Hash, commits[1].Hash)

	limited, err := w.ListCommits(DefaultBranch, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, second.Hash, limited[0].Hash)
}

func TestDiffKindsAndHunks(t *testing.T) {
	t.Parallel()
	w := newTestWorkspace(t)
	first := scaffold(t, w, map[string]string{
		"keep.txt":   "same\n",
		"mod.txt":    "line1\nline2\nline3\n",
		"delete.txt": "gone\n",
	})

	require.NoError(t, w.Write(DefaultBranch, "mod.txt", []byte("line1\nchanged\nline3\n")))
	require.NoError(t, w.Delete(DefaultBranch, "delete.txt"))
	require.NoError(t, w.Write(DefaultBranch, "add.txt", []byte("fresh\n")))
	second, err := w.Commit(DefaultBranch, StepSubject(1, "write_file", "r1"), "agent")
	require.NoError(t, err)

	diffs, err := w.Diff(first.Hash, second.Hash)
	require.NoError(t, err)
	require.Len(t, diffs, 3)

	byPath := map[string]FileDiff{}
	for _, d := range diffs {
		byPath[d.Path] = d
	}
	assert.Equal(t, ChangeAdded, byPath["add.txt"].Change)
	assert.Equal(t, ChangeDeleted, byPath["delete.txt"].Change)
	assert.Equal(t, ChangeModified, byPath["mod.txt"].Change)
	assert.Contains(t, byPath["mod.txt"].Hunk, "-line2")
	assert.Contains(t, byPath["mod.txt"].Hunk, "+changed")
	assert.NotContains(t, byPath["mod.txt"].Hunk, "line1")
	assert.Equal(t, 6, byPath["add.txt"].NewBytes)
	assert.Equal(t, 5, byPath["delete.txt"].OldBytes)
}

func TestWorkspaceLock(t *testing.T) {
	t.Parallel()
	w := newTestWorkspace(t)

	lock, err := w.TryLock()
	require.NoError(t, err)

	_, err = w.TryLock()
	require.True(t, fault.Is(err, fault.CodeWorkspaceLocked))

	require.NoError(t, lock.Release())
	lock2, err := w.TryLock()
	require.NoError(t, err)
	require.NoError(t, lock2.Release())
}
