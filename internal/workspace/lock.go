package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/metalagman/deeprun/internal/fault"
)

// Lock provides an exclusive lock over one project workspace. The holder
// may mutate worktrees, refs and objects; everyone else gets
// WorkspaceLocked and retries.
type Lock struct {
	file *os.File
}

// AcquireLock blocks until the workspace lock is held.
func (w *Workspace) AcquireLock() (*Lock, error) {
	file, err := w.openLockFile()
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("lock workspace: %w", err)
	}
	return &Lock{file: file}, nil
}

// TryLock acquires the workspace lock without blocking. A busy lock is a
// transient WorkspaceLocked fault.
func (w *Workspace) TryLock() (*Lock, error) {
	file, err := w.openLockFile()
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = file.Close()
		return nil, fault.WorkspaceLocked("project %q workspace busy", w.projectID)
	}
	return &Lock{file: file}, nil
}

func (w *Workspace) openLockFile() (*os.File, error) {
	locksDir := filepath.Join(w.root, "locks")
	if err := os.MkdirAll(locksDir, 0o755); err != nil {
		return nil, fmt.Errorf("create locks dir: %w", err)
	}
	file, err := os.OpenFile(filepath.Join(locksDir, "workspace.lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return file, nil
}

// Release releases the lock.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = l.file.Close()
		return err
	}
	return l.file.Close()
}
