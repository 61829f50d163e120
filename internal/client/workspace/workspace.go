package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/divio/divio-sync/internal/utils"
	"github.com/gofrs/flock"
)

const (
	metadataDir = ".divio"
	lockFile    = "sync.lock"
	markerFile  = "site.json"
	mirrorFile  = "remote.bundle"
)

var (
	ErrWorkspaceLocked = errors.New("workspace locked by another sync session")
	ErrStaleLock       = errors.New("workspace has a stale sync lock")
)

// Workspace is a local project directory bound to a remote site
type Workspace struct {
	Root        string
	MetadataDir string
	LockPath    string
	MarkerPath  string
	MirrorPath  string

	flock *flock.Flock
	mu    sync.Mutex
}

func NewWorkspace(rootDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	meta := filepath.Join(root, metadataDir)
	lockPath := filepath.Join(meta, lockFile)

	return &Workspace{
		Root:        root,
		MetadataDir: meta,
		LockPath:    lockPath,
		MarkerPath:  filepath.Join(meta, markerFile),
		MirrorPath:  filepath.Join(meta, mirrorFile),
		flock:       flock.New(lockPath),
	}, nil
}

// Lock claims the workspace for a single sync session.
// The lock is a zero-byte marker created exclusively and held with an advisory lock.
// A marker nobody holds is stale: ErrStaleLock is returned unless force is set.
// A marker held by a live session always yields ErrWorkspaceLocked.
func (w *Workspace) Lock(force bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.flock.Locked() {
		return nil
	}

	if err := utils.EnsureDir(w.MetadataDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.MetadataDir, err)
	}

	f, err := os.OpenFile(w.LockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	stale := false
	switch {
	case err == nil:
		f.Close()
	case errors.Is(err, os.ErrExist):
		stale = true
	default:
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}

	if stale {
		if !force {
			w.flock.Unlock()
			return ErrStaleLock
		}
		slog.Warn("workspace overriding stale lock", "path", w.LockPath)
	}

	return nil
}

// Unlock releases the lock and removes the marker. Safe to call more than once.
func (w *Workspace) Unlock() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// if this session hasn't locked the workspace, then don't delete the lock file
	if !w.flock.Locked() {
		return nil
	}

	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}

	if err := os.Remove(w.LockPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// ForceUnlock removes a lock marker left behind by a crashed session
func (w *Workspace) ForceUnlock() error {
	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to probe lock: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}
	return w.Unlock()
}

// IsLocked reports whether a lock marker exists
func (w *Workspace) IsLocked() bool {
	return utils.PathExists(w.LockPath)
}

// AbsPath returns the absolute path of a workspace relative path
func (w *Workspace) AbsPath(relPath string) string {
	return filepath.Join(w.Root, filepath.FromSlash(relPath))
}

// RelPath returns the normalized path of absPath relative to the workspace root
func (w *Workspace) RelPath(absPath string) (string, error) {
	relPath, err := filepath.Rel(w.Root, absPath)
	if err != nil {
		return "", err
	}
	return utils.NormPath(relPath), nil
}
