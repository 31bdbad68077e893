// Package lock provides an advisory file lock that keeps two processes from
// driving the same backup directory at once.
package lock

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

const (
	// gitDir is where the lock file is kept when the directory is a repository
	gitDir = ".git"

	// fileName is the lock file name inside the .git directory
	fileName = "dbgit-backup.lock"

	// fallbackFileName is used when the directory has no .git directory
	fallbackFileName = ".dbgit-backup.lock"
)

// ErrLocked is returned when another process holds the lock
var ErrLocked = errors.New("backup directory is locked by another process")

// DirLock is an exclusive advisory lock on a backup directory
type DirLock struct {
	flock *flock.Flock
}

// Path returns the location of the lock file for dir.
// The file is kept out of the working tree so it is neither cleared nor committed.
func Path(dir string) string {
	if info, err := os.Stat(filepath.Join(dir, gitDir)); err == nil && info.IsDir() {
		return filepath.Join(dir, gitDir, fileName)
	}
	return filepath.Join(dir, fallbackFileName)
}

// Acquire takes the lock for dir without blocking.
// Returns ErrLocked when another process already holds it.
func Acquire(dir string) (*DirLock, error) {
	path := Path(dir)
	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	slog.Debug("Acquired directory lock", "path", path)
	return &DirLock{flock: fl}, nil
}

// Path returns the lock file path
func (l *DirLock) Path() string {
	return l.flock.Path()
}

// Release gives up the lock. The lock file itself is left in place.
func (l *DirLock) Release() error {
	if l == nil || l.flock == nil {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.flock.Path(), err)
	}
	slog.Debug("Released directory lock", "path", l.flock.Path())
	return nil
}
