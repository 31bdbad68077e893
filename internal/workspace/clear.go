// Package workspace manages the contents of the backup target directory between runs.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

//go:generate mockgen -destination=mocks/mock_clearer.go -package=mocks -source=clear.go Clearer

// ErrNotDirectory is returned when the path to clear exists but is not a directory
var ErrNotDirectory = errors.New("not a directory")

// Clearer removes the contents of a directory ahead of a fresh backup
type Clearer interface {
	// Clear removes every non-reserved entry directly under dir.
	// The directory itself is kept.
	Clear(ctx context.Context, dir string) error
}

// fsClearer implements Clearer on top of a billy filesystem
type fsClearer struct {
	fs billy.Filesystem
	// hostPaths makes relative paths resolve against the working directory
	hostPaths bool
}

// NewClearer creates a Clearer operating on the host filesystem
func NewClearer() Clearer {
	return &fsClearer{fs: osfs.New("/"), hostPaths: true}
}

// NewFilesystemClearer creates a Clearer operating on the given filesystem.
// Paths passed to Clear are resolved relative to the filesystem root.
func NewFilesystemClearer(fs billy.Filesystem) Clearer {
	return &fsClearer{fs: fs}
}

// IsReserved reports whether a top-level entry of the target directory must survive a clear.
// Hidden entries hold version control metadata (.git, .gitignore) and the process lock.
func IsReserved(name string) bool {
	return strings.HasPrefix(name, ".")
}

// Clear removes every non-reserved entry directly under dir
func (c *fsClearer) Clear(ctx context.Context, dir string) error {
	if dir == "" {
		return fmt.Errorf("directory is required")
	}

	path := dir
	if c.hostPaths && !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("failed to resolve directory %s: %w", dir, err)
		}
		path = abs
	}

	info, err := c.fs.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %w", dir, ErrNotDirectory)
	}

	entries, err := c.fs.ReadDir(path)
	if err != nil {
		return fmt.Errorf("failed to list directory %s: %w", dir, err)
	}

	removed := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if IsReserved(entry.Name()) {
			continue
		}

		target := c.fs.Join(path, entry.Name())
		slog.Debug("Removing entry", "path", target)
		if err := util.RemoveAll(c.fs, target); err != nil {
			return fmt.Errorf("failed to remove %s: %w", target, err)
		}
		removed++
	}

	slog.Debug("Cleared directory", "directory", dir, "removed", removed)
	return nil
}
