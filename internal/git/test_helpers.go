package git

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// TestRepoConfig contains configuration for creating a test repository
type TestRepoConfig struct {
	Files  map[string]string // Map of filename to content
	Author *object.Signature // Author for commits (uses default if nil)
}

// CreateBareRemote creates an empty bare repository usable as a push target
func CreateBareRemote(t *testing.T) string {
	t.Helper()

	remoteDir := t.TempDir()
	if _, err := git.PlainInit(remoteDir, true); err != nil {
		t.Fatalf("Failed to init bare repository: %v", err)
	}
	return remoteDir
}

// CreateSeededRemote creates a bare repository whose master branch holds one commit with the given files
func CreateSeededRemote(t *testing.T, config TestRepoConfig) (string, plumbing.Hash) {
	t.Helper()

	sourceDir := CreateTestRepo(t, config)

	remoteDir := t.TempDir()
	repo, err := git.PlainClone(remoteDir, true, &git.CloneOptions{URL: sourceDir})
	if err != nil {
		t.Fatalf("Failed to clone seed repository: %v", err)
	}

	head, err := repo.Head()
	if err != nil {
		t.Fatalf("Failed to resolve seeded HEAD: %v", err)
	}
	return remoteDir, head.Hash()
}

// CreateTestRepo creates a temporary non-bare repository with the specified files in a single commit
func CreateTestRepo(t *testing.T, config TestRepoConfig) string {
	t.Helper()

	repoDir := t.TempDir()

	repo, err := git.PlainInit(repoDir, false)
	if err != nil {
		t.Fatalf("Failed to init repository: %v", err)
	}

	workTree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Failed to get worktree: %v", err)
	}

	// Use default author if not provided
	author := config.Author
	if author == nil {
		author = &object.Signature{
			Name:  "Test Author",
			Email: "test@example.com",
		}
	}

	for filename, content := range config.Files {
		filePath := filepath.Join(repoDir, filename)

		if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
			t.Fatalf("Failed to create directory for %s: %v", filename, err)
		}

		if err := os.WriteFile(filePath, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write file %s: %v", filename, err)
		}

		if _, err := workTree.Add(filename); err != nil {
			t.Fatalf("Failed to add file %s: %v", filename, err)
		}
	}

	if _, err := workTree.Commit("Initial commit", &git.CommitOptions{Author: author}); err != nil {
		t.Fatalf("Failed to commit: %v", err)
	}

	return repoDir
}

// ReadRemoteFile returns the content of a file at the tip of a branch in a repository
func ReadRemoteFile(t *testing.T, repoDir, branch, path string) (string, bool) {
	t.Helper()

	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		t.Fatalf("Failed to open repository %s: %v", repoDir, err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		t.Fatalf("Failed to resolve branch %s: %v", branch, err)
	}

	commit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		t.Fatalf("Failed to get commit object: %v", err)
	}

	file, err := commit.File(path)
	if err != nil {
		return "", false
	}

	content, err := file.Contents()
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	return content, true
}

// CommitCount returns the number of commits reachable from the tip of a branch
func CommitCount(t *testing.T, repoDir, branch string) int {
	t.Helper()

	repo, err := git.PlainOpen(repoDir)
	if err != nil {
		t.Fatalf("Failed to open repository %s: %v", repoDir, err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		t.Fatalf("Failed to resolve branch %s: %v", branch, err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}

	count := 0
	_ = iter.ForEach(func(*object.Commit) error {
		count++
		return nil
	})
	return count
}
