package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

//go:generate mockgen -destination=mocks/mock_publisher.go -package=mocks -source=publisher.go Publisher

// Publisher defines the Git operations used to publish the backup directory
type Publisher interface {
	// Prepare opens or initializes the repository in the configured directory
	Prepare(ctx context.Context) error

	// Stage adds every change in the working tree to the index
	Stage(ctx context.Context) error

	// Commit records the staged changes and returns the new commit hash.
	// Returns ErrNothingToCommit when there is nothing to record.
	Commit(ctx context.Context) (string, error)

	// Push pushes the branch to the remote
	Push(ctx context.Context) error
}

// defaultPublisher implements Publisher using go-git
type defaultPublisher struct {
	config PublishConfig

	mu   sync.Mutex
	repo *git.Repository
}

// NewPublisher creates a new go-git backed Publisher
func NewPublisher(config *PublishConfig) Publisher {
	return &defaultPublisher{
		config: config.withDefaults(),
	}
}

// Prepare opens or initializes the repository in the configured directory
func (p *defaultPublisher) Prepare(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	repo, err := git.PlainOpen(p.config.Dir)
	switch {
	case err == nil:
		if err := p.ensureRemote(repo); err != nil {
			return err
		}
	case errors.Is(err, git.ErrRepositoryNotExists):
		if p.config.RemoteURL == "" {
			return fmt.Errorf("%s: %w", p.config.Dir, ErrNoRemote)
		}
		repo, err = p.initialize(ctx)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("failed to open repository: %w", err)
	}

	p.repo = repo
	return nil
}

// ensureRemote makes sure an existing repository has the configured remote
func (p *defaultPublisher) ensureRemote(repo *git.Repository) error {
	remote, err := repo.Remote(p.config.RemoteName)
	if errors.Is(err, git.ErrRemoteNotFound) {
		if p.config.RemoteURL == "" {
			return fmt.Errorf("repository has no remote %q and none is configured", p.config.RemoteName)
		}
		return p.createRemote(repo)
	}
	if err != nil {
		return fmt.Errorf("failed to read remote %q: %w", p.config.RemoteName, err)
	}

	if p.config.RemoteURL == "" {
		return nil
	}

	urls := remote.Config().URLs
	if len(urls) > 0 && urls[0] == p.config.RemoteURL {
		return nil
	}

	slog.Warn("Replacing remote URL of existing repository",
		"remote", p.config.RemoteName,
		"previous", urls)
	if err := repo.DeleteRemote(p.config.RemoteName); err != nil {
		return fmt.Errorf("failed to remove remote %q: %w", p.config.RemoteName, err)
	}
	return p.createRemote(repo)
}

func (p *defaultPublisher) createRemote(repo *git.Repository) error {
	_, err := repo.CreateRemote(&gitconfig.RemoteConfig{
		Name: p.config.RemoteName,
		URLs: []string{p.config.RemoteURL},
	})
	if err != nil {
		return fmt.Errorf("failed to create remote %q: %w", p.config.RemoteName, err)
	}
	return nil
}

// initialize creates a repository in place and adopts the remote branch when it exists
func (p *defaultPublisher) initialize(ctx context.Context) (*git.Repository, error) {
	slog.Info("Initializing git repository", "directory", p.config.Dir)

	repo, err := git.PlainInit(p.config.Dir, false)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(p.config.Branch)
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branchRef)); err != nil {
		return nil, fmt.Errorf("failed to point HEAD at %s: %w", p.config.Branch, err)
	}

	if err := p.createRemote(repo); err != nil {
		return nil, err
	}

	remoteRef := plumbing.NewRemoteReferenceName(p.config.RemoteName, p.config.Branch)
	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: p.config.RemoteName,
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("+%s:%s", branchRef, remoteRef)),
		},
		Auth: p.auth(),
	})
	switch {
	case err == nil, errors.Is(err, git.NoErrAlreadyUpToDate):
	case errors.Is(err, transport.ErrEmptyRemoteRepository), errors.Is(err, git.NoMatchingRefSpecError{}):
		slog.Info("Remote has no history for branch, starting fresh",
			"remote", p.config.RemoteName,
			"branch", p.config.Branch)
		return repo, nil
	default:
		return nil, fmt.Errorf("failed to fetch %s from %s: %w", p.config.Branch, p.config.RemoteName, err)
	}

	ref, err := repo.Reference(remoteRef, true)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", remoteRef, err)
	}

	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, ref.Hash())); err != nil {
		return nil, fmt.Errorf("failed to create branch %s: %w", p.config.Branch, err)
	}

	workTree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}

	// Mixed reset updates the index only; the working tree is rewritten by the next run
	if err := workTree.Reset(&git.ResetOptions{Commit: ref.Hash(), Mode: git.MixedReset}); err != nil {
		return nil, fmt.Errorf("failed to reset index to %s: %w", ref.Hash(), err)
	}

	slog.Info("Adopted remote branch",
		"branch", p.config.Branch,
		"commit", ref.Hash().String())
	return repo, nil
}

// Stage adds every change in the working tree to the index, including deletions
func (p *defaultPublisher) Stage(_ context.Context) error {
	workTree, err := p.worktree()
	if err != nil {
		return err
	}

	if err := workTree.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return fmt.Errorf("failed to stage changes: %w", err)
	}

	status, err := workTree.Status()
	if err != nil {
		return fmt.Errorf("failed to read worktree status: %w", err)
	}

	for path, fileStatus := range status {
		if fileStatus.Worktree != git.Deleted {
			continue
		}
		if _, err := workTree.Remove(path); err != nil {
			return fmt.Errorf("failed to stage removal of %s: %w", path, err)
		}
	}

	return nil
}

// Commit records the staged changes with the configured message
func (p *defaultPublisher) Commit(_ context.Context) (string, error) {
	workTree, err := p.worktree()
	if err != nil {
		return "", err
	}

	status, err := workTree.Status()
	if err != nil {
		return "", fmt.Errorf("failed to read worktree status: %w", err)
	}
	if status.IsClean() {
		return "", ErrNothingToCommit
	}

	hash, err := workTree.Commit(p.config.CommitMessage, &git.CommitOptions{
		Author: &object.Signature{
			Name:  p.config.Author.Name,
			Email: p.config.Author.Email,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}

	slog.Debug("Created commit", "commit", hash.String(), "files", len(status))
	return hash.String(), nil
}

// Push pushes the configured branch to the remote
func (p *defaultPublisher) Push(ctx context.Context) error {
	repo, err := p.repository()
	if err != nil {
		return err
	}

	branchRef := plumbing.NewBranchReferenceName(p.config.Branch)
	err = repo.PushContext(ctx, &git.PushOptions{
		RemoteName: p.config.RemoteName,
		RefSpecs: []gitconfig.RefSpec{
			gitconfig.RefSpec(fmt.Sprintf("%s:%s", branchRef, branchRef)),
		},
		Auth: p.auth(),
	})
	if errors.Is(err, git.NoErrAlreadyUpToDate) {
		slog.Debug("Remote already up to date", "remote", p.config.RemoteName)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to push %s to %s: %w", p.config.Branch, p.config.RemoteName, err)
	}

	return nil
}

// auth returns the configured authentication method, or nil for anonymous access
func (p *defaultPublisher) auth() transport.AuthMethod {
	if p.config.Auth == nil || p.config.Auth.Username == "" {
		return nil
	}
	slog.Debug("Using Git HTTP Basic authentication", "username", p.config.Auth.Username)
	return &githttp.BasicAuth{
		Username: p.config.Auth.Username,
		Password: p.config.Auth.Password,
	}
}

func (p *defaultPublisher) repository() (*git.Repository, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.repo == nil {
		return nil, ErrNotPrepared
	}
	return p.repo, nil
}

func (p *defaultPublisher) worktree() (*git.Worktree, error) {
	repo, err := p.repository()
	if err != nil {
		return nil, err
	}

	workTree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to get worktree: %w", err)
	}
	return workTree, nil
}
