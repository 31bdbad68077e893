package git

import "errors"

const (
	// DefaultRemoteName is the remote the publisher pushes to
	DefaultRemoteName = "origin"

	// DefaultBranch is the branch the publisher commits to and pushes
	DefaultBranch = "master"

	// DefaultCommitMessage is the message used for every backup commit
	DefaultCommitMessage = "Update"

	// DefaultAuthorName is the commit author name when none is configured
	DefaultAuthorName = "dbgit-backup"

	// DefaultAuthorEmail is the commit author email when none is configured
	DefaultAuthorEmail = "dbgit-backup@localhost"
)

var (
	// ErrNothingToCommit is returned by Commit when the working tree matches HEAD
	ErrNothingToCommit = errors.New("nothing to commit, working tree clean")

	// ErrNotPrepared is returned when a publish step runs before Prepare
	ErrNotPrepared = errors.New("publisher is not prepared")

	// ErrNoRemote is returned by Prepare when the directory is not a repository and no remote is configured
	ErrNoRemote = errors.New("directory is not a git repository and no remote is configured")
)

// PublishConfig contains configuration for publishing a directory to a remote repository
type PublishConfig struct {
	// Dir is the working tree to publish
	Dir string

	// RemoteURL is the repository URL to push to (optional when Dir is already a repository with a remote)
	RemoteURL string

	// RemoteName is the name of the remote (defaults to "origin")
	RemoteName string

	// Branch is the branch to commit to and push (defaults to "master")
	Branch string

	// CommitMessage is the message of every commit (defaults to "Update")
	CommitMessage string

	// Author identifies the commit author
	Author AuthorConfig

	// Auth contains optional HTTP basic authentication credentials
	Auth *AuthConfig
}

// AuthorConfig identifies who commits
type AuthorConfig struct {
	Name  string
	Email string
}

// AuthConfig contains HTTP basic authentication credentials
type AuthConfig struct {
	Username string
	Password string
}

// withDefaults returns a copy of the config with empty fields defaulted
func (c PublishConfig) withDefaults() PublishConfig {
	if c.RemoteName == "" {
		c.RemoteName = DefaultRemoteName
	}
	if c.Branch == "" {
		c.Branch = DefaultBranch
	}
	if c.CommitMessage == "" {
		c.CommitMessage = DefaultCommitMessage
	}
	if c.Author.Name == "" {
		c.Author.Name = DefaultAuthorName
	}
	if c.Author.Email == "" {
		c.Author.Email = DefaultAuthorEmail
	}
	return c
}
