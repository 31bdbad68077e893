// Package git publishes the backup directory to a remote Git repository.
//
// This package implements a thin wrapper around the go-git library. The
// Publisher binds the target directory to a remote during Prepare and then
// exposes the three publish steps separately so the caller can sequence and
// log them:
//
//   - Stage: add every change in the working tree, including deletions
//   - Commit: record a commit with a fixed message
//   - Push: push the branch to the remote
//
// # Repository preparation
//
// When the directory is already a repository it is opened as is. Otherwise
// a repository is initialized in place, the remote is added and, when the
// remote already has the branch, the local branch is pointed at the fetched
// commit so later pushes fast-forward. Files in the working tree are left
// untouched.
//
// # Example Usage
//
//	publisher := git.NewPublisher(&git.PublishConfig{
//	    Dir:       "/var/backups/shop",
//	    RemoteURL: "https://github.com/example/shop-backup.git",
//	})
//	if err := publisher.Prepare(ctx); err != nil {
//	    return err
//	}
//	if err := publisher.Stage(ctx); err != nil {
//	    return err
//	}
//	if _, err := publisher.Commit(ctx); err != nil && !errors.Is(err, git.ErrNothingToCommit) {
//	    return err
//	}
//	return publisher.Push(ctx)
package git
