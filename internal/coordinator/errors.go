package coordinator

import (
	"errors"
	"fmt"
)

var (
	// ErrRunInProgress is returned by Trigger when a run is already active
	ErrRunInProgress = errors.New("backup run already in progress")

	// ErrAlreadyStarted is returned by Start when a schedule is already installed
	ErrAlreadyStarted = errors.New("coordinator already started")
)

// Publish steps reported by PublishError
const (
	StepStage  = "stage"
	StepCommit = "commit"
	StepPush   = "push"
)

// ClearError reports a failure to empty the target directory
type ClearError struct {
	Dir string
	Err error
}

func (e *ClearError) Error() string {
	return fmt.Sprintf("failed to clear %s: %v", e.Dir, e.Err)
}

func (e *ClearError) Unwrap() error {
	return e.Err
}

// BackupError reports a failure of the backup producer.
// Err is the producer's error, unchanged.
type BackupError struct {
	Engine string
	Err    error
}

func (e *BackupError) Error() string {
	return fmt.Sprintf("failed to back up %s database: %v", e.Engine, e.Err)
}

func (e *BackupError) Unwrap() error {
	return e.Err
}

// PublishError reports a failure while staging, committing or pushing
type PublishError struct {
	Step string
	Err  error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish (%s): %v", e.Step, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}
