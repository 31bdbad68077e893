package coordinator

import (
	"time"

	"github.com/stacklok/dbgit-backup/internal/backup"
)

// Phase is the lifecycle phase of a run
type Phase string

const (
	// PhaseIdle means no run is active
	PhaseIdle Phase = "idle"
	// PhaseClearing means the target directory is being emptied
	PhaseClearing Phase = "clearing"
	// PhaseBackingUp means the database is being dumped
	PhaseBackingUp Phase = "backing-up"
	// PhasePublishing means the dump is being committed and pushed
	PhasePublishing Phase = "publishing"
	// PhaseDone means the run finished successfully
	PhaseDone Phase = "done"
	// PhaseFailed means a phase returned an error
	PhaseFailed Phase = "failed"
)

// activePhases maps the coordinator's atomic state to phases.
// Index 0 is idle; terminal phases are never stored.
var activePhases = []Phase{PhaseIdle, PhaseClearing, PhaseBackingUp, PhasePublishing}

func (p Phase) state() int32 {
	for i, active := range activePhases {
		if active == p {
			return int32(i)
		}
	}
	return 0
}

// IsTerminal reports whether the phase ends a run
func (p Phase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// Transition records when a run entered a phase
type Transition struct {
	Phase Phase
	At    time.Time
}

// Run is a single execution of clear, backup and publish
type Run struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	Phase       Phase
	Transitions []Transition

	// FailedPhase is the phase that was active when the run failed
	FailedPhase Phase
	Err         error

	// Backup is the producer's summary, set once backing-up succeeds
	Backup *backup.Result

	// Commit is the hash of the pushed commit, empty when nothing changed
	Commit string
}

func newRun(id string, now time.Time) *Run {
	return &Run{
		ID:        id,
		StartedAt: now,
		Phase:     PhaseIdle,
	}
}

func (r *Run) enter(phase Phase, at time.Time) {
	r.Phase = phase
	r.Transitions = append(r.Transitions, Transition{Phase: phase, At: at})
}

func (r *Run) fail(err error, at time.Time) {
	r.FailedPhase = r.Phase
	r.Err = err
	r.FinishedAt = at
	r.enter(PhaseFailed, at)
}

func (r *Run) finish(at time.Time) {
	r.FinishedAt = at
	r.enter(PhaseDone, at)
}

// Duration returns how long the run took, or zero while it is active
func (r *Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Phases returns the phases the run went through, in order
func (r *Run) Phases() []Phase {
	phases := make([]Phase, 0, len(r.Transitions))
	for _, t := range r.Transitions {
		phases = append(phases, t.Phase)
	}
	return phases
}
