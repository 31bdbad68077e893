package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/dbgit-backup/internal/backup"
	"github.com/stacklok/dbgit-backup/internal/git"
	"github.com/stacklok/dbgit-backup/internal/otel"
	"github.com/stacklok/dbgit-backup/internal/telemetry"
	"github.com/stacklok/dbgit-backup/internal/workspace"
)

//go:generate mockgen -destination=mocks/mock_coordinator.go -package=mocks -source=coordinator.go Coordinator

// Default per-phase timeouts
const (
	DefaultClearTimeout   = time.Minute
	DefaultBackupTimeout  = 30 * time.Minute
	DefaultPublishTimeout = 10 * time.Minute
)

// Coordinator runs clear, backup and publish in sequence, one run at a time
type Coordinator interface {
	// Trigger executes one run unless a run is already active.
	// It returns the finished run together with its error, or ErrRunInProgress
	// when the trigger was dropped.
	Trigger(ctx context.Context) (*Run, error)

	// Start runs once when sched is nil or immediate, returning that run's error.
	// Otherwise it installs sched and returns once the scheduler is running;
	// scheduled runs continue until ctx is cancelled or Stop is called.
	Start(ctx context.Context, sched *Schedule) error

	// Stop stops the scheduler and waits for an in-flight run to finish
	Stop(ctx context.Context) error

	// Phase reports the phase of the active run, or PhaseIdle
	Phase() Phase
}

// Timeouts bounds each phase of a run. Zero values fall back to the defaults.
type Timeouts struct {
	Clear   time.Duration
	Backup  time.Duration
	Publish time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Clear <= 0 {
		t.Clear = DefaultClearTimeout
	}
	if t.Backup <= 0 {
		t.Backup = DefaultBackupTimeout
	}
	if t.Publish <= 0 {
		t.Publish = DefaultPublishTimeout
	}
	return t
}

type defaultCoordinator struct {
	clearer   workspace.Clearer
	producer  backup.Producer
	publisher git.Publisher
	dir       string

	timeouts Timeouts
	logger   *slog.Logger
	metrics  *telemetry.RunMetrics
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string

	state atomic.Int32

	mu        sync.Mutex
	scheduler *cron.Cron
}

// Option is a function that configures the coordinator
type Option func(*defaultCoordinator)

// WithTimeouts sets the per-phase timeouts
func WithTimeouts(timeouts Timeouts) Option {
	return func(c *defaultCoordinator) {
		c.timeouts = timeouts.withDefaults()
	}
}

// WithLogger sets the logger runs are reported to
func WithLogger(logger *slog.Logger) Option {
	return func(c *defaultCoordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRunMetrics sets the run metrics for the coordinator
func WithRunMetrics(metrics *telemetry.RunMetrics) Option {
	return func(c *defaultCoordinator) {
		c.metrics = metrics
	}
}

// WithTracer sets the tracer used for run and phase spans
func WithTracer(tracer trace.Tracer) Option {
	return func(c *defaultCoordinator) {
		c.tracer = tracer
	}
}

// New creates a coordinator that backs up into dir
func New(
	clearer workspace.Clearer,
	producer backup.Producer,
	publisher git.Publisher,
	dir string,
	opts ...Option,
) Coordinator {
	c := &defaultCoordinator{
		clearer:   clearer,
		producer:  producer,
		publisher: publisher,
		dir:       dir,
		timeouts:  Timeouts{}.withDefaults(),
		logger:    slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Phase reports the phase of the active run
func (c *defaultCoordinator) Phase() Phase {
	return activePhases[c.state.Load()]
}

// phaseStep is one stage of the run pipeline
type phaseStep struct {
	phase   Phase
	timeout time.Duration
	run     func(ctx context.Context, run *Run, logger *slog.Logger) error
}

func (c *defaultCoordinator) steps() []phaseStep {
	return []phaseStep{
		{phase: PhaseClearing, timeout: c.timeouts.Clear, run: c.clear},
		{phase: PhaseBackingUp, timeout: c.timeouts.Backup, run: c.backup},
		{phase: PhasePublishing, timeout: c.timeouts.Publish, run: c.publish},
	}
}

// Trigger executes one run unless a run is already active
func (c *defaultCoordinator) Trigger(ctx context.Context) (*Run, error) {
	if !c.state.CompareAndSwap(PhaseIdle.state(), PhaseClearing.state()) {
		c.logger.DebugContext(ctx, "Backup already in progress, dropping trigger", "phase", c.Phase())
		c.metrics.RecordDropped(ctx)
		return nil, ErrRunInProgress
	}
	defer c.state.Store(PhaseIdle.state())

	run := newRun(c.newID(), c.now())
	logger := c.logger.With("run_id", run.ID)

	ctx, span := otel.StartSpan(ctx, c.tracer, "backup.run",
		trace.WithAttributes(otel.AttrRunID.String(run.ID)),
	)
	defer span.End()

	logger.InfoContext(ctx, "Starting backup", "dir", c.dir, "engine", c.producer.Engine())

	for _, step := range c.steps() {
		if err := c.execute(ctx, run, logger, step); err != nil {
			run.fail(err, c.now())
			otel.RecordError(span, err)
			span.SetAttributes(otel.AttrRunPhase.String(string(run.FailedPhase)))
			c.metrics.RecordRun(ctx, run.Duration(), string(run.FailedPhase))
			logger.ErrorContext(ctx, "Backup failed",
				"phase", run.Phase,
				"failed_phase", run.FailedPhase,
				"duration", run.Duration(),
				"error", err,
			)
			return run, err
		}
	}

	run.finish(c.now())
	span.SetAttributes(otel.AttrRunPhase.String(string(run.Phase)))
	c.metrics.RecordRun(ctx, run.Duration(), "")
	logger.InfoContext(ctx, "Backup finished", "phase", run.Phase, "duration", run.Duration())

	return run, nil
}

// execute runs one phase under its own timeout
func (c *defaultCoordinator) execute(ctx context.Context, run *Run, logger *slog.Logger, step phaseStep) error {
	c.state.Store(step.phase.state())
	run.enter(step.phase, c.now())
	logger.DebugContext(ctx, "Entering phase", "phase", step.phase)

	phaseCtx, cancel := context.WithTimeout(ctx, step.timeout)
	defer cancel()

	phaseCtx, span := otel.StartSpan(phaseCtx, c.tracer, "backup."+string(step.phase),
		trace.WithAttributes(
			otel.AttrRunID.String(run.ID),
			otel.AttrRunPhase.String(string(step.phase)),
		),
	)
	defer span.End()

	start := time.Now()
	err := step.run(phaseCtx, run, logger)
	c.metrics.RecordPhase(ctx, string(step.phase), time.Since(start), err == nil)
	otel.RecordError(span, err)

	return err
}

func (c *defaultCoordinator) clear(ctx context.Context, _ *Run, logger *slog.Logger) error {
	logger.InfoContext(ctx, "Deleting existing files...")
	if err := c.clearer.Clear(ctx, c.dir); err != nil {
		return &ClearError{Dir: c.dir, Err: wrapTimeout(ctx, err, c.timeouts.Clear)}
	}
	return nil
}

func (c *defaultCoordinator) backup(ctx context.Context, run *Run, logger *slog.Logger) error {
	logger.InfoContext(ctx, "Backing up data...")
	result, err := c.producer.Backup(ctx, c.dir)
	if err != nil {
		return &BackupError{Engine: c.producer.Engine(), Err: wrapTimeout(ctx, err, c.timeouts.Backup)}
	}

	run.Backup = result
	if result != nil {
		c.metrics.RecordBackup(ctx, result.Engine, result.Records)
		trace.SpanFromContext(ctx).SetAttributes(
			otel.AttrBackupEngine.String(result.Engine),
			otel.AttrBackupRecords.Int64(result.Records),
			otel.AttrBackupDatabases.StringSlice(result.Databases),
		)
		logger.InfoContext(ctx, "Backup successful",
			"databases", result.Databases,
			"collections", result.Collections,
			"records", result.Records,
		)
	} else {
		logger.InfoContext(ctx, "Backup successful")
	}
	return nil
}

func (c *defaultCoordinator) publish(ctx context.Context, run *Run, logger *slog.Logger) error {
	span := trace.SpanFromContext(ctx)

	logger.InfoContext(ctx, "Adding to Git...")
	span.AddEvent(StepStage)
	if err := c.publisher.Stage(ctx); err != nil {
		return &PublishError{Step: StepStage, Err: wrapTimeout(ctx, err, c.timeouts.Publish)}
	}

	logger.InfoContext(ctx, "Committing...")
	span.AddEvent(StepCommit)
	hash, err := c.publisher.Commit(ctx)
	if errors.Is(err, git.ErrNothingToCommit) {
		logger.InfoContext(ctx, "No changes since last backup, skipping push")
		return nil
	}
	if err != nil {
		return &PublishError{Step: StepCommit, Err: wrapTimeout(ctx, err, c.timeouts.Publish)}
	}
	run.Commit = hash
	span.SetAttributes(otel.AttrGitCommit.String(hash))

	logger.InfoContext(ctx, "Pushing...")
	span.AddEvent(StepPush)
	if err := c.publisher.Push(ctx); err != nil {
		return &PublishError{Step: StepPush, Err: wrapTimeout(ctx, err, c.timeouts.Publish)}
	}

	logger.InfoContext(ctx, "Pushed to Git", "commit", hash)
	return nil
}

// wrapTimeout marks err as a timeout when the phase deadline has passed,
// so callers can match it with errors.Is(err, context.DeadlineExceeded).
func wrapTimeout(ctx context.Context, err error, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("timed out after %s: %w: %w", timeout, context.DeadlineExceeded, err)
	}
	return err
}

// Start runs once or installs the schedule
func (c *defaultCoordinator) Start(ctx context.Context, sched *Schedule) error {
	if sched == nil || sched.Immediate {
		c.logger.InfoContext(ctx, "Running backup immediately")
		_, err := c.Trigger(ctx)
		return err
	}

	if sched.spec == nil {
		return fmt.Errorf("schedule %q was not parsed", sched.Expression)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.scheduler != nil {
		return ErrAlreadyStarted
	}

	cronLogger := logr.FromSlogHandler(c.logger.Handler()).V(1).WithName("cron")
	scheduler := cron.New(
		cron.WithLocation(sched.Location),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger)),
	)
	scheduler.Schedule(sched.spec, cron.FuncJob(func() {
		// errors are already logged by Trigger; dropped triggers are expected
		_, _ = c.Trigger(ctx)
	}))
	scheduler.Start()
	c.scheduler = scheduler

	c.logger.InfoContext(ctx, "Scheduled backups",
		"cron", sched.Expression,
		"timezone", sched.Location.String(),
		"next_run", sched.Next(c.now()),
	)

	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			scheduler.Stop()
		}()
	}

	return nil
}

// Stop stops the scheduler and waits for the in-flight run
func (c *defaultCoordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	scheduler := c.scheduler
	c.mu.Unlock()

	if scheduler == nil {
		return nil
	}

	c.logger.InfoContext(ctx, "Stopping backup scheduler")
	select {
	case <-scheduler.Stop().Done():
		c.logger.InfoContext(ctx, "Backup scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight backup: %w", ctx.Err())
	}
}
