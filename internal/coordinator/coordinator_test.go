package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/dbgit-backup/internal/backup"
	backupmocks "github.com/stacklok/dbgit-backup/internal/backup/mocks"
	"github.com/stacklok/dbgit-backup/internal/git"
	gitmocks "github.com/stacklok/dbgit-backup/internal/git/mocks"
	"github.com/stacklok/dbgit-backup/internal/telemetry"
	workspacemocks "github.com/stacklok/dbgit-backup/internal/workspace/mocks"
)

const testDir = "/srv/backup"

// recordingHandler keeps every log message in the order it was handled
type recordingHandler struct {
	mu       *sync.Mutex
	messages *[]string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{mu: &sync.Mutex{}, messages: &[]string{}}
}

func (*recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.messages = append(*h.messages, r.Message)
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) Messages() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), *h.messages...)
}

type testFixture struct {
	clearer   *workspacemocks.MockClearer
	producer  *backupmocks.MockProducer
	publisher *gitmocks.MockPublisher
	logs      *recordingHandler
}

func newTestCoordinator(t *testing.T, opts ...Option) (*defaultCoordinator, *testFixture) {
	t.Helper()

	ctrl := gomock.NewController(t)
	f := &testFixture{
		clearer:   workspacemocks.NewMockClearer(ctrl),
		producer:  backupmocks.NewMockProducer(ctrl),
		publisher: gitmocks.NewMockPublisher(ctrl),
		logs:      newRecordingHandler(),
	}
	f.producer.EXPECT().Engine().Return(backup.EnginePostgres).AnyTimes()

	opts = append([]Option{WithLogger(slog.New(f.logs))}, opts...)
	c := New(f.clearer, f.producer, f.publisher, testDir, opts...).(*defaultCoordinator)
	return c, f
}

func testResult() *backup.Result {
	return &backup.Result{
		Engine:      backup.EnginePostgres,
		Databases:   []string{"app"},
		Collections: 3,
		Records:     42,
	}
}

// expectSuccessfulRun registers one full run in order
func (f *testFixture) expectSuccessfulRun() {
	gomock.InOrder(
		f.clearer.EXPECT().Clear(gomock.Any(), testDir).Return(nil),
		f.producer.EXPECT().Backup(gomock.Any(), testDir).Return(testResult(), nil),
		f.publisher.EXPECT().Stage(gomock.Any()).Return(nil),
		f.publisher.EXPECT().Commit(gomock.Any()).Return("abc123", nil),
		f.publisher.EXPECT().Push(gomock.Any()).Return(nil),
	)
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator(t)

	assert.Equal(t, DefaultClearTimeout, c.timeouts.Clear)
	assert.Equal(t, DefaultBackupTimeout, c.timeouts.Backup)
	assert.Equal(t, DefaultPublishTimeout, c.timeouts.Publish)
	assert.Equal(t, PhaseIdle, c.Phase())
	assert.Nil(t, c.metrics)
	assert.Nil(t, c.tracer)
}

func TestWithTimeouts_FillsDefaults(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator(t, WithTimeouts(Timeouts{Backup: time.Hour}))

	assert.Equal(t, DefaultClearTimeout, c.timeouts.Clear)
	assert.Equal(t, time.Hour, c.timeouts.Backup)
	assert.Equal(t, DefaultPublishTimeout, c.timeouts.Publish)
}

func TestTrigger_Success(t *testing.T) {
	t.Parallel()

	c, f := newTestCoordinator(t)
	f.expectSuccessfulRun()

	run, err := c.Trigger(context.Background())
	require.NoError(t, err)
	require.NotNil(t, run)

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, PhaseDone, run.Phase)
	assert.Equal(t, []Phase{PhaseClearing, PhaseBackingUp, PhasePublishing, PhaseDone}, run.Phases())
	assert.Equal(t, "abc123", run.Commit)
	assert.Equal(t, testResult(), run.Backup)
	assert.Empty(t, run.FailedPhase)
	assert.NoError(t, run.Err)
	assert.False(t, run.FinishedAt.Before(run.StartedAt))
	assert.Equal(t, PhaseIdle, c.Phase())

	for i := 1; i < len(run.Transitions); i++ {
		assert.False(t, run.Transitions[i].At.Before(run.Transitions[i-1].At))
	}
}

func TestTrigger_LogSequence(t *testing.T) {
	t.Parallel()

	c, f := newTestCoordinator(t)
	f.expectSuccessfulRun()

	_, err := c.Trigger(context.Background())
	require.NoError(t, err)

	want := []string{
		"Deleting existing files...",
		"Backing up data...",
		"Backup successful",
		"Adding to Git...",
		"Committing...",
		"Pushing...",
		"Pushed to Git",
		"Backup finished",
	}
	assertSubsequence(t, want, f.logs.Messages())
}

func assertSubsequence(t *testing.T, want, got []string) {
	t.Helper()
	i := 0
	for _, msg := range got {
		if i < len(want) && msg == want[i] {
			i++
		}
	}
	assert.Equal(t, len(want), i, "expected messages %v in order, got %v", want, got)
}

func TestTrigger_ClearFails(t *testing.T) {
	t.Parallel()

	c, f := newTestCoordinator(t)
	cause := errors.New("permission denied")
	f.clearer.EXPECT().Clear(gomock.Any(), testDir).Return(cause)

	run, err := c.Trigger(context.Background())
	require.Error(t, err)

	var clearErr *ClearError
	require.ErrorAs(t, err, &clearErr)
	assert.Equal(t, testDir, clearErr.Dir)
	assert.ErrorIs(t, err, cause)

	assert.Equal(t, PhaseFailed, run.Phase)
	assert.Equal(t, PhaseClearing, run.FailedPhase)
	assert.Equal(t, []Phase{PhaseClearing, PhaseFailed}, run.Phases())
	assert.Nil(t, run.Backup)
	assert.Equal(t, PhaseIdle, c.Phase())
	assert.NotContains(t, f.logs.Messages(), "Backing up data...")
}

func TestTrigger_BackupFails(t *testing.T) {
	t.Parallel()

	c, f := newTestCoordinator(t)
	cause := errors.New("connection refused")
	gomock.InOrder(
		f.clearer.EXPECT().Clear(gomock.Any(), testDir).Return(nil),
		f.producer.EXPECT().Backup(gomock.Any(), testDir).Return(nil, cause),
	)

	run, err := c.Trigger(context.Background())
	require.Error(t, err)

	var backupErr *BackupError
	require.ErrorAs(t, err, &backupErr)
	assert.Same(t, cause, backupErr.Err)
	assert.Equal(t, backup.EnginePostgres, backupErr.Engine)

	assert.Equal(t, PhaseBackingUp, run.FailedPhase)
	assert.Equal(t, []Phase{PhaseClearing, PhaseBackingUp, PhaseFailed}, run.Phases())
	assert.NotContains(t, f.logs.Messages(), "Adding to Git...")
}

func TestTrigger_PublishFails(t *testing.T) {
	t.Parallel()

	cause := errors.New("remote rejected")

	tests := []struct {
		name   string
		step   string
		expect func(f *testFixture)
	}{
		{
			name: "stage",
			step: StepStage,
			expect: func(f *testFixture) {
				f.publisher.EXPECT().Stage(gomock.Any()).Return(cause)
			},
		},
		{
			name: "commit",
			step: StepCommit,
			expect: func(f *testFixture) {
				gomock.InOrder(
					f.publisher.EXPECT().Stage(gomock.Any()).Return(nil),
					f.publisher.EXPECT().Commit(gomock.Any()).Return("", cause),
				)
			},
		},
		{
			name: "push",
			step: StepPush,
			expect: func(f *testFixture) {
				gomock.InOrder(
					f.publisher.EXPECT().Stage(gomock.Any()).Return(nil),
					f.publisher.EXPECT().Commit(gomock.Any()).Return("abc123", nil),
					f.publisher.EXPECT().Push(gomock.Any()).Return(cause),
				)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, f := newTestCoordinator(t)
			f.clearer.EXPECT().Clear(gomock.Any(), testDir).Return(nil)
			f.producer.EXPECT().Backup(gomock.Any(), testDir).Return(testResult(), nil)
			tt.expect(f)

			run, err := c.Trigger(context.Background())
			require.Error(t, err)

			var publishErr *PublishError
			require.ErrorAs(t, err, &publishErr)
			assert.Equal(t, tt.step, publishErr.Step)
			assert.ErrorIs(t, err, cause)
			assert.Equal(t, PhasePublishing, run.FailedPhase)
			assert.Equal(t, PhaseFailed, run.Phase)
			assert.NotNil(t, run.Backup, "backup is not rolled back")
		})
	}
}

func TestTrigger_NothingToCommit(t *testing.T) {
	t.Parallel()

	c, f := newTestCoordinator(t)
	gomock.InOrder(
		f.clearer.EXPECT().Clear(gomock.Any(), testDir).Return(nil),
		f.producer.EXPECT().Backup(gomock.Any(), testDir).Return(testResult(), nil),
		f.publisher.EXPECT().Stage(gomock.Any()).Return(nil),
		f.publisher.EXPECT().Commit(gomock.Any()).Return("", git.ErrNothingToCommit),
	)

	run, err := c.Trigger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, run.Phase)
	assert.Empty(t, run.Commit)
	assert.NotContains(t, f.logs.Messages(), "Pushing...")
}

func TestTrigger_SingleFlight(t *testing.T) {
	t.Parallel()

	c, f := newTestCoordinator(t)

	release := make(chan struct{})
	f.clearer.EXPECT().Clear(gomock.Any(), testDir).DoAndReturn(func(context.Context, string) error {
		<-release
		return nil
	}).Times(1)
	f.producer.EXPECT().Backup(gomock.Any(), testDir).Return(testResult(), nil).Times(1)
	f.publisher.EXPECT().Stage(gomock.Any()).Return(nil).Times(1)
	f.publisher.EXPECT().Commit(gomock.Any()).Return("abc123", nil).Times(1)
	f.publisher.EXPECT().Push(gomock.Any()).Return(nil).Times(1)

	type outcome struct {
		run *Run
		err error
	}
	first := make(chan outcome, 1)
	go func() {
		run, err := c.Trigger(context.Background())
		first <- outcome{run, err}
	}()

	require.Eventually(t, func() bool {
		return c.Phase() == PhaseClearing
	}, 2*time.Second, 5*time.Millisecond)

	for range 3 {
		run, err := c.Trigger(context.Background())
		assert.ErrorIs(t, err, ErrRunInProgress)
		assert.Nil(t, run)
	}
	assert.Equal(t, PhaseClearing, c.Phase())

	close(release)
	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, PhaseDone, got.run.Phase)
	assert.Equal(t, PhaseIdle, c.Phase())
}

func TestTrigger_ConcurrentTriggersRunOnce(t *testing.T) {
	t.Parallel()

	c, f := newTestCoordinator(t)

	release := make(chan struct{})
	f.clearer.EXPECT().Clear(gomock.Any(), testDir).DoAndReturn(func(context.Context, string) error {
		<-release
		return nil
	}).Times(1)
	f.producer.EXPECT().Backup(gomock.Any(), testDir).Return(testResult(), nil).Times(1)
	f.publisher.EXPECT().Stage(gomock.Any()).Return(nil).Times(1)
	f.publisher.EXPECT().Commit(gomock.Any()).Return("abc123", nil).Times(1)
	f.publisher.EXPECT().Push(gomock.Any()).Return(nil).Times(1)

	var (
		wg      sync.WaitGroup
		dropped atomic.Int32
		ran     atomic.Int32
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Trigger(context.Background())
			if errors.Is(err, ErrRunInProgress) {
				dropped.Add(1)
				return
			}
			ran.Add(1)
		}()
	}

	require.Eventually(t, func() bool {
		return dropped.Load() == 7
	}, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), ran.Load())
}

func TestTrigger_RepeatedBackupFailureIsIdentical(t *testing.T) {
	t.Parallel()

	c, f := newTestCoordinator(t)
	cause := errors.New("dial tcp 127.0.0.1:1: connect: connection refused")
	f.clearer.EXPECT().Clear(gomock.Any(), testDir).Return(nil).Times(2)
	f.producer.EXPECT().Backup(gomock.Any(), testDir).Return(nil, cause).Times(2)

	_, err1 := c.Trigger(context.Background())
	_, err2 := c.Trigger(context.Background())

	var first, second *BackupError
	require.ErrorAs(t, err1, &first)
	require.ErrorAs(t, err2, &second)
	assert.Equal(t, err1.Error(), err2.Error())
	assert.Equal(t, first.Engine, second.Engine)
}

func TestTrigger_PhaseTimeout(t *testing.T) {
	t.Parallel()

	c, f := newTestCoordinator(t, WithTimeouts(Timeouts{Backup: 20 * time.Millisecond}))
	gomock.InOrder(
		f.clearer.EXPECT().Clear(gomock.Any(), testDir).Return(nil),
		f.producer.EXPECT().Backup(gomock.Any(), testDir).DoAndReturn(
			func(ctx context.Context, _ string) (*backup.Result, error) {
				<-ctx.Done()
				return nil, errors.New("query interrupted")
			}),
		f.clearer.EXPECT().Clear(gomock.Any(), testDir).Return(nil),
		f.producer.EXPECT().Backup(gomock.Any(), testDir).Return(testResult(), nil),
		f.publisher.EXPECT().Stage(gomock.Any()).Return(nil),
		f.publisher.EXPECT().Commit(gomock.Any()).Return("", git.ErrNothingToCommit),
	)

	run, err := c.Trigger(context.Background())
	require.Error(t, err)
	var backupErr *BackupError
	require.ErrorAs(t, err, &backupErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, PhaseBackingUp, run.FailedPhase)
	assert.Equal(t, PhaseIdle, c.Phase())

	run, err = c.Trigger(context.Background())
	require.NoError(t, err, "busy flag must be released after a timeout")
	assert.Equal(t, PhaseDone, run.Phase)
}

func TestTrigger_CancelledContext(t *testing.T) {
	t.Parallel()

	c, f := newTestCoordinator(t)
	f.clearer.EXPECT().Clear(gomock.Any(), testDir).DoAndReturn(func(ctx context.Context, _ string) error {
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := c.Trigger(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, PhaseClearing, run.FailedPhase)
}

func TestTrigger_Telemetry(t *testing.T) {
	t.Parallel()

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := telemetry.NewRunMetrics(mp)
	require.NoError(t, err)

	c, f := newTestCoordinator(t, WithTracer(tp.Tracer("test")), WithRunMetrics(metrics))
	f.expectSuccessfulRun()

	_, err = c.Trigger(context.Background())
	require.NoError(t, err)

	names := []string{}
	for _, span := range exporter.GetSpans() {
		names = append(names, span.Name)
	}
	assert.Equal(t, []string{"backup.clearing", "backup.backing-up", "backup.publishing", "backup.run"}, names)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	found := map[string]bool{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			found[m.Name] = true
		}
	}
	assert.True(t, found["dbgit_backup_run_duration_seconds"])
	assert.True(t, found["dbgit_backup_phase_duration_seconds"])
	assert.True(t, found["dbgit_backup_records_total"])
}

func TestStart_Immediate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		sched *Schedule
	}{
		{name: "nil schedule", sched: nil},
		{name: "immediate schedule", sched: Immediate()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c, f := newTestCoordinator(t)
			f.expectSuccessfulRun()

			require.NoError(t, c.Start(context.Background(), tt.sched))
			assert.Nil(t, c.scheduler)
			require.NoError(t, c.Stop(context.Background()))

			assertSubsequence(t, []string{
				"Deleting existing files...",
				"Backing up data...",
				"Adding to Git...",
				"Committing...",
				"Pushing...",
				"Pushed to Git",
			}, f.logs.Messages())
		})
	}
}

func TestStart_ImmediateReturnsRunError(t *testing.T) {
	t.Parallel()

	c, f := newTestCoordinator(t)
	f.clearer.EXPECT().Clear(gomock.Any(), testDir).Return(errors.New("no such file or directory"))

	err := c.Start(context.Background(), Immediate())
	var clearErr *ClearError
	require.ErrorAs(t, err, &clearErr)
}

func TestStart_Scheduled(t *testing.T) {
	t.Parallel()

	c, f := newTestCoordinator(t)

	var runs atomic.Int32
	f.clearer.EXPECT().Clear(gomock.Any(), testDir).Return(nil).MinTimes(1)
	f.producer.EXPECT().Backup(gomock.Any(), testDir).Return(testResult(), nil).MinTimes(1)
	f.publisher.EXPECT().Stage(gomock.Any()).Return(nil).MinTimes(1)
	f.publisher.EXPECT().Commit(gomock.Any()).DoAndReturn(func(context.Context) (string, error) {
		runs.Add(1)
		return "", git.ErrNothingToCommit
	}).MinTimes(1)

	sched, err := ParseSchedule("@every 1s", "UTC")
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background(), sched))
	assert.ErrorIs(t, c.Start(context.Background(), sched), ErrAlreadyStarted)

	require.Eventually(t, func() bool {
		return runs.Load() >= 1
	}, 5*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, PhaseIdle, c.Phase())
	assert.Contains(t, f.logs.Messages(), "Scheduled backups")
}

func TestStart_UnparsedSchedule(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator(t)
	err := c.Start(context.Background(), &Schedule{Expression: "0 0 * * * *", Location: time.UTC})
	require.Error(t, err)
}

func TestStop_WithoutStart(t *testing.T) {
	t.Parallel()

	c, _ := newTestCoordinator(t)
	require.NoError(t, c.Stop(context.Background()))
}

func TestErrors(t *testing.T) {
	t.Parallel()

	cause := errors.New("boom")

	tests := []struct {
		name    string
		err     error
		message string
	}{
		{
			name:    "clear",
			err:     &ClearError{Dir: "/data", Err: cause},
			message: "failed to clear /data: boom",
		},
		{
			name:    "backup",
			err:     &BackupError{Engine: "mongodb", Err: cause},
			message: "failed to back up mongodb database: boom",
		},
		{
			name:    "publish",
			err:     &PublishError{Step: StepPush, Err: cause},
			message: "failed to publish (push): boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.EqualError(t, tt.err, tt.message)
			assert.ErrorIs(t, tt.err, cause)
		})
	}
}
