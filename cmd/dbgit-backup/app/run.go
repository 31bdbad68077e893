package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/dbgit-backup/internal/backup"
	"github.com/stacklok/dbgit-backup/internal/config"
	"github.com/stacklok/dbgit-backup/internal/coordinator"
	"github.com/stacklok/dbgit-backup/internal/git"
	"github.com/stacklok/dbgit-backup/internal/lock"
	"github.com/stacklok/dbgit-backup/internal/telemetry"
	"github.com/stacklok/dbgit-backup/internal/versions"
	"github.com/stacklok/dbgit-backup/internal/workspace"
)

const (
	// shutdownTimeout bounds how long a stopping process waits for the in-flight run
	shutdownTimeout = 5 * time.Minute

	// telemetryShutdownTimeout bounds the final flush of traces and metrics
	telemetryShutdownTimeout = 10 * time.Second

	tracerName = "github.com/stacklok/dbgit-backup"
)

func runBackup(ctx context.Context, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	sched, err := cfg.Schedule()
	if err != nil {
		return err
	}

	info := versions.GetVersionInfo()
	slog.Info("Starting dbgit-backup",
		"version", info.Version,
		"dir", cfg.Dir,
		"uri", cfg.RedactedURI(),
		"schedule", sched.String(),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg.Telemetry.ServiceVersion = info.Version
	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), telemetryShutdownTimeout)
		defer cancel()
		if shutdownErr := tel.Shutdown(shutdownCtx); shutdownErr != nil {
			slog.Warn("Failed to shut down telemetry", "error", shutdownErr)
		}
	}()

	runMetrics, err := telemetry.NewRunMetrics(tel.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create run metrics: %w", err)
	}

	producer, err := backup.NewProducer(cfg.URI, backup.WithConcurrency(cfg.Concurrency))
	if err != nil {
		return fmt.Errorf("failed to create backup producer: %w", err)
	}

	publisher := git.NewPublisher(cfg.PublishConfig())
	if err := publisher.Prepare(ctx); err != nil {
		return fmt.Errorf("failed to prepare git repository in %s: %w", cfg.Dir, err)
	}

	dirLock, err := lock.Acquire(cfg.Dir)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := dirLock.Release(); releaseErr != nil {
			slog.Warn("Failed to release directory lock", "path", dirLock.Path(), "error", releaseErr)
		}
	}()

	coord := coordinator.New(
		workspace.NewClearer(),
		producer,
		publisher,
		cfg.Dir,
		coordinator.WithTimeouts(cfg.Timeouts()),
		coordinator.WithRunMetrics(runMetrics),
		coordinator.WithTracer(tel.Tracer(tracerName)),
	)

	return serve(ctx, coord, sched)
}

// serve drives coord until the run finishes (immediate) or ctx is cancelled (scheduled)
func serve(ctx context.Context, coord coordinator.Coordinator, sched *coordinator.Schedule) error {
	if sched == nil || sched.Immediate {
		return coord.Start(ctx, sched)
	}

	if err := coord.Start(ctx, sched); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	<-ctx.Done()
	slog.Info("Received shutdown signal, stopping")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := coord.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("dbgit-backup stopped")
	return nil
}
