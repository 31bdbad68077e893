// Package main is the entry point for dbgit-backup.
package main

import (
	"context"
	"log/slog"
	"os"

	// Load a .env file from the working directory before options are resolved
	_ "github.com/joho/godotenv/autoload"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/dbgit-backup/cmd/dbgit-backup/app"
	"github.com/stacklok/dbgit-backup/internal/config"
)

// getLogLevel reads log-level or LOG_LEVEL from the environment.
// The --log-level flag is applied later, once flags are parsed.
func getLogLevel() slog.Level {
	v := viper.New()
	_ = v.BindEnv(append([]string{config.KeyLogLevel}, config.EnvNames(config.KeyLogLevel)...)...)
	return app.ParseLogLevel(v.GetString(config.KeyLogLevel))
}

// traceHandler wraps an slog.Handler to inject the OpenTelemetry
// trace_id and span_id of the active span into every record.
type traceHandler struct {
	slog.Handler
}

func (h *traceHandler) Handle(ctx context.Context, r slog.Record) error {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		r.AddAttrs(
			slog.String("trace_id", span.SpanContext().TraceID().String()),
			slog.String("span_id", span.SpanContext().SpanID().String()),
		)
	}
	return h.Handler.Handle(ctx, r)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{Handler: h.Handler.WithGroup(name)}
}

func main() {
	level := &slog.LevelVar{}
	level.Set(getLogLevel())

	// stderr keeps stdout clean for `version --format json`
	baseHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(&traceHandler{Handler: baseHandler}))

	if err := app.NewRootCmd(level).Execute(); err != nil {
		slog.Error("dbgit-backup failed", "error", err)
		os.Exit(1)
	}
}
