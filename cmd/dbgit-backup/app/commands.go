// Package app wires the dbgit-backup command line.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/dbgit-backup/internal/config"
	"github.com/stacklok/dbgit-backup/internal/coordinator"
	"github.com/stacklok/dbgit-backup/internal/git"
	"github.com/stacklok/dbgit-backup/internal/telemetry"
	"github.com/stacklok/dbgit-backup/internal/versions"
)

// ParseLogLevel maps a level name to a slog.Level, defaulting to info
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		slog.Warn("Invalid log level, using INFO", "value", level)
		return slog.LevelInfo
	}
}

// NewRootCmd creates the dbgit-backup command.
// level is adjusted once flags are parsed; it may be nil.
func NewRootCmd(level *slog.LevelVar) *cobra.Command {
	v := viper.New()

	rootCmd := &cobra.Command{
		Use:               "dbgit-backup",
		DisableAutoGenTag: true,
		Short:             "Back up a database into a git repository",
		Long: `dbgit-backup dumps a MongoDB or PostgreSQL database into a directory, then
commits and pushes that directory to a git remote.

It runs on a cron schedule, or once with --now. Every option can also be set
through an environment variable of the same name (for example uri or URI)
or a .env file in the working directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if level != nil {
				level.Set(ParseLogLevel(v.GetString(config.KeyLogLevel)))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBackup(cmd.Context(), v)
		},
	}

	addFlags(rootCmd)
	rootCmd.PersistentFlags().String(config.KeyLogLevel, "info", "Log level (debug, info, warn, error)")

	config.SetDefaults(v)
	if err := v.BindPFlags(rootCmd.Flags()); err != nil {
		slog.Error("Error binding flags", "error", err)
	}
	if err := v.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		slog.Error("Error binding persistent flags", "error", err)
	}
	if err := config.BindEnv(v); err != nil {
		slog.Error("Error binding environment", "error", err)
	}

	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func addFlags(cmd *cobra.Command) {
	flags := cmd.Flags()

	flags.String(config.KeyDir, "", "Directory the backup is written to; must already exist")
	flags.String(config.KeyURI, "", "Database connection string (mongodb://, mongodb+srv://, postgres://)")
	flags.String(config.KeyGit, "", "Git remote URL; optional when dir is already a repository")
	flags.Bool(config.KeyNow, false, "Run one backup immediately and exit")
	flags.String(config.KeyCron, coordinator.DefaultCronExpression, "Cron expression, seconds first")
	flags.String(config.KeyTimezone, coordinator.DefaultTimezone, "IANA time zone the cron expression is evaluated in")
	flags.String(config.KeyBranch, git.DefaultBranch, "Branch to commit to and push")
	flags.String(config.KeyGitUsername, "", "Username for HTTP git authentication")
	flags.String(config.KeyGitPassword, "", "Password or token for HTTP git authentication")
	flags.String(config.KeyGitAuthorName, git.DefaultAuthorName, "Commit author name")
	flags.String(config.KeyGitAuthorEmail, git.DefaultAuthorEmail, "Commit author email")
	flags.Duration(config.KeyClearTimeout, coordinator.DefaultClearTimeout, "Timeout for clearing the directory")
	flags.Duration(config.KeyBackupTimeout, coordinator.DefaultBackupTimeout, "Timeout for dumping the database")
	flags.Duration(config.KeyPublishTimeout, coordinator.DefaultPublishTimeout, "Timeout for committing and pushing")
	flags.Int(config.KeyConcurrency, config.DefaultConcurrency, "Collections or tables dumped in parallel")

	flags.Bool(config.KeyOtelEnabled, false, "Enable OpenTelemetry export")
	flags.String(config.KeyOtelEndpoint, telemetry.DefaultEndpoint, "OTLP/HTTP collector endpoint (host:port)")
	flags.Bool(config.KeyOtelInsecure, false, "Use plain HTTP towards the collector")
	flags.Bool(config.KeyOtelTracing, false, "Export run traces")
	flags.Bool(config.KeyOtelMetrics, false, "Export run metrics")
	flags.Float64(config.KeyOtelSampling, telemetry.DefaultSampling, "Trace sampling ratio (0.0 to 1.0)")
}

func newVersionCmd() *cobra.Command {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return err
			}

			if format == "json" {
				output, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to format version info as JSON: %w", err)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(output))
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), info.String())
			return err
		},
	}
	versionCmd.Flags().String("format", "", "Output format (json)")
	return versionCmd
}
