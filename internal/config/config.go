// Package config resolves the backup job's options from flags, environment
// variables and an optional .env file, and validates them at startup.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/dbgit-backup/internal/backup"
	"github.com/stacklok/dbgit-backup/internal/coordinator"
	"github.com/stacklok/dbgit-backup/internal/git"
	"github.com/stacklok/dbgit-backup/internal/telemetry"
)

// Option keys. Each key is a command-line flag and an environment variable of
// the same name; the upper-case form with underscores is accepted as well.
const (
	KeyDir            = "dir"
	KeyURI            = "uri"
	KeyGit            = "git"
	KeyNow            = "now"
	KeyCron           = "cron"
	KeyTimezone       = "timezone"
	KeyBranch         = "branch"
	KeyGitUsername    = "git-username"
	KeyGitPassword    = "git-password"
	KeyGitAuthorName  = "git-author-name"
	KeyGitAuthorEmail = "git-author-email"
	KeyClearTimeout   = "clear-timeout"
	KeyBackupTimeout  = "backup-timeout"
	KeyPublishTimeout = "publish-timeout"
	KeyConcurrency    = "concurrency"
	KeyLogLevel       = "log-level"

	KeyOtelEnabled  = "otel-enabled"
	KeyOtelEndpoint = "otel-endpoint"
	KeyOtelInsecure = "otel-insecure"
	KeyOtelTracing  = "otel-tracing"
	KeyOtelMetrics  = "otel-metrics"
	KeyOtelSampling = "otel-sampling"
)

// Keys lists every option key in the order they are documented
var Keys = []string{
	KeyDir, KeyURI, KeyGit, KeyNow, KeyCron, KeyTimezone, KeyBranch,
	KeyGitUsername, KeyGitPassword, KeyGitAuthorName, KeyGitAuthorEmail,
	KeyClearTimeout, KeyBackupTimeout, KeyPublishTimeout, KeyConcurrency, KeyLogLevel,
	KeyOtelEnabled, KeyOtelEndpoint, KeyOtelInsecure, KeyOtelTracing, KeyOtelMetrics, KeyOtelSampling,
}

// DefaultConcurrency is the default number of collections or tables dumped in parallel
const DefaultConcurrency = 4

var (
	// ErrDirRequired is returned when no target directory is configured
	ErrDirRequired = errors.New("dir is required")

	// ErrNotDirectory is returned when the target path exists but is not a directory
	ErrNotDirectory = errors.New("dir is not a directory")

	// ErrURIRequired is returned when no database connection string is configured
	ErrURIRequired = errors.New("uri is required")
)

// Config is the resolved configuration of the backup job
type Config struct {
	// Dir is the absolute path of the target directory
	Dir string

	// URI is the database connection string
	URI string

	// GitRemote is the remote repository URL. It may be empty when Dir is already a repository.
	GitRemote string

	// Now runs a single backup immediately instead of scheduling
	Now bool

	Cron     string
	Timezone string
	Branch   string

	GitUsername    string
	GitPassword    string
	GitAuthorName  string
	GitAuthorEmail string

	ClearTimeout   time.Duration
	BackupTimeout  time.Duration
	PublishTimeout time.Duration

	Concurrency int
	LogLevel    string

	Telemetry *telemetry.Config
}

// EnvNames returns the environment variable names bound to key
func EnvNames(key string) []string {
	upper := strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	if upper == key {
		return []string{key}
	}
	return []string{key, upper}
}

// SetDefaults registers the default value of every option on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyCron, coordinator.DefaultCronExpression)
	v.SetDefault(KeyTimezone, coordinator.DefaultTimezone)
	v.SetDefault(KeyBranch, git.DefaultBranch)
	v.SetDefault(KeyGitAuthorName, git.DefaultAuthorName)
	v.SetDefault(KeyGitAuthorEmail, git.DefaultAuthorEmail)
	v.SetDefault(KeyClearTimeout, coordinator.DefaultClearTimeout)
	v.SetDefault(KeyBackupTimeout, coordinator.DefaultBackupTimeout)
	v.SetDefault(KeyPublishTimeout, coordinator.DefaultPublishTimeout)
	v.SetDefault(KeyConcurrency, DefaultConcurrency)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyOtelEndpoint, telemetry.DefaultEndpoint)
	v.SetDefault(KeyOtelSampling, telemetry.DefaultSampling)
}

// BindEnv binds every option to its lower- and upper-case environment variable
func BindEnv(v *viper.Viper) error {
	for _, key := range Keys {
		if err := v.BindEnv(append([]string{key}, EnvNames(key)...)...); err != nil {
			return fmt.Errorf("failed to bind environment for %s: %w", key, err)
		}
	}
	return nil
}

// immediate reports whether the now option is present. Any value in the
// environment, including an empty one, selects a single run; the flag stays boolean.
func immediate(v *viper.Viper) bool {
	for _, name := range EnvNames(KeyNow) {
		if _, ok := os.LookupEnv(name); ok {
			return true
		}
	}
	return v.GetBool(KeyNow)
}

// Load reads the options from v and validates them
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Dir:            strings.TrimSpace(v.GetString(KeyDir)),
		URI:            strings.TrimSpace(v.GetString(KeyURI)),
		GitRemote:      strings.TrimSpace(v.GetString(KeyGit)),
		Now:            immediate(v),
		Cron:           v.GetString(KeyCron),
		Timezone:       v.GetString(KeyTimezone),
		Branch:         v.GetString(KeyBranch),
		GitUsername:    v.GetString(KeyGitUsername),
		GitPassword:    v.GetString(KeyGitPassword),
		GitAuthorName:  v.GetString(KeyGitAuthorName),
		GitAuthorEmail: v.GetString(KeyGitAuthorEmail),
		ClearTimeout:   v.GetDuration(KeyClearTimeout),
		BackupTimeout:  v.GetDuration(KeyBackupTimeout),
		PublishTimeout: v.GetDuration(KeyPublishTimeout),
		Concurrency:    v.GetInt(KeyConcurrency),
		LogLevel:       v.GetString(KeyLogLevel),
		Telemetry: &telemetry.Config{
			Enabled:  v.GetBool(KeyOtelEnabled),
			Endpoint: v.GetString(KeyOtelEndpoint),
			Insecure: v.GetBool(KeyOtelInsecure),
			Tracing: &telemetry.TracingConfig{
				Enabled:  v.GetBool(KeyOtelTracing),
				Sampling: v.GetFloat64(KeyOtelSampling),
			},
			Metrics: &telemetry.MetricsConfig{
				Enabled: v.GetBool(KeyOtelMetrics),
			},
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration and resolves Dir to an absolute path
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := c.validateDir(); err != nil {
		return err
	}

	if c.URI == "" {
		return ErrURIRequired
	}
	if scheme := backup.Scheme(c.URI); backup.EngineForScheme(scheme) == "" {
		return fmt.Errorf("uri: %w: %q", backup.ErrUnsupportedScheme, scheme)
	}

	if !c.Now {
		if _, err := c.Schedule(); err != nil {
			return err
		}
	}

	if strings.TrimSpace(c.Branch) == "" {
		return fmt.Errorf("branch cannot be empty")
	}

	if c.GitPassword != "" && c.GitUsername == "" {
		return fmt.Errorf("%s requires %s", KeyGitPassword, KeyGitUsername)
	}

	timeouts := map[string]time.Duration{
		KeyClearTimeout:   c.ClearTimeout,
		KeyBackupTimeout:  c.BackupTimeout,
		KeyPublishTimeout: c.PublishTimeout,
	}
	for _, key := range []string{KeyClearTimeout, KeyBackupTimeout, KeyPublishTimeout} {
		if timeouts[key] <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, timeouts[key])
		}
	}

	if c.Concurrency < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", KeyConcurrency, c.Concurrency)
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}

func (c *Config) validateDir() error {
	if c.Dir == "" {
		return ErrDirRequired
	}

	abs, err := filepath.Abs(c.Dir)
	if err != nil {
		return fmt.Errorf("failed to resolve dir %s: %w", c.Dir, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("dir %s: %w", abs, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, abs)
	}

	c.Dir = abs
	return nil
}

// Schedule returns the run schedule described by the configuration
func (c *Config) Schedule() (*coordinator.Schedule, error) {
	if c.Now {
		return coordinator.Immediate(), nil
	}
	return coordinator.ParseSchedule(c.Cron, c.Timezone)
}

// Timeouts returns the per-phase timeouts
func (c *Config) Timeouts() coordinator.Timeouts {
	return coordinator.Timeouts{
		Clear:   c.ClearTimeout,
		Backup:  c.BackupTimeout,
		Publish: c.PublishTimeout,
	}
}

// PublishConfig returns the publisher settings
func (c *Config) PublishConfig() *git.PublishConfig {
	cfg := &git.PublishConfig{
		Dir:       c.Dir,
		RemoteURL: c.GitRemote,
		Branch:    c.Branch,
		Author: git.AuthorConfig{
			Name:  c.GitAuthorName,
			Email: c.GitAuthorEmail,
		},
	}
	if c.GitUsername != "" {
		cfg.Auth = &git.AuthConfig{
			Username: c.GitUsername,
			Password: c.GitPassword,
		}
	}
	return cfg
}

// RedactedURI returns URI with any password masked, for logging
func (c *Config) RedactedURI() string {
	return backup.RedactURI(c.URI)
}
