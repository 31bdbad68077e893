// Package telemetry wires OpenTelemetry tracing and metrics for backup runs.
// Both signals are exported over OTLP/HTTP and fall back to no-op providers
// when disabled.
package telemetry

import (
	"errors"
	"fmt"
)

const (
	// DefaultServiceName is the service name reported when none is configured
	DefaultServiceName = "dbgit-backup"

	// DefaultEndpoint is the default OTLP/HTTP collector endpoint
	DefaultEndpoint = "localhost:4318"

	// DefaultSampling is the default trace sampling ratio.
	// Runs are infrequent, so every run is sampled.
	DefaultSampling = 1.0
)

// Config represents the telemetry options of the backup job
type Config struct {
	// Enabled controls whether telemetry is enabled globally.
	// When false, no exporters are created.
	Enabled bool

	// ServiceName identifies this process in exported telemetry.
	// Defaults to "dbgit-backup".
	ServiceName string

	// ServiceVersion is the version reported with exported telemetry.
	ServiceVersion string

	// Endpoint is the OTLP collector endpoint in "host:port" form.
	// The /v1/traces and /v1/metrics paths are appended by the exporters.
	Endpoint string

	// Insecure allows plain HTTP towards the collector
	Insecure bool

	// Tracing contains tracing-specific configuration
	Tracing *TracingConfig

	// Metrics contains metrics-specific configuration
	Metrics *MetricsConfig
}

// TracingConfig defines tracing-specific configuration
type TracingConfig struct {
	// Enabled controls whether run spans are exported
	Enabled bool

	// Sampling is the trace sampling ratio between 0.0 and 1.0.
	// Zero means DefaultSampling.
	Sampling float64
}

// MetricsConfig defines metrics-specific configuration
type MetricsConfig struct {
	// Enabled controls whether run metrics are exported
	Enabled bool
}

// GetServiceName returns the service name, using default if not specified
func (c *Config) GetServiceName() string {
	if c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

// GetServiceVersion returns the service version, using "unknown" if not specified
func (c *Config) GetServiceVersion() string {
	if c.ServiceVersion == "" {
		return "unknown"
	}
	return c.ServiceVersion
}

// GetEndpoint returns the endpoint, using default if not specified
func (c *Config) GetEndpoint() string {
	if c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

// GetInsecure returns the insecure flag
func (c *Config) GetInsecure() bool {
	return c.Insecure
}

// GetSampling returns the sampling ratio.
// An unset (zero) ratio yields DefaultSampling; an explicit zero cannot be
// told apart from an unset flag, so disabling tracing is done via Enabled.
func (c *TracingConfig) GetSampling() float64 {
	if c.Sampling == 0.0 {
		return DefaultSampling
	}
	return c.Sampling
}

// Validate validates the telemetry configuration
func (c *Config) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	var errs []error

	if c.Tracing != nil {
		if err := c.Tracing.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
	}

	if c.Metrics != nil {
		if err := c.Metrics.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Validate validates the tracing configuration
func (c *TracingConfig) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	if c.Sampling < 0 || c.Sampling > 1.0 {
		return fmt.Errorf("sampling must be between 0.0 and 1.0, got %f", c.Sampling)
	}

	return nil
}

// Validate validates the metrics configuration
func (c *MetricsConfig) Validate() error {
	return nil
}
