// Package config holds the tool configuration for the planforge CLI: cache
// placement, build defaults, deployment behavior, SSH settings, policy
// paths, and runtime knobs baked into generated runners.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/planforge/planforge/pkg/payload"
	"github.com/planforge/planforge/pkg/telemetry"
)

var validate = validator.New()

// Config is the top-level tool configuration.
type Config struct {
	// DataDir is the planforge state directory (database, cache, output).
	DataDir string `yaml:"data_dir" validate:"required"`

	// ModulesDir holds WASM task modules as <name>.json manifest plus
	// <name>.wasm binary pairs; <data_dir>/modules when empty.
	ModulesDir string `yaml:"modules_dir,omitempty"`

	// Cache configures the compilation cache.
	Cache CacheConfig `yaml:"cache"`

	// Build configures compilation defaults.
	Build BuildConfig `yaml:"build"`

	// Deploy configures deployment behavior.
	Deploy DeployConfig `yaml:"deploy"`

	// SSH configures transport defaults applied to every host.
	SSH SSHConfig `yaml:"ssh"`

	// Policy configures the deployment policy gate.
	Policy PolicyConfig `yaml:"policy"`

	// Runtime configures the generated runners.
	Runtime RuntimeConfig `yaml:"runtime"`

	// Telemetry configures metrics and tracing for the CLI.
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// CacheConfig configures the compilation cache.
type CacheConfig struct {
	// Dir overrides the cache directory; <data_dir>/cache when empty.
	Dir string `yaml:"dir,omitempty"`

	// MaxBytes bounds total cached artifact size; 0 disables eviction.
	MaxBytes int64 `yaml:"max_bytes,omitempty" validate:"min=0"`
}

// BuildConfig configures compilation defaults.
type BuildConfig struct {
	// OutputDir overrides where built binaries land; <data_dir>/out when
	// empty.
	OutputDir string `yaml:"output_dir,omitempty"`

	// Jobs bounds concurrent target compilations.
	Jobs int `yaml:"jobs,omitempty" validate:"min=0"`

	// Profile is the default optimization profile (release, size, debug).
	Profile string `yaml:"profile,omitempty" validate:"omitempty,oneof=release size debug"`

	// Strip removes symbol tables from built binaries.
	Strip bool `yaml:"strip,omitempty"`

	// Compress stores cached artifacts zstd-compressed.
	Compress bool `yaml:"compress,omitempty"`

	// SizeLimitBytes warns when a binary exceeds this size; 0 disables.
	SizeLimitBytes int64 `yaml:"size_limit_bytes,omitempty" validate:"min=0"`

	// EnforceSizeLimit turns the size warning into a build failure.
	EnforceSizeLimit bool `yaml:"enforce_size_limit,omitempty"`
}

// DeployConfig configures deployment behavior.
type DeployConfig struct {
	// Parallelism bounds concurrent host deployments.
	Parallelism int `yaml:"parallelism,omitempty" validate:"min=0"`

	// MaxRetries bounds transfer retries per host.
	MaxRetries int `yaml:"max_retries,omitempty" validate:"min=0"`

	// BaseBackoff is the initial transfer retry delay.
	BaseBackoff time.Duration `yaml:"base_backoff,omitempty"`

	// HostTimeout bounds one host's deployment; 0 disables.
	HostTimeout time.Duration `yaml:"host_timeout,omitempty"`

	// Verify enables remote checksum verification after transfer.
	Verify bool `yaml:"verify"`

	// RemoteDir is where runners live on hosts without an exec_path.
	RemoteDir string `yaml:"remote_dir,omitempty"`
}

// SSHConfig configures transport defaults for all hosts. Per-host values
// from the inventory take precedence.
type SSHConfig struct {
	// User is the default remote user.
	User string `yaml:"user,omitempty"`

	// Port is the default SSH port.
	Port int `yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`

	// PrivateKeyPath locates the private key for key authentication.
	PrivateKeyPath string `yaml:"private_key_path,omitempty"`

	// KnownHostsPath locates the known_hosts file for host key checks.
	KnownHostsPath string `yaml:"known_hosts_path,omitempty"`

	// StrictHostKeyChecking rejects hosts absent from known_hosts.
	StrictHostKeyChecking bool `yaml:"strict_host_key_checking,omitempty"`

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
}

// PolicyConfig configures the deployment policy gate.
type PolicyConfig struct {
	// Paths lists extra policy files or directories loaded on top of the
	// builtins.
	Paths []string `yaml:"paths,omitempty"`

	// Environment is the deployment environment policies evaluate against.
	Environment string `yaml:"environment,omitempty"`
}

// RuntimeConfig configures the generated runners.
type RuntimeConfig struct {
	// ControllerEndpoint is where runners report results; empty disables
	// reporting.
	ControllerEndpoint string `yaml:"controller_endpoint,omitempty" validate:"omitempty,url"`

	// ExecutionTimeout bounds one runner execution.
	ExecutionTimeout time.Duration `yaml:"execution_timeout,omitempty"`

	// ReportInterval is how often runners post progress.
	ReportInterval time.Duration `yaml:"report_interval,omitempty"`

	// HeartbeatInterval is how often runners post liveness.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`

	// MaxRetries bounds per-task module retries inside the runner.
	MaxRetries int `yaml:"max_retries,omitempty" validate:"min=0"`

	// CleanupOnCompletion removes extracted payload files after a run.
	CleanupOnCompletion bool `yaml:"cleanup_on_completion"`

	// LogLevel is the runner log level.
	LogLevel string `yaml:"log_level,omitempty" validate:"omitempty,oneof=trace debug info warn error"`
}

// TelemetryConfig configures CLI metrics and tracing.
type TelemetryConfig struct {
	// MetricsEnabled starts the Prometheus endpoint.
	MetricsEnabled bool `yaml:"metrics_enabled,omitempty"`

	// MetricsAddress is the metrics listen address.
	MetricsAddress string `yaml:"metrics_address,omitempty"`

	// TracingEnabled turns on span export.
	TracingEnabled bool `yaml:"tracing_enabled,omitempty"`

	// TracingExporter selects the exporter (otlp, stdout).
	TracingExporter string `yaml:"tracing_exporter,omitempty" validate:"omitempty,oneof=otlp stdout none"`

	// TracingEndpoint is the OTLP collector endpoint.
	TracingEndpoint string `yaml:"tracing_endpoint,omitempty"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	dataDir := ".planforge"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".planforge")
	}
	return &Config{
		DataDir: dataDir,
		Cache: CacheConfig{
			MaxBytes: 2 << 30,
		},
		Build: BuildConfig{
			Jobs:           2,
			Profile:        "release",
			SizeLimitBytes: 100 << 20,
		},
		Deploy: DeployConfig{
			Parallelism: 10,
			MaxRetries:  3,
			BaseBackoff: time.Second,
			HostTimeout: 10 * time.Minute,
			Verify:      true,
			RemoteDir:   "/opt/planforge",
		},
		SSH: SSHConfig{
			Port:           22,
			ConnectTimeout: 30 * time.Second,
		},
		Runtime: RuntimeConfig{
			ExecutionTimeout:    time.Hour,
			ReportInterval:      10 * time.Second,
			HeartbeatInterval:   30 * time.Second,
			MaxRetries:          3,
			CleanupOnCompletion: true,
			LogLevel:            "info",
		},
		Telemetry: TelemetryConfig{
			MetricsAddress:  ":9090",
			TracingExporter: "stdout",
		},
	}
}

// Load reads the configuration at path, layered over the defaults. An
// empty path returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field constraints and normalizes derived paths.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(c.DataDir, "cache")
	}
	if c.Build.OutputDir == "" {
		c.Build.OutputDir = filepath.Join(c.DataDir, "out")
	}
	if c.ModulesDir == "" {
		c.ModulesDir = filepath.Join(c.DataDir, "modules")
	}
	return nil
}

// DatabasePath returns the SQLite database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "planforge.db")
}

// RuntimePayloadConfig converts the runtime section into the form embedded
// in generated runners.
func (c *Config) RuntimePayloadConfig() payload.RuntimeConfig {
	rc := payload.DefaultRuntimeConfig()
	if c.Runtime.ControllerEndpoint != "" {
		rc.ControllerEndpoint = c.Runtime.ControllerEndpoint
	}
	if c.Runtime.ExecutionTimeout > 0 {
		rc.ExecutionTimeout = c.Runtime.ExecutionTimeout
	}
	if c.Runtime.ReportInterval > 0 {
		rc.ReportInterval = c.Runtime.ReportInterval
	}
	if c.Runtime.HeartbeatInterval > 0 {
		rc.HeartbeatInterval = c.Runtime.HeartbeatInterval
	}
	if c.Runtime.MaxRetries > 0 {
		rc.MaxRetries = c.Runtime.MaxRetries
	}
	rc.CleanupOnCompletion = c.Runtime.CleanupOnCompletion
	if c.Runtime.LogLevel != "" {
		rc.LogLevel = c.Runtime.LogLevel
	}
	return rc
}

// TelemetryConfig converts the telemetry section into the instrumentation
// package's configuration.
func (c *Config) TelemetryConfig() *telemetry.Config {
	tc := telemetry.DefaultConfig()
	tc.Metrics.Enabled = c.Telemetry.MetricsEnabled
	if c.Telemetry.MetricsAddress != "" {
		tc.Metrics.ListenAddress = c.Telemetry.MetricsAddress
	}
	tc.Tracing.Enabled = c.Telemetry.TracingEnabled
	if c.Telemetry.TracingExporter != "" && c.Telemetry.TracingExporter != "none" {
		tc.Tracing.Exporter = c.Telemetry.TracingExporter
	}
	if c.Telemetry.TracingExporter == "none" {
		tc.Tracing.Enabled = false
	}
	if c.Telemetry.TracingEndpoint != "" {
		tc.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	}
	return tc
}
