package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultDerivesPaths(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Expected default config to validate, got: %v", err)
	}
	if cfg.Cache.Dir != filepath.Join(cfg.DataDir, "cache") {
		t.Errorf("Expected cache dir under data dir, got: %s", cfg.Cache.Dir)
	}
	if cfg.Build.OutputDir != filepath.Join(cfg.DataDir, "out") {
		t.Errorf("Expected output dir under data dir, got: %s", cfg.Build.OutputDir)
	}
	if cfg.ModulesDir != filepath.Join(cfg.DataDir, "modules") {
		t.Errorf("Expected modules dir under data dir, got: %s", cfg.ModulesDir)
	}
	if cfg.DatabasePath() != filepath.Join(cfg.DataDir, "planforge.db") {
		t.Errorf("Unexpected database path: %s", cfg.DatabasePath())
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Deploy.Parallelism != 10 {
		t.Errorf("Expected default parallelism 10, got: %d", cfg.Deploy.Parallelism)
	}
	if !cfg.Deploy.Verify {
		t.Error("Expected verification enabled by default")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "planforge.yaml")
	doc := `
data_dir: /var/lib/planforge
build:
  jobs: 8
  profile: size
  compress: true
deploy:
  parallelism: 25
  verify: true
  remote_dir: /srv/planforge
runtime:
  controller_endpoint: https://controller.internal/report
  execution_timeout: 15m
  cleanup_on_completion: true
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.DataDir != "/var/lib/planforge" {
		t.Errorf("Expected data dir override, got: %s", cfg.DataDir)
	}
	if cfg.Build.Jobs != 8 || cfg.Build.Profile != "size" || !cfg.Build.Compress {
		t.Errorf("Build overrides not applied: %+v", cfg.Build)
	}
	if cfg.Deploy.Parallelism != 25 || cfg.Deploy.RemoteDir != "/srv/planforge" {
		t.Errorf("Deploy overrides not applied: %+v", cfg.Deploy)
	}
	if cfg.Cache.Dir != filepath.Join("/var/lib/planforge", "cache") {
		t.Errorf("Expected derived cache dir, got: %s", cfg.Cache.Dir)
	}
	// Untouched defaults survive the overlay.
	if cfg.Deploy.MaxRetries != 3 {
		t.Errorf("Expected default max retries 3, got: %d", cfg.Deploy.MaxRetries)
	}
}

func TestLoadRejectsInvalidProfile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "planforge.yaml")
	doc := "build:\n  profile: fastest\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("Expected an error for an unknown build profile")
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load("/nonexistent/planforge.yaml"); err == nil {
		t.Fatal("Expected an error for a missing config file")
	}
}

func TestRuntimePayloadConfig(t *testing.T) {
	cfg := Default()
	cfg.Runtime.ControllerEndpoint = "https://controller.internal/report"
	cfg.Runtime.ExecutionTimeout = 5 * time.Minute
	cfg.Runtime.MaxRetries = 7
	cfg.Runtime.CleanupOnCompletion = false

	rc := cfg.RuntimePayloadConfig()
	if rc.ControllerEndpoint != "https://controller.internal/report" {
		t.Errorf("Expected controller endpoint to carry over, got: %s", rc.ControllerEndpoint)
	}
	if rc.ExecutionTimeout != 5*time.Minute {
		t.Errorf("Expected execution timeout 5m, got: %v", rc.ExecutionTimeout)
	}
	if rc.MaxRetries != 7 {
		t.Errorf("Expected max retries 7, got: %d", rc.MaxRetries)
	}
	if rc.CleanupOnCompletion {
		t.Error("Expected cleanup disabled")
	}
}

func TestTelemetryConfigConversion(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.MetricsEnabled = true
	cfg.Telemetry.MetricsAddress = ":9191"
	cfg.Telemetry.TracingEnabled = true
	cfg.Telemetry.TracingExporter = "otlp"
	cfg.Telemetry.TracingEndpoint = "collector:4317"

	tc := cfg.TelemetryConfig()
	if !tc.Metrics.Enabled || tc.Metrics.ListenAddress != ":9191" {
		t.Errorf("Expected metrics on :9191, got enabled=%v address=%s", tc.Metrics.Enabled, tc.Metrics.ListenAddress)
	}
	if !tc.Tracing.Enabled || tc.Tracing.Exporter != "otlp" || tc.Tracing.Endpoint != "collector:4317" {
		t.Errorf("Unexpected tracing config: %+v", tc.Tracing)
	}

	cfg.Telemetry.TracingExporter = "none"
	if tc := cfg.TelemetryConfig(); tc.Tracing.Enabled {
		t.Error("Expected exporter none to disable tracing")
	}
}
