// Package telemetry provides observability instrumentation for the build and
// deployment pipeline.
//
// The telemetry package integrates structured logging (zerolog), distributed
// tracing (OpenTelemetry), metrics (Prometheus), and event publishing into a
// unified system for monitoring builds, compilations, and deployments.
//
// # Architecture
//
// The telemetry system is built on four pillars:
//
//  1. Structured Logging - Context-aware logging with zerolog
//  2. Distributed Tracing - OpenTelemetry traces with multiple exporters
//  3. Metrics Collection - Prometheus metrics for operational insights
//  4. Event Publishing - Async event system for audit and notifications
//
// # Usage
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceVersion = "1.0.0"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	// Start metrics server
//	if err := tel.StartMetricsServer(); err != nil {
//	    log.Fatal(err)
//	}
//
// Add telemetry to context:
//
//	ctx = tel.WithContext(ctx)
//
// # Structured Logging
//
// The logger provides component-specific logging with automatic context propagation:
//
//	logger := tel.Logger.NewComponentLogger("deployer")
//	logger = logger.WithBuildID("build-123").WithHost("web-1")
//	logger.Info("Starting deployment")
//	logger.WithError(err).Error("Transfer failed")
//
// Log levels: trace, debug, info, warn, error, fatal
//
// # Distributed Tracing
//
// Tracing provides visibility into build and deployment flow:
//
//	ctx, span := tel.Tracer.StartCompileSpan(ctx, "x86_64-linux-gnu", "release", fingerprint)
//	defer span.End()
//
// Spans are exported via OTLP gRPC or to stdout depending on configuration.
//
// # Metrics
//
// The pipeline exposes Prometheus metrics for builds, cache behavior, and
// deployments:
//
//	tel.Metrics.RecordCacheHit()
//	tel.Metrics.RecordCompile(triple, profile, duration, sizeBytes)
//	tel.Metrics.RecordDeployment("active", duration)
//
// Metrics are served on the configured listen address, /metrics by default.
//
// # Events
//
// The event publisher delivers lifecycle events to subscribers with optional
// filtering:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// # Lifecycle Helpers
//
// WithBuildContext and WithDeployContext enrich a context with a span, scoped
// logger, metrics, and a started event; the matching End functions record the
// outcome:
//
//	ctx = telemetry.WithBuildContext(ctx, buildID, profile)
//	// ... run the build ...
//	telemetry.EndBuildContext(ctx, buildID, profile, status, err)
package telemetry
