package telemetry_test

import (
	"context"
	"fmt"
	"time"

	"github.com/planforge/planforge/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Example_basicSetup demonstrates basic telemetry setup.
func Example_basicSetup() {
	// Create configuration
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = "1.0.0"

	// Initialize telemetry
	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	// Start metrics server (non-blocking)
	if err := tel.StartMetricsServer(); err != nil {
		panic(err)
	}

	// Add telemetry to context
	ctx := tel.WithContext(context.Background())

	// Use telemetry
	logger := telemetry.FromContext(ctx)
	logger.Info("Application started")

	// Output can vary, so we don't specify output for this example
}

// Example_structuredLogging demonstrates structured logging features.
func Example_structuredLogging() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Logging.Output = "stdout"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Component-specific logger
	logger := tel.Logger.NewComponentLogger("deployer")

	// Add context fields
	logger = logger.WithFields(map[string]interface{}{
		"build_id": "build-123",
		"host":     "web-1",
	})

	// Log at different levels
	logger.Debug("Connecting to host")
	logger.Info("Binary transferred")
	logger.Warn("Checksum verification slow")

	// Log with error
	err := fmt.Errorf("network timeout")
	logger.WithError(err).Error("Failed to connect to remote host")

	// Output varies, no output specified
}

// Example_distributedTracing demonstrates distributed tracing usage.
func Example_distributedTracing() {
	cfg := telemetry.DevelopmentConfig()
	cfg.Tracing.Exporter = "stdout"

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	// Start a span
	ctx, span := tel.Tracer.Start(ctx, "build.execute")
	defer span.End()

	// Add attributes
	span.SetAttributes(
		attribute.String("plan.id", "plan-789"),
		attribute.Int("plan.tasks", 5),
	)

	// Add event
	span.AddEvent("embed.complete")

	// Nested span
	_, childSpan := tel.Tracer.StartCompileSpan(ctx, "x86_64-linux-gnu", "release", "a1b2c3")
	defer childSpan.End()

	// Simulate work
	time.Sleep(10 * time.Millisecond)

	// Record success
	telemetry.RecordSuccess(childSpan)

	// Output varies, no output specified
}

// Example_metricsCollection demonstrates metrics collection.
func Example_metricsCollection() {
	cfg := telemetry.DefaultConfig()
	cfg.Metrics.Enabled = true

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Record build metrics
	tel.Metrics.RecordBuildStarted("release")

	// Simulate build execution
	start := time.Now()
	time.Sleep(50 * time.Millisecond)
	duration := time.Since(start)

	tel.Metrics.RecordBuildCompleted("release", "succeeded", duration)

	// Record compilation and cache metrics
	tel.Metrics.RecordCacheMiss()
	tel.Metrics.RecordCompile("x86_64-linux-gnu", "release", 25*time.Millisecond, 8<<20)
	tel.Metrics.RecordCacheHit()

	// Record deployment metrics
	tel.Metrics.RecordDeployment("active", 15*time.Millisecond)
	tel.Metrics.RecordTransfer(8 << 20)

	// Record error metrics
	tel.Metrics.RecordError("TRANSFER_FAILED")

	fmt.Println("Metrics recorded successfully")
	// Output: Metrics recorded successfully
}

// Example_eventPublishing demonstrates event publishing and subscription.
func Example_eventPublishing() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.Enabled = true
	cfg.Events.EnableAsync = false // Synchronous for example

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Subscribe to events
	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
	}, nil) // No filter, receive all events

	// Publish events
	tel.Events.PublishBuildStarted("build-123", "release")
	tel.Events.PublishDeployStarted("web-1", "dep-1")
	tel.Events.PublishDeployCompleted("web-1", "dep-1", 25*time.Millisecond)

	// Output varies due to async nature, no output specified
}

// Example_buildInstrumentation demonstrates instrumenting a complete build.
func Example_buildInstrumentation() {
	cfg := telemetry.DevelopmentConfig()
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	// Start build context
	buildID := "build-123"
	ctx = telemetry.WithBuildContext(ctx, buildID, "release")

	// Compile a target inside the build
	_ = telemetry.RecordCompileOperation(ctx, "x86_64-linux-gnu", "release", "a1b2c3", func() (int64, error) {
		time.Sleep(10 * time.Millisecond)
		return 8 << 20, nil
	})

	// End build context
	telemetry.EndBuildContext(ctx, buildID, "release", "succeeded", nil)

	fmt.Println("Build instrumentation complete")
	// Output: Build instrumentation complete
}

// Example_deployInstrumentation demonstrates instrumenting a per host deployment.
func Example_deployInstrumentation() {
	cfg := telemetry.DevelopmentConfig()
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	// Start deployment context
	ctx = telemetry.WithDeployContext(ctx, "web-1", "dep-1")

	// Get logger from context
	logger := telemetry.FromContext(ctx)
	logger.Info("Transferring binary")

	// Simulate work
	time.Sleep(10 * time.Millisecond)

	// End deployment context
	telemetry.EndDeployContext(ctx, "web-1", "dep-1", "active", nil)

	fmt.Println("Deploy instrumentation complete")
	// Output: Deploy instrumentation complete
}

// Example_instrumentedOperation demonstrates using the InstrumentedContext helper.
func Example_instrumentedOperation() {
	cfg := telemetry.DevelopmentConfig()
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	// Start instrumented operation
	ic := telemetry.StartOperation(ctx, "validate_plan",
		attribute.String("plan.path", "/etc/planforge/plan.yaml"),
	)
	defer ic.End(nil)

	// Use the instrumented context
	ic.Logger.Info("Validating execution plan")

	// Simulate validation
	time.Sleep(5 * time.Millisecond)

	ic.Logger.Debug("Plan validation complete")

	fmt.Println("Operation instrumentation complete")
	// Output: Operation instrumentation complete
}

// Example_eventFiltering demonstrates event filtering.
func Example_eventFiltering() {
	cfg := telemetry.DefaultConfig()
	cfg.Events.Enabled = true
	cfg.Events.EnableAsync = false

	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Subscribe with level filter (only warnings and errors)
	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("Important event: %s\n", event.Type)
	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))

	// Subscribe with type filter (only rollback events)
	tel.Events.Subscribe(func(event telemetry.Event) {
		fmt.Printf("Rollback event: %s\n", event.Message)
	}, telemetry.FilterByType(telemetry.EventTypeDeployRolledBack))

	// Publish various events
	tel.Events.PublishBuildStarted("build-123", "release")        // Info - filtered by level filter
	tel.Events.PublishDeployRolledBack("web-1", "dep-1", "verify") // Warning - passes level filter
	tel.Events.PublishBuildFailed("build-123", "toolchain missing") // Error - passes level filter

	// Output varies, no output specified
}

// Example_productionConfiguration demonstrates production-ready configuration.
func Example_productionConfiguration() {
	cfg := telemetry.ProductionConfig()

	// Customize for your environment
	cfg.ServiceVersion = "1.2.3"
	cfg.Environment = "production"

	// Configure OTLP exporter
	cfg.Tracing.Exporter = "otlp"
	cfg.Tracing.Endpoint = "otel-collector.monitoring.svc.cluster.local:4317"
	cfg.Tracing.SamplingRate = 0.1 // 10% sampling
	cfg.Tracing.Insecure = false   // Use TLS in production

	// Configure metrics
	cfg.Metrics.ListenAddress = ":9090"
	cfg.Metrics.Namespace = "planforge"

	// Configure events
	cfg.Events.BufferSize = 10000
	cfg.Events.FlushInterval = 5 * time.Second

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	fmt.Println("Production configuration validated")
	// Output: Production configuration validated
}

// Example_errorRecording demonstrates error recording with proper classification.
func Example_errorRecording() {
	cfg := telemetry.DevelopmentConfig()
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	ctx := tel.WithContext(context.Background())

	// Start a span
	ctx, span := tel.Tracer.Start(ctx, "transfer_binary")
	defer span.End()

	// Simulate an error
	err := fmt.Errorf("connection timeout")

	if err != nil {
		// Record error on span
		telemetry.RecordError(span, err)

		// Record error metric with classification
		tel.Metrics.RecordError("TRANSFER_FAILED")

		// Log error
		logger := telemetry.FromContext(ctx)
		logger.WithError(err).Error("Operation failed")
	}

	fmt.Println("Error recording complete")
	// Output: Error recording complete
}

// Example_multipleComponents demonstrates telemetry in a multi-component system.
func Example_multipleComponents() {
	cfg := telemetry.DevelopmentConfig()
	tel, _ := telemetry.NewTelemetry(cfg)
	defer tel.Shutdown(context.Background())

	// Component-specific loggers
	builderLogger := tel.Logger.NewComponentLogger("builder")
	cacheLogger := tel.Logger.NewComponentLogger("cache")
	deployLogger := tel.Logger.NewComponentLogger("deployer")

	builderLogger.Info("Builder initialized")
	cacheLogger.Info("Compilation cache opened")
	deployLogger.Info("Deployment manager ready")

	fmt.Println("Multi-component logging complete")
	// Output: Multi-component logging complete
}
