package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Initialize logger
	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	// Initialize tracer
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	// Initialize metrics
	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	// Initialize event publisher
	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	ctx = t.Logger.WithContext(ctx)
	return ctx
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown gracefully shuts down all telemetry components.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	// Shutdown in reverse order of initialization
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		return err
	}

	// Metrics server is not explicitly shut down here as it may need to continue
	// serving metrics until the very end of the application lifecycle

	return nil
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// Context helpers for common instrumentation patterns

// InstrumentedContext creates a context with telemetry, logger fields, and a trace span.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &InstrumentedContext{
			Ctx:    ctx,
			Logger: FromContext(ctx),
			Timer:  NewTimer(),
		}
	}

	// Start trace span
	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)

	// Create logger with operation field
	logger := tel.Logger.WithField("operation", operation)

	// Add trace context to logger if available
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:    spanCtx,
		Span:   span,
		Logger: logger,
		Timer:  NewTimer(),
	}
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span != nil {
		if err != nil {
			RecordError(ic.Span, err)
		} else {
			RecordSuccess(ic.Span)
		}
		ic.Span.End()
	}
}

// WithBuildContext creates a context enriched with build-specific telemetry.
func WithBuildContext(ctx context.Context, buildID, profile string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	// Start build span
	spanCtx, span := tel.Tracer.StartBuildSpan(ctx, buildID)

	// Create build-specific logger
	logger := tel.Logger.WithBuildID(buildID).WithField("profile", profile)
	spanCtx = logger.WithContext(spanCtx)

	// Record build started metric
	tel.Metrics.RecordBuildStarted(profile)

	// Publish build started event
	_ = tel.Events.PublishBuildStarted(buildID, profile)

	// Store the span and timer in context for later retrieval
	spanCtx = context.WithValue(spanCtx, buildSpanKey{}, span)
	spanCtx = context.WithValue(spanCtx, buildTimerKey{}, NewTimer())

	return spanCtx
}

// buildSpanKey is the context key for build spans.
type buildSpanKey struct{}

// buildTimerKey is the context key for build timers.
type buildTimerKey struct{}

// EndBuildContext completes the build context, recording metrics and events.
func EndBuildContext(ctx context.Context, buildID, profile, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	// Get the build span from context
	if span, ok := ctx.Value(buildSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrBuildStatus.String(status))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	// Get the timer from context
	var duration time.Duration
	if timer, ok := ctx.Value(buildTimerKey{}).(*Timer); ok {
		duration = timer.Duration()
	}

	// Record metrics
	tel.Metrics.RecordBuildCompleted(profile, status, duration)

	// Publish events
	if err != nil {
		_ = tel.Events.PublishBuildFailed(buildID, err.Error())
	} else {
		_ = tel.Events.PublishBuildCompleted(buildID, status, duration)
	}
}

// WithDeployContext creates a context enriched with deployment-specific telemetry.
func WithDeployContext(ctx context.Context, hostID, deploymentID string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	// Start deploy span
	spanCtx, span := tel.Tracer.StartDeploySpan(ctx, hostID, deploymentID)

	// Create deployment-specific logger
	logger := tel.Logger.WithHost(hostID).WithDeploymentID(deploymentID)
	spanCtx = logger.WithContext(spanCtx)

	// Track the deployment as in flight
	tel.Metrics.DeploymentStarted()

	// Publish deploy started event
	_ = tel.Events.PublishDeployStarted(hostID, deploymentID)

	// Store the span and timer in context
	spanCtx = context.WithValue(spanCtx, deploySpanKey{}, span)
	spanCtx = context.WithValue(spanCtx, deployTimerKey{}, NewTimer())

	return spanCtx
}

// deploySpanKey is the context key for deploy spans.
type deploySpanKey struct{}

// deployTimerKey is the context key for deploy timers.
type deployTimerKey struct{}

// EndDeployContext completes the deployment context, recording metrics and events.
func EndDeployContext(ctx context.Context, hostID, deploymentID, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	// Get the span from context
	if span, ok := ctx.Value(deploySpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrDeployStatus.String(status))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	// Get the timer from context
	var duration time.Duration
	if timer, ok := ctx.Value(deployTimerKey{}).(*Timer); ok {
		duration = timer.Duration()
	}

	// Record metrics
	tel.Metrics.DeploymentFinished()
	tel.Metrics.RecordDeployment(status, duration)

	// Publish events
	if err != nil {
		_ = tel.Events.PublishDeployFailed(hostID, deploymentID, err.Error())
	} else {
		_ = tel.Events.PublishDeployCompleted(hostID, deploymentID, duration)
	}
}

// RecordCompileOperation records a single target compilation with metrics and tracing.
func RecordCompileOperation(ctx context.Context, triple, profile, fingerprint string, fn func() (int64, error)) error {
	tel := FromTelemetryContext(ctx)

	// Start span
	var span trace.Span
	if tel != nil {
		ctx, span = tel.Tracer.StartCompileSpan(ctx, triple, profile, fingerprint)
		defer span.End()
	}

	// Start timer
	timer := NewTimer()

	// Execute compilation
	sizeBytes, err := fn()

	// Record metrics
	if tel != nil {
		duration := timer.Duration()
		tel.Metrics.RecordCompile(triple, profile, duration, sizeBytes)
		if err != nil {
			RecordError(span, err)
		} else {
			span.SetAttributes(AttrBinarySize.Int64(sizeBytes))
			RecordSuccess(span)
		}
	}

	return err
}
