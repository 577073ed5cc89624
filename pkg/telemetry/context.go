package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry provides a unified telemetry interface combining logging, tracing, metrics, and events.
// It is an explicit handle: whoever creates it with New owns it and must call Shutdown.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// New creates a new telemetry instance from configuration.
func New(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = tracer.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		_ = tracer.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to create event publisher: %w", err)
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// NewNop returns telemetry that discards logs, keeps metrics in a private
// registry and delivers events synchronously. Intended for tests.
func NewNop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.ListenAddress = ""
	cfg.Events.EnableAsync = false

	tracer, _ := NewTracer(TracingConfig{}, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	metrics, _ := NewMetrics(cfg.Metrics)
	events, _ := NewEventPublisher(cfg.Events)

	return &Telemetry{
		Logger:  NopLogger(),
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}
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

// Shutdown tears down all telemetry components in reverse order of creation.
// Every component is shut down even if an earlier one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if err := t.Events.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down events: %w", err))
	}

	if err := t.Metrics.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down metrics server: %w", err))
	}

	if err := t.Tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down tracer: %w", err))
	}

	return errors.Join(errs...)
}

// Flush forces all pending telemetry data to be exported.
func (t *Telemetry) Flush(ctx context.Context) error {
	return t.Tracer.ForceFlush(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled.
func (t *Telemetry) StartMetricsServer() error {
	return t.Metrics.StartMetricsServer()
}

// InstrumentedContext creates a context with telemetry, logger fields, and a trace span.
type InstrumentedContext struct {
	Ctx       context.Context
	Span      trace.Span
	Logger    *Logger
	Timer     *Timer
	operation string
	telemetry *Telemetry
}

// StartOperation begins an instrumented operation with logging, tracing, and timing.
func (t *Telemetry) StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	spanCtx, span := t.Tracer.StartSpan(ctx, operation, attrs...)

	logger := t.Logger.WithField("operation", operation)
	if span.SpanContext().IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": span.SpanContext().TraceID().String(),
			"span_id":  span.SpanContext().SpanID().String(),
		})
	}

	return &InstrumentedContext{
		Ctx:       logger.WithContext(spanCtx),
		Span:      span,
		Logger:    logger,
		Timer:     NewTimer(),
		operation: operation,
		telemetry: t,
	}
}

// StartOperation begins an instrumented operation using the telemetry stored in ctx.
// Without telemetry in ctx only the timer and the context logger are set.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	if tel := FromTelemetryContext(ctx); tel != nil {
		return tel.StartOperation(ctx, operation, attrs...)
	}
	return &InstrumentedContext{
		Ctx:       ctx,
		Logger:    FromContext(ctx),
		Timer:     NewTimer(),
		operation: operation,
	}
}

// ErrorClassifier exposes the kind and code of a classified error.
type ErrorClassifier interface {
	ErrorKind() string
	ErrorCode() string
}

// End finishes the instrumented operation, recording success or failure.
func (ic *InstrumentedContext) End(err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}

	if ic.Span != nil {
		if err != nil {
			RecordError(ic.Span, err)
			var classified ErrorClassifier
			if errors.As(err, &classified) {
				ic.Span.SetAttributes(
					AttrErrorKind.String(classified.ErrorKind()),
					AttrErrorCode.String(classified.ErrorCode()),
				)
			}
		} else {
			RecordSuccess(ic.Span)
		}
		ic.Span.End()
	}

	if ic.telemetry != nil {
		ic.telemetry.Metrics.RecordOperation(ic.operation, status, ic.Timer.Duration())
		var classified ErrorClassifier
		if errors.As(err, &classified) {
			ic.telemetry.Metrics.RecordError(classified.ErrorKind(), classified.ErrorCode())
		}
	}
}
