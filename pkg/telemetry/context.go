package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/flowctl/pkg/engine"
)

// Telemetry bundles logging, tracing, metrics and events for one process.
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

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return newTelemetry(cfg, logger)
}

// NewTelemetryWithLogger creates a telemetry instance around an existing logger.
func NewTelemetryWithLogger(cfg *Config, logger *Logger) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTelemetry(cfg, logger)
}

func newTelemetry(cfg *Config, logger *Logger) (*Telemetry, error) {
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events := NewEventPublisher(cfg.Events)
	events.Subscribe(LogSubscriber(logger.NewComponentLogger("events")), nil)

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Instrument wires metrics, tracing and the event publisher into scheduler options.
func (t *Telemetry) Instrument(opts engine.Options) engine.Options {
	opts.Metrics = t.Metrics
	opts.Tracer = t.Tracer.Tracer()
	opts.Sinks = append(append([]engine.EventSink(nil), opts.Sinks...), t.Events)
	return opts
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
// If no telemetry is found, it returns nil.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown flushes events and spans. Both are attempted even if one fails.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}

// Operation is an instrumented unit of CLI work: a span, a logger carrying
// the trace ids, and a start time.
type Operation struct {
	Ctx     context.Context
	Span    trace.Span
	Logger  *Logger
	started time.Time
}

// StartOperation begins an instrumented operation. Without telemetry in ctx
// the span is a no-op and the logger is taken from ctx.
func StartOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) *Operation {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return &Operation{
			Ctx:     ctx,
			Span:    trace.SpanFromContext(context.Background()),
			Logger:  FromContext(ctx),
			started: time.Now(),
		}
	}

	spanCtx, span := tel.Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	logger := tel.Logger.WithField("operation", name)
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.WithFields(map[string]interface{}{
			"trace_id": sc.TraceID().String(),
			"span_id":  sc.SpanID().String(),
		})
	}

	return &Operation{
		Ctx:     logger.WithContext(spanCtx),
		Span:    span,
		Logger:  logger,
		started: time.Now(),
	}
}

// Duration returns the time since the operation started.
func (o *Operation) Duration() time.Duration {
	return time.Since(o.started)
}

// End finishes the operation, recording success or failure on the span.
func (o *Operation) End(err error) {
	if err != nil {
		RecordError(o.Span, err)
		o.Logger.WithError(err).Debugf("Operation failed after %s", o.Duration())
	} else {
		RecordSuccess(o.Span)
		o.Logger.Debugf("Operation completed in %s", o.Duration())
	}
	o.Span.End()
}
