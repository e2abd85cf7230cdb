package telemetry

import (
	"context"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry creates every telemetry component from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

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

// Nop returns a telemetry bundle that records nothing. Tests and callers
// without configuration use it.
func Nop() *Telemetry {
	metrics, _ := NewMetrics(MetricsConfig{})
	events, _ := NewEventPublisher(EventsConfig{})
	return &Telemetry{
		Logger:  NopLogger(),
		Metrics: metrics,
		Events:  events,
		Config:  DefaultConfig(),
	}
}

// Shutdown delivers queued events then flushes and stops the tracer.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if err := t.Events.Shutdown(ctx); err != nil {
		return err
	}
	return t.Tracer.Shutdown(ctx)
}

// StartMetricsServer starts the metrics HTTP server if metrics are enabled
// and returns the function that stops it.
func (t *Telemetry) StartMetricsServer() (func(context.Context) error, error) {
	return t.Metrics.StartMetricsServer()
}

// RecordDriverOperation wraps one controller driver call with a span and
// call metrics. codeOf maps the call's error to a result code label.
func (t *Telemetry) RecordDriverOperation(ctx context.Context, controller, operation, keyType string, codeOf func(error) string, fn func(ctx context.Context) error) error {
	if t == nil {
		return fn(ctx)
	}

	ctx, span := t.Tracer.StartDriverSpan(ctx, controller, operation, keyType)
	defer span.End()

	timer := NewTimer()
	err := fn(ctx)

	t.Metrics.RecordDriverCall(controller, operation, timer.Duration())
	if err != nil {
		code := codeOf(err)
		t.Metrics.RecordDriverError(controller, operation, code)
		span.SetAttributes(AttrResultCode.String(code))
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	return err
}
