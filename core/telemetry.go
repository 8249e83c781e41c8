package core

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Span mirrors the teacher framework's minimal span abstraction so callers
// never import the otel API directly.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// Telemetry is the optional tracing/metrics seam used by the dispatch core
// to emit one span around each dispatched call and its latency/outcome
// metrics.
type Telemetry interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
	RecordMetric(name string, value float64, labels map[string]string)
}

// NoOpTelemetry discards everything.
type NoOpTelemetry struct{}

func (NoOpTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	return ctx, noopSpan{}
}
func (NoOpTelemetry) RecordMetric(string, float64, map[string]string) {}

type noopSpan struct{}

func (noopSpan) End()                               {}
func (noopSpan) SetAttribute(string, interface{})   {}
func (noopSpan) RecordError(error)                  {}

// OTelTelemetry adapts the global OpenTelemetry tracer and meter into the
// Telemetry interface, grounded on the teacher's telemetry package usage of
// go.opentelemetry.io/otel.
type OTelTelemetry struct {
	tracerName string

	meter metric.Meter

	mu         sync.Mutex
	histograms map[string]metric.Float64Histogram
}

// NewOTelTelemetry returns a Telemetry backed by the global otel
// TracerProvider and MeterProvider.
func NewOTelTelemetry(tracerName string) *OTelTelemetry {
	return &OTelTelemetry{
		tracerName: tracerName,
		meter:      otel.Meter(tracerName),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (t *OTelTelemetry) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	tracer := otel.Tracer(t.tracerName)
	ctx, span := tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

func (t *OTelTelemetry) RecordMetric(name string, value float64, labels map[string]string) {
	h, err := t.histogramFor(name)
	if err != nil {
		return
	}

	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	h.Record(context.Background(), value, metric.WithAttributes(attrs...))
}

// histogramFor returns the named histogram instrument, creating it lazily
// the first time a metric with that name is recorded.
func (t *OTelTelemetry) histogramFor(name string) (metric.Float64Histogram, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h, ok := t.histograms[name]; ok {
		return h, nil
	}
	h, err := t.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	t.histograms[name] = h
	return h, nil
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
}

// NewLocalOTelTelemetry builds an OTelTelemetry backed by a real SDK
// TracerProvider and MeterProvider, exporting spans to stdout as
// pretty-printed JSON (the MeterProvider has no reader, so metrics are
// not exported) — useful for running HostBridge locally without
// standing up a collector. Production deployments should instead point
// the otel SDK's own environment variables (OTEL_EXPORTER_OTLP_ENDPOINT)
// at a collector and call NewOTelTelemetry directly against the globally
// configured provider. The returned shutdown func flushes and closes both
// providers; callers must invoke it during graceful shutdown.
func NewLocalOTelTelemetry(tracerName string) (*OTelTelemetry, func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, fmt.Errorf("core: creating stdout trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	mp := sdkmetric.NewMeterProvider()

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		if err := tp.Shutdown(ctx); err != nil {
			return err
		}
		return mp.Shutdown(ctx)
	}

	return NewOTelTelemetry(tracerName), shutdown, nil
}
