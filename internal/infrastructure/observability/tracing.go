package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/alexisbeaulieu97/pipeflow/internal/domain/derrors"
	"github.com/alexisbeaulieu97/pipeflow/internal/ports"
)

const instrumentationName = "github.com/alexisbeaulieu97/pipeflow"

// TracingConfig holds the OTLP exporter settings.
type TracingConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	SampleRatio    float64
}

// SetupTracing installs an OTLP/HTTP tracer provider as the global provider
// and returns its shutdown function.
func SetupTracing(ctx context.Context, cfg TracingConfig, logger ports.Logger) (func(context.Context) error, error) {
	logger.Info(ctx, "setting up tracing",
		"service_name", cfg.ServiceName,
		"otlp_endpoint", cfg.Endpoint,
	)

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

// Tracer implements ports.Tracer on an OpenTelemetry tracer provider.
type Tracer struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewTracer returns a tracer from provider. A nil provider uses the global one.
func NewTracer(provider trace.TracerProvider) *Tracer {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &Tracer{
		tracer:     provider.Tracer(instrumentationName),
		propagator: propagation.TraceContext{},
	}
}

// NewNoopTracer returns a tracer that records nothing.
func NewNoopTracer() *Tracer {
	return NewTracer(noop.NewTracerProvider())
}

// StartSpan opens a span. attributes are alternating keys and values.
func (t *Tracer) StartSpan(ctx context.Context, name string, attributes ...interface{}) (context.Context, ports.Span) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(toAttributes(attributes)...))
	if id := ports.GetCorrelationID(ctx); id != "" {
		span.SetAttributes(attribute.String("correlation_id", id))
	}
	return ctx, &otelSpan{span: span}
}

// Inject writes the span context of ctx into carrier, which must be a
// map[string]string or a propagation.TextMapCarrier.
func (t *Tracer) Inject(ctx context.Context, carrier interface{}) error {
	c, err := textMapCarrier(carrier)
	if err != nil {
		return err
	}
	t.propagator.Inject(ctx, c)
	return nil
}

// Extract reads a span context from carrier into ctx.
func (t *Tracer) Extract(ctx context.Context, carrier interface{}) (context.Context, error) {
	c, err := textMapCarrier(carrier)
	if err != nil {
		return ctx, err
	}
	return t.propagator.Extract(ctx, c), nil
}

func textMapCarrier(carrier interface{}) (propagation.TextMapCarrier, error) {
	switch c := carrier.(type) {
	case map[string]string:
		return propagation.MapCarrier(c), nil
	case propagation.TextMapCarrier:
		return c, nil
	default:
		return nil, derrors.New(derrors.ErrCodeValidation, "unsupported trace carrier", map[string]interface{}{
			"type": fmt.Sprintf("%T", carrier),
		})
	}
}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	s.span.SetAttributes(toAttribute(key, value))
}

func (s *otelSpan) SetStatus(status ports.SpanStatus, message string) {
	if status == ports.SpanStatusError {
		s.span.SetStatus(codes.Error, message)
		return
	}
	s.span.SetStatus(codes.Ok, message)
}

func (s *otelSpan) End() { s.span.End() }

func toAttributes(kv []interface{}) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		out = append(out, toAttribute(key, kv[i+1]))
	}
	return out
}

func toAttribute(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}

var _ ports.Tracer = (*Tracer)(nil)
