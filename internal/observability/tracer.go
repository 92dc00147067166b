package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// InitTracer installs a process-wide TracerProvider per cfg and returns it
// for shutdown. Unlike the teacher, Scintilla does not depend on an OTLP
// exporter package, so spans are sampled and recorded by the SDK's own
// span processors but not shipped to a collector — this still exercises
// go.opentelemetry.io/otel/sdk's resource and sampling machinery for
// in-process span propagation (and a debug/log exporter can be added
// later without touching call sites, since every caller only ever asks
// for GetTracer(name)).
func InitTracer(cfg TracingConfig) (trace.TracerProvider, error) {
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noop.NewTracerProvider(), nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// GetTracer returns a named tracer from the current global TracerProvider,
// matching the teacher's observability.GetTracer(name) call shape.
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// SpanAttrs is a small convenience alias so callers outside this package
// don't need to import go.opentelemetry.io/otel/attribute directly for
// the common case of tagging a span with string attributes.
func SpanAttrs(kv map[string]string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(kv))
	for k, v := range kv {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}
