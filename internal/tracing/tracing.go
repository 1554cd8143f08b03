// Package tracing sets up distributed tracing spans around the
// decision/execution paths (C6's provider queries, C7's open/close
// calls) that a Glass Box decision tracer once instrumented
// against its own gorm-backed span tables. Here the same instrumentation
// point is served by the standard OpenTelemetry SDK, exported to stdout
// by default, so any later switch to a real collector is a one-line
// exporter change rather than a rewrite of the call sites.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Setup installs a global TracerProvider exporting spans to stdout and
// returns a shutdown func the caller must run before exit to flush
// pending spans.
func Setup(serviceName string) (shutdown func(context.Context) error, err error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(),
		resource.NewSchemaless(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the named tracer from the global provider, a thin
// indirection so components don't each import otel directly.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}
