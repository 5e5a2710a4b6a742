// Package tracing records OpenTelemetry spans for ferry's transfer steps.
//
// Components always start spans through Start; until Setup installs a
// provider the global one is a no-op, so tracing costs nothing unless a run
// asks for a trace file.
package tracing

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// instrumentation names the tracer every ferry span comes from.
const instrumentation = "github.com/ajitpratap0/ferry"

// Provider owns the tracer provider installed by Setup.
type Provider struct {
	tp       *sdktrace.TracerProvider
	previous trace.TracerProvider
}

// Setup installs a global tracer provider that writes every finished span
// to w as JSON, one object per span. Shutdown flushes and restores the
// previous provider.
func Setup(w io.Writer, service, version, jobID string) (*Provider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", service),
		attribute.String("service.version", version),
		attribute.String("ferry.job_id", jobID),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(time.Second)),
	)

	p := &Provider{tp: tp, previous: otel.GetTracerProvider()}
	otel.SetTracerProvider(tp)
	return p, nil
}

// Shutdown exports buffered spans and puts the previous provider back.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	otel.SetTracerProvider(p.previous)
	return p.tp.Shutdown(ctx)
}

// Start opens a span named name as a child of any span in ctx.
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, when non-nil, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
