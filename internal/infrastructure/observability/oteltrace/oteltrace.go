package oteltrace

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aitbekov/kaspi-sync/internal/observability"
)

type tracer struct{ t trace.Tracer }

// New wraps the globally configured OpenTelemetry tracer. The caller is
// responsible for installing a TracerProvider with an exporter.
func New(name string) observability.Tracer {
	if name == "" {
		name = "kaspi-sync"
	}
	return &tracer{t: otel.Tracer(name)}
}

func (t *tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.t.Start(ctx, name, trace.WithAttributes(attrs...))
}
