package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName — имя instrumentation scope.
const TracerName = "github.com/shaiso/Hartree"

// Tracer возвращает tracer из глобального provider.
// Без настроенного exporter это no-op.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartSpan открывает span с атрибутами job/stage.
func StartSpan(ctx context.Context, name, jobID, stage string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{attribute.String("hartree.job_id", jobID)}
	if stage != "" {
		attrs = append(attrs, attribute.String("hartree.stage", stage))
	}
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan закрывает span, записывая ошибку, если она есть.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
