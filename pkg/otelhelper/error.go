package otelhelper

import (
	"github.com/scigateway/orchestrator/pkg/errkind"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SetError marks the span failed. The error kind and whether the scheduler would
// retry it are recorded next to attrs, so failed attempts can be told apart from
// fatal ones in a trace.
func SetError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	kind := errkind.Of(err)

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(
		attribute.String(ErrorKindKey, string(kind)),
		attribute.Bool(RetryableKey, errkind.Retryable(err)),
	)
	span.AddEvent("task.error", trace.WithAttributes(attrs...))
}
