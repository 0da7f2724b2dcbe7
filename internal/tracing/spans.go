package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrConnector     = "mixbridge.connector"
	AttrCycleID       = "mixbridge.cycle_id"
	AttrFromDate      = "mixbridge.window.from_date"
	AttrToDate        = "mixbridge.window.to_date"
	AttrRecords       = "mixbridge.records"
	AttrCorrelationID = "mixbridge.correlation_id"
	AttrKafkaTopic    = "messaging.kafka.topic"
	AttrHTTPTarget    = "http.target"
	AttrHTTPStatus    = "http.status_code"
)

// Span names.
const (
	SpanPoll         = "mixbridge.poll"
	SpanExport       = "mixpanel.export"
	SpanKafkaPublish = "kafka.publish"
	SpanCommit       = "mixbridge.checkpoint.commit"
)

// StartSpan starts a span. A nil tracer yields the span already in ctx.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// SetSpanError records err on the span and marks it failed.
func SetSpanError(span trace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span successful.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}

// Attribute constructors.

func ConnectorAttr(name string) attribute.KeyValue   { return attribute.String(AttrConnector, name) }
func CycleIDAttr(id string) attribute.KeyValue       { return attribute.String(AttrCycleID, id) }
func FromDateAttr(date string) attribute.KeyValue    { return attribute.String(AttrFromDate, date) }
func ToDateAttr(date string) attribute.KeyValue      { return attribute.String(AttrToDate, date) }
func RecordsAttr(n int) attribute.KeyValue           { return attribute.Int(AttrRecords, n) }
func CorrelationAttr(id string) attribute.KeyValue   { return attribute.String(AttrCorrelationID, id) }
func KafkaTopicAttr(topic string) attribute.KeyValue { return attribute.String(AttrKafkaTopic, topic) }
func HTTPTargetAttr(url string) attribute.KeyValue   { return attribute.String(AttrHTTPTarget, url) }
func HTTPStatusAttr(status int) attribute.KeyValue   { return attribute.Int(AttrHTTPStatus, status) }

// IsTraced reports whether ctx carries a valid recording span.
func IsTraced(ctx context.Context) bool {
	span := trace.SpanFromContext(ctx)
	return span.SpanContext().IsValid() && span.IsRecording()
}
