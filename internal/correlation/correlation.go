// Package correlation carries cycle identity and trace context on outbound
// Kafka record headers.
package correlation

import (
	"context"

	"github.com/lsm/mixbridge/internal/tracing"
	"go.opentelemetry.io/otel/propagation"
)

const (
	HeaderCorrelationID = "mixbridge-correlation-id"
	HeaderPosition      = "mixbridge-position"
	HeaderTraceparent   = "traceparent"
)

// InjectTraceContext writes the trace context in ctx into headers using the
// global propagator. A nil map is allocated.
func InjectTraceContext(ctx context.Context, headers map[string]string) map[string]string {
	if headers == nil {
		headers = make(map[string]string, 2)
	}
	tracing.Propagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

// RecordHeaders returns the headers every record of a cycle carries: the
// cycle id as correlation id, the checkpoint position and the trace context.
func RecordHeaders(ctx context.Context, cycleID, position string) map[string]string {
	headers := map[string]string{
		HeaderCorrelationID: cycleID,
		HeaderPosition:      position,
	}
	return InjectTraceContext(ctx, headers)
}
