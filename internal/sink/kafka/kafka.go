// Package kafka delivers records to a Kafka topic.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/lsm/mixbridge/internal/correlation"
	"github.com/lsm/mixbridge/internal/kafka"
	"github.com/lsm/mixbridge/internal/task"
	"github.com/lsm/mixbridge/internal/tracing"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// EventType is the CloudEvents type of a Mixpanel export event.
	EventType = "com.mixpanel.export.event"
	// DefaultEventSource is the CloudEvents source when none is configured.
	DefaultEventSource = "mixbridge/mixpanel"
)

// headerOrder fixes where known headers sit on a record. Keys not listed
// follow in lexical order.
var headerOrder = []string{
	correlation.HeaderCorrelationID,
	correlation.HeaderPosition,
	correlation.HeaderTraceparent,
	"tracestate",
	"ce_specversion",
	"ce_id",
	"ce_source",
	"ce_type",
	"ce_time",
	"content-type",
}

// producer abstracts the kafka client methods used by Sink for testing.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Config holds Kafka sink configuration.
type Config struct {
	Cluster     *kafka.ClusterConfig // required
	CloudEvents bool                 // add CloudEvents binary-mode headers
	EventSource string               // CloudEvents source attribute
}

// Sink produces records to the topic each record names.
type Sink struct {
	producer    producer
	cloudEvents bool
	eventSource string
	now         func() time.Time
	logger      *slog.Logger
	tracer      trace.Tracer
}

// NewSink creates a new Kafka sink.
func NewSink(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	// kgo produces idempotently by default; with all-ISR acks a batch
	// keeps push order across broker retries.
	client, err := kafka.NewClient(cfg.Cluster,
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.MaxBufferedRecords(task.QueueCapacity*10),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka sink: %w", err)
	}

	return newSink(client, cfg, logger), nil
}

func newSink(p producer, cfg Config, logger *slog.Logger) *Sink {
	source := cfg.EventSource
	if source == "" {
		source = DefaultEventSource
	}
	return &Sink{
		producer:    p,
		cloudEvents: cfg.CloudEvents,
		eventSource: source,
		now:         time.Now,
		logger:      logger,
		tracer:      noop.NewTracerProvider().Tracer("kafka-sink"),
	}
}

// SetTracer sets the tracer for the sink.
func (s *Sink) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// Deliver produces records synchronously, in order, and returns the first
// produce error.
func (s *Sink) Deliver(ctx context.Context, records []task.Record) error {
	if len(records) == 0 {
		return nil
	}
	start := time.Now()
	first := records[0]

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanKafkaPublish,
		trace.WithAttributes(
			tracing.KafkaTopicAttr(first.Topic),
			tracing.CorrelationAttr(first.CycleID),
			tracing.RecordsAttr(len(records)),
		),
	)
	defer span.End()

	krs := make([]*kgo.Record, 0, len(records))
	for _, r := range records {
		kr, err := s.toKafka(ctx, r)
		if err != nil {
			tracing.SetSpanError(span, err)
			return err
		}
		krs = append(krs, kr)
	}

	if err := s.producer.ProduceSync(ctx, krs...).FirstErr(); err != nil {
		tracing.SetSpanError(span, err)
		s.logger.Error("delivery failed",
			"correlation_id", first.CycleID,
			"target", first.Topic,
			"records", len(records),
			"error", err,
		)
		return fmt.Errorf("kafka produce to %s: %w", first.Topic, err)
	}

	tracing.SetSpanOK(span)
	s.logger.Info("records delivered",
		"correlation_id", first.CycleID,
		"target", first.Topic,
		"records", len(records),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (s *Sink) toKafka(ctx context.Context, r task.Record) (*kgo.Record, error) {
	headers := correlation.RecordHeaders(ctx, r.CycleID, r.Checkpoint.Position)
	if s.cloudEvents {
		if err := s.addCloudEventHeaders(headers); err != nil {
			return nil, err
		}
	}

	return &kgo.Record{
		Topic:   r.Topic,
		Value:   []byte(r.Payload),
		Headers: orderedHeaders(headers),
	}, nil
}

func orderedHeaders(headers map[string]string) []kgo.RecordHeader {
	out := make([]kgo.RecordHeader, 0, len(headers))
	seen := make(map[string]bool, len(headerOrder))
	for _, k := range headerOrder {
		seen[k] = true
		if v, ok := headers[k]; ok {
			out = append(out, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
	}
	for _, k := range slices.Sorted(maps.Keys(headers)) {
		if !seen[k] {
			out = append(out, kgo.RecordHeader{Key: k, Value: []byte(headers[k])})
		}
	}
	return out
}

// addCloudEventHeaders sets the CloudEvents Kafka binary content mode
// attributes. The record value stays the raw event line.
func (s *Sink) addCloudEventHeaders(headers map[string]string) error {
	e := cloudevents.NewEvent()
	e.SetID(uuid.NewString())
	e.SetSource(s.eventSource)
	e.SetType(EventType)
	e.SetTime(s.now().UTC())
	e.SetDataContentType(cloudevents.ApplicationJSON)
	if err := e.Validate(); err != nil {
		return fmt.Errorf("cloudevent attributes: %w", err)
	}

	headers["ce_specversion"] = e.SpecVersion()
	headers["ce_id"] = e.ID()
	headers["ce_source"] = e.Source()
	headers["ce_type"] = e.Type()
	headers["ce_time"] = e.Time().Format(time.RFC3339Nano)
	headers["content-type"] = e.DataContentType()
	return nil
}

// Close flushes and shuts down the producer.
func (s *Sink) Close() error {
	s.producer.Close()
	return nil
}
