package kafka

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/lsm/mixbridge/internal/checkpoint"
	"github.com/lsm/mixbridge/internal/correlation"
	intkafka "github.com/lsm/mixbridge/internal/kafka"
	"github.com/lsm/mixbridge/internal/task"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// mockProducer implements the producer interface for testing.
type mockProducer struct {
	records []*kgo.Record
	err     error
	calls   int
	closed  bool
}

func (m *mockProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	m.calls++
	m.records = append(m.records, rs...)
	var results kgo.ProduceResults
	for _, r := range rs {
		results = append(results, kgo.ProduceResult{Record: r, Err: m.err})
	}
	return results
}

func (m *mockProducer) Close() { m.closed = true }

func testRecords(payloads ...string) []task.Record {
	var out []task.Record
	for _, p := range payloads {
		out = append(out, task.Record{
			Checkpoint: checkpoint.Checkpoint{Service: checkpoint.ServiceMixpanel, Position: "2024-03-15"},
			Topic:      "mixpanel-events",
			Payload:    p,
			CycleID:    "cycle-1",
		})
	}
	return out
}

func headerMap(r *kgo.Record) map[string]string {
	m := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		m[h.Key] = string(h.Value)
	}
	return m
}

func TestNewSink_MissingCluster(t *testing.T) {
	_, err := NewSink(Config{}, nil)
	if err == nil {
		t.Fatal("expected error for missing cluster")
	}
	if err.Error() != "cluster config is required" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewSink_Valid(t *testing.T) {
	s, err := NewSink(Config{Cluster: &intkafka.ClusterConfig{Brokers: []string{"localhost:9092"}}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = s.Close()
}

func TestSink_Deliver_InOrderSingleProduce(t *testing.T) {
	mp := &mockProducer{}
	s := newSink(mp, Config{}, slog.Default())

	err := s.Deliver(context.Background(), testRecords(`{"n":1}`, `{"n":2}`, `{"n":3}`))
	if err != nil {
		t.Fatalf("deliver failed: %v", err)
	}
	if mp.calls != 1 {
		t.Errorf("expected one produce call, got %d", mp.calls)
	}
	if len(mp.records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(mp.records))
	}
	for i, want := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		r := mp.records[i]
		if string(r.Value) != want {
			t.Errorf("record %d: expected value %s, got %s", i, want, r.Value)
		}
		if r.Topic != "mixpanel-events" {
			t.Errorf("record %d: expected topic mixpanel-events, got %s", i, r.Topic)
		}
		if r.Key != nil {
			t.Errorf("record %d: expected nil key, got %s", i, r.Key)
		}
		h := headerMap(r)
		if h[correlation.HeaderCorrelationID] != "cycle-1" {
			t.Errorf("record %d: expected correlation id cycle-1, got %q", i, h[correlation.HeaderCorrelationID])
		}
		if h[correlation.HeaderPosition] != "2024-03-15" {
			t.Errorf("record %d: expected position header, got %q", i, h[correlation.HeaderPosition])
		}
		if _, ok := h["ce_id"]; ok {
			t.Errorf("record %d: unexpected CloudEvents header", i)
		}
	}
}

func TestSink_Deliver_Empty(t *testing.T) {
	mp := &mockProducer{}
	s := newSink(mp, Config{}, slog.Default())

	if err := s.Deliver(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mp.calls != 0 {
		t.Errorf("expected no produce call for an empty batch, got %d", mp.calls)
	}
}

func TestSink_Deliver_Error(t *testing.T) {
	mp := &mockProducer{err: errors.New("broker unavailable")}
	s := newSink(mp, Config{}, slog.Default())

	err := s.Deliver(context.Background(), testRecords(`{}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if err.Error() != "kafka produce to mixpanel-events: broker unavailable" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSink_Deliver_CloudEvents(t *testing.T) {
	mp := &mockProducer{}
	s := newSink(mp, Config{CloudEvents: true, EventSource: "mixbridge/test"}, slog.Default())
	s.now = func() time.Time { return time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC) }

	if err := s.Deliver(context.Background(), testRecords(`{"event":"signup"}`, `{"event":"login"}`)); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	ids := map[string]bool{}
	for _, r := range mp.records {
		h := headerMap(r)
		if h["ce_specversion"] != "1.0" {
			t.Errorf("expected specversion 1.0, got %q", h["ce_specversion"])
		}
		if h["ce_source"] != "mixbridge/test" {
			t.Errorf("expected source mixbridge/test, got %q", h["ce_source"])
		}
		if h["ce_type"] != EventType {
			t.Errorf("expected type %s, got %q", EventType, h["ce_type"])
		}
		if !strings.HasPrefix(h["ce_time"], "2024-03-15T12:00:00") {
			t.Errorf("unexpected ce_time %q", h["ce_time"])
		}
		if h["content-type"] != "application/json" {
			t.Errorf("unexpected content-type %q", h["content-type"])
		}
		if h["ce_id"] == "" || ids[h["ce_id"]] {
			t.Errorf("expected a unique ce_id, got %q", h["ce_id"])
		}
		ids[h["ce_id"]] = true
	}
	if string(mp.records[0].Value) != `{"event":"signup"}` {
		t.Errorf("value must stay the raw event line, got %s", mp.records[0].Value)
	}
}

func headerKeys(r *kgo.Record) []string {
	keys := make([]string, 0, len(r.Headers))
	for _, h := range r.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}

func TestSink_Deliver_HeaderOrder(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	mp := &mockProducer{}
	s := newSink(mp, Config{CloudEvents: true}, slog.Default())

	var payloads []string
	for i := 0; i < 20; i++ {
		payloads = append(payloads, `{"event":"signup"}`)
	}
	if err := s.Deliver(ctx, testRecords(payloads...)); err != nil {
		t.Fatalf("deliver failed: %v", err)
	}

	want := []string{
		correlation.HeaderCorrelationID,
		correlation.HeaderPosition,
		correlation.HeaderTraceparent,
		"ce_specversion",
		"ce_id",
		"ce_source",
		"ce_type",
		"ce_time",
		"content-type",
	}
	for i, r := range mp.records {
		if got := headerKeys(r); strings.Join(got, ",") != strings.Join(want, ",") {
			t.Fatalf("record %d: expected headers %v, got %v", i, want, got)
		}
	}
}

func TestOrderedHeaders_UnknownKeysSorted(t *testing.T) {
	got := orderedHeaders(map[string]string{
		"zeta":                          "z",
		"baggage":                       "k=v",
		correlation.HeaderPosition:      "2024-03-15",
		correlation.HeaderCorrelationID: "cycle-1",
	})

	want := []string{correlation.HeaderCorrelationID, correlation.HeaderPosition, "baggage", "zeta"}
	if len(got) != len(want) {
		t.Fatalf("expected %d headers, got %d", len(want), len(got))
	}
	for i, h := range got {
		if h.Key != want[i] {
			t.Errorf("header %d: expected %s, got %s", i, want[i], h.Key)
		}
	}
	if string(got[1].Value) != "2024-03-15" {
		t.Errorf("unexpected position value %q", got[1].Value)
	}
}

func TestSink_Close(t *testing.T) {
	mp := &mockProducer{}
	s := newSink(mp, Config{}, slog.Default())
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !mp.closed {
		t.Error("expected producer to be closed")
	}
}
