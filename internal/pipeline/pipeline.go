// Package pipeline hosts a polling task: it drives cycles one after another,
// delivers each batch and commits the batch checkpoint once delivery succeeds.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lsm/mixbridge/internal/checkpoint"
	"github.com/lsm/mixbridge/internal/mixpanel"
	"github.com/lsm/mixbridge/internal/observability"
	"github.com/lsm/mixbridge/internal/sink"
	"github.com/lsm/mixbridge/internal/task"
	"github.com/lsm/mixbridge/internal/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Cycle outcomes reported on the cycles metric.
const (
	StatusSuccess        = "success"
	StatusEmpty          = "empty"
	StatusFetchFailed    = "fetch_failed"
	StatusDeliveryFailed = "delivery_failed"
	StatusCommitFailed   = "commit_failed"
)

// Poller is the task surface the pipeline drives. *task.Task implements it.
type Poller interface {
	Start(ctx context.Context) error
	Poll(ctx context.Context) task.Result
	Stop()
}

// Config holds pipeline configuration.
type Config struct {
	Name string // connector name, used as the metrics label
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = observability.NewTraceLogger(logger) }
}

// WithMetrics records cycle outcomes on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithHealth reports cycle outcomes and readiness to h.
func WithHealth(h *observability.HealthServer) Option {
	return func(p *Pipeline) { p.health = h }
}

// WithTracer sets the tracer used for commit spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = tracer }
}

// Pipeline orchestrates the poll → deliver → commit loop for one connector.
type Pipeline struct {
	config  Config
	poller  Poller
	sink    sink.Sink
	store   checkpoint.Store
	logger  *observability.TraceLogger
	metrics *observability.Metrics
	health  *observability.HealthServer
	tracer  trace.Tracer
	now     func() time.Time
}

// New creates a new Pipeline.
func New(cfg Config, poller Poller, sk sink.Sink, store checkpoint.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		config: cfg,
		poller: poller,
		sink:   sk,
		store:  store,
		logger: observability.NewTraceLogger(slog.Default()),
		tracer: noop.NewTracerProvider().Tracer("pipeline"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the task and runs cycles until ctx is cancelled or the task is
// stopped. Cycle failures are logged and counted; they never end the loop.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info(ctx, "starting pipeline", "connector", p.config.Name)

	if err := p.poller.Start(ctx); err != nil {
		return fmt.Errorf("start task: %w", err)
	}
	p.setReady(true)
	defer p.setReady(false)

	for {
		if ctx.Err() != nil {
			return nil
		}
		res := p.poller.Poll(ctx)
		if errors.Is(res.Err, task.ErrStopped) {
			return nil
		}
		if errors.Is(res.Err, task.ErrInterrupted) && ctx.Err() != nil {
			return nil
		}
		p.process(ctx, res)
	}
}

// Stop stops the task; Run returns once the current cycle unwinds.
func (p *Pipeline) Stop() {
	p.poller.Stop()
}

// process delivers a cycle's batch and commits its checkpoint. It returns
// the outcome recorded for the cycle.
func (p *Pipeline) process(ctx context.Context, res task.Result) string {
	status := p.deliverAndCommit(ctx, res)

	if p.metrics != nil {
		p.metrics.CyclesTotal.WithLabelValues(p.config.Name, status).Inc()
		if res.Duration > 0 {
			p.metrics.CycleDuration.WithLabelValues(p.config.Name).Observe(res.Duration.Seconds())
		}
	}
	return status
}

func (p *Pipeline) deliverAndCommit(ctx context.Context, res task.Result) string {
	if !res.OK() {
		p.recordHealth(res.Err)
		return StatusFetchFailed
	}
	if len(res.Records) == 0 {
		p.logger.Info(ctx, "cycle produced no records, nothing to commit",
			"connector", p.config.Name,
			"cycle_id", res.CycleID,
			"to_date", res.Window.ToDate,
		)
		p.recordHealth(nil)
		return StatusEmpty
	}

	if err := p.sink.Deliver(ctx, res.Records); err != nil {
		p.logger.Error(ctx, "batch delivery failed, checkpoint not committed",
			"connector", p.config.Name,
			"cycle_id", res.CycleID,
			"records", len(res.Records),
			"error", err,
		)
		if p.metrics != nil {
			p.metrics.DeliveryErrors.WithLabelValues(p.config.Name).Inc()
		}
		p.recordHealth(err)
		return StatusDeliveryFailed
	}

	last := res.Records[len(res.Records)-1]
	if p.metrics != nil {
		p.metrics.RecordsTotal.WithLabelValues(p.config.Name, last.Topic).Add(float64(len(res.Records)))
	}

	if err := p.commit(ctx, res.CycleID, last.Checkpoint); err != nil {
		p.logger.Error(ctx, "checkpoint commit failed",
			"connector", p.config.Name,
			"cycle_id", res.CycleID,
			"position", last.Checkpoint.Position,
			"error", err,
		)
		if p.metrics != nil {
			p.metrics.CommitErrors.WithLabelValues(p.config.Name).Inc()
		}
		p.recordHealth(err)
		return StatusCommitFailed
	}

	p.logger.Info(ctx, "checkpoint committed",
		"connector", p.config.Name,
		"cycle_id", res.CycleID,
		"service", last.Checkpoint.Service,
		"position", last.Checkpoint.Position,
		"records", len(res.Records),
	)
	if p.metrics != nil {
		p.metrics.LastSuccess.WithLabelValues(p.config.Name).Set(float64(p.now().Unix()))
		if pos, err := time.ParseInLocation(mixpanel.DateLayout, last.Checkpoint.Position, time.Local); err == nil {
			p.metrics.CommittedWindow.WithLabelValues(p.config.Name).Set(float64(pos.Unix()))
		}
	}
	p.recordHealth(nil)
	return StatusSuccess
}

func (p *Pipeline) commit(ctx context.Context, cycleID string, cp checkpoint.Checkpoint) error {
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanCommit,
		trace.WithAttributes(
			tracing.ConnectorAttr(p.config.Name),
			tracing.CycleIDAttr(cycleID),
			tracing.ToDateAttr(cp.Position),
		),
	)
	defer span.End()

	if err := p.store.Commit(ctx, cp); err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	tracing.SetSpanOK(span)
	return nil
}

func (p *Pipeline) recordHealth(err error) {
	if p.health != nil {
		p.health.RecordCycle(p.now(), err)
	}
}

func (p *Pipeline) setReady(ready bool) {
	if p.health != nil {
		p.health.SetReady(ready)
	}
}

// Shutdown stops the task and closes the sink and checkpoint store.
// Returns all errors joined.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.logger.Info(ctx, "shutting down pipeline", "connector", p.config.Name)
	p.poller.Stop()

	var errs []error
	if err := p.sink.Close(); err != nil {
		p.logger.Error(ctx, "sink close error", "connector", p.config.Name, "error", err)
		errs = append(errs, fmt.Errorf("sink close: %w", err))
	}
	if err := p.store.Close(); err != nil {
		p.logger.Error(ctx, "checkpoint store close error", "connector", p.config.Name, "error", err)
		errs = append(errs, fmt.Errorf("checkpoint store close: %w", err))
	}

	p.logger.Info(ctx, "pipeline shutdown complete", "connector", p.config.Name)
	return errors.Join(errs...)
}
