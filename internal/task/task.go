// Package task implements the Mixpanel polling task: one call to Poll runs
// one export cycle over a sliding date window and returns the records it
// produced.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lsm/mixbridge/internal/checkpoint"
	"github.com/lsm/mixbridge/internal/connector"
	"github.com/lsm/mixbridge/internal/mixpanel"
	"github.com/lsm/mixbridge/internal/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// QueueCapacity bounds the handoff channel between the fetch worker and the task.
const QueueCapacity = 1000

var (
	// ErrStopped is returned by Poll once Stop has been called.
	ErrStopped = errors.New("task stopped")
	// ErrInterrupted is returned when the inter-cycle sleep or the drain
	// is interrupted by context cancellation.
	ErrInterrupted = errors.New("cycle interrupted")
	// ErrFetchTimeout is returned when the fetch worker does not finish
	// within the configured fetch timeout.
	ErrFetchTimeout = errors.New("fetch timed out")
)

// FetchError reports a failed export for a window. The cycle that hit it
// yields no records.
type FetchError struct {
	Window Window
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s..%s: %v", e.Window.FromDate, e.Window.ToDate, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Fetcher streams one export into out and finishes with a Done message.
// *mixpanel.Client implements it.
type Fetcher interface {
	Stream(ctx context.Context, req mixpanel.ExportRequest, out chan<- mixpanel.Message)
}

// Window is the date range covered by a cycle, formatted for the export API.
type Window struct {
	FromDate string
	ToDate   string
}

// Record is one event ready for delivery. Checkpoint is what the host
// commits once the record has been delivered.
type Record struct {
	Checkpoint checkpoint.Checkpoint
	Topic      string
	Payload    string
	CycleID    string
}

// Result is the outcome of one cycle. Records is never nil; it is empty
// whenever Err is set.
type Result struct {
	CycleID  string
	Window   Window
	Records  []Record
	Err      error
	Duration time.Duration
}

// OK reports whether the cycle completed without error.
func (r Result) OK() bool { return r.Err == nil }

// Option configures a Task.
type Option func(*Task)

// WithClock sets the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Task) { t.now = now }
}

// WithSleep replaces the inter-cycle sleep, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(t *Task) { t.sleep = sleep }
}

// WithCheckpointReader lets Start look up the last committed position.
func WithCheckpointReader(r checkpoint.Reader) Option {
	return func(t *Task) { t.reader = r }
}

// WithTracer sets the tracer used for cycle spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(t *Task) { t.tracer = tracer }
}

// Task polls the export API one window at a time. Poll must not be
// called concurrently; a second caller waits for the first.
type Task struct {
	cfg     connector.TaskConfig
	fetcher Fetcher
	logger  *slog.Logger
	tracer  trace.Tracer
	reader  checkpoint.Reader
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error

	pollMu    sync.Mutex // serializes cycles
	started   bool
	firstDone bool

	mu            sync.Mutex // guards the fields below
	stopped       bool
	stopCh        chan struct{}
	lastCommitted string
}

// New creates a task. cfg must come from connector.Parse.
func New(cfg connector.TaskConfig, fetcher Fetcher, logger *slog.Logger, opts ...Option) *Task {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Task{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logger,
		tracer:  noop.NewTracerProvider().Tracer("mixbridge-task"),
		now:     time.Now,
		sleep:   sleepContext,
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start prepares the task for its first cycle. When a checkpoint reader is
// attached the last committed position is looked up and logged; windows are
// still derived from the wall clock.
func (t *Task) Start(ctx context.Context) error {
	t.pollMu.Lock()
	defer t.pollMu.Unlock()

	t.started = true
	t.firstDone = false

	if t.reader != nil {
		pos, ok, err := t.reader.ReadPosition(ctx, checkpoint.ServiceMixpanel)
		switch {
		case err != nil:
			t.logger.Warn("could not read last committed position", "error", err)
		case ok:
			t.mu.Lock()
			t.lastCommitted = pos
			t.mu.Unlock()
			t.logger.Info("last committed position", "service", checkpoint.ServiceMixpanel, "position", pos)
		default:
			t.logger.Info("no committed position found", "service", checkpoint.ServiceMixpanel)
		}
	}

	t.logger.Info("task started",
		"topic", t.cfg.Topic,
		"poll_frequency", t.cfg.PollFrequency.String(),
		"update_window_days", t.cfg.UpdateWindow,
	)
	return nil
}

// LastCommitted returns the position read at Start, or "" if none was found.
func (t *Task) LastCommitted() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastCommitted
}

// Stop cancels any pending sleep or in-flight fetch and makes later Poll
// calls return ErrStopped. It is safe to call more than once.
func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.stopCh)
	t.logger.Info("task stopping", "topic", t.cfg.Topic)
}

func (t *Task) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Poll runs one cycle. The first cycle after Start runs immediately; every
// later one first sleeps for the poll frequency.
func (t *Task) Poll(ctx context.Context) Result {
	t.pollMu.Lock()
	defer t.pollMu.Unlock()

	res := Result{CycleID: uuid.NewString(), Records: []Record{}}
	if !t.started {
		res.Err = errors.New("task not started")
		return res
	}
	if t.isStopped() {
		res.Err = ErrStopped
		return res
	}

	// Stop cancels everything the cycle is waiting on.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	first := !t.firstDone
	t.firstDone = true
	if !first {
		if err := t.sleep(ctx, t.cfg.PollFrequency); err != nil {
			res.Err = t.interruption(err)
			t.logger.Warn("cycle aborted during sleep", "cycle_id", res.CycleID, "error", res.Err)
			return res
		}
	}

	start := t.now()
	to := truncateDay(start)
	from := to.AddDate(0, 0, -t.cfg.UpdateWindow)
	req := mixpanel.NewExportRequest(t.cfg.APIKey, t.cfg.APISecret, from, to, start)
	res.Window = Window{FromDate: req.FromDate, ToDate: req.ToDate}

	ctx, span := tracing.StartSpan(ctx, t.tracer, tracing.SpanPoll,
		trace.WithAttributes(
			tracing.CycleIDAttr(res.CycleID),
			tracing.FromDateAttr(req.FromDate),
			tracing.ToDateAttr(req.ToDate),
		),
	)
	defer span.End()

	t.logger.Info("cycle starting",
		"cycle_id", res.CycleID,
		"from_date", req.FromDate,
		"to_date", req.ToDate,
	)

	records, err := t.fetch(ctx, req, res.CycleID)
	res.Duration = t.now().Sub(start)
	if err != nil {
		res.Err = err
		tracing.SetSpanError(span, err)
		t.logger.Error("cycle failed, no records emitted",
			"cycle_id", res.CycleID,
			"from_date", req.FromDate,
			"to_date", req.ToDate,
			"error", err,
		)
		return res
	}

	res.Records = records
	span.SetAttributes(tracing.RecordsAttr(len(records)))
	tracing.SetSpanOK(span)
	t.logger.Info("cycle complete",
		"cycle_id", res.CycleID,
		"from_date", req.FromDate,
		"to_date", req.ToDate,
		"records", len(records),
		"duration_ms", res.Duration.Milliseconds(),
	)
	return res
}

// fetch spawns one worker for req and drains its channel until the worker
// reports completion. The worker is always joined before fetch returns.
func (t *Task) fetch(ctx context.Context, req mixpanel.ExportRequest, cycleID string) ([]Record, error) {
	window := Window{FromDate: req.FromDate, ToDate: req.ToDate}

	workerCtx, cancelWorker := context.WithCancel(ctx)
	msgs := make(chan mixpanel.Message, QueueCapacity)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.fetcher.Stream(workerCtx, req, msgs)
	}()
	defer func() {
		cancelWorker()
		wg.Wait()
	}()

	var deadline <-chan time.Time
	if t.cfg.FetchTimeout > 0 {
		timer := time.NewTimer(t.cfg.FetchTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	cp := checkpoint.Checkpoint{Service: checkpoint.ServiceMixpanel, Position: req.ToDate}
	records := []Record{}
	for {
		select {
		case msg := <-msgs:
			if msg.Done {
				if msg.Err != nil {
					return []Record{}, &FetchError{Window: window, Err: msg.Err}
				}
				return records, nil
			}
			records = append(records, Record{
				Checkpoint: cp,
				Topic:      t.cfg.Topic,
				Payload:    msg.Payload,
				CycleID:    cycleID,
			})
		case <-deadline:
			return []Record{}, &FetchError{Window: window, Err: ErrFetchTimeout}
		case <-ctx.Done():
			return []Record{}, t.interruption(ctx.Err())
		}
	}
}

func (t *Task) interruption(err error) error {
	if t.isStopped() {
		return ErrStopped
	}
	return fmt.Errorf("%w: %w", ErrInterrupted, err)
}

// truncateDay returns midnight of ts's calendar day in ts's location.
func truncateDay(ts time.Time) time.Time {
	y, m, d := ts.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, ts.Location())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
