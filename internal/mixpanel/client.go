// Package mixpanel implements the Mixpanel raw event export protocol:
// request signing and a streaming export client.
package mixpanel

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lsm/mixbridge/internal/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"
)

const (
	// DefaultEndpoint is the raw event export resource.
	DefaultEndpoint = "https://data.mixpanel.com/api/2.0/export/"

	// DateLayout is the date format the export API expects for from_date and to_date.
	DateLayout = "2006-01-02"

	// SignatureTTL is how long a signed request stays valid.
	SignatureTTL = time.Hour

	maxErrorBody = 512
)

// ExportRequest holds the signed parameters of a single export call.
type ExportRequest struct {
	APIKey    string
	FromDate  string
	ToDate    string
	Expire    int64
	Signature string
}

// NewExportRequest builds a request for the window [from, to] and signs it.
// The signature expires SignatureTTL after now.
func NewExportRequest(apiKey, apiSecret string, from, to, now time.Time) ExportRequest {
	req := ExportRequest{
		APIKey:   apiKey,
		FromDate: from.Format(DateLayout),
		ToDate:   to.Format(DateLayout),
		Expire:   now.Add(SignatureTTL).Unix(),
	}
	req.Signature = Sign(req.APIKey, req.FromDate, req.ToDate, req.Expire, apiSecret)
	return req
}

// Query returns the URL query parameters of the request.
func (r ExportRequest) Query() url.Values {
	q := url.Values{}
	q.Set("api_key", r.APIKey)
	q.Set("from_date", r.FromDate)
	q.Set("to_date", r.ToDate)
	q.Set("expire", strconv.FormatInt(r.Expire, 10))
	q.Set("sig", r.Signature)
	return q
}

// Message is one element of an export stream. The final message of every
// stream has Done set; Err is non-nil when the stream ended in failure.
type Message struct {
	Payload string
	Done    bool
	Err     error
}

// StatusError is returned when the export endpoint answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("export returned status %d: %s", e.StatusCode, e.Body)
}

// Config holds export client configuration.
type Config struct {
	Endpoint        string
	RequestsPerHour int           // zero disables rate limiting
	Limiter         *rate.Limiter // shared limiter; overrides RequestsPerHour
}

// Client streams raw events from the export endpoint.
type Client struct {
	http     *http.Client
	endpoint string
	limiter  *rate.Limiter
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewClient creates a new export client.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	limiter := cfg.Limiter
	switch {
	case limiter != nil:
	case cfg.RequestsPerHour > 0:
		limiter = rate.NewLimiter(rate.Every(time.Hour/time.Duration(cfg.RequestsPerHour)), cfg.RequestsPerHour)
	default:
		limiter = rate.NewLimiter(rate.Inf, 1)
	}

	return &Client{
		// No client timeout: an export body can stream for a long time.
		// Callers bound the call through ctx.
		http:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		endpoint: endpoint,
		limiter:  limiter,
		logger:   logger,
		tracer:   noop.NewTracerProvider().Tracer("mixpanel-client"),
	}, nil
}

// SetTracer sets the tracer for the client.
func (c *Client) SetTracer(tracer trace.Tracer) {
	c.tracer = tracer
}

// Stream performs one export call and sends every event line to out, in
// the order the provider returned them. Sends block while out is full.
// Exactly one terminal message is sent last; nothing is written after it.
// If ctx is cancelled the terminal message is dropped when out has no room.
func (c *Client) Stream(ctx context.Context, req ExportRequest, out chan<- Message) {
	n, err := c.export(ctx, req, out)
	if err != nil {
		c.logger.Error("export failed",
			"from_date", req.FromDate,
			"to_date", req.ToDate,
			"events", n,
			"error", err,
		)
	} else {
		c.logger.Info("export complete",
			"from_date", req.FromDate,
			"to_date", req.ToDate,
			"events", n,
		)
	}

	select {
	case out <- Message{Done: true, Err: err}:
	case <-ctx.Done():
	}
}

func (c *Client) export(ctx context.Context, req ExportRequest, out chan<- Message) (int, error) {
	ctx, span := tracing.StartSpan(ctx, c.tracer, tracing.SpanExport,
		trace.WithAttributes(
			tracing.HTTPTargetAttr(c.endpoint),
			tracing.FromDateAttr(req.FromDate),
			tracing.ToDateAttr(req.ToDate),
		),
	)
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		tracing.SetSpanError(span, err)
		return 0, fmt.Errorf("rate limit wait: %w", err)
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return 0, fmt.Errorf("parse endpoint: %w", err)
	}
	u.RawQuery = req.Query().Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		tracing.SetSpanError(span, err)
		return 0, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")

	c.logger.Info("sending export request", "from_date", req.FromDate, "to_date", req.ToDate)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		tracing.SetSpanError(span, err)
		return 0, fmt.Errorf("export request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	span.SetAttributes(tracing.HTTPStatusAttr(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		err := &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
		tracing.SetSpanError(span, err)
		return 0, err
	}

	n, err := decodeLines(ctx, resp.Body, out)
	if err != nil {
		tracing.SetSpanError(span, err)
		return n, err
	}
	tracing.SetSpanOK(span)
	return n, nil
}

// decodeLines reads newline-delimited JSON from r and sends each event line
// to out. Blank lines are skipped; any other line must be valid JSON.
func decodeLines(ctx context.Context, r io.Reader, out chan<- Message) (int, error) {
	br := bufio.NewReader(r)
	n := 0
	for lineNo := 1; ; lineNo++ {
		line, readErr := br.ReadBytes('\n')
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return n, fmt.Errorf("read line %d: %w", lineNo, readErr)
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(bytes.TrimSpace(line)) > 0 {
			if !json.Valid(line) {
				return n, fmt.Errorf("line %d is not valid JSON", lineNo)
			}
			select {
			case out <- Message{Payload: string(line)}:
				n++
			case <-ctx.Done():
				return n, ctx.Err()
			}
		}

		if readErr != nil {
			return n, nil
		}
	}
}
