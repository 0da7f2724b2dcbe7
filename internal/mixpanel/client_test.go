package mixpanel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func collect(t *testing.T, out <-chan Message) ([]string, error) {
	t.Helper()
	var lines []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case msg := <-out:
			if msg.Done {
				return lines, msg.Err
			}
			lines = append(lines, msg.Payload)
		case <-timeout:
			t.Fatal("timed out waiting for terminal message")
		}
	}
}

func testRequest() ExportRequest {
	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	return NewExportRequest("key", "secret", from, to, time.Unix(1700000000, 0))
}

func TestNewExportRequest(t *testing.T) {
	req := testRequest()

	if req.FromDate != "2024-03-01" {
		t.Errorf("expected from_date 2024-03-01, got %s", req.FromDate)
	}
	if req.ToDate != "2024-03-02" {
		t.Errorf("expected to_date 2024-03-02, got %s", req.ToDate)
	}
	if req.Expire != 1700003600 {
		t.Errorf("expected expire 1700003600, got %d", req.Expire)
	}
	if want := Sign("key", "2024-03-01", "2024-03-02", 1700003600, "secret"); req.Signature != want {
		t.Errorf("signature mismatch: got %s, want %s", req.Signature, want)
	}
}

func TestNewClient_InvalidEndpoint(t *testing.T) {
	_, err := NewClient(Config{Endpoint: "not a url"}, nil)
	if err == nil {
		t.Fatal("expected error for invalid endpoint")
	}
}

func TestNewClient_DefaultEndpoint(t *testing.T) {
	c, err := NewClient(Config{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.endpoint != DefaultEndpoint {
		t.Errorf("expected default endpoint, got %s", c.endpoint)
	}
}

func TestStream_SendsLinesInOrder(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		gotQuery = map[string]string{}
		for k, v := range r.URL.Query() {
			gotQuery[k] = v[0]
		}
		_, _ = w.Write([]byte("{\"event\":\"a\"}\n\n{\"event\":\"b\"}\r\n{\"event\":\"c\"}"))
	}))
	defer srv.Close()

	c, err := NewClient(Config{Endpoint: srv.URL}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	req := testRequest()
	out := make(chan Message, 10)
	go c.Stream(context.Background(), req, out)

	lines, err := collect(t, out)
	if err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}

	want := []string{`{"event":"a"}`, `{"event":"b"}`, `{"event":"c"}`}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d: %v", len(want), len(lines), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("line %d: got %s, want %s", i, lines[i], want[i])
		}
	}

	if len(gotQuery) != 5 {
		t.Errorf("expected 5 query params, got %d: %v", len(gotQuery), gotQuery)
	}
	if gotQuery["api_key"] != "key" || gotQuery["from_date"] != "2024-03-01" || gotQuery["to_date"] != "2024-03-02" {
		t.Errorf("unexpected query: %v", gotQuery)
	}
	if gotQuery["expire"] != "1700003600" {
		t.Errorf("expected expire 1700003600, got %s", gotQuery["expire"])
	}
	if gotQuery["sig"] != req.Signature {
		t.Errorf("expected sig %s, got %s", req.Signature, gotQuery["sig"])
	}
}

func TestStream_EmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := NewClient(Config{Endpoint: srv.URL}, nil)
	out := make(chan Message, 1)
	go c.Stream(context.Background(), testRequest(), out)

	lines, err := collect(t, out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("expected no lines, got %d", len(lines))
	}
}

func TestStream_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"Invalid signature"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c, _ := NewClient(Config{Endpoint: srv.URL}, nil)
	out := make(chan Message, 1)
	go c.Stream(context.Background(), testRequest(), out)

	_, err := collect(t, out)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", se.StatusCode)
	}
	if !strings.Contains(se.Body, "Invalid signature") {
		t.Errorf("expected body excerpt, got %q", se.Body)
	}
}

func TestStream_InvalidJSONLine(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{\"event\":\"a\"}\nnot json\n{\"event\":\"c\"}\n"))
	}))
	defer srv.Close()

	c, _ := NewClient(Config{Endpoint: srv.URL}, nil)
	out := make(chan Message, 10)
	go c.Stream(context.Background(), testRequest(), out)

	lines, err := collect(t, out)
	if err == nil {
		t.Fatal("expected decode error")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("expected error to name line 2, got %v", err)
	}
	if len(lines) != 1 {
		t.Errorf("expected 1 line before the failure, got %d", len(lines))
	}
}

func TestStream_Backpressure(t *testing.T) {
	body := strings.Repeat("{\"n\":1}\n", 50)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c, _ := NewClient(Config{Endpoint: srv.URL}, nil)
	out := make(chan Message) // unbuffered: every send waits for the reader
	go c.Stream(context.Background(), testRequest(), out)

	lines, err := collect(t, out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 50 {
		t.Errorf("expected 50 lines, got %d", len(lines))
	}
}

func TestStream_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("{\"n\":1}\n", 10)))
	}))
	defer srv.Close()

	c, _ := NewClient(Config{Endpoint: srv.URL}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Message) // nobody reads: the first send blocks

	done := make(chan struct{})
	go func() {
		c.Stream(ctx, testRequest(), out)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stream did not return after cancellation")
	}
}

func TestStream_RateLimited(t *testing.T) {
	c, _ := NewClient(Config{Endpoint: "http://127.0.0.1:1/", RequestsPerHour: 1}, nil)
	// Spend the single burst token.
	if !c.limiter.Allow() {
		t.Fatal("expected first token to be available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out := make(chan Message, 1)
	go c.Stream(ctx, testRequest(), out)

	_, err := collect(t, out)
	if err == nil || !strings.Contains(err.Error(), "rate limit") {
		t.Errorf("expected rate limit error, got %v", err)
	}
}

func TestNewClient_SharedLimiter(t *testing.T) {
	shared := rate.NewLimiter(rate.Every(time.Hour), 1)
	c, err := NewClient(Config{Endpoint: "http://127.0.0.1:1/", RequestsPerHour: 100, Limiter: shared}, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if c.limiter != shared {
		t.Error("expected the shared limiter to be used")
	}
}
