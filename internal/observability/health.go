package observability

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthServer exposes /healthz and /readyz endpoints. The process is ready
// once a task is running; /healthz also reports the last cycle outcome.
type HealthServer struct {
	ready       atomic.Bool
	lastSuccess atomic.Int64
	lastError   atomic.Value
}

// NewHealthServer creates a new health server.
func NewHealthServer() *HealthServer {
	return &HealthServer{}
}

// SetReady marks whether a connector task is currently running.
func (h *HealthServer) SetReady(ready bool) {
	h.ready.Store(ready)
}

// RecordCycle notes the outcome of a completed cycle.
func (h *HealthServer) RecordCycle(at time.Time, err error) {
	if err != nil {
		h.lastError.Store(err.Error())
		return
	}
	h.lastSuccess.Store(at.Unix())
	h.lastError.Store("")
}

// Handler returns an http.Handler with health and readiness endpoints.
func (h *HealthServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	return mux
}

// ServeMux combines the health endpoints with /metrics for gatherer.
func (h *HealthServer) ServeMux(gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.HandleFunc("GET /readyz", h.handleReady)
	return mux
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if ts := h.lastSuccess.Load(); ts > 0 {
		body["last_success"] = time.Unix(ts, 0).UTC().Format(time.RFC3339)
	}
	if msg, _ := h.lastError.Load().(string); msg != "" {
		body["last_error"] = msg
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(body)
}

func (h *HealthServer) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.ready.Load() {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
	}
}
