// Package api is isorun's HTTP entry point: POST /execute, GET /health,
// and GET /events (the eventstream diagnostic websocket). Grounded on
// cmd/pulse-sensor-proxy's http_server.go (stdlib http.ServeMux plus a
// hand-rolled middleware chain, sendJSON/sendJSONError helpers) — the
// teacher itself reaches for net/http here rather than a router library,
// so this stays on the standard library too.
package api

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isorun/isorun/internal/eventstream"
	"github.com/isorun/isorun/internal/metrics"
	"github.com/isorun/isorun/internal/models"
)

var componentLog = log.With().Str("component", "api").Logger()

// maxBodyBytes bounds the request body net/http will read; larger bodies
// are rejected before they ever reach the guard plugin's maxSize check.
const maxBodyBytes = 4 << 20 // 4 MiB

// Kernel is the subset of internal/kernel.Kernel the router depends on,
// kept as an interface so this package never imports internal/kernel.
type Kernel interface {
	Execute(ctx context.Context, req models.Request) models.Output
}

// Router wires the HTTP surface together.
type Router struct {
	kernel  Kernel
	hub     *eventstream.Hub
	version string

	dedupe *dedupeCache

	mux *http.ServeMux
}

// New builds the HTTP handler for isorun's entry point. hub may be nil,
// in which case GET /events responds 404.
func New(kernel Kernel, hub *eventstream.Hub, version string) *Router {
	r := &Router{
		kernel:  kernel,
		hub:     hub,
		version: version,
		dedupe:  newDedupeCache(2 * time.Second),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/execute", r.handleExecute)
	mux.HandleFunc("/health", r.handleHealth)
	if hub != nil {
		mux.HandleFunc("/events", hub.ServeHTTP)
	}
	r.mux = mux
	return r
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) handleExecute(w http.ResponseWriter, httpReq *http.Request) {
	if httpReq.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	httpReq.Body = http.MaxBytesReader(w, httpReq.Body, maxBodyBytes)

	var req models.Request
	dec := json.NewDecoder(httpReq.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		sendJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if r.dedupe.seen(fingerprint(req)) {
		sendJSONError(w, http.StatusTooManyRequests, "duplicate request within dedupe window")
		return
	}

	start := time.Now()
	out := r.kernel.Execute(httpReq.Context(), req)
	metrics.ObserveOutput(out.OK, out.Duration, exceptionNames(out))

	if r.hub != nil {
		r.hub.Broadcast(eventstream.Event{
			OK:         out.OK,
			DurationMS: out.Duration,
			LogCount:   len(out.Logs),
			Timestamp:  start.UnixMilli(),
		})
	}

	status := http.StatusOK
	if hasLogName(out, models.ErrNamePayloadTooLarge) {
		status = http.StatusRequestEntityTooLarge
	}

	sendJSON(w, status, out)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sendJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": r.version,
	})
}

func hasLogName(out models.Output, name string) bool {
	for _, l := range out.Logs {
		if l.Name == name {
			return true
		}
	}
	return false
}

func exceptionNames(out models.Output) []string {
	names := make([]string, 0, len(out.Logs))
	for _, l := range out.Logs {
		if l.Level == models.LogLevelException && l.Name != "" {
			names = append(names, l.Name)
		}
	}
	return names
}

func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		componentLog.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func sendJSONError(w http.ResponseWriter, status int, message string) {
	sendJSON(w, status, map[string]string{"error": message})
}

// fingerprint hashes the fields that make two requests "the same" for
// dedupe purposes (spec.md: "429 for duplicate-within-window rejections").
func fingerprint(req models.Request) [32]byte {
	encoded, _ := json.Marshal(struct {
		Code  string `json:"code"`
		Entry string `json:"entry"`
		Input any    `json:"input"`
	}{req.Code, req.EffectiveEntry(), req.Input})
	return sha256.Sum256(encoded)
}

// dedupeCache rejects a repeat of the same fingerprint seen within the
// last window. Grounded on internal/dbpool's reaper pattern: a
// mutex-guarded map plus a background sweep goroutine.
type dedupeCache struct {
	mu     sync.Mutex
	seenAt map[[32]byte]time.Time
	window time.Duration
}

func newDedupeCache(window time.Duration) *dedupeCache {
	c := &dedupeCache{seenAt: make(map[[32]byte]time.Time), window: window}
	go c.sweepLoop()
	return c
}

func (c *dedupeCache) seen(fp [32]byte) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.seenAt[fp]; ok && now.Sub(last) < c.window {
		return true
	}
	c.seenAt[fp] = now
	return false
}

func (c *dedupeCache) sweepLoop() {
	ticker := time.NewTicker(c.window)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-c.window)
		c.mu.Lock()
		for fp, at := range c.seenAt {
			if at.Before(cutoff) {
				delete(c.seenAt, fp)
			}
		}
		c.mu.Unlock()
	}
}
