// Package web is the minimal HTTP surface named in SPEC_FULL.md §9/§2
// item 11: session CRUD, message delivery, approval resolution, and an
// SSE conversation tail, with a bearer-token auth middleware in front.
// Grounded on internal/web package layout (api.go +
// middleware.go + a ServeMux-based Handler), trimmed to this module's
// narrower scope — no dashboard templates, no channel/plugin surfaces.
package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/duraloop/duraloop/internal/agent"
	"github.com/duraloop/duraloop/internal/sessions"
)

// Config wires the dependencies the HTTP surface needs.
type Config struct {
	Store sessions.Store
	Dispatcher *agent.Dispatcher
	Agents agent.AgentResolver
	Auth *Authenticator // optional; nil disables auth
	Logger *slog.Logger
}

// Handler is duraloopd's JSON/SSE API.
type Handler struct {
	cfg Config
	mux *http.ServeMux
}

func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &Handler{cfg: cfg, mux: http.NewServeMux()}
	h.routes()
	return h
}

func (h *Handler) routes() {
	h.mux.HandleFunc("POST /sessions", h.createSession)
	h.mux.HandleFunc("GET /sessions/{id}", h.getSession)
	h.mux.HandleFunc("POST /sessions/{id}/messages", h.postMessage)
	h.mux.HandleFunc("POST /sessions/{id}/approve", h.postApproval)
	h.mux.HandleFunc("GET /sessions/{id}/stream", h.streamSession)
}

// Mount wraps the handler with logging and (if configured) auth
// middleware, in that order — matching Mount() idiom.
func (h *Handler) Mount() http.Handler {
	var handler http.Handler = h.mux
	if h.cfg.Auth != nil {
		handler = h.cfg.Auth.Middleware(handler)
	}
	handler = loggingMiddleware(h.cfg.Logger, handler)
	return handler
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(status int) {
	rw.status = status
	rw.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start))
	})
}
