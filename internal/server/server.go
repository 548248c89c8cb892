// Package server exposes the router over HTTP: the OpenAI-compatible
// surface, health, metrics, and a small admin surface.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smartrouter/smartrouter/internal/config"
	. "github.com/smartrouter/smartrouter/internal/logging"
	"github.com/smartrouter/smartrouter/internal/models"
	"github.com/smartrouter/smartrouter/internal/profiles"
	"github.com/smartrouter/smartrouter/internal/router"
)

// Server is the HTTP front of the router.
type Server struct {
	cfg        *config.Config
	store      *profiles.Store
	models     *models.Registry
	dispatcher *router.Dispatcher
	httpServer *http.Server
}

// New wires the HTTP surface.
func New(cfg *config.Config, store *profiles.Store, reg *models.Registry, dispatcher *router.Dispatcher) *Server {
	s := &Server{
		cfg:        cfg,
		store:      store,
		models:     reg,
		dispatcher: dispatcher,
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", s.wrap(s.dispatcher.HandleChatCompletions))
	mux.HandleFunc("GET /v1/models", s.wrap(s.handleModels))
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /admin/profiles", s.wrap(s.adminOnly(s.handleAdminProfiles)))
	mux.HandleFunc("POST /admin/profiles/clear", s.wrap(s.adminOnly(s.handleAdminClearCooldown)))
	return mux
}

// Start serves until the listener closes.
func (s *Server) Start() error {
	L_info("server: listening", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// statusWriter captures the status code for the request log while keeping
// Flush working for SSE responses.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// wrap is the request-logging middleware.
func (s *Server) wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		L_debug("http",
			"method", r.Method, "path", r.URL.Path,
			"status", sw.status, "elapsed", time.Since(start).String())
	}
}

// adminOnly gates a handler behind the configured admin password.
func (s *Server) adminOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminPassword == "" {
			http.Error(w, "admin surface disabled", http.StatusForbidden)
			return
		}
		if r.Header.Get("X-Admin-Password") != s.cfg.AdminPassword {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		h(w, r)
	}
}
