// Package web serves the read API: agent snapshots, priority rankings,
// and a websocket event stream. It holds no business logic; every
// response is assembled from the store and the priority service.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/samotage/claude-monitor-sub002/internal/logging"
	"github.com/samotage/claude-monitor-sub002/internal/priority"
	"github.com/samotage/claude-monitor-sub002/internal/state"
	"github.com/samotage/claude-monitor-sub002/internal/store"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Ranker is the slice of the priority service the API needs.
type Ranker interface {
	Rank(ctx context.Context, refresh bool) priority.Result
}

// Config defines runtime options for the web server.
type Config struct {
	// ListenAddr defaults to a localhost port; the dashboard is local.
	ListenAddr string

	// StaleThreshold annotates tasks sitting too long in processing or
	// awaiting_input. Zero disables the annotation.
	StaleThreshold time.Duration
}

// Server wraps the HTTP server.
type Server struct {
	cfg        Config
	store      *store.Store
	ranker     Ranker
	bus        *state.Bus
	httpServer *http.Server
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer wires routes and middleware.
func NewServer(cfg Config, st *store.Store, ranker Ranker, bus *state.Bus) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8773"
	}

	s := &Server{cfg: cfg, store: st, ranker: ranker, bus: bus}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/priority", s.handlePriority)
	mux.HandleFunc("/ws/events", s.handleEventsWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	webLog.Info("web_listening", slog.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server, closing websocket streams first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancelBase()
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		webLog.Warn("write_response_failed", slog.String("error", err.Error()))
	}
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("handler_panic",
					slog.String("path", r.URL.Path),
					slog.Any("panic", rec))
				writeAPIError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
