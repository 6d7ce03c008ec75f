// Package server provides the status HTTP server of the handlink consumer.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ayusman/handlink/internal/consumer"
	"github.com/ayusman/handlink/internal/host"
	"github.com/ayusman/handlink/internal/logging"
)

const shutdownTimeout = 5 * time.Second

// SceneSource exposes the driven object to readers off the host main loop.
type SceneSource interface {
	Snapshot() (host.Snapshot, bool)
	Revision() uint64
}

// SessionSource exposes the current tracking session.
type SessionSource interface {
	Active() *consumer.Controller
}

// Config holds the server configuration.
type Config struct {
	Scene    SceneSource
	Sessions SessionSource
	Log      *zap.Logger
}

// Server represents the HTTP status server.
type Server struct {
	config Config
	mux    *http.ServeMux
	start  time.Time
	log    *zap.Logger
	feed   *TransformHandler
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
		log:    logging.Component(config.Log, "server"),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes for the server.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)

	if s.config.Scene != nil {
		s.feed = NewTransformHandler(s.config.Scene, s.log)
		s.mux.HandleFunc("/api/transform", s.handleTransform)
		s.mux.Handle("/api/ws", s.feed)
	}

	if s.config.Sessions != nil {
		s.mux.HandleFunc("/api/session", s.handleSession)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Broadcast pushes transform updates to WebSocket clients until ctx is done.
func (s *Server) Broadcast(ctx context.Context) {
	if s.feed != nil {
		s.feed.Run(ctx)
	}
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("status server listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.Broadcast(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.feed.closeAll()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.start).String(),
	})
}

// handleTransform handles GET /api/transform.
func (s *Server) handleTransform(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap, ok := s.config.Scene.Snapshot()
	if !ok {
		writeError(w, http.StatusNotFound, "no active object")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// sessionResponse is the JSON body of /api/session.
type sessionResponse struct {
	Active bool            `json:"active"`
	Stats  *consumer.Stats `json:"stats,omitempty"`
}

// handleSession handles GET /api/session.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c := s.config.Sessions.Active()
	if c == nil {
		writeJSON(w, http.StatusOK, sessionResponse{})
		return
	}
	st := c.Stats()
	writeJSON(w, http.StatusOK, sessionResponse{Active: true, Stats: &st})
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
