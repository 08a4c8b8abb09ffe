// Package http provides the admin HTTP surface: health verdicts,
// connection statistics, Prometheus exposition, and service
// identification. It is a thin shell over the core predicates; no
// telemetry flows through it.
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/gpsgate/errors"
	"github.com/c360/gpsgate/health"
	"github.com/c360/gpsgate/metric"
	"github.com/c360/gpsgate/stats"
)

// Config holds admin listener settings.
type Config struct {
	Port int
	Bind string
}

// Deps holds the core interfaces the admin surface consumes.
type Deps struct {
	Monitor     *health.Monitor
	Tracker     *stats.Tracker
	Metrics     *metric.Registry
	Logger      *slog.Logger
	ServiceName string
	Version     string
	Protocols   []string
}

// Server is the admin HTTP server.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	running  atomic.Bool
}

// NewServer creates the admin server.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Monitor == nil || deps.Tracker == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "AdminServer", "NewServer", "dependency validation")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("invalid port %d", cfg.Port),
			"AdminServer", "NewServer", "port validation")
	}
	if cfg.Bind == "" {
		cfg.Bind = "0.0.0.0"
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "admin-http", "port", cfg.Port),
	}, nil
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /{$}", s.handleRoot)
	if s.deps.Metrics != nil {
		mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}

	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port))
	if err != nil {
		return errors.WrapTransient(err, "AdminServer", "Start", "listener bind")
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.running.Store(true)

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Admin server exited", "error", err)
		}
	}()

	s.logger.Info("Admin surface listening", "bind", s.cfg.Bind)
	return nil
}

// Stop shuts the server down gracefully within the timeout.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleHealth serves 200 while every core predicate is healthy and 503
// degraded otherwise, with the full aggregate as the body.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	agg := s.deps.Monitor.AggregateHealth(s.deps.ServiceName)

	code := http.StatusOK
	if !agg.Healthy {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, agg)
}

// handleStats serves the connection statistics snapshot.
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Tracker.Snapshot())
}

// handleRoot serves service identification.
func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service":   s.deps.ServiceName,
		"version":   s.deps.Version,
		"protocols": s.deps.Protocols,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Response write failed", "error", err)
	}
}
