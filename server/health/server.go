// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/courier/delivery"
)

// Config is the probe listener configuration.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
}

// Manager is the delivery state the probes look at.
type Manager interface {
	Closed() bool
	HasStorage() bool
	Stats() delivery.Stats
}

// Server exposes liveness and readiness probes for the delivery manager.
type Server struct {
	config  Config
	manager Manager
	logger  *slog.Logger
	server  *http.Server

	mu       sync.Mutex
	listener net.Listener
}

// New returns a probe server for m. A nil logger discards output.
func New(cfg Config, m Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		config:  cfg,
		manager: m,
		logger:  logger,
	}

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the probe routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	return mux
}

// Addr returns the listener's network address, or "" before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen serves until ctx is canceled.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("health_server_starting", slog.String("addr", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("health_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("health_server_stopped")
		return nil
	}
}

// HealthResponse is the /health body.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth reports 200 while the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

// ReadyResponse is the /ready body. Queue sizes are only set when ready.
type ReadyResponse struct {
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
	Pending  int    `json:"pending"`
	Retry    int    `json:"retry"`
	InFlight int    `json:"inflight"`
}

// handleReady reports 503 once shutdown has started or while no storage
// callback is registered, since queued events cannot make progress.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	var details string
	switch {
	case s.manager == nil:
		details = "delivery manager not initialized"
	case s.manager.Closed():
		details = "shutting down"
	case !s.manager.HasStorage():
		details = "no storage registered"
	}
	if details != "" {
		writeJSON(w, http.StatusServiceUnavailable, ReadyResponse{Status: "not_ready", Details: details})
		return
	}

	stats := s.manager.Stats()
	writeJSON(w, http.StatusOK, ReadyResponse{
		Status:   "ready",
		Pending:  stats.Pending,
		Retry:    stats.Retry,
		InFlight: stats.InFlight,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
