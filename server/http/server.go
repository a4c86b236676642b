// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http exposes the producer API: submit events, inspect them and
// drive the delivery lifecycle by hand.
package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/courier/delivery"
	"github.com/absmach/courier/event"
	"github.com/absmach/courier/ratelimit"
)

// ProducerHeader identifies the producer for rate limiting. Requests
// without it are keyed by remote IP.
const ProducerHeader = "X-Producer-ID"

// Queue is the subset of the delivery manager the API uses.
type Queue interface {
	QueueEvent(ev event.Event) (string, error)
	GetEvent(id string) (event.Event, bool)
	ConfirmDelivery(id string) bool
	RetryFailedDelivery(id string) bool
	RequeueDeadLetter(id string) bool
	Stats() delivery.Stats
}

type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	TLSConfig       *tls.Config
	// MaxPayloadSize bounds the request body; 0 disables the check.
	MaxPayloadSize int64
}

type Server struct {
	config  Config
	queue   Queue
	limiter *ratelimit.ProducerLimiter
	logger  *slog.Logger
	server  *http.Server
}

// New creates the API server. limiter may be nil.
func New(cfg Config, q Queue, limiter *ratelimit.ProducerLimiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		config:  cfg,
		queue:   q,
		limiter: limiter,
		logger:  logger,
	}

	s.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.Handler(),
		TLSConfig:         cfg.TLSConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", s.handleQueue)
	mux.HandleFunc("GET /events/{id}", s.handleGet)
	mux.HandleFunc("POST /events/{id}/confirm", s.handleConfirm)
	mux.HandleFunc("POST /events/{id}/retry", s.handleRetry)
	mux.HandleFunc("POST /events/{id}/requeue", s.handleRequeue)
	mux.HandleFunc("GET /stats", s.handleStats)
	return mux
}

func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("http_api_starting", slog.String("addr", s.config.Address))

	errCh := make(chan error, 1)
	go func() {
		if s.config.TLSConfig != nil {
			if err := s.server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			return
		}
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("http_api_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("http_api_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("http_api_stopped")
		return nil
	}
}

type queueRequest struct {
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Payload   []byte    `json:"payload"`
}

type queueResponse struct {
	ID string `json:"id"`
}

type statusResponse struct {
	ID     string       `json:"id"`
	Status event.Status `json:"status"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow(producerKey(r)) {
		s.logger.Warn("http_queue_rate_limited", slog.String("producer", producerKey(r)))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	body := r.Body
	if s.config.MaxPayloadSize > 0 {
		body = http.MaxBytesReader(w, r.Body, s.config.MaxPayloadSize)
	}

	var req queueRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		s.logger.Warn("http_queue_invalid_request", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	id, err := s.queue.QueueEvent(event.Event{
		ID:        req.ID,
		Timestamp: req.Timestamp,
		Payload:   req.Payload,
	})
	switch {
	case err == nil:
	case errors.Is(err, delivery.ErrQueueFull), errors.Is(err, delivery.ErrClosed):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, delivery.ErrDuplicateEvent):
		writeError(w, http.StatusConflict, err.Error())
		return
	default:
		s.logger.Error("http_queue_failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Debug("http_queue",
		slog.String("event_id", id),
		slog.Int("payload_size", len(req.Payload)))

	writeJSON(w, http.StatusAccepted, queueResponse{ID: id})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.queue.GetEvent(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.queue.ConfirmDelivery)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.queue.RetryFailedDelivery)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.queue.RequeueDeadLetter)
}

// transition applies op to the event in the path. Unknown events are 404,
// rejected transitions 409.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, op func(string) bool) {
	id := r.PathValue("id")
	if _, ok := s.queue.GetEvent(id); !ok {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}

	if !op(id) {
		ev, _ := s.queue.GetEvent(id)
		writeError(w, http.StatusConflict,
			fmt.Sprintf("transition not allowed from %s", ev.Status))
		return
	}

	ev, _ := s.queue.GetEvent(id)
	writeJSON(w, http.StatusOK, statusResponse{ID: id, Status: ev.Status})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.Stats())
}

func producerKey(r *http.Request) string {
	if id := r.Header.Get(ProducerHeader); id != "" {
		return id
	}
	return ratelimit.HostKey(r.RemoteAddr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
