// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package webhook delivers events to an HTTP endpoint behind a circuit
// breaker. While the breaker is open Store fails fast, which the delivery
// manager treats as an ordinary failure and retries with backoff.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/courier/event"
	"github.com/absmach/courier/sink"
	"github.com/sony/gobreaker"
)

var _ sink.Sink = (*Sink)(nil)

// ErrMissingURL is returned by New when no endpoint is configured.
var ErrMissingURL = errors.New("webhook url is required")

// Config holds webhook sink configuration.
type Config struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string

	// FailureThreshold consecutive failures open the breaker for
	// ResetTimeout, after which a single probe request is let through.
	FailureThreshold int
	ResetTimeout     time.Duration
}

// Sink posts each event as JSON to the configured URL.
type Sink struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// New creates a webhook sink.
func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.URL == "" {
		return nil, ErrMissingURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Sink{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.URL,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("webhook sink circuit breaker state changed",
				slog.String("endpoint", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return s, nil
}

// Store posts the event. Any non-2xx response is a failure.
func (s *Sink) Store(ctx context.Context, ev event.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, ev.ID, body)
	})
	return err
}

func (s *Sink) post(ctx context.Context, id string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "courier/1.0")
	// Receivers can deduplicate redeliveries on this key.
	req.Header.Set("Idempotency-Key", id)
	for key, value := range s.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned non-2xx status: %d", resp.StatusCode)
	}
	return nil
}

// State returns the circuit breaker state.
func (s *Sink) State() gobreaker.State {
	return s.breaker.State()
}

// Close releases idle connections.
func (s *Sink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
