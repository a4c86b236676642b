// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wiring builds runtime components from configuration.
package wiring

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/absmach/courier/config"
	"github.com/absmach/courier/delivery"
	"github.com/absmach/courier/sink"
	"github.com/absmach/courier/sink/badger"
	"github.com/absmach/courier/sink/sqlite"
	"github.com/absmach/courier/sink/webhook"
)

// NewLogger builds a text or JSON slog logger at the configured level.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewSink opens the configured storage destination.
func NewSink(cfg config.SinkConfig, logger *slog.Logger) (sink.Sink, error) {
	switch cfg.Type {
	case config.SinkBadger:
		s, err := badger.New(badger.Config{Dir: cfg.BadgerDir})
		if err != nil {
			return nil, err
		}
		logger.Info("using badger sink", slog.String("dir", cfg.BadgerDir))
		return s, nil

	case config.SinkSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("using sqlite sink", slog.String("path", cfg.SQLitePath))
		return s, nil

	case config.SinkWebhook:
		s, err := webhook.New(webhook.Config{
			URL:              cfg.Webhook.URL,
			Timeout:          cfg.Webhook.Timeout,
			Headers:          cfg.Webhook.Headers,
			FailureThreshold: cfg.Webhook.CircuitBreaker.FailureThreshold,
			ResetTimeout:     cfg.Webhook.CircuitBreaker.ResetTimeout,
		}, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("using webhook sink", slog.String("url", cfg.Webhook.URL))
		return s, nil

	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
}

// NewAlertHandler returns the dead letter alert handler, or nil when no
// alert webhook is configured.
func NewAlertHandler(cfg config.DeadLetterConfig) delivery.AlertHandler {
	if !cfg.Enabled || cfg.AlertWebhook == "" {
		return nil
	}
	return delivery.NewHTTPAlertHandler(cfg.AlertWebhook, cfg.AlertTimeout)
}
