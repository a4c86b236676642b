// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default discards all records.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithTracer sets the tracer used for storage callback spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// WithNowFunc overrides the clock used for event timestamps and retry
// schedules.
func WithNowFunc(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithAlertHandler enables dead letter alerts.
func WithAlertHandler(h AlertHandler) Option {
	return func(m *Manager) {
		m.alerts = h
	}
}

// WithStorage registers the storage callback at construction.
func WithStorage(s Storage) Option {
	return func(m *Manager) {
		m.storage = s
	}
}
