// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"github.com/absmach/courier/delivery"
	"github.com/absmach/courier/event"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/absmach/courier"

var _ delivery.Metrics = (*Metrics)(nil)

// Metrics records delivery lifecycle events as OpenTelemetry instruments.
type Metrics struct {
	meter metric.Meter

	eventsQueued       metric.Int64Counter
	eventsRejected     metric.Int64Counter
	eventsDelivered    metric.Int64Counter
	eventsRetried      metric.Int64Counter
	eventsDeadLettered metric.Int64Counter
	callbackErrors     metric.Int64Counter
	checkpointErrors   metric.Int64Counter

	deliveryAttempts   metric.Int64Histogram
	retryDelay         metric.Float64Histogram
	callbackDuration   metric.Float64Histogram
	checkpointDuration metric.Float64Histogram
	checkpointSize     metric.Int64Histogram
}

// NewMetrics creates the instruments on mp, or on the global provider
// when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{meter: mp.Meter(instrumentationName)}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.eventsQueued, "courier.events.queued", "Events accepted into the pending queue"},
		{&m.eventsRejected, "courier.events.rejected", "Events refused at submission, by reason"},
		{&m.eventsDelivered, "courier.events.delivered", "Events confirmed by storage"},
		{&m.eventsRetried, "courier.events.retried", "Retries scheduled after a failed delivery"},
		{&m.eventsDeadLettered, "courier.events.dead_lettered", "Events that exhausted their retries"},
		{&m.callbackErrors, "courier.callback.errors", "Failed storage callback invocations"},
		{&m.checkpointErrors, "courier.checkpoint.errors", "Failed checkpoint writes"},
	}
	for _, c := range counters {
		counter, err := m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	var err error
	m.deliveryAttempts, err = m.meter.Int64Histogram(
		"courier.delivery.attempts",
		metric.WithDescription("Retries needed before an event was delivered"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryAttempts histogram: %w", err)
	}

	m.retryDelay, err = m.meter.Float64Histogram(
		"courier.retry.delay.ms",
		metric.WithDescription("Backoff delay of scheduled retries in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retryDelay histogram: %w", err)
	}

	m.callbackDuration, err = m.meter.Float64Histogram(
		"courier.callback.duration.ms",
		metric.WithDescription("Storage callback duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callbackDuration histogram: %w", err)
	}

	m.checkpointDuration, err = m.meter.Float64Histogram(
		"courier.checkpoint.duration.ms",
		metric.WithDescription("Checkpoint write duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpointDuration histogram: %w", err)
	}

	m.checkpointSize, err = m.meter.Int64Histogram(
		"courier.checkpoint.size.bytes",
		metric.WithDescription("Checkpoint file size"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkpointSize histogram: %w", err)
	}

	return m, nil
}

// RegisterStats exports queue depths and the status histogram as
// observable gauges read from stats on every collection.
func (m *Metrics) RegisterStats(stats func() delivery.Stats) (metric.Registration, error) {
	queueDepth, err := m.meter.Int64ObservableGauge(
		"courier.queue.depth",
		metric.WithDescription("Events waiting in each queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queueDepth gauge: %w", err)
	}

	eventsByStatus, err := m.meter.Int64ObservableGauge(
		"courier.events.by_status",
		metric.WithDescription("Stored events by delivery status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create eventsByStatus gauge: %w", err)
	}

	return m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(queueDepth, int64(s.Pending), metric.WithAttributes(attribute.String("queue", "pending")))
		o.ObserveInt64(queueDepth, int64(s.Retry), metric.WithAttributes(attribute.String("queue", "retry")))
		o.ObserveInt64(queueDepth, int64(s.InFlight), metric.WithAttributes(attribute.String("queue", "inflight")))
		for _, st := range event.Statuses() {
			o.ObserveInt64(eventsByStatus, int64(s.ByStatus[st]), metric.WithAttributes(attribute.String("status", st.String())))
		}
		return nil
	}, queueDepth, eventsByStatus)
}

func (m *Metrics) EventQueued() {
	m.eventsQueued.Add(context.Background(), 1)
}

func (m *Metrics) EventRejected(reason string) {
	m.eventsRejected.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

func (m *Metrics) EventDelivered(retryCount int) {
	ctx := context.Background()
	m.eventsDelivered.Add(ctx, 1)
	m.deliveryAttempts.Record(ctx, int64(retryCount))
}

func (m *Metrics) EventRetried(retryCount int, delay time.Duration) {
	ctx := context.Background()
	m.eventsRetried.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("retry_count", retryCount),
	))
	m.retryDelay.Record(ctx, float64(delay.Milliseconds()))
}

func (m *Metrics) EventDeadLettered(retryCount int) {
	m.eventsDeadLettered.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int("retry_count", retryCount),
	))
}

func (m *Metrics) CallbackCompleted(d time.Duration, err error) {
	ctx := context.Background()
	m.callbackDuration.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(
		attribute.Bool("success", err == nil),
	))
	if err != nil {
		m.callbackErrors.Add(ctx, 1)
	}
}

func (m *Metrics) CheckpointCompleted(d time.Duration, size int, err error) {
	ctx := context.Background()
	if err != nil {
		m.checkpointErrors.Add(ctx, 1)
		return
	}
	m.checkpointDuration.Record(ctx, float64(d.Microseconds())/1000)
	m.checkpointSize.Record(ctx, int64(size))
}
