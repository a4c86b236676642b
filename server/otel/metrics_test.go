// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/absmach/courier/delivery"
	"github.com/absmach/courier/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			out[md.Name] = md.Data
		}
	}
	return out
}

func sum(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	s, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "unexpected aggregation %T", data)
	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsCounters(t *testing.T) {
	m, reader := newTestMetrics(t)

	m.EventQueued()
	m.EventQueued()
	m.EventRejected(delivery.RejectQueueFull)
	m.EventRetried(1, 2*time.Second)
	m.EventDelivered(1)
	m.EventDeadLettered(5)
	m.CallbackCompleted(time.Millisecond, errors.New("boom"))
	m.CallbackCompleted(time.Millisecond, nil)
	m.CheckpointCompleted(time.Millisecond, 128, nil)
	m.CheckpointCompleted(time.Millisecond, 0, errors.New("disk full"))

	data := collect(t, reader)
	assert.Equal(t, int64(2), sum(t, data["courier.events.queued"]))
	assert.Equal(t, int64(1), sum(t, data["courier.events.rejected"]))
	assert.Equal(t, int64(1), sum(t, data["courier.events.retried"]))
	assert.Equal(t, int64(1), sum(t, data["courier.events.delivered"]))
	assert.Equal(t, int64(1), sum(t, data["courier.events.dead_lettered"]))
	assert.Equal(t, int64(1), sum(t, data["courier.callback.errors"]))
	assert.Equal(t, int64(1), sum(t, data["courier.checkpoint.errors"]))

	hist, ok := data["courier.checkpoint.size.bytes"].(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

func TestMetricsRegisterStats(t *testing.T) {
	m, reader := newTestMetrics(t)

	reg, err := m.RegisterStats(func() delivery.Stats {
		return delivery.Stats{
			Pending: 3,
			Retry:   2,
			ByStatus: map[event.Status]int{
				event.StatusPending:  3,
				event.StatusRetrying: 2,
			},
		}
	})
	require.NoError(t, err)
	defer reg.Unregister()

	data := collect(t, reader)
	gauge, ok := data["courier.queue.depth"].(metricdata.Gauge[int64])
	require.True(t, ok)

	depths := make(map[string]int64)
	for _, dp := range gauge.DataPoints {
		q, _ := dp.Attributes.Value("queue")
		depths[q.AsString()] = dp.Value
	}
	assert.Equal(t, int64(3), depths["pending"])
	assert.Equal(t, int64(2), depths["retry"])
	assert.Equal(t, int64(0), depths["inflight"])

	byStatus, ok := data["courier.events.by_status"].(metricdata.Gauge[int64])
	require.True(t, ok)
	assert.Len(t, byStatus.DataPoints, len(event.Statuses()))
}
