// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/courier/event"
	"github.com/absmach/courier/sink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	s, err := New(Config{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreAndGet(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()

	ev := event.Event{
		ID:         "e1",
		Timestamp:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Payload:    []byte(`{"k":"v"}`),
		Status:     event.StatusRetrying,
		RetryCount: 2,
	}
	require.NoError(t, s.Store(ctx, ev))

	got, err := s.Get(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.Payload, got.Payload)
	assert.Equal(t, 2, got.RetryCount)
	assert.True(t, ev.Timestamp.Equal(got.Timestamp))
}

func TestStoreIsIdempotent(t *testing.T) {
	s := newTestSink(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, event.Event{ID: "e1", Payload: []byte("a")}))
	require.NoError(t, s.Store(ctx, event.Event{ID: "e1", Payload: []byte("a"), RetryCount: 1}))
	require.NoError(t, s.Store(ctx, event.Event{ID: "e2"}))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGetNotFound(t *testing.T) {
	s := newTestSink(t)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, sink.ErrNotFound)
}

func TestStoreAfterClose(t *testing.T) {
	s, err := New(Config{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err = s.Store(context.Background(), event.Event{ID: "e1"})
	assert.ErrorIs(t, err, sink.ErrClosed)
}

func TestStoreCanceledContext(t *testing.T) {
	s := newTestSink(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Store(ctx, event.Event{ID: "e1"}), context.Canceled)
}
