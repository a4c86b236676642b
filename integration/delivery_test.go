// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/courier/delivery"
	"github.com/absmach/courier/event"
	apihttp "github.com/absmach/courier/server/http"
	"github.com/absmach/courier/sink"
	"github.com/absmach/courier/sink/badger"
	"github.com/absmach/courier/sink/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(dir string) delivery.Config {
	cfg := delivery.DefaultConfig()
	cfg.CheckpointPath = filepath.Join(dir, "events.ckpt")
	cfg.CheckpointInterval = 0
	cfg.BackoffUnit = time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func TestHTTPToSQLite(t *testing.T) {
	dir := t.TempDir()

	store, err := sqlite.Open(filepath.Join(dir, "events.db"))
	require.NoError(t, err)
	defer store.Close()

	m, err := delivery.New(fastConfig(dir), delivery.WithStorage(store))
	require.NoError(t, err)
	defer m.Shutdown()

	srv := httptest.NewServer(apihttp.New(apihttp.Config{}, m, nil, nil).Handler())
	defer srv.Close()

	var ids []string
	for _, payload := range []string{"one", "two", "three"} {
		body, _ := json.Marshal(map[string]any{"payload": []byte(payload)})
		resp, err := http.Post(srv.URL+"/events", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)

		var out struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		resp.Body.Close()
		ids = append(ids, out.ID)
	}

	ctx := context.Background()
	require.Eventually(t, func() bool {
		n, err := store.Count(ctx)
		return err == nil && n == 3
	}, 2*time.Second, 10*time.Millisecond)

	for _, id := range ids {
		require.Eventually(t, func() bool {
			ev, _ := m.GetEvent(id)
			return ev.Status == event.StatusDelivered
		}, 2*time.Second, 10*time.Millisecond)
	}

	ev, err := store.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), ev.Payload)
}

// flakySink fails until healthy is set, then writes through to next.
type flakySink struct {
	next    sink.Sink
	healthy atomic.Bool
}

func (f *flakySink) Store(ctx context.Context, ev event.Event) error {
	if !f.healthy.Load() {
		return errors.New("sink unavailable")
	}
	return f.next.Store(ctx, ev)
}

func TestRestartRedeliversToBadger(t *testing.T) {
	dir := t.TempDir()
	cfg := fastConfig(dir)
	cfg.BackoffUnit = 10 * time.Millisecond
	cfg.MaxBackoff = 20 * time.Millisecond
	cfg.MaxRetries = 1000

	store, err := badger.New(badger.Config{Dir: filepath.Join(dir, "badger")})
	require.NoError(t, err)
	defer store.Close()

	flaky := &flakySink{next: store}
	m, err := delivery.New(cfg, delivery.WithStorage(flaky))
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.QueueEvent(event.Event{ID: id, Payload: []byte(id)})
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		return m.Stats().ByStatus[event.StatusRetrying] == 3
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, m.Shutdown())

	// The storage recovers while the service is down.
	flaky.healthy.Store(true)

	restarted, err := delivery.New(cfg, delivery.WithStorage(flaky))
	require.NoError(t, err)
	defer restarted.Shutdown()

	ctx := context.Background()
	require.Eventually(t, func() bool {
		n, err := store.Count(ctx)
		return err == nil && n == 3
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return restarted.Stats().ByStatus[event.StatusDelivered] == 3
	}, 2*time.Second, 10*time.Millisecond)

	ev, err := store.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), ev.Payload)
	assert.Positive(t, ev.RetryCount)
}
